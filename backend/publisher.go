// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// UpdateStream is the redis stream that receives every committed sheet.
const UpdateStream = "scoresheets.updates"

// UpdatePublisher appends committed sheets to a redis stream for the rest of
// the league app. A nil *UpdatePublisher publishes nothing.
type UpdatePublisher struct {
	client *redis.Client
	stream string
}

func NewUpdatePublisher(client *redis.Client) *UpdatePublisher {
	return &UpdatePublisher{client: client, stream: UpdateStream}
}

// Publish appends doc to the stream. Tombstones are published with an empty
// sheet and status "deleted".
func (p *UpdatePublisher) Publish(ctx context.Context, doc *Document) error {
	if p == nil || p.client == nil || doc == nil {
		return nil
	}
	values := map[string]interface{}{
		"sheet_id": doc.ID,
		"status":   doc.Status,
	}
	if doc.Status != StatusDeleted && doc.Sheet != nil {
		data, err := json.Marshal(doc.Sheet)
		if err != nil {
			return fmt.Errorf("marshaling sheet update: %w", err)
		}
		values["data"] = string(data)
		values["total_runs"] = strconv.Itoa(doc.Sheet.TotalRuns)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 10000,
		Approx: true,
		Values: values,
	}).Err()
}

func (p *UpdatePublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
