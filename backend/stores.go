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
	"log"
	"time"
)

// Stores bundles everything a committed sheet is written to. Stats and
// Publisher may be nil.
type Stores struct {
	Sheets    *SheetStore
	Registry  *Registry
	Stats     *StatsIndex
	Publisher *UpdatePublisher
}

// commit persists doc and propagates it to the registry, the stats index and
// the update stream. Only the sheet store is authoritative: failures of the
// secondary indexes are logged.
func (st *Stores) commit(doc *Document, forceSync bool) error {
	if err := st.Sheets.SaveSheetInMemory(doc, forceSync); err != nil {
		return err
	}
	st.Registry.UpdateSheet(doc.Metadata())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if doc.Status == StatusDeleted {
		err = st.Stats.RemoveSheet(ctx, doc.ID)
	} else {
		err = st.Stats.IndexSheet(ctx, doc.ID, doc.Sheet)
	}
	if err != nil {
		log.Printf("Warning: stats index update for sheet %s failed: %v", doc.ID, err)
	}
	if err := st.Publisher.Publish(ctx, doc); err != nil {
		log.Printf("Warning: publishing update for sheet %s failed: %v", doc.ID, err)
	}
	return nil
}
