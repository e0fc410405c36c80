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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/ttbt-io/dugout/backend/scoresheet"
)

var ErrSheetDeleted = errors.New("sheet is deleted")

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// EditEnvelope is an edit as sent by a client. The payload carries the
// fields of a scoresheet.Edit; its type comes from the envelope.
type EditEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func decodeEnvelope(raw json.RawMessage) (EditEnvelope, scoresheet.Edit, error) {
	var env EditEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, scoresheet.Edit{}, fmt.Errorf("malformed edit JSON")
	}
	var e scoresheet.Edit
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return env, e, fmt.Errorf("malformed payload for edit %s: %w", env.ID, err)
		}
	}
	e.Type = scoresheet.EditType(env.Type)
	return env, e, nil
}

// ValidateEdit validates a single edit envelope from raw JSON.
func ValidateEdit(raw json.RawMessage) error {
	env, e, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}
	if !isValidUUID(env.ID) {
		return fmt.Errorf("invalid edit ID: %s", env.ID)
	}
	if env.Type == "" {
		return fmt.Errorf("missing edit type")
	}
	return validateEditPayload(e)
}

// ValidateEdits validates a batch of edits.
func ValidateEdits(raws []json.RawMessage) error {
	if len(raws) > MaxEditBatch {
		return fmt.Errorf("too many edits in one batch (max %d)", MaxEditBatch)
	}
	for i, raw := range raws {
		if err := ValidateEdit(raw); err != nil {
			return fmt.Errorf("edit %d: %w", i, err)
		}
	}
	return nil
}

// validateEditPayload checks the bounds of the fields each edit type uses.
func validateEditPayload(e scoresheet.Edit) error {
	switch e.Type {
	case scoresheet.EditApplyEvent:
		if err := validateCellRef(e); err != nil {
			return err
		}
		return validateStringLen(e.Event, MaxEventLen, "event")
	case scoresheet.EditToggleBase:
		if err := validateCellRef(e); err != nil {
			return err
		}
		if e.Base < 0 || e.Base > 2 {
			return fmt.Errorf("invalid base: %d", e.Base)
		}
	case scoresheet.EditSetScored, scoresheet.EditToggleScored, scoresheet.EditClearCell:
		return validateCellRef(e)
	case scoresheet.EditSetRBI:
		if err := validateCellRef(e); err != nil {
			return err
		}
		if e.RBI < 0 || e.RBI > scoresheet.MaxRBI {
			return fmt.Errorf("invalid rbi: %d", e.RBI)
		}
	case scoresheet.EditSetOut, scoresheet.EditSetNote:
		if err := validateCellRef(e); err != nil {
			return err
		}
		return validateStringLen(e.Text, MaxTextLen, "text")
	case scoresheet.EditReplaceCell:
		if err := validateCellRef(e); err != nil {
			return err
		}
		if e.Cell == nil {
			return fmt.Errorf("missing cell")
		}
		if e.Cell.Diamond.RBI < 0 || e.Cell.Diamond.RBI > scoresheet.MaxRBI {
			return fmt.Errorf("invalid rbi: %d", e.Cell.Diamond.RBI)
		}
		if err := validateStringLen(e.Cell.Events.Primary, MaxEventLen, "event"); err != nil {
			return err
		}
		if err := validateStringLen(e.Cell.Events.Out, MaxTextLen, "out"); err != nil {
			return err
		}
		return validateStringLen(e.Cell.Events.Note, MaxTextLen, "note")
	case scoresheet.EditSetSubstitution:
		return validatePlayerRef(e.Player)
	case scoresheet.EditUpdatePlayer:
		if err := validatePlayerRef(e.Player); err != nil {
			return err
		}
		if e.PlayerInfo == nil {
			return fmt.Errorf("missing playerInfo")
		}
		if e.PlayerInfo.ID != nil && *e.PlayerInfo.ID == "" {
			return fmt.Errorf("player id must not be empty")
		}
		for name, v := range map[string]*string{
			"player id": e.PlayerInfo.ID,
			"name":      e.PlayerInfo.Name,
			"position":  e.PlayerInfo.Position,
			"number":    e.PlayerInfo.Number,
		} {
			if v == nil {
				continue
			}
			if err := validateStringLen(*v, MaxTextLen, name); err != nil {
				return err
			}
		}
	case scoresheet.EditUpdateGameInfo:
		if e.GameInfo == nil {
			return fmt.Errorf("missing gameInfo")
		}
		return validateGameInfo(*e.GameInfo)
	case scoresheet.EditAddInning, scoresheet.EditAddPlayer,
		scoresheet.EditSetComplete, scoresheet.EditSetVerified:
		return nil
	default:
		return fmt.Errorf("unknown edit type: %s", e.Type)
	}
	return nil
}

func validateGameInfo(g scoresheet.GameInfo) error {
	for _, f := range []struct{ name, v string }{
		{"date", g.Date}, {"opponent", g.Opponent}, {"location", g.Location},
		{"gameId", g.GameID}, {"teamId", g.TeamID}, {"weather", g.Weather}, {"notes", g.Notes},
	} {
		if err := validateStringLen(f.v, MaxTextLen, f.name); err != nil {
			return err
		}
	}
	return nil
}

func validatePlayerRef(player int) error {
	if player < 0 || player > MaxPlayerIndex {
		return fmt.Errorf("invalid player index: %d", player)
	}
	return nil
}

func validateCellRef(e scoresheet.Edit) error {
	if err := validatePlayerRef(e.Player); err != nil {
		return err
	}
	if e.Inning < 0 || e.Inning > MaxInningIndex {
		return fmt.Errorf("invalid inning index: %d", e.Inning)
	}
	return nil
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

// ApplyEdits applies a batch of edit envelopes to the document in one step.
// Edits whose id was already applied are skipped. It assumes validation has
// already been performed. Returns true if the sheet changed.
func ApplyEdits(doc *Document, raws []json.RawMessage, now time.Time) (bool, error) {
	if doc.Status == StatusDeleted {
		return false, ErrSheetDeleted
	}
	if doc.Sheet == nil {
		return false, scoresheet.ErrNilSheet
	}

	var ids []string
	var edits []scoresheet.Edit
	for _, raw := range raws {
		env, e, err := decodeEnvelope(raw)
		if err != nil {
			return false, err
		}
		if slices.Contains(doc.RecentEdits, env.ID) || slices.Contains(ids, env.ID) {
			continue
		}
		ids = append(ids, env.ID)
		edits = append(edits, e)
	}
	if len(edits) == 0 {
		return false, nil
	}

	next, err := scoresheet.ApplyAll(doc.Sheet, edits, now)
	if err != nil {
		return false, err
	}
	doc.Sheet = next
	doc.RecentEdits = append(doc.RecentEdits, ids...)
	if n := len(doc.RecentEdits); n > maxRecentEdits {
		doc.RecentEdits = slices.Clone(doc.RecentEdits[n-maxRecentEdits:])
	}
	doc.LastEditID = ids[len(ids)-1]
	return true, nil
}
