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

package scoresheet

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilSheet        = errors.New("nil score sheet")
	ErrUnknownEdit     = errors.New("unknown edit type")
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrDuplicatePlayerID is returned when an edit would give a player an
	// id another player of the lineup already has.
	ErrDuplicatePlayerID = errors.New("duplicate player id")
)

// EditType names one of the scorer's write paths.
type EditType string

const (
	EditApplyEvent      EditType = "APPLY_EVENT"
	EditToggleBase      EditType = "TOGGLE_BASE"
	EditSetScored       EditType = "SET_SCORED"
	EditToggleScored    EditType = "TOGGLE_SCORED"
	EditSetRBI          EditType = "SET_RBI"
	EditSetOut          EditType = "SET_OUT"
	EditSetNote         EditType = "SET_NOTE"
	EditReplaceCell     EditType = "REPLACE_CELL"
	EditClearCell       EditType = "CLEAR_CELL"
	EditSetSubstitution EditType = "SET_SUBSTITUTION"
	EditUpdatePlayer    EditType = "UPDATE_PLAYER"
	EditUpdateGameInfo  EditType = "UPDATE_GAME_INFO"
	EditAddInning       EditType = "ADD_INNING"
	EditAddPlayer       EditType = "ADD_PLAYER"
	EditSetComplete     EditType = "SET_COMPLETE"
	EditSetVerified     EditType = "SET_VERIFIED"
)

// PlayerInfo carries a partial update of a lineup slot's descriptive
// fields. Nil fields are left unchanged.
type PlayerInfo struct {
	ID       *string `json:"id,omitempty"`
	Name     *string `json:"name,omitempty"`
	Position *string `json:"position,omitempty"`
	Number   *string `json:"number,omitempty"`
}

// Edit is a single change to a sheet. Player and Inning are 0-indexed;
// SubInning is the 1-indexed substitution inning.
type Edit struct {
	Type       EditType    `json:"type"`
	Player     int         `json:"player"`
	Inning     int         `json:"inning"`
	Event      string      `json:"event,omitempty"`
	Base       int         `json:"base,omitempty"`
	Scored     bool        `json:"scored,omitempty"`
	RBI        int         `json:"rbi,omitempty"`
	Text       string      `json:"text,omitempty"`
	Cell       *InningCell `json:"cell,omitempty"`
	SubInning  *int        `json:"subInning,omitempty"`
	PlayerInfo *PlayerInfo `json:"playerInfo,omitempty"`
	GameInfo   *GameInfo   `json:"gameInfo,omitempty"`
	Flag       bool        `json:"flag,omitempty"`
}

// IsCellEdit reports whether the edit targets a single inning cell.
func (t EditType) IsCellEdit() bool {
	switch t {
	case EditApplyEvent, EditToggleBase, EditSetScored, EditToggleScored,
		EditSetRBI, EditSetOut, EditSetNote, EditReplaceCell, EditClearCell:
		return true
	}
	return false
}

// Apply returns a new sheet with e applied. s is not modified. Totals of
// the affected inning are recomputed and Metadata.LastUpdated is set to now.
func Apply(s *ScoreSheet, e Edit, now time.Time) (*ScoreSheet, error) {
	return ApplyAll(s, []Edit{e}, now)
}

// ApplyAll applies a batch of edits as one step: either every edit is
// applied to a fresh copy of s, or an error is returned and nothing changes.
func ApplyAll(s *ScoreSheet, edits []Edit, now time.Time) (*ScoreSheet, error) {
	if s == nil {
		return nil, ErrNilSheet
	}
	next := s.Clone()
	for i, e := range edits {
		if err := apply(next, e); err != nil {
			if len(edits) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("edit %d (%s): %w", i, e.Type, err)
		}
	}
	next.Metadata.LastUpdated = now
	return next, nil
}

func apply(s *ScoreSheet, e Edit) error {
	if e.Type.IsCellEdit() {
		cell, err := cellAt(s, e.Player, e.Inning)
		if err != nil {
			return err
		}
		*cell = applyCell(*cell, e)
		RecomputeInning(s, e.Inning)
		return nil
	}

	switch e.Type {
	case EditSetSubstitution:
		if err := checkPlayer(s, e.Player); err != nil {
			return err
		}
		s.Players[e.Player] = SetSubstitution(s.Players[e.Player], e.SubInning)
	case EditUpdatePlayer:
		if err := checkPlayer(s, e.Player); err != nil {
			return err
		}
		if e.PlayerInfo != nil {
			if id := e.PlayerInfo.ID; id != nil && *id != "" {
				for i, p := range s.Players {
					if i != e.Player && p.ID == *id {
						return fmt.Errorf("%w: %q (player %d)", ErrDuplicatePlayerID, *id, i)
					}
				}
			}
			updatePlayer(&s.Players[e.Player], *e.PlayerInfo)
		}
	case EditUpdateGameInfo:
		if e.GameInfo != nil {
			s.GameInfo = *e.GameInfo
		}
	case EditAddInning:
		n := longestRow(s)
		for i := range s.Players {
			for len(s.Players[i].Innings) <= n {
				s.Players[i].Innings = append(s.Players[i].Innings, NewEmptyInning())
			}
		}
		RecomputeInning(s, n)
	case EditAddPlayer:
		width := longestRow(s)
		if width == 0 {
			width = s.MaxInnings()
		}
		if width == 0 {
			width = DefaultMaxInnings
		}
		s.Players = append(s.Players, NewEmptyPlayer(nextPlayerIndex(s), width))
	case EditSetComplete:
		s.Metadata.IsComplete = e.Flag
	case EditSetVerified:
		s.Metadata.IsVerified = e.Flag
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEdit, e.Type)
	}
	return nil
}

func applyCell(c InningCell, e Edit) InningCell {
	switch e.Type {
	case EditApplyEvent:
		return ApplyEvent(c, e.Event)
	case EditToggleBase:
		return ToggleBase(c, e.Base)
	case EditSetScored:
		return SetScored(c, e.Scored)
	case EditToggleScored:
		return ToggleScored(c)
	case EditSetRBI:
		return SetRBI(c, e.RBI)
	case EditSetOut:
		return SetOutDetail(c, e.Text)
	case EditSetNote:
		return SetNote(c, e.Text)
	case EditReplaceCell:
		if e.Cell == nil {
			return NewEmptyInning()
		}
		next := *e.Cell
		next.Diamond.RBI = clampRBI(next.Diamond.RBI)
		return next
	case EditClearCell:
		return NewEmptyInning()
	}
	return c
}

func updatePlayer(p *Player, info PlayerInfo) {
	if info.ID != nil && *info.ID != "" {
		p.ID = *info.ID
	}
	if info.Name != nil {
		p.Name = *info.Name
	}
	if info.Position != nil {
		p.Position = *info.Position
	}
	if info.Number != nil {
		p.Number = *info.Number
	}
}

// longestRow returns the number of cells in the longest player row.
func longestRow(s *ScoreSheet) int {
	n := 0
	for _, p := range s.Players {
		if len(p.Innings) > n {
			n = len(p.Innings)
		}
	}
	return n
}

// nextPlayerIndex picks the first generated id not already used on the
// sheet.
func nextPlayerIndex(s *ScoreSheet) int {
	used := make(map[string]bool, len(s.Players))
	for _, p := range s.Players {
		used[p.ID] = true
	}
	i := len(s.Players)
	for used[PlayerID(i)] {
		i++
	}
	return i
}

func checkPlayer(s *ScoreSheet, player int) error {
	if player < 0 || player >= len(s.Players) {
		return fmt.Errorf("%w: player %d (lineup has %d)", ErrIndexOutOfRange, player, len(s.Players))
	}
	return nil
}

func cellAt(s *ScoreSheet, player, inning int) (*InningCell, error) {
	if err := checkPlayer(s, player); err != nil {
		return nil, err
	}
	p := &s.Players[player]
	if inning < 0 || inning >= len(p.Innings) {
		return nil, fmt.Errorf("%w: inning %d (row has %d)", ErrIndexOutOfRange, inning, len(p.Innings))
	}
	return &p.Innings[inning], nil
}
