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
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"
)

func mustApply(t *testing.T, s *ScoreSheet, e Edit) *ScoreSheet {
	t.Helper()
	next, err := Apply(s, e, testNow)
	if err != nil {
		t.Fatalf("Apply(%+v): %v", e, err)
	}
	return next
}

func TestApply_SingleStealScoreClear(t *testing.T) {
	s := NewEmptyScoreSheet(7, 9, testNow)

	s = mustApply(t, s, Edit{Type: EditApplyEvent, Player: 0, Inning: 0, Event: "1B"})
	if got := s.Players[0].Innings[0].Diamond.Bases; got != [3]bool{true, false, false} {
		t.Fatalf("after 1B bases = %v", got)
	}
	if s.InningTotals[0] != 0 || s.TotalRuns != 0 {
		t.Fatalf("single should not score: %v / %d", s.InningTotals, s.TotalRuns)
	}

	s = mustApply(t, s, Edit{Type: EditSetScored, Player: 0, Inning: 0, Scored: true})
	if s.InningTotals[0] != 1 || s.TotalRuns != 1 {
		t.Fatalf("after score: %v / %d", s.InningTotals, s.TotalRuns)
	}

	s = mustApply(t, s, Edit{Type: EditApplyEvent, Player: 0, Inning: 0, Event: EventClear})
	if s.Players[0].Innings[0] != NewEmptyInning() {
		t.Errorf("cell not cleared: %+v", s.Players[0].Innings[0])
	}
	if s.InningTotals[0] != 0 || s.TotalRuns != 0 {
		t.Errorf("after clear: %v / %d", s.InningTotals, s.TotalRuns)
	}
}

func TestApply_InputUnchanged(t *testing.T) {
	s := NewEmptyScoreSheet(3, 2, testNow.Add(-time.Hour))
	before, _ := json.Marshal(s)

	next := mustApply(t, s, Edit{Type: EditApplyEvent, Player: 1, Inning: 2, Event: "HR"})
	after, _ := json.Marshal(s)
	if string(before) != string(after) {
		t.Error("Apply modified its input")
	}
	if next.TotalRuns != 1 || s.TotalRuns != 0 {
		t.Errorf("totals: next %d, input %d", next.TotalRuns, s.TotalRuns)
	}
	if !next.Metadata.LastUpdated.Equal(testNow) {
		t.Errorf("lastUpdated = %v", next.Metadata.LastUpdated)
	}
}

func TestApply_OutOfRange(t *testing.T) {
	s := NewEmptyScoreSheet(3, 2, testNow)
	for _, e := range []Edit{
		{Type: EditApplyEvent, Player: 2, Inning: 0, Event: "1B"},
		{Type: EditApplyEvent, Player: -1, Inning: 0, Event: "1B"},
		{Type: EditToggleScored, Player: 0, Inning: 3},
		{Type: EditSetRBI, Player: 0, Inning: -1, RBI: 1},
		{Type: EditSetSubstitution, Player: 5},
		{Type: EditUpdatePlayer, Player: 9},
	} {
		if _, err := Apply(s, e, testNow); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("%+v: err = %v, want ErrIndexOutOfRange", e, err)
		}
	}
	if _, err := Apply(s, Edit{Type: "BOGUS"}, testNow); !errors.Is(err, ErrUnknownEdit) {
		t.Errorf("unknown edit: err = %v", err)
	}
	if _, err := Apply(nil, Edit{Type: EditAddInning}, testNow); !errors.Is(err, ErrNilSheet) {
		t.Errorf("nil sheet: err = %v", err)
	}
}

func TestApplyAll_Atomic(t *testing.T) {
	s := NewEmptyScoreSheet(3, 2, testNow)
	_, err := ApplyAll(s, []Edit{
		{Type: EditApplyEvent, Player: 0, Inning: 0, Event: "HR"},
		{Type: EditApplyEvent, Player: 7, Inning: 0, Event: "HR"},
	}, testNow)
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if s.TotalRuns != 0 || s.Players[0].Innings[0] != NewEmptyInning() {
		t.Error("failed batch left partial changes behind")
	}
}

// Edits to different cells converge to the same totals in any order.
func TestApplyAll_OrderIndependent(t *testing.T) {
	edits := []Edit{
		{Type: EditApplyEvent, Player: 0, Inning: 0, Event: "HR"},
		{Type: EditSetScored, Player: 3, Inning: 0, Scored: true},
		{Type: EditApplyEvent, Player: 5, Inning: 2, Event: "HR"},
		{Type: EditToggleScored, Player: 8, Inning: 6},
	}
	base := NewEmptyScoreSheet(0, 0, testNow)
	want, err := ApplyAll(base, edits, testNow)
	if err != nil {
		t.Fatal(err)
	}
	reversed := slices.Clone(edits)
	slices.Reverse(reversed)
	got, err := ApplyAll(base, reversed, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.InningTotals, want.InningTotals) || got.TotalRuns != want.TotalRuns {
		t.Errorf("reversed: %v / %d, want %v / %d", got.InningTotals, got.TotalRuns, want.InningTotals, want.TotalRuns)
	}
	if want.TotalRuns != 4 {
		t.Errorf("totalRuns = %d, want 4", want.TotalRuns)
	}
}

func TestApply_SheetEdits(t *testing.T) {
	s := NewEmptyScoreSheet(2, 2, testNow)

	s = mustApply(t, s, Edit{Type: EditAddInning})
	if len(s.InningTotals) != 3 {
		t.Errorf("inningTotals = %v", s.InningTotals)
	}
	for i, p := range s.Players {
		if len(p.Innings) != 3 {
			t.Errorf("player %d innings = %d", i, len(p.Innings))
		}
	}

	s = mustApply(t, s, Edit{Type: EditAddPlayer})
	if len(s.Players) != 3 || s.Players[2].ID != "player-2" || len(s.Players[2].Innings) != 3 {
		t.Errorf("added player = %+v", s.Players[len(s.Players)-1])
	}

	name, num := "Dee", "4"
	s = mustApply(t, s, Edit{Type: EditUpdatePlayer, Player: 2, PlayerInfo: &PlayerInfo{Name: &name, Number: &num}})
	if p := s.Players[2]; p.Name != "Dee" || p.Number != "4" || p.ID != "player-2" {
		t.Errorf("updated player = %+v", p)
	}

	taken, own := "player-0", "player-2"
	if _, err := Apply(s, Edit{Type: EditUpdatePlayer, Player: 1, PlayerInfo: &PlayerInfo{ID: &taken}}, testNow); !errors.Is(err, ErrDuplicatePlayerID) {
		t.Errorf("reusing another player's id: err = %v", err)
	}
	s = mustApply(t, s, Edit{Type: EditUpdatePlayer, Player: 2, PlayerInfo: &PlayerInfo{ID: &own}})
	if ids := []string{s.Players[0].ID, s.Players[1].ID, s.Players[2].ID}; !slices.Equal(ids, []string{"player-0", "player-1", "player-2"}) {
		t.Errorf("ids = %v", ids)
	}

	s = mustApply(t, s, Edit{Type: EditUpdateGameInfo, GameInfo: &GameInfo{Opponent: "Owls", IsHome: true}})
	if s.GameInfo.Opponent != "Owls" || !s.GameInfo.IsHome {
		t.Errorf("gameInfo = %+v", s.GameInfo)
	}

	s = mustApply(t, s, Edit{Type: EditSetComplete, Flag: true})
	s = mustApply(t, s, Edit{Type: EditSetVerified, Flag: true})
	if !s.Metadata.IsComplete || !s.Metadata.IsVerified {
		t.Errorf("metadata = %+v", s.Metadata)
	}

	cell := InningCell{Diamond: Diamond{Scored: true, RBI: 12}, Events: Events{Primary: "3B"}}
	s = mustApply(t, s, Edit{Type: EditReplaceCell, Player: 1, Inning: 2, Cell: &cell})
	if got := s.Players[1].Innings[2]; got.Diamond.RBI != MaxRBI || !got.Diamond.Scored || got.Events.Primary != "3B" {
		t.Errorf("replaced cell = %+v", got)
	}
	if s.InningTotals[2] != 1 || s.TotalRuns != 1 {
		t.Errorf("totals = %v / %d", s.InningTotals, s.TotalRuns)
	}

	s = mustApply(t, s, Edit{Type: EditSetOut, Player: 1, Inning: 2, Text: "7"})
	s = mustApply(t, s, Edit{Type: EditSetNote, Player: 1, Inning: 2, Text: "diving"})
	if ev := s.Players[1].Innings[2].Events; ev.Out != "7" || ev.Note != "diving" {
		t.Errorf("events = %+v", ev)
	}

	s = mustApply(t, s, Edit{Type: EditClearCell, Player: 1, Inning: 2})
	if s.TotalRuns != 0 {
		t.Errorf("totalRuns after clear = %d", s.TotalRuns)
	}
}

func TestApply_AddInningToShortRows(t *testing.T) {
	s := NewEmptyScoreSheet(3, 2, testNow)
	s.InningTotals = make([]int, 9)

	s = mustApply(t, s, Edit{Type: EditAddInning})
	for i, p := range s.Players {
		if len(p.Innings) != 4 {
			t.Errorf("player %d innings = %d, want 4", i, len(p.Innings))
		}
	}
	if len(s.InningTotals) != 9 {
		t.Errorf("inningTotals = %v", s.InningTotals)
	}

	s = mustApply(t, s, Edit{Type: EditAddPlayer})
	if n := len(s.Players[2].Innings); n != 4 {
		t.Errorf("added player innings = %d, want 4", n)
	}
}

func TestEdit_JSON(t *testing.T) {
	var e Edit
	if err := json.Unmarshal([]byte(`{"type":"SET_SUBSTITUTION","player":3,"subInning":4}`), &e); err != nil {
		t.Fatal(err)
	}
	sub := 4
	want := Edit{Type: EditSetSubstitution, Player: 3, SubInning: &sub}
	if !reflect.DeepEqual(e, want) {
		t.Errorf("decoded %+v", e)
	}
}
