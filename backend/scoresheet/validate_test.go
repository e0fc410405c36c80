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
	"reflect"
	"slices"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		valid  bool
		errors []string
	}{
		{"missing", "", false, []string{"score sheet data is missing"}},
		{"null", "null", false, []string{"score sheet data is missing"}},
		{"garbage", "{not json", false, []string{"score sheet data is missing"}},
		{"array", "[]", false, []string{"score sheet data must be an object"}},
		{"empty object", "{}", false, []string{"missing gameInfo", "missing players", "missing inningTotals", "missing totalRuns"}},
		{"null field", `{"gameInfo":{},"players":[{"innings":[]}],"inningTotals":null,"totalRuns":0}`, false, []string{"missing inningTotals"}},
		{"empty players", `{"gameInfo":{},"players":[],"inningTotals":[],"totalRuns":0}`, false, []string{"players array is empty"}},
		{"players not array", `{"gameInfo":{},"players":{},"inningTotals":[],"totalRuns":0}`, false, []string{"players must be an array"}},
		{"no innings", `{"gameInfo":{},"players":[{"innings":[]},{"name":"x"},{"innings":"no"}],"inningTotals":[],"totalRuns":0}`, false,
			[]string{"player 2 is missing innings", "player 3 is missing innings"}},
		{"minimal", `{"gameInfo":{},"players":[{"innings":[]}],"inningTotals":[],"totalRuns":0}`, true, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate([]byte(tc.data))
			if res.IsValid != tc.valid {
				t.Errorf("IsValid = %v, want %v", res.IsValid, tc.valid)
			}
			if !reflect.DeepEqual(res.Errors, tc.errors) {
				t.Errorf("Errors = %q, want %q", res.Errors, tc.errors)
			}
		})
	}
}

func TestValidateSheet_Empty(t *testing.T) {
	res := ValidateSheet(NewEmptyScoreSheet(0, 0, testNow))
	if !res.IsValid || len(res.Errors) != 0 {
		t.Errorf("fresh sheet should validate: %+v", res)
	}
	if res := ValidateSheet(nil); res.IsValid {
		t.Error("nil sheet should not validate")
	}
	// Innings are not inspected.
	s := NewEmptyScoreSheet(2, 1, testNow)
	s.Players[0].Innings[0].Events.Primary = "NONSENSE"
	if res := ValidateSheet(s); !res.IsValid {
		t.Errorf("cell contents should not matter: %+v", res)
	}
}

func TestConvertLegacy_Defaults(t *testing.T) {
	for _, data := range []string{"", "null", "{}", "[1,2]", "42"} {
		s := ConvertLegacy([]byte(data), testNow)
		want := NewEmptyScoreSheet(DefaultMaxInnings, DefaultNumPlayers, testNow)
		if !reflect.DeepEqual(s, want) {
			t.Errorf("ConvertLegacy(%q) is not the default sheet", data)
		}
	}
}

func TestConvertLegacy_RoundTrip(t *testing.T) {
	s := renderFixture(t)
	s.Metadata.CreatedBy = "scorer@example.com"
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	got := ConvertLegacy(data, testNow)

	if !reflect.DeepEqual(got.Players, s.Players) {
		t.Errorf("players changed:\n got %+v\nwant %+v", got.Players, s.Players)
	}
	if got.GameInfo != s.GameInfo {
		t.Errorf("gameInfo = %+v, want %+v", got.GameInfo, s.GameInfo)
	}
	if !slices.Equal(got.InningTotals, s.InningTotals) || got.TotalRuns != s.TotalRuns {
		t.Errorf("totals = %v/%d, want %v/%d", got.InningTotals, got.TotalRuns, s.InningTotals, s.TotalRuns)
	}
	if got.Metadata.CreatedBy != s.Metadata.CreatedBy {
		t.Errorf("createdBy = %q", got.Metadata.CreatedBy)
	}
}

func TestConvertLegacy_Partial(t *testing.T) {
	data := `{
		"gameInfo": {"opponent": "Hawks", "unknown": "dropped"},
		"players": [
			{"name": "Cy", "number": 7, "innings": [
				{"diamond": {"bases": [true], "scored": true, "rbi": 9}, "events": {"primary": "1B"}},
				{},
				{"events": {"note": "rain"}},
				"junk"
			]},
			{"id": "custom", "substitutedInning": 4},
			"not a player"
		],
		"inningTotals": [1, "x", 0],
		"metadata": {"createdBy": "old", "isComplete": true}
	}`
	s := ConvertLegacy([]byte(data), testNow)

	if s.GameInfo.Opponent != "Hawks" || s.GameInfo.Date != "" || s.GameInfo.IsHome {
		t.Errorf("gameInfo = %+v", s.GameInfo)
	}
	if len(s.Players) != 3 {
		t.Fatalf("players = %d, want 3", len(s.Players))
	}
	for i, p := range s.Players {
		if len(p.Innings) != 4 {
			t.Errorf("player %d has %d innings, want 4", i, len(p.Innings))
		}
	}
	p0 := s.Players[0]
	if p0.ID != "player-0" || p0.Name != "Cy" || p0.Number != "7" {
		t.Errorf("player 0 = %+v", p0)
	}
	c := p0.Innings[0]
	if c.Diamond.Bases != [3]bool{true, false, false} || !c.Diamond.Scored || c.Diamond.RBI != MaxRBI || c.Events.Primary != "1B" {
		t.Errorf("cell 0 = %+v", c)
	}
	if p0.Innings[1] != NewEmptyInning() || p0.Innings[3] != NewEmptyInning() {
		t.Error("missing cells should be empty")
	}
	if p0.Innings[2].Events.Note != "rain" {
		t.Errorf("cell 2 = %+v", p0.Innings[2])
	}

	p1 := s.Players[1]
	if p1.ID != "custom" || p1.SubstitutedInning == nil || *p1.SubstitutedInning != 4 {
		t.Errorf("player 1 = %+v", p1)
	}
	if s.Players[2].ID != "player-2" {
		t.Errorf("player 2 id = %q", s.Players[2].ID)
	}

	if !slices.Equal(s.InningTotals, []int{1, 0, 0}) {
		t.Errorf("inningTotals = %v", s.InningTotals)
	}
	if s.TotalRuns != 0 {
		t.Errorf("totalRuns = %d", s.TotalRuns)
	}
	if s.Metadata.CreatedBy != "old" || s.Metadata.IsComplete || !s.Metadata.LastUpdated.Equal(testNow) {
		t.Errorf("metadata = %+v", s.Metadata)
	}
	if res := ValidateSheet(s); !res.IsValid {
		t.Errorf("converted sheet should validate: %v", res.Errors)
	}
}

func TestConvertLegacy_WidensLongerRows(t *testing.T) {
	data := `{"players": [{"innings": [{}, {}]}, {"innings": [{}, {}, {}, {"events": {"primary": "HR"}}]}]}`
	s := ConvertLegacy([]byte(data), testNow)
	for i, p := range s.Players {
		if len(p.Innings) != 4 {
			t.Errorf("player %d has %d innings, want 4", i, len(p.Innings))
		}
	}
	if s.Players[1].Innings[3].Events.Primary != "HR" {
		t.Error("cells beyond the first row's width were dropped")
	}
	if len(s.InningTotals) != 4 {
		t.Errorf("inningTotals = %v", s.InningTotals)
	}
}

func TestLoad(t *testing.T) {
	s := renderFixture(t)
	data, _ := json.Marshal(s)
	got, res := Load(data, testNow)
	if !res.IsValid {
		t.Fatalf("Load: %v", res.Errors)
	}
	if !reflect.DeepEqual(got.Players, s.Players) {
		t.Error("valid document was altered")
	}
	if !got.Metadata.LastUpdated.Equal(s.Metadata.LastUpdated) {
		t.Error("valid document should keep lastUpdated")
	}

	got, res = Load([]byte(`{"players": [{"name": "Only"}]}`), testNow)
	if res.IsValid {
		t.Error("legacy document should report validation errors")
	}
	if got.Players[0].Name != "Only" || len(got.Players[0].Innings) != DefaultMaxInnings {
		t.Errorf("legacy document not converted: %+v", got.Players[0])
	}

	// Valid shape, wrong types: decoded through the converter.
	got, res = Load([]byte(`{"gameInfo":{},"players":[{"number":5,"innings":[]}],"inningTotals":[],"totalRuns":0}`), testNow)
	if !res.IsValid || got.Players[0].Number != "5" {
		t.Errorf("got %+v, %+v", got.Players[0], res)
	}
}

func TestLoad_ClampsRBI(t *testing.T) {
	s := NewEmptyScoreSheet(2, 1, testNow)
	s.Players[0].Innings[0].Diamond.RBI = 42
	s.Players[0].Innings[1].Diamond.RBI = -3
	data, _ := json.Marshal(s)

	got, res := Load(data, testNow)
	if !res.IsValid {
		t.Fatalf("Load: %v", res.Errors)
	}
	if rbi := got.Players[0].Innings[0].Diamond.RBI; rbi != MaxRBI {
		t.Errorf("rbi = %d, want %d", rbi, MaxRBI)
	}
	if rbi := got.Players[0].Innings[1].Diamond.RBI; rbi != 0 {
		t.Errorf("rbi = %d, want 0", rbi)
	}
}

func TestLoad_UniquePlayerIDs(t *testing.T) {
	s := NewEmptyScoreSheet(2, 4, testNow)
	s.Players[0].ID = "ace"
	s.Players[1].ID = "ace"
	s.Players[2].ID = ""
	s.Players[3].ID = "player-1"
	data, _ := json.Marshal(s)

	for name, got := range map[string]*ScoreSheet{
		"valid":  func() *ScoreSheet { got, _ := Load(data, testNow); return got }(),
		"legacy": ConvertLegacy([]byte(`{"players":[{"id":"ace"},{"id":"ace"},{"id":""},{"id":"player-1"}]}`), testNow),
	} {
		var ids []string
		for _, p := range got.Players {
			ids = append(ids, p.ID)
		}
		if want := []string{"ace", "player-4", "player-2", "player-1"}; !slices.Equal(ids, want) {
			t.Errorf("%s: ids = %v, want %v", name, ids, want)
		}
	}
}

func TestConvertLegacy_CanonicalIsNoOp(t *testing.T) {
	for _, shape := range [][2]int{{7, 9}, {12, 11}, {1, 1}} {
		want := NewEmptyScoreSheet(shape[0], shape[1], testNow)
		data, _ := json.Marshal(want)
		got := ConvertLegacy(data, testNow)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%dx%d: conversion changed a canonical sheet", shape[0], shape[1])
		}
	}
}
