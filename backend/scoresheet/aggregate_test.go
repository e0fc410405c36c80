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
	"math/rand"
	"slices"
	"testing"
)

func TestRecomputeInning(t *testing.T) {
	s := NewEmptyScoreSheet(3, 4, testNow)
	s.Players[0].Innings[1].Diamond.Scored = true
	s.Players[2].Innings[1].Diamond.Scored = true
	s.Players[3].Innings[2].Diamond.Scored = true

	RecomputeInning(s, 1)
	if !slices.Equal(s.InningTotals, []int{0, 2, 0}) || s.TotalRuns != 2 {
		t.Errorf("after inning 1: %v / %d", s.InningTotals, s.TotalRuns)
	}
	Recompute(s)
	if !slices.Equal(s.InningTotals, []int{0, 2, 1}) || s.TotalRuns != 3 {
		t.Errorf("after Recompute: %v / %d", s.InningTotals, s.TotalRuns)
	}

	s.InningTotals = []int{0}
	RecomputeInning(s, 2)
	if !slices.Equal(s.InningTotals, []int{0, 0, 1}) || s.TotalRuns != 1 {
		t.Errorf("short totals: %v / %d", s.InningTotals, s.TotalRuns)
	}
	RecomputeInning(s, -1)
	RecomputeInning(nil, 0)
}

// TestTotalsInvariant drives random cell edits and checks after each one
// that the totals agree with the scored flags.
func TestTotalsInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	vocab := append(Vocabulary(), "", "XX")
	s := NewEmptyScoreSheet(0, 0, testNow)

	for i := 0; i < 2000; i++ {
		e := Edit{
			Player: r.Intn(len(s.Players)),
			Inning: r.Intn(DefaultMaxInnings),
		}
		switch r.Intn(5) {
		case 0, 1:
			e.Type = EditApplyEvent
			e.Event = vocab[r.Intn(len(vocab))]
		case 2:
			e.Type = EditToggleScored
		case 3:
			e.Type = EditToggleBase
			e.Base = r.Intn(3)
		case 4:
			e.Type = EditClearCell
		}
		next, err := Apply(s, e, testNow)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		s = next

		if !IsConsistent(s) {
			t.Fatalf("step %d: totalRuns %d != sum %v", i, s.TotalRuns, s.InningTotals)
		}
		for j := range s.InningTotals {
			if got := runsInInning(s.Players, j); got != s.InningTotals[j] {
				t.Fatalf("step %d: inning %d total %d, scored flags say %d", i, j, s.InningTotals[j], got)
			}
		}
	}
}

func TestPlayerStats(t *testing.T) {
	p := NewEmptyPlayer(0, 10)
	codes := []string{"1B", "2B", "HR", "BB", "HBP", "SF", "K", "E6", "SB", "GO"}
	for i, c := range codes {
		p.Innings[i] = ApplyEvent(p.Innings[i], c)
	}
	p.Innings[2].Diamond.RBI = 2
	p.Innings[0].Diamond.Scored = true

	got := PlayerStats(p)
	want := PlayerLine{
		PlayerID:         "player-0",
		PlateAppearances: 9,
		AtBats:           6,
		Hits:             3,
		Singles:          1,
		Doubles:          1,
		HomeRuns:         1,
		Runs:             2,
		RBI:              2,
		Walks:            1,
		HitByPitch:       1,
		Strikeouts:       1,
		ReachedOnError:   1,
		Sacrifices:       1,
	}
	if got != want {
		t.Errorf("PlayerStats =\n%+v\nwant\n%+v", got, want)
	}
	if PlayerRuns(p) != 2 {
		t.Errorf("PlayerRuns = %d", PlayerRuns(p))
	}
}

func TestSplitStats(t *testing.T) {
	p := NewEmptyPlayer(0, 4)
	for i, c := range []string{"1B", "K", "HR", "2B"} {
		p.Innings[i] = ApplyEvent(p.Innings[i], c)
	}
	sub := 3
	p.SubstitutedInning = &sub

	orig, repl := SplitStats(p)
	if orig.PlateAppearances != 2 || orig.Hits != 1 || orig.Strikeouts != 1 {
		t.Errorf("original = %+v", orig)
	}
	if repl.PlateAppearances != 2 || repl.HomeRuns != 1 || repl.Doubles != 1 || repl.Runs != 1 {
		t.Errorf("substitute = %+v", repl)
	}

	p.SubstitutedInning = nil
	orig, repl = SplitStats(p)
	if orig.PlateAppearances != 4 || repl.PlateAppearances != 0 {
		t.Errorf("no substitution: %+v / %+v", orig, repl)
	}
}

func TestTeamLine(t *testing.T) {
	s := renderFixture(t)
	b := TeamLine(s)
	if len(b.Players) != 2 {
		t.Fatalf("players = %d", len(b.Players))
	}
	if b.Team.Runs != 2 || b.Team.Hits != 2 || b.Team.PlateAppearances != 4 || b.Team.Walks != 1 {
		t.Errorf("team = %+v", b.Team)
	}
	if b.Team.Runs != b.TotalRuns {
		t.Errorf("team runs %d != total runs %d", b.Team.Runs, b.TotalRuns)
	}
	b.InningTotals[0] = 99
	if s.InningTotals[0] == 99 {
		t.Error("box score shares inning totals with the sheet")
	}
	if got := TeamLine(nil); got.Players == nil {
		t.Error("nil sheet should give an empty player list")
	}
}

func TestSeasonTotals(t *testing.T) {
	g1 := renderFixture(t)
	g2 := renderFixture(t)
	g2.Players[1].Innings[2] = ApplyEvent(g2.Players[1].Innings[2], "3B")
	g3 := NewEmptyScoreSheet(3, 2, testNow)

	lines := SeasonTotals([]*ScoreSheet{g1, nil, g2, g3})
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	ann, bo := lines[0], lines[1]
	if ann.PlayerID != "player-0" || ann.Name != "Ann Lee" || ann.Games != 2 || ann.Hits != 2 || ann.Runs != 2 {
		t.Errorf("ann = %+v", ann)
	}
	if bo.Games != 2 || bo.PlateAppearances != 5 || bo.Triples != 1 || bo.HomeRuns != 2 {
		t.Errorf("bo = %+v", bo)
	}
}

func TestGameLines_SharedID(t *testing.T) {
	s := NewEmptyScoreSheet(3, 3, testNow)
	s.Players[1].ID = "player-0"
	s.Players[0].Innings[0] = ApplyEvent(s.Players[0].Innings[0], "1B")
	s.Players[1].Innings[0] = ApplyEvent(s.Players[1].Innings[0], "HR")

	lines := GameLines(s)
	if len(lines) != 1 {
		t.Fatalf("lines = %+v", lines)
	}
	if l := lines[0]; l.PlayerID != "player-0" || l.Games != 1 || l.PlateAppearances != 2 || l.Hits != 2 {
		t.Errorf("line = %+v", l)
	}

	season := SeasonTotals([]*ScoreSheet{s, s})
	if len(season) != 1 || season[0].Games != 2 || season[0].PlateAppearances != 4 {
		t.Errorf("season = %+v", season)
	}
	if GameLines(nil) != nil {
		t.Error("nil sheet should have no lines")
	}
}
