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

// RecomputeInning sets InningTotals[inning] to the number of players who
// scored in that inning and refreshes TotalRuns. InningTotals is extended
// with zeros when it is too short. Negative innings are ignored.
func RecomputeInning(s *ScoreSheet, inning int) {
	if s == nil || inning < 0 {
		return
	}
	for len(s.InningTotals) <= inning {
		s.InningTotals = append(s.InningTotals, 0)
	}
	s.InningTotals[inning] = runsInInning(s.Players, inning)
	s.TotalRuns = sum(s.InningTotals)
}

// Recompute rebuilds every inning total from the players' scored flags.
func Recompute(s *ScoreSheet) {
	if s == nil {
		return
	}
	n := s.MaxInnings()
	for len(s.InningTotals) < n {
		s.InningTotals = append(s.InningTotals, 0)
	}
	for i := range s.InningTotals {
		s.InningTotals[i] = runsInInning(s.Players, i)
	}
	s.TotalRuns = sum(s.InningTotals)
}

// IsConsistent reports whether TotalRuns equals the sum of InningTotals.
func IsConsistent(s *ScoreSheet) bool {
	return s != nil && s.TotalRuns == sum(s.InningTotals)
}

func runsInInning(players []Player, inning int) int {
	n := 0
	for _, p := range players {
		if inning < len(p.Innings) && p.Innings[inning].Diamond.Scored {
			n++
		}
	}
	return n
}

func sum(v []int) int {
	t := 0
	for _, x := range v {
		t += x
	}
	return t
}

// PlayerRuns returns the number of innings in which the player scored.
func PlayerRuns(p Player) int {
	n := 0
	for _, c := range p.Innings {
		if c.Diamond.Scored {
			n++
		}
	}
	return n
}

// PlayerLine is a batting line folded from inning cells.
type PlayerLine struct {
	PlayerID         string `json:"playerId,omitempty"`
	Name             string `json:"name,omitempty"`
	PlateAppearances int    `json:"pa"`
	AtBats           int    `json:"ab"`
	Hits             int    `json:"h"`
	Singles          int    `json:"1b"`
	Doubles          int    `json:"2b"`
	Triples          int    `json:"3b"`
	HomeRuns         int    `json:"hr"`
	Runs             int    `json:"r"`
	RBI              int    `json:"rbi"`
	Walks            int    `json:"bb"`
	HitByPitch       int    `json:"hbp"`
	Strikeouts       int    `json:"so"`
	ReachedOnError   int    `json:"roe"`
	Sacrifices       int    `json:"sac"`
	Games            int    `json:"g,omitempty"`
}

// Add accumulates o into l.
func (l *PlayerLine) Add(o PlayerLine) {
	l.PlateAppearances += o.PlateAppearances
	l.AtBats += o.AtBats
	l.Hits += o.Hits
	l.Singles += o.Singles
	l.Doubles += o.Doubles
	l.Triples += o.Triples
	l.HomeRuns += o.HomeRuns
	l.Runs += o.Runs
	l.RBI += o.RBI
	l.Walks += o.Walks
	l.HitByPitch += o.HitByPitch
	l.Strikeouts += o.Strikeouts
	l.ReachedOnError += o.ReachedOnError
	l.Sacrifices += o.Sacrifices
	l.Games += o.Games
}

func (l *PlayerLine) addCell(c InningCell) {
	if c.Diamond.Scored {
		l.Runs++
	}
	l.RBI += c.Diamond.RBI

	code := NormalizeEvent(c.Events.Primary)
	if !IsPlateAppearance(code) {
		return
	}
	l.PlateAppearances++
	switch code {
	case EventWalk, EventIntentionalWalk:
		l.Walks++
		return
	case EventHitByPitch:
		l.HitByPitch++
		return
	case EventSacrifice, EventSacrificeFly:
		l.Sacrifices++
		return
	}
	l.AtBats++
	switch code {
	case EventSingle:
		l.Hits++
		l.Singles++
	case EventDouble:
		l.Hits++
		l.Doubles++
	case EventTriple:
		l.Hits++
		l.Triples++
	case EventHomeRun:
		l.Hits++
		l.HomeRuns++
	case EventStrikeout, EventStrikeoutLooking:
		l.Strikeouts++
	default:
		if IsError(code) {
			l.ReachedOnError++
		}
	}
}

// PlayerStats folds every inning cell of the player into a batting line.
func PlayerStats(p Player) PlayerLine {
	l := PlayerLine{PlayerID: p.ID, Name: p.Name}
	for _, c := range p.Innings {
		l.addCell(c)
	}
	return l
}

// SplitStats folds the player's row into the line of the originally listed
// batter and the line of the substitute.
func SplitStats(p Player) (original, substitute PlayerLine) {
	original = PlayerLine{PlayerID: p.ID, Name: p.Name}
	for i, c := range p.Innings {
		if BelongsToSubstitute(p, i) {
			substitute.addCell(c)
		} else {
			original.addCell(c)
		}
	}
	return original, substitute
}

// BoxScore is the derived summary of a sheet.
type BoxScore struct {
	Players      []PlayerLine `json:"players"`
	Team         PlayerLine   `json:"team"`
	InningTotals []int        `json:"inningTotals"`
	TotalRuns    int          `json:"totalRuns"`
}

// TeamLine computes per-player lines and their team total.
func TeamLine(s *ScoreSheet) BoxScore {
	b := BoxScore{Players: make([]PlayerLine, 0)}
	if s == nil {
		return b
	}
	for _, p := range s.Players {
		l := PlayerStats(p)
		b.Players = append(b.Players, l)
		b.Team.Add(l)
	}
	b.InningTotals = append([]int{}, s.InningTotals...)
	b.TotalRuns = s.TotalRuns
	return b
}

// GameLines returns one batting line per player id for a single sheet, in
// lineup order, with Games set to 1. Rows sharing an id are summed into one
// line. Players without a plate appearance or a run are left out.
func GameLines(s *ScoreSheet) []PlayerLine {
	if s == nil {
		return nil
	}
	var order []string
	lines := make(map[string]*PlayerLine)
	for _, p := range s.Players {
		l := PlayerStats(p)
		if l.PlateAppearances == 0 && l.Runs == 0 {
			continue
		}
		acc, ok := lines[p.ID]
		if !ok {
			acc = &PlayerLine{PlayerID: p.ID, Games: 1}
			lines[p.ID] = acc
			order = append(order, p.ID)
		}
		if p.Name != "" {
			acc.Name = p.Name
		}
		l.Games = 0
		acc.Add(l)
	}
	out := make([]PlayerLine, 0, len(order))
	for _, id := range order {
		out = append(out, *lines[id])
	}
	return out
}

// SeasonTotals folds many sheets into one line per player id, in order of
// first appearance. Games counts the sheets with at least one plate
// appearance or run for the player.
func SeasonTotals(sheets []*ScoreSheet) []PlayerLine {
	var order []string
	lines := make(map[string]*PlayerLine)
	for _, s := range sheets {
		for _, l := range GameLines(s) {
			acc, ok := lines[l.PlayerID]
			if !ok {
				acc = &PlayerLine{PlayerID: l.PlayerID}
				lines[l.PlayerID] = acc
				order = append(order, l.PlayerID)
			}
			if l.Name != "" {
				acc.Name = l.Name
			}
			acc.Add(l)
		}
	}
	out := make([]PlayerLine, 0, len(order))
	for _, id := range order {
		out = append(out, *lines[id])
	}
	return out
}
