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
	"fmt"
	"io"
	"strconv"
	"strings"
)

const batterWidth = 18

// Render writes a fixed-width text grid of the sheet: one row per batter,
// one column per inning, followed by the inning totals.
//
// A cell shows its primary event, "*" when the batter scored, "-" when
// empty, and a trailing "'" when it belongs to the original batter of a
// substituted slot.
func Render(w io.Writer, s *ScoreSheet) error {
	if s == nil {
		return ErrNilSheet
	}
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString(strings.TrimRight(fmt.Sprintf(format, args...), " "))
		b.WriteByte('\n')
	}

	line("%s", title(s.GameInfo))

	innings := s.MaxInnings()
	var row strings.Builder
	row.WriteString(fmt.Sprintf("%-3s %-*s %-3s", "#", batterWidth, "Batter", "Pos"))
	for i := 0; i < innings; i++ {
		row.WriteString(fmt.Sprintf(" %-5s", strconv.Itoa(i+1)))
	}
	row.WriteString(fmt.Sprintf("  %2s %2s", "R", "H"))
	line("%s", row.String())

	for idx, p := range s.Players {
		row.Reset()
		row.WriteString(fmt.Sprintf("%-3d %-*s %-3s", idx+1, batterWidth, batterLabel(p), p.Position))
		for i := 0; i < innings; i++ {
			row.WriteString(fmt.Sprintf(" %-5s", cellLabel(p, i)))
		}
		stats := PlayerStats(p)
		row.WriteString(fmt.Sprintf("  %2d %2d", stats.Runs, stats.Hits))
		line("%s", row.String())
	}

	row.Reset()
	row.WriteString(fmt.Sprintf("%-3s %-*s %-3s", "", batterWidth, "Runs", ""))
	for i := 0; i < innings; i++ {
		n := 0
		if i < len(s.InningTotals) {
			n = s.InningTotals[i]
		}
		row.WriteString(fmt.Sprintf(" %-5d", n))
	}
	row.WriteString(fmt.Sprintf("  %2d", s.TotalRuns))
	line("%s", row.String())

	line("* scored, ' original batter before substitution")

	_, err := io.WriteString(w, b.String())
	return err
}

func title(g GameInfo) string {
	t := "Scoresheet"
	if g.Opponent != "" {
		t += " vs " + g.Opponent
	}
	if g.Date != "" {
		t += " on " + g.Date
	}
	if g.Location != "" {
		t += " at " + g.Location
	}
	if g.Opponent != "" {
		if g.IsHome {
			t += " (home)"
		} else {
			t += " (away)"
		}
	}
	return t
}

func batterLabel(p Player) string {
	label := p.Name
	if label == "" {
		label = "-"
	}
	if p.Number != "" {
		label += " #" + p.Number
	}
	r := []rune(label)
	if len(r) > batterWidth {
		label = string(r[:batterWidth])
	}
	return label
}

func cellLabel(p Player, i int) string {
	if i >= len(p.Innings) {
		return ""
	}
	c := p.Innings[i]
	txt := c.Events.Primary
	if c.Diamond.Scored {
		txt += "*"
	}
	if txt == "" {
		txt = "-"
	}
	if IsPreSubstitution(p, i) {
		txt += "'"
	}
	return txt
}
