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
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValidationResult lists the structural problems found in a document.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.IsValid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate performs a shallow structural check of a JSON scoresheet
// document. Inning cell contents are not inspected.
func Validate(data []byte) ValidationResult {
	res := ValidationResult{IsValid: true, Errors: []string{}}

	var v any
	if len(data) == 0 || json.Unmarshal(data, &v) != nil || v == nil {
		res.fail("score sheet data is missing")
		return res
	}
	root, ok := v.(map[string]any)
	if !ok {
		res.fail("score sheet data must be an object")
		return res
	}

	for _, key := range []string{"gameInfo", "players", "inningTotals", "totalRuns"} {
		if root[key] == nil {
			res.fail("missing %s", key)
		}
	}

	raw, present := root["players"]
	if !present || raw == nil {
		return res
	}
	players, ok := raw.([]any)
	if !ok {
		res.fail("players must be an array")
		return res
	}
	if len(players) == 0 {
		res.fail("players array is empty")
		return res
	}
	for i, rp := range players {
		p, _ := rp.(map[string]any)
		if _, ok := p["innings"].([]any); !ok {
			res.fail("player %d is missing innings", i+1)
		}
	}
	return res
}

// ValidateSheet applies Validate to a typed sheet.
func ValidateSheet(s *ScoreSheet) ValidationResult {
	if s == nil {
		return Validate(nil)
	}
	data, err := json.Marshal(s)
	if err != nil {
		res := ValidationResult{IsValid: false}
		res.fail("cannot encode score sheet: %v", err)
		return res
	}
	return Validate(data)
}

// Load turns externally sourced data into a canonical sheet. Documents that
// fail validation, or that validate but cannot be decoded as the canonical
// shape, are upgraded with ConvertLegacy. The validation result of the
// original data is returned alongside.
func Load(data []byte, now time.Time) (*ScoreSheet, ValidationResult) {
	res := Validate(data)
	if !res.IsValid {
		return ConvertLegacy(data, now), res
	}
	var s ScoreSheet
	if err := json.Unmarshal(data, &s); err != nil {
		return ConvertLegacy(data, now), res
	}
	for i := range s.Players {
		for j := range s.Players[i].Innings {
			c := &s.Players[i].Innings[j]
			c.Diamond.RBI = clampRBI(c.Diamond.RBI)
		}
	}
	uniquePlayerIDs(&s)
	return &s, res
}

// uniquePlayerIDs gives every player with an empty id, or an id already
// used earlier in the lineup, the first free generated id.
func uniquePlayerIDs(s *ScoreSheet) {
	used := make(map[string]bool, len(s.Players))
	var repair []int
	for i, p := range s.Players {
		if p.ID == "" || used[p.ID] {
			repair = append(repair, i)
			continue
		}
		used[p.ID] = true
	}
	for _, i := range repair {
		id := PlayerID(i)
		for n := len(s.Players); used[id]; n++ {
			id = PlayerID(n)
		}
		s.Players[i].ID = id
		used[id] = true
	}
}

// ConvertLegacy upgrades a legacy or partial document to the canonical
// shape. Every missing or malformed field takes its default; the function
// never fails.
//
// The inning count comes from the first player's innings (7 when absent);
// rows longer than that widen the sheet instead of being truncated.
// Repeated player ids are replaced with generated ones.
func ConvertLegacy(data []byte, now time.Time) *ScoreSheet {
	var v any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &v)
	}
	root, ok := v.(map[string]any)
	if !ok || len(root) == 0 {
		return NewEmptyScoreSheet(DefaultMaxInnings, DefaultNumPlayers, now)
	}

	legacyPlayers, _ := root["players"].([]any)
	maxInnings := DefaultMaxInnings
	if len(legacyPlayers) > 0 {
		if p0, ok := legacyPlayers[0].(map[string]any); ok {
			if inn, ok := p0["innings"].([]any); ok && len(inn) > 0 {
				maxInnings = len(inn)
			}
		}
	}
	numPlayers := DefaultNumPlayers
	if len(legacyPlayers) > 0 {
		numPlayers = len(legacyPlayers)
	}

	s := NewEmptyScoreSheet(maxInnings, numPlayers, now)

	if gi, ok := root["gameInfo"].(map[string]any); ok {
		s.GameInfo = mergeGameInfo(s.GameInfo, gi)
	}

	for i, raw := range legacyPlayers {
		lp, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		s.Players[i] = convertPlayer(s.Players[i], lp)
	}

	width := maxInnings
	for _, p := range s.Players {
		if len(p.Innings) > width {
			width = len(p.Innings)
		}
	}
	for i := range s.Players {
		for len(s.Players[i].Innings) < width {
			s.Players[i].Innings = append(s.Players[i].Innings, NewEmptyInning())
		}
	}

	if totals, ok := root["inningTotals"].([]any); ok {
		s.InningTotals = make([]int, len(totals))
		for i, t := range totals {
			s.InningTotals[i], _ = intValue(t)
		}
	} else {
		s.InningTotals = make([]int, width)
	}
	s.TotalRuns = 0
	if n, ok := intValue(root["totalRuns"]); ok {
		s.TotalRuns = n
	}

	if md, ok := root["metadata"].(map[string]any); ok {
		s.Metadata.CreatedBy = stringField(md, "createdBy", "")
	}
	s.Metadata.LastUpdated = now
	s.Metadata.IsComplete = false
	s.Metadata.IsVerified = false
	uniquePlayerIDs(s)
	return s
}

func mergeGameInfo(def GameInfo, m map[string]any) GameInfo {
	return GameInfo{
		Date:     stringField(m, "date", def.Date),
		Opponent: stringField(m, "opponent", def.Opponent),
		Location: stringField(m, "location", def.Location),
		IsHome:   boolField(m, "isHome", def.IsHome),
		GameID:   stringField(m, "gameId", def.GameID),
		TeamID:   stringField(m, "teamId", def.TeamID),
		Weather:  stringField(m, "weather", def.Weather),
		Notes:    stringField(m, "notes", def.Notes),
	}
}

func convertPlayer(p Player, m map[string]any) Player {
	if id := stringField(m, "id", ""); id != "" {
		p.ID = id
	}
	p.Name = stringField(m, "name", p.Name)
	p.Position = stringField(m, "position", p.Position)
	p.Number = stringField(m, "number", p.Number)
	if n, ok := intValue(m["substitutedInning"]); ok {
		p.SubstitutedInning = &n
	}
	innings, _ := m["innings"].([]any)
	for len(p.Innings) < len(innings) {
		p.Innings = append(p.Innings, NewEmptyInning())
	}
	for j, raw := range innings {
		if c, ok := raw.(map[string]any); ok {
			p.Innings[j] = convertCell(c)
		}
	}
	return p
}

func convertCell(m map[string]any) InningCell {
	c := NewEmptyInning()
	if d, ok := m["diamond"].(map[string]any); ok {
		if bases, ok := d["bases"].([]any); ok {
			for i := range c.Diamond.Bases {
				if i < len(bases) {
					c.Diamond.Bases[i], _ = bases[i].(bool)
				}
			}
		}
		c.Diamond.Scored = boolField(d, "scored", false)
		if n, ok := intValue(d["rbi"]); ok {
			c.Diamond.RBI = clampRBI(n)
		}
	}
	if e, ok := m["events"].(map[string]any); ok {
		c.Events.Primary = stringField(e, "primary", "")
		c.Events.Out = stringField(e, "out", "")
		c.Events.Note = stringField(e, "note", "")
	}
	return c
}

// stringField returns m[key] as a string. Integral numbers are formatted,
// since older documents stored jersey numbers as numbers.
func stringField(m map[string]any, key, def string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}
