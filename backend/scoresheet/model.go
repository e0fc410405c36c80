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

// Package scoresheet implements the in-memory digital scoresheet: the
// canonical data model, validation and legacy normalization, the
// plate-appearance transition rules, run aggregation and substitution
// tracking.
//
// Nothing in this package performs I/O. Mutations never modify their input:
// every edit clones the sheet, changes the clone and returns it, so a caller
// can replace its copy of the whole sheet in one step.
package scoresheet

import (
	"fmt"
	"time"
)

const (
	DefaultMaxInnings = 7
	DefaultNumPlayers = 9
	CurrentVersion    = "1.0"

	// MaxRBI is the largest RBI count a single plate appearance can carry.
	MaxRBI = 4
)

// GameInfo is descriptive data about the game. It is not used in any
// derivation.
type GameInfo struct {
	Date     string `json:"date"`
	Opponent string `json:"opponent"`
	Location string `json:"location"`
	IsHome   bool   `json:"isHome"`
	GameID   string `json:"gameId"`
	TeamID   string `json:"teamId"`
	Weather  string `json:"weather"`
	Notes    string `json:"notes"`
}

// Metadata tracks the sheet's version and workflow state.
type Metadata struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	CreatedBy   string    `json:"createdBy"`
	IsComplete  bool      `json:"isComplete"`
	IsVerified  bool      `json:"isVerified"`
}

// Diamond is the base-runner portion of an inning cell.
type Diamond struct {
	// Bases holds first, second and third occupancy for this batter.
	Bases  [3]bool `json:"bases"`
	Scored bool    `json:"scored"`
	RBI    int     `json:"rbi"`
}

// Events is the annotation portion of an inning cell.
type Events struct {
	Primary string `json:"primary"`
	Out     string `json:"out"`
	Note    string `json:"note"`
}

// InningCell records one batter's plate appearance in one inning. It is a
// plain value: copying a cell never shares state with the original.
type InningCell struct {
	Diamond Diamond `json:"diamond"`
	Events  Events  `json:"events"`
}

// Player is one slot of the batting lineup.
type Player struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Position string       `json:"position"`
	Number   string       `json:"number"`
	Innings  []InningCell `json:"innings"`

	// SubstitutedInning is the 1-indexed first inning that belongs to a
	// substitute. Nil means no substitution.
	SubstitutedInning *int `json:"substitutedInning"`
}

// ScoreSheet is one game's batting record. The order of Players is the
// batting order.
type ScoreSheet struct {
	GameInfo     GameInfo `json:"gameInfo"`
	Players      []Player `json:"players"`
	InningTotals []int    `json:"inningTotals"`
	TotalRuns    int      `json:"totalRuns"`
	Metadata     Metadata `json:"metadata"`
}

// NewEmptyInning returns a cell with no runner, no run and no events.
func NewEmptyInning() InningCell {
	return InningCell{}
}

// PlayerID returns the generated identifier for a lineup slot.
func PlayerID(index int) string {
	return fmt.Sprintf("player-%d", index)
}

// NewEmptyPlayer returns an unnamed lineup slot with maxInnings empty cells.
func NewEmptyPlayer(index, maxInnings int) Player {
	if maxInnings < 0 {
		maxInnings = 0
	}
	innings := make([]InningCell, maxInnings)
	for i := range innings {
		innings[i] = NewEmptyInning()
	}
	return Player{
		ID:      PlayerID(index),
		Innings: innings,
	}
}

// NewEmptyScoreSheet returns a blank sheet. Non-positive arguments fall back
// to DefaultMaxInnings and DefaultNumPlayers.
func NewEmptyScoreSheet(maxInnings, numPlayers int, now time.Time) *ScoreSheet {
	if maxInnings <= 0 {
		maxInnings = DefaultMaxInnings
	}
	if numPlayers <= 0 {
		numPlayers = DefaultNumPlayers
	}
	players := make([]Player, numPlayers)
	for i := range players {
		players[i] = NewEmptyPlayer(i, maxInnings)
	}
	return &ScoreSheet{
		Players:      players,
		InningTotals: make([]int, maxInnings),
		TotalRuns:    0,
		Metadata: Metadata{
			Version:     CurrentVersion,
			LastUpdated: now,
		},
	}
}

// Clone returns a deep copy of the sheet.
func (s *ScoreSheet) Clone() *ScoreSheet {
	if s == nil {
		return nil
	}
	c := *s
	if s.Players != nil {
		c.Players = make([]Player, len(s.Players))
		for i, p := range s.Players {
			c.Players[i] = p.Clone()
		}
	}
	if s.InningTotals != nil {
		c.InningTotals = append([]int(nil), s.InningTotals...)
	}
	return &c
}

// Clone returns a deep copy of the player.
func (p Player) Clone() Player {
	c := p
	if p.Innings != nil {
		c.Innings = append([]InningCell(nil), p.Innings...)
	}
	if p.SubstitutedInning != nil {
		v := *p.SubstitutedInning
		c.SubstitutedInning = &v
	}
	return c
}

// MaxInnings returns the number of inning columns on the sheet: the longest
// player row or the length of InningTotals, whichever is larger.
func (s *ScoreSheet) MaxInnings() int {
	n := len(s.InningTotals)
	for _, p := range s.Players {
		if len(p.Innings) > n {
			n = len(p.Innings)
		}
	}
	return n
}
