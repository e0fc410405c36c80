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
	"strconv"
	"strings"
)

// Plate appearance results
const (
	EventSingle           = "1B"
	EventDouble           = "2B"
	EventTriple           = "3B"
	EventHomeRun          = "HR"
	EventStrikeout        = "K"
	EventStrikeoutLooking = "KL"
	EventFlyOut           = "FO"
	EventGroundOut        = "GO"
	EventLineOut          = "LO"
	EventPopOut           = "PO"
	EventDoublePlay       = "DP"
	EventTriplePlay       = "TP"
	EventWalk             = "BB"
	EventIntentionalWalk  = "IBB"
	EventHitByPitch       = "HBP"
	EventFieldersChoice   = "FC"
	EventSacrifice        = "SAC"
	EventSacrificeFly     = "SF"

	// EventClear resets a cell to its empty state.
	EventClear = ""
)

// Runner annotations. They never move the batter.
const (
	EventStolenBase     = "SB"
	EventCaughtStealing = "CS"
	EventWildPitch      = "WP"
	EventPassedBall     = "PB"
	EventBalk           = "BK"
	EventAdvance        = "ADV"
	EventForceOut       = "FORCE"
)

// MaxErrorFielder is the highest fielder number an error code can name.
// 10 is the extra fielder used in some youth and softball formats.
const MaxErrorFielder = 10

var plateAppearanceEvents = []string{
	EventSingle, EventDouble, EventTriple, EventHomeRun,
	EventStrikeout, EventStrikeoutLooking,
	EventFlyOut, EventGroundOut, EventLineOut, EventPopOut,
	EventDoublePlay, EventTriplePlay,
	EventWalk, EventIntentionalWalk, EventHitByPitch,
	EventFieldersChoice, EventSacrifice, EventSacrificeFly,
}

var runnerEvents = []string{
	EventStolenBase, EventCaughtStealing, EventWildPitch, EventPassedBall,
	EventBalk, EventAdvance, EventForceOut,
}

var vocabulary = buildVocabulary()

func buildVocabulary() map[string]bool {
	m := make(map[string]bool)
	for _, e := range plateAppearanceEvents {
		m[e] = true
	}
	for i := 1; i <= MaxErrorFielder; i++ {
		m[ErrorEvent(i)] = true
	}
	for _, e := range runnerEvents {
		m[e] = true
	}
	for i := 1; i <= MaxRBI; i++ {
		m[RBIEvent(i)] = true
	}
	return m
}

// ErrorEvent returns the error code charged to a fielding position.
func ErrorEvent(fielder int) string {
	return "E" + strconv.Itoa(fielder)
}

// RBIEvent returns the RBI-count annotation code.
func RBIEvent(n int) string {
	return "RBI" + strconv.Itoa(n)
}

// Vocabulary returns every recognized event code, plate appearance results
// first, then errors, runner annotations and RBI counts.
func Vocabulary() []string {
	out := make([]string, 0, len(vocabulary))
	out = append(out, plateAppearanceEvents...)
	for i := 1; i <= MaxErrorFielder; i++ {
		out = append(out, ErrorEvent(i))
	}
	out = append(out, runnerEvents...)
	for i := 1; i <= MaxRBI; i++ {
		out = append(out, RBIEvent(i))
	}
	return out
}

// NormalizeEvent trims and upper-cases an event code.
func NormalizeEvent(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsKnownEvent reports whether code is part of the event vocabulary.
func IsKnownEvent(code string) bool {
	return vocabulary[NormalizeEvent(code)]
}

// IsHit reports whether code is a base hit.
func IsHit(code string) bool {
	switch NormalizeEvent(code) {
	case EventSingle, EventDouble, EventTriple, EventHomeRun:
		return true
	}
	return false
}

// IsError reports whether code is a fielding error (E1..E10).
func IsError(code string) bool {
	code = NormalizeEvent(code)
	if !strings.HasPrefix(code, "E") {
		return false
	}
	n, err := strconv.Atoi(code[1:])
	return err == nil && n >= 1 && n <= MaxErrorFielder
}

// IsPlateAppearance reports whether code ends a plate appearance, as
// opposed to a runner or RBI annotation.
func IsPlateAppearance(code string) bool {
	code = NormalizeEvent(code)
	if IsError(code) {
		return true
	}
	for _, e := range plateAppearanceEvents {
		if e == code {
			return true
		}
	}
	return false
}

// EventRequestsRBI reports whether recording code should prompt the scorer
// for an RBI count.
func EventRequestsRBI(code string) bool {
	return NormalizeEvent(code) == EventHomeRun
}

// ApplyEvent returns the cell that results from recording code as the
// primary event of cell.
//
//	1B, 2B, 3B        batter on that base, scored unchanged
//	HR                bases empty, scored
//	BB, IBB, HBP, FC  batter on first, scored unchanged
//	"" (clear)        NewEmptyInning()
//	anything else     bases empty, not scored
//
// Out detail, note and RBI survive every event except clear. Unrecognized
// codes take the last row; they are recorded but never rejected.
func ApplyEvent(cell InningCell, code string) InningCell {
	code = NormalizeEvent(code)
	if code == EventClear {
		return NewEmptyInning()
	}
	next := cell
	next.Events.Primary = code
	switch code {
	case EventSingle:
		next.Diamond.Bases = [3]bool{true, false, false}
	case EventDouble:
		next.Diamond.Bases = [3]bool{false, true, false}
	case EventTriple:
		next.Diamond.Bases = [3]bool{false, false, true}
	case EventHomeRun:
		next.Diamond.Bases = [3]bool{}
		next.Diamond.Scored = true
	case EventWalk, EventIntentionalWalk, EventHitByPitch, EventFieldersChoice:
		next.Diamond.Bases = [3]bool{true, false, false}
	default:
		next.Diamond.Bases = [3]bool{}
		next.Diamond.Scored = false
	}
	return next
}

// ToggleBase flips one base occupancy flag. base is 0 for first through 2
// for third; other values leave the cell unchanged.
func ToggleBase(cell InningCell, base int) InningCell {
	if base < 0 || base >= len(cell.Diamond.Bases) {
		return cell
	}
	cell.Diamond.Bases[base] = !cell.Diamond.Bases[base]
	return cell
}

// SetScored sets the scored flag without touching the rest of the cell.
func SetScored(cell InningCell, scored bool) InningCell {
	cell.Diamond.Scored = scored
	return cell
}

// ToggleScored flips the scored flag (a click on home plate).
func ToggleScored(cell InningCell) InningCell {
	cell.Diamond.Scored = !cell.Diamond.Scored
	return cell
}

// SetRBI records the scorer-entered RBI count, clamped to 0..MaxRBI.
func SetRBI(cell InningCell, n int) InningCell {
	cell.Diamond.RBI = clampRBI(n)
	return cell
}

// SetOutDetail stores free text describing how the out was made.
func SetOutDetail(cell InningCell, text string) InningCell {
	cell.Events.Out = text
	return cell
}

// SetNote stores a free text annotation.
func SetNote(cell InningCell, text string) InningCell {
	cell.Events.Note = text
	return cell
}

func clampRBI(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRBI {
		return MaxRBI
	}
	return n
}
