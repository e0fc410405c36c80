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

// SetSubstitution records that the substitute takes over the player's slot
// starting with the 1-indexed inning. A nil inning removes the substitution.
// The inning is not range checked.
func SetSubstitution(p Player, inning *int) Player {
	p = p.Clone()
	if inning == nil {
		p.SubstitutedInning = nil
		return p
	}
	v := *inning
	p.SubstitutedInning = &v
	return p
}

// IsPreSubstitution reports whether the cell at 0-indexed position i belongs
// to the originally listed player of a substituted slot.
func IsPreSubstitution(p Player, i int) bool {
	return p.SubstitutedInning != nil && i+1 < *p.SubstitutedInning
}

// BelongsToSubstitute reports whether the cell at 0-indexed position i was
// batted by the substitute.
func BelongsToSubstitute(p Player, i int) bool {
	return p.SubstitutedInning != nil && i+1 >= *p.SubstitutedInning
}
