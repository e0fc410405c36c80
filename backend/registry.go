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

package backend

import (
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/dugout/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry is the in-memory index of stored sheets. It answers listing and
// search queries without opening every sheet file.
type Registry struct {
	sheetStore *SheetStore

	mu sync.RWMutex

	// ids is the set of live sheets. deleted maps tombstoned ids to their
	// deletion time.
	ids     map[string]struct{}
	deleted map[string]int64

	// Metadata cache for sorting and filtering. Misses are read back from
	// the store.
	metadata *lru.Cache[string, SheetMetadata]

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and populates it from the store.
func NewRegistry(ss *SheetStore) *Registry {
	cache, _ := lru.New[string, SheetMetadata](5000)
	r := &Registry{
		sheetStore: ss,
		ids:        make(map[string]struct{}),
		deleted:    make(map[string]int64),
		metadata:   cache,
		stopChan:   make(chan struct{}),
	}
	r.Rebuild()
	return r
}

// Rebuild rescans the store.
func (r *Registry) Rebuild() {
	ids := make(map[string]struct{})
	deleted := make(map[string]int64)
	r.metadata.Purge()
	for m, err := range r.sheetStore.ListAllSheetMetadata() {
		if err != nil {
			log.Printf("Registry Warning: %v", err)
			continue
		}
		if m.Status == StatusDeleted {
			deleted[m.ID] = m.DeletedAt
			continue
		}
		ids[m.ID] = struct{}{}
		r.metadata.Add(m.ID, m)
	}
	r.mu.Lock()
	r.ids = ids
	r.deleted = deleted
	r.mu.Unlock()
	log.Printf("Registry: Indexed %d sheets, %d tombstones.", len(ids), len(deleted))
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// PurgeOldTombstones permanently deletes tombstones older than tombstoneTTL.
func (r *Registry) PurgeOldTombstones() int {
	cutoff := time.Now().Add(-tombstoneTTL).UnixNano()

	r.mu.RLock()
	var expired []string
	for id, ts := range r.deleted {
		if ts > 0 && ts < cutoff {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	purged := 0
	for _, id := range expired {
		if err := r.sheetStore.PurgeSheet(id); err != nil {
			log.Printf("Registry Warning: failed to purge sheet %s: %v", id, err)
			continue
		}
		r.mu.Lock()
		delete(r.deleted, id)
		r.mu.Unlock()
		purged++
	}
	if purged > 0 {
		log.Printf("Registry: GC complete. Purged %d sheets.", purged)
	}
	return purged
}

// UpdateSheet records the current metadata of a sheet.
func (r *Registry) UpdateSheet(m SheetMetadata) {
	if m.Status == StatusDeleted {
		r.markDeleted(m.ID, m.DeletedAt)
		return
	}
	r.mu.Lock()
	r.ids[m.ID] = struct{}{}
	delete(r.deleted, m.ID)
	r.mu.Unlock()
	r.metadata.Add(m.ID, m)
}

// DeleteSheet records a sheet as deleted.
func (r *Registry) DeleteSheet(id string) {
	r.markDeleted(id, time.Now().UnixNano())
}

func (r *Registry) markDeleted(id string, ts int64) {
	r.mu.Lock()
	delete(r.ids, id)
	r.deleted[id] = ts
	r.mu.Unlock()
	r.metadata.Remove(id)
}

// IsDeleted reports whether the sheet has been tombstoned.
func (r *Registry) IsDeleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deleted[id]
	return ok
}

// SheetExists reports whether a live sheet has this id.
func (r *Registry) SheetExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// CountSheets returns the number of live sheets.
func (r *Registry) CountSheets() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

func (r *Registry) getMeta(id string) (SheetMetadata, bool) {
	if m, ok := r.metadata.Get(id); ok {
		return m, true
	}
	doc, err := r.sheetStore.LoadSheet(id)
	if err != nil {
		return SheetMetadata{}, false
	}
	m := doc.Metadata()
	r.metadata.Add(id, m)
	return m, true
}

// ListSheets returns the metadata of live sheets matching query, sorted by
// sortBy ("date", "opponent", "location", "updated") in order ("asc" or
// "desc"). Date sorts default to descending, everything else to ascending.
func (r *Registry) ListSheets(sortBy, order, query string) []SheetMetadata {
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		if sortBy == "date" || sortBy == "updated" {
			order = "desc"
		} else {
			order = "asc"
		}
	}

	q := search.Parse(query)
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		if f.Key != "date" {
			q.Filters[i].Value = strings.ToLower(f.Value)
		}
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	list := make([]SheetMetadata, 0, len(ids))
	for _, id := range ids {
		m, ok := r.getMeta(id)
		if !ok || m.Status == StatusDeleted || !matchesSheet(m, q) {
			continue
		}
		list = append(list, m)
	}

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		var ka, kb string
		switch sortBy {
		case "date":
			ka, kb = a.Date, b.Date
		case "opponent":
			ka, kb = strings.ToLower(a.Opponent), strings.ToLower(b.Opponent)
		case "location":
			ka, kb = strings.ToLower(a.Location), strings.ToLower(b.Location)
		case "updated":
			if a.LastUpdated != b.LastUpdated {
				if order == "desc" {
					return a.LastUpdated > b.LastUpdated
				}
				return a.LastUpdated < b.LastUpdated
			}
		}
		if ka == kb {
			ka, kb = a.ID, b.ID
		}
		if order == "desc" {
			return ka > kb
		}
		return ka < kb
	})
	return list
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func matchesSheet(m SheetMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		match := containsLower(m.Opponent, token) ||
			containsLower(m.Location, token) ||
			containsLower(m.Date, token)
		if !match {
			return false
		}
	}
	for _, f := range q.Filters {
		match, known := matchesFilter(m, f)
		if known && match == f.Negate {
			return false
		}
	}
	return true
}

// matchesFilter reports whether m satisfies f, and whether f's key is one
// the registry understands. Unknown keys do not restrict the result.
func matchesFilter(m SheetMetadata, f search.Filter) (match, known bool) {
	switch f.Key {
	case "opponent":
		return containsLower(m.Opponent, f.Value), true
	case "location":
		return containsLower(m.Location, f.Value), true
	case "team":
		return strings.EqualFold(m.TeamID, f.Value), true
	case "date":
		return checkDateFilter(m.Date, f), true
	case "runs":
		return checkIntFilter(m.TotalRuns, f), true
	case "is":
		switch f.Value {
		case "complete":
			return m.Complete, true
		case "verified":
			return m.Verified, true
		case "home":
			return m.IsHome, true
		case "away":
			return !m.IsHome, true
		}
	}
	return false, false
}

func checkDateFilter(dateVal string, f search.Filter) bool {
	switch f.Operator {
	case search.OpEqual:
		return strings.HasPrefix(dateVal, f.Value)
	case search.OpGreater:
		return dateVal > f.Value
	case search.OpGreaterOrEqual:
		return dateVal >= f.Value
	case search.OpLess:
		return dateVal < f.Value
	case search.OpLessOrEqual:
		return dateVal <= f.Value
	case search.OpRange:
		maxVal := f.MaxValue + "~"
		return dateVal >= f.Value && dateVal <= maxVal
	}
	return true
}

func checkIntFilter(v int, f search.Filter) bool {
	n, err := strconv.Atoi(f.Value)
	if err != nil {
		return false
	}
	switch f.Operator {
	case search.OpEqual:
		return v == n
	case search.OpGreater:
		return v > n
	case search.OpGreaterOrEqual:
		return v >= n
	case search.OpLess:
		return v < n
	case search.OpLessOrEqual:
		return v <= n
	case search.OpRange:
		hi, err := strconv.Atoi(f.MaxValue)
		return err == nil && v >= n && v <= hi
	}
	return true
}
