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
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/ttbt-io/dugout/backend/scoresheet"
)

const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Document is a stored scoresheet plus the bookkeeping needed to apply
// edits exactly once.
type Document struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Sheet  *scoresheet.ScoreSheet `json:"sheet,omitempty"`

	// RecentEdits holds the ids of the most recently applied edits, oldest
	// first.
	RecentEdits []string `json:"recentEdits,omitempty"`
	LastEditID  string   `json:"lastEditId,omitempty"`

	// LastRaftIndex is the index of the last Raft log entry applied to this
	// sheet. Used to skip entries during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`

	// DeletedAt is the Unix Nano timestamp of the deletion.
	DeletedAt int64 `json:"deletedAt,omitempty"`
}

// storedDocument is the on-disk form of a Document. The sheet is kept raw so
// that documents written by older clients go through the legacy converter
// when they are read back.
type storedDocument struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Sheet         json.RawMessage `json:"sheet,omitempty"`
	RecentEdits   []string        `json:"recentEdits,omitempty"`
	LastEditID    string          `json:"lastEditId,omitempty"`
	LastRaftIndex uint64          `json:"lastRaftIndex,omitempty"`
	DeletedAt     int64           `json:"deletedAt,omitempty"`
}

func (d *Document) stored() (*storedDocument, error) {
	sd := &storedDocument{
		ID:            d.ID,
		Status:        d.Status,
		RecentEdits:   d.RecentEdits,
		LastEditID:    d.LastEditID,
		LastRaftIndex: d.LastRaftIndex,
		DeletedAt:     d.DeletedAt,
	}
	if d.Sheet != nil {
		b, err := json.Marshal(d.Sheet)
		if err != nil {
			return nil, err
		}
		sd.Sheet = b
	}
	return sd, nil
}

func (sd *storedDocument) document() *Document {
	d := &Document{
		ID:            sd.ID,
		Status:        sd.Status,
		RecentEdits:   sd.RecentEdits,
		LastEditID:    sd.LastEditID,
		LastRaftIndex: sd.LastRaftIndex,
		DeletedAt:     sd.DeletedAt,
	}
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.Status != StatusDeleted {
		sheet, res := scoresheet.Load(sd.Sheet, time.Now())
		if !res.IsValid {
			log.Printf("Warning: sheet %s was converted from a legacy document: %s", sd.ID, strings.Join(res.Errors, "; "))
		}
		d.Sheet = sheet
	}
	return d
}

// Metadata returns the indexable summary of the document.
func (d *Document) Metadata() SheetMetadata {
	m := SheetMetadata{
		ID:        d.ID,
		Status:    d.Status,
		DeletedAt: d.DeletedAt,
	}
	if s := d.Sheet; s != nil {
		m.Date = s.GameInfo.Date
		m.Opponent = s.GameInfo.Opponent
		m.Location = s.GameInfo.Location
		m.TeamID = s.GameInfo.TeamID
		m.IsHome = s.GameInfo.IsHome
		m.Complete = s.Metadata.IsComplete
		m.Verified = s.Metadata.IsVerified
		m.TotalRuns = s.TotalRuns
		m.LastUpdated = s.Metadata.LastUpdated.UnixMilli()
	}
	return m
}

// SheetMetadata contains only the fields needed for listing and search.
type SheetMetadata struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Opponent    string `json:"opponent"`
	Location    string `json:"location"`
	TeamID      string `json:"teamId"`
	IsHome      bool   `json:"isHome"`
	Complete    bool   `json:"complete"`
	Verified    bool   `json:"verified"`
	TotalRuns   int    `json:"totalRuns"`
	LastUpdated int64  `json:"lastUpdated"`
	Status      string `json:"status"`
	DeletedAt   int64  `json:"deletedAt,omitempty"`
}

// SheetStore manages sheet persistence to disk.
type SheetStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per sheet id
	cache   sync.Map // latest JSON encoding of each Document

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewSheetStore creates a new SheetStore.
func NewSheetStore(dataDir string, s *storage.Storage) *SheetStore {
	return &SheetStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func sheetFiles(id string) (filename, metaFilename string) {
	encoded := url.PathEscape(id)
	return filepath.Join("sheets", encoded+".json"), filepath.Join("sheets", encoded+".meta.json")
}

func (ss *SheetStore) lock(id string) *sync.RWMutex {
	m, _ := ss.mu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

// SaveSheet writes the document and its metadata sidecar to disk.
func (ss *SheetStore) SaveSheet(doc *Document) error {
	mutex := ss.lock(doc.ID)
	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := sheetFiles(doc.ID)

	sd, err := doc.stored()
	if err != nil {
		return fmt.Errorf("encode sheet %s: %w", doc.ID, err)
	}
	if err := ss.storage.SaveDataFile(filename, sd); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}

	meta := doc.Metadata()
	if err := ss.storage.SaveDataFile(metaFilename, &meta); err != nil {
		// The main file is authoritative; listing falls back to it.
		log.Printf("Warning: Failed to save metadata sidecar for sheet %s: %v", doc.ID, err)
	}

	if b, err := json.Marshal(doc); err == nil {
		ss.cache.Store(doc.ID, b)
	}

	ss.dirtyMu.Lock()
	delete(ss.dirty, doc.ID)
	ss.dirtyMu.Unlock()
	return nil
}

// SaveSheetInMemory updates the cache and marks the sheet as dirty. If
// forceSync is true, it writes to disk immediately.
func (ss *SheetStore) SaveSheetInMemory(doc *Document, forceSync bool) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ss.cache.Store(doc.ID, b)

	if forceSync {
		return ss.SaveSheet(doc)
	}

	ss.dirtyMu.Lock()
	ss.dirty[doc.ID] = true
	ss.dirtyMu.Unlock()
	return nil
}

// Flush persists a sheet to disk if it is dirty.
func (ss *SheetStore) Flush(id string) error {
	ss.dirtyMu.Lock()
	if !ss.dirty[id] {
		ss.dirtyMu.Unlock()
		return nil
	}
	ss.dirtyMu.Unlock()

	val, ok := ss.cache.Load(id)
	if !ok {
		ss.dirtyMu.Lock()
		delete(ss.dirty, id)
		ss.dirtyMu.Unlock()
		return fmt.Errorf("sheet %s marked dirty but not found in cache", id)
	}
	var doc Document
	if err := json.Unmarshal(val.([]byte), &doc); err != nil {
		return fmt.Errorf("failed to unmarshal sheet from cache for flush: %w", err)
	}
	return ss.SaveSheet(&doc)
}

// FlushAll persists all dirty sheets to disk.
func (ss *SheetStore) FlushAll() error {
	for _, id := range ss.dirtyIDs() {
		if err := ss.Flush(id); err != nil {
			return fmt.Errorf("failed to flush sheet %s: %w", id, err)
		}
	}
	return nil
}

func (ss *SheetStore) dirtyIDs() []string {
	ss.dirtyMu.Lock()
	defer ss.dirtyMu.Unlock()
	ids := make([]string, 0, len(ss.dirty))
	for id := range ss.dirty {
		ids = append(ids, id)
	}
	return ids
}

// LoadSheet loads a document by id. It returns os.ErrNotExist when the sheet
// has never been saved. Tombstones are returned with Status "deleted".
func (ss *SheetStore) LoadSheet(id string) (*Document, error) {
	if val, ok := ss.cache.Load(id); ok {
		var doc Document
		if err := json.Unmarshal(val.([]byte), &doc); err == nil {
			if ss.Debug {
				log.Printf("[CACHE] Hit for sheet %s", id)
			}
			return &doc, nil
		}
		ss.cache.Delete(id)
	}
	if ss.Debug {
		log.Printf("[CACHE] Miss for sheet %s", id)
	}

	mutex := ss.lock(id)
	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := sheetFiles(id)
	var sd storedDocument
	if err := ss.storage.ReadDataFile(filename, &sd); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if sd.ID == "" {
		sd.ID = id
	}
	doc := sd.document()

	if b, err := json.Marshal(doc); err == nil {
		ss.cache.Store(id, b)
	}
	return doc, nil
}

// DeleteSheet replaces the sheet with a tombstone.
func (ss *SheetStore) DeleteSheet(id string) error {
	if _, err := ss.LoadSheet(id); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	tombstone := &Document{
		ID:        id,
		Status:    StatusDeleted,
		DeletedAt: time.Now().UnixNano(),
	}
	return ss.SaveSheet(tombstone)
}

// PurgeSheet permanently deletes the sheet files.
func (ss *SheetStore) PurgeSheet(id string) error {
	mutex := ss.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	ss.cache.Delete(id)
	ss.dirtyMu.Lock()
	delete(ss.dirty, id)
	ss.dirtyMu.Unlock()

	filename, metaFilename := sheetFiles(id)
	if err := os.Remove(filepath.Join(ss.DataDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge sheet file: %w", err)
	}
	if err := os.Remove(filepath.Join(ss.DataDir, metaFilename)); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not purge meta file for sheet %s: %v", id, err)
	}
	return nil
}

// scanDir returns the ids of sheets on disk and the subset that have a
// metadata sidecar.
func (ss *SheetStore) scanDir() (ids []string, hasMeta map[string]bool, err error) {
	files, err := os.ReadDir(filepath.Join(ss.DataDir, "sheets"))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("could not read sheets directory: %w", err)
	}
	hasMeta = make(map[string]bool)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if encoded, ok := strings.CutSuffix(name, ".meta.json"); ok {
			if id, err := url.PathUnescape(encoded); err == nil {
				hasMeta[id] = true
			}
			continue
		}
		if encoded, ok := strings.CutSuffix(name, ".json"); ok {
			if id, err := url.PathUnescape(encoded); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids, hasMeta, nil
}

// ListAllSheetIDs returns the ids of every stored sheet, including
// tombstones and sheets not yet flushed.
func (ss *SheetStore) ListAllSheetIDs() ([]string, error) {
	ids, _, err := ss.scanDir()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range ss.dirtyIDs() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListAllSheetMetadata returns metadata for all sheets, reading sidecars
// where they exist.
func (ss *SheetStore) ListAllSheetMetadata() iter.Seq2[SheetMetadata, error] {
	return func(yield func(SheetMetadata, error) bool) {
		ids, hasMeta, err := ss.scanDir()
		if err != nil {
			yield(SheetMetadata{}, err)
			return
		}
		dirty := make(map[string]bool)
		for _, id := range ss.dirtyIDs() {
			dirty[id] = true
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
			if hasMeta[id] && !dirty[id] {
				_, metaFilename := sheetFiles(id)
				var meta SheetMetadata
				if err := ss.storage.ReadDataFile(metaFilename, &meta); err == nil {
					if !yield(meta, nil) {
						return
					}
					continue
				} else {
					log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				}
			}
			doc, err := ss.LoadSheet(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load sheet %s from disk: %v", id, err)
				continue
			}
			if !yield(doc.Metadata(), nil) {
				return
			}
		}
		for id := range dirty {
			if seen[id] {
				continue
			}
			doc, err := ss.LoadSheet(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty sheet %s: %v", id, err)
				continue
			}
			if !yield(doc.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllSheets returns an iterator over every stored document.
func (ss *SheetStore) ListAllSheets() iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		ids, err := ss.ListAllSheetIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			doc, err := ss.LoadSheet(id)
			if err != nil {
				log.Printf("Warning: could not load sheet '%s': %v", id, err)
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// RestoreSheet writes a document received in a snapshot, replacing any
// cached copy.
func (ss *SheetStore) RestoreSheet(doc *Document) error {
	ss.cache.Delete(doc.ID)
	return ss.SaveSheet(doc)
}
