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
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

// FSM implements the raft.FSM interface over the sheet store.
type FSM struct {
	st      *Stores
	hm      *HubManager
	storage *storage.Storage

	// applyMu serializes Apply with Snapshot's collection of documents.
	applyMu sync.Mutex

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(st *Stores, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		st:      st,
		hm:      hm,
		storage: s,
	}
	f.loadNodes()
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile("nodes.json", &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read nodes.json: %v", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile("nodes.json", f.nodes()); err != nil {
		log.Printf("FSM Error: failed to save nodes.json: %v", err)
	}
}

func (f *FSM) nodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

// GetNodeAddr returns the HTTP address a node advertised when it joined.
func (f *FSM) GetNodeAddr(nodeID string) string {
	if meta := f.GetNodeMeta(nodeID); meta != nil {
		return meta.HttpAddr
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta
		}
	}
	return nil
}

// Apply applies a Raft log entry to the sheet store.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}

	f.applyMu.Lock()
	defer f.applyMu.Unlock()
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) interface{} {
	switch cmd.Type {
	case CmdApplyEdits:
		return f.applyEdits(cmd.ID, cmd.Edits, time.Unix(0, cmd.Timestamp), index)
	case CmdSaveSheet:
		if cmd.SheetData == nil {
			return fmt.Errorf("missing sheet data")
		}
		return f.applySaveSheet(cmd.ID, *cmd.SheetData, index, cmd.Force)
	case CmdDeleteSheet:
		return f.applyDeleteSheet(cmd.ID, cmd.Timestamp, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// loadForApply returns the stored document, or nil if there is none.
func (f *FSM) loadForApply(id string) (*Document, error) {
	doc, err := f.st.Sheets.LoadSheet(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sheet %s: %w", id, err)
	}
	if doc.ID != id {
		return nil, fmt.Errorf("data consistency error: loaded sheet ID %s does not match expected %s", doc.ID, id)
	}
	return doc, nil
}

func (f *FSM) applyEdits(id string, edits []json.RawMessage, now time.Time, index uint64) error {
	doc, err := f.loadForApply(id)
	if err != nil {
		return err
	}
	if doc == nil {
		return os.ErrNotExist
	}
	if index > 0 && index <= doc.LastRaftIndex {
		return nil // Already applied
	}

	next := doc.clone()
	changed, err := ApplyEdits(next, edits, now)
	if err != nil {
		return err
	}
	if index > 0 {
		next.LastRaftIndex = index
	} else if !changed {
		return nil
	}
	return f.commit(next, changed)
}

func (f *FSM) applySaveSheet(id string, data []byte, index uint64, force bool) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal sheet data: %w", err)
	}
	doc.ID = id

	existing, err := f.loadForApply(id)
	if err != nil {
		return err
	}
	if existing != nil && !force {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if existing.Status == StatusDeleted && doc.Status != StatusDeleted {
			return fmt.Errorf("sheet %s: %w", id, ErrSheetDeleted)
		}
	}
	if doc.Status == "" {
		doc.Status = StatusActive
	}
	if index > 0 {
		doc.LastRaftIndex = index
	}
	return f.commit(&doc, true)
}

func (f *FSM) applyDeleteSheet(id string, ts int64, index uint64) error {
	existing, err := f.loadForApply(id)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status == StatusDeleted {
		return nil
	}
	if index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	tombstone := &Document{
		ID:            id,
		Status:        StatusDeleted,
		DeletedAt:     ts,
		LastRaftIndex: index,
	}
	return f.commit(tombstone, true)
}

func (f *FSM) commit(doc *Document, broadcast bool) error {
	if err := f.st.commit(doc, false); err != nil {
		return err
	}
	if broadcast && f.hm != nil {
		f.hm.BroadcastSheet(doc)
	}
	return nil
}

// FSMSnapshot is a point-in-time copy of every stored document.
type FSMSnapshot struct {
	fsm      *FSM
	manifest snapshotManifest
	docs     [][]byte
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	return s.fsm.persist(sink, s.manifest, s.docs)
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()

	if err := f.st.Sheets.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing sheets failed: %v", err)
		return nil, err
	}

	snap := &FSMSnapshot{
		fsm: f,
		manifest: snapshotManifest{
			NodeMap:   f.nodes(),
			RaftIndex: f.LastAppliedIndex(),
		},
	}
	for doc, err := range f.st.Sheets.ListAllSheets() {
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal sheet %s: %v", doc.ID, err)
			continue
		}
		snap.docs = append(snap.docs, data)
	}
	return snap, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	f.applyMu.Lock()
	defer f.applyMu.Unlock()

	if err := f.restore(rc); err != nil {
		return err
	}
	f.st.Registry.Rebuild()
	return nil
}

// FlushAll writes every dirty sheet to disk.
func (f *FSM) FlushAll() error {
	return f.st.Sheets.FlushAll()
}
