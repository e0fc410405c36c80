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
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdSaveSheet   CommandType = "SAVE_SHEET"
	CmdDeleteSheet CommandType = "DELETE_SHEET"
	CmdApplyEdits  CommandType = "APPLY_EDITS"
	CmdNodeMeta    CommandType = "NODE_META"
	CmdNodeLeft    CommandType = "NODE_LEFT"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type      CommandType       `json:"type"`
	NodeMeta  *NodeMeta         `json:"nodeMeta,omitempty"`
	Edits     []json.RawMessage `json:"edits,omitempty"`
	SheetData *json.RawMessage  `json:"sheetData,omitempty"`
	ID        string            `json:"id,omitempty"`

	// Timestamp is the proposer's clock in Unix Nano. Every node stamps
	// the sheet with it so that replicas stay identical.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Force skips the replay check when ingesting existing data.
	Force bool `json:"force,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}
