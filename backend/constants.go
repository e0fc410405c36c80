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

// Versions reported by the status endpoints.
const (
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Edit envelope limits.
const (
	MaxPlayerIndex = 99
	MaxInningIndex = 98
	MaxTextLen     = 200
	MaxEventLen    = 10
	MaxEditBatch   = 200

	// maxRecentEdits is how many applied edit ids a document remembers for
	// duplicate detection.
	maxRecentEdits = 100
)

// Sheet shape limits for creation requests.
const (
	MaxSheetInnings = 30
	MaxSheetPlayers = 40
)

// WebSocket message types.
const (
	MsgJoin        = "JOIN"
	MsgSheet       = "SHEET"
	MsgEdits       = "EDITS"
	MsgSheetUpdate = "SHEET_UPDATE"
	MsgAck         = "ACK"
	MsgError       = "ERROR"
	MsgDeleted     = "DELETED"
)
