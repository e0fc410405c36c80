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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not leader")

// RaftManager replicates sheet changes across a cluster of nodes.
type RaftManager struct {
	Raft      *raft.Raft
	FSM       *FSM
	DataDir   string
	Bind      string // "host:port" for Raft transport
	Advertise string // "host:port" other nodes dial for Raft traffic
	HTTPAddr  string // base URL of this node's API, used to forward writes
	NodeID    string
	Secret    string
	Bootstrap bool

	UseProductionTimeouts bool

	LogOutput io.Writer // Optional: Redirect Raft logs

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	httpClient   *http.Client

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
}

func NewRaftManager(dataDir, bind, advertise, httpAddr, nodeID, secret string, fsm *FSM) *RaftManager {
	rm := &RaftManager{
		DataDir:    dataDir,
		Bind:       bind,
		Advertise:  advertise,
		HTTPAddr:   httpAddr,
		NodeID:     nodeID,
		Secret:     secret,
		FSM:        fsm,
		shutdownCh: make(chan struct{}),
		LogOutput:  os.Stderr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	return rm
}

// loadOrCreateNodeID returns the node id persisted in the data directory,
// creating one on first start.
func (rm *RaftManager) loadOrCreateNodeID() (string, error) {
	path := filepath.Join(rm.DataDir, "node-id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	if err := os.MkdirAll(rm.DataDir, 0700); err != nil {
		return err
	}
	if rm.NodeID == "" {
		id, err := rm.loadOrCreateNodeID()
		if err != nil {
			return fmt.Errorf("failed to load node id: %w", err)
		}
		rm.NodeID = id
	}
	log.Printf("NodeID: %s", rm.NodeID)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if rm.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		// Faster timeouts for tests
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 8192
	config.LogLevel = "INFO"
	if rm.LogOutput != nil {
		config.LogOutput = rm.LogOutput
	}

	var advertise net.Addr
	if rm.Advertise != "" {
		addr, err := net.ResolveTCPAddr("tcp", rm.Advertise)
		if err != nil {
			return fmt.Errorf("invalid raft advertise address %q: %w", rm.Advertise, err)
		}
		advertise = addr
	}
	transport, err := raft.NewTCPTransport(rm.Bind, advertise, 3, 10*time.Second, rm.LogOutput)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	rm.Advertise = string(transport.LocalAddr())

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		transport.Close()
		return err
	}
	rm.logStore = logStore
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		transport.Close()
		rm.closeStores()
		return err
	}
	rm.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(rm.DataDir, 1, rm.LogOutput)
	if err != nil {
		transport.Close()
		rm.closeStores()
		return err
	}

	r, err := raft.NewRaft(config, rm.FSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		rm.closeStores()
		return err
	}
	rm.Raft = r

	self := &NodeMeta{
		NodeID:          rm.NodeID,
		HttpAddr:        rm.HTTPAddr,
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
	}
	rm.FSM.nodeMap.Store(rm.NodeID, self)

	if bootstrap {
		log.Printf("Bootstrapping Raft cluster with NodeID: %s", rm.NodeID)
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			log.Printf("Bootstrap error (might be already bootstrapped): %v", err)
		}
		go rm.afterBootstrap(self)
	}
	return nil
}

// afterBootstrap waits for leadership, then publishes this node's metadata
// and ingests sheets that were stored before Raft was enabled.
func (rm *RaftManager) afterBootstrap(self *NodeMeta) {
	for rm.Raft.State() != raft.Leader {
		select {
		case <-rm.shutdownCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: self}); err != nil {
		log.Printf("Failed to propose bootstrap metadata: %v", err)
	}

	ingested := 0
	for doc, err := range rm.FSM.st.Sheets.ListAllSheets() {
		if err != nil {
			log.Printf("Failed to list sheets for ingestion: %v", err)
			break
		}
		if doc.LastRaftIndex > 0 {
			continue
		}
		data, _ := json.Marshal(doc)
		raw := json.RawMessage(data)
		cmd := RaftCommand{Type: CmdSaveSheet, ID: doc.ID, SheetData: &raw, Force: true}
		if _, err := rm.Propose(cmd); err != nil {
			log.Printf("Failed to ingest sheet %s: %v", doc.ID, err)
			continue
		}
		ingested++
	}
	if ingested > 0 {
		log.Printf("Ingested %d existing sheets into the Raft log.", ingested)
	}
}

// WaitForSync blocks until the Raft FSM has applied all entries currently in the log.
// This prevents serving stale data immediately after a restart while the log is being replayed.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
				return nil
			}
		}
	}
}

// IsLeader reports whether this node is the Raft leader.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft != nil && rm.Raft.State() == raft.Leader
}

// Propose proposes a command to the Raft cluster and waits until it has been
// applied locally. The error returned by the FSM is returned as is.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if !rm.IsLeader() {
		return 0, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	f := rm.Raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return f.Index(), err
	}
	return f.Index(), nil
}

// Join adds a new voting node to the cluster.
func (rm *RaftManager) Join(nodeID, raftAddr, httpAddr string) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s", nodeID, raftAddr, httpAddr)

	cmd := RaftCommand{
		Type:     CmdNodeMeta,
		NodeMeta: &NodeMeta{NodeID: nodeID, HttpAddr: httpAddr},
	}
	if _, err := rm.Propose(cmd); err != nil {
		return fmt.Errorf("failed to store node metadata: %w", err)
	}
	if err := rm.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0).Error(); err != nil {
		return err
	}
	log.Printf("Node %s joined successfully", nodeID)
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received leave request for node %s", nodeID)

	if err := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return err
	}
	cmd := RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: nodeID}}
	if _, err := rm.Propose(cmd); err != nil {
		log.Printf("Warning: Failed to broadcast node removal: %v", err)
	}
	log.Printf("Node %s removed successfully", nodeID)
	return nil
}

// JoinCluster asks the node at leaderURL to add this node to its cluster.
// Followers forward the request to their leader.
func (rm *RaftManager) JoinCluster(leaderURL string) error {
	body, _ := json.Marshal(map[string]string{
		"nodeId":   rm.NodeID,
		"raftAddr": rm.Advertise,
		"httpAddr": rm.HTTPAddr,
	})
	req, err := http.NewRequest(http.MethodPost, withScheme(leaderURL)+"/api/cluster/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raft-Secret", rm.Secret)
	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("join rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func withScheme(addr string) string {
	addr = strings.TrimSuffix(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// GetLeaderHTTPAddr returns the HTTP address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

func (rm *RaftManager) checkSecret(r *http.Request) bool {
	return rm.Secret != "" && r.Header.Get("X-Raft-Secret") == rm.Secret
}

// forwardLoop reports whether this node already handled the request.
func (rm *RaftManager) forwardLoop(r *http.Request) bool {
	if forwarded := r.Header.Get("X-Raft-Forwarded"); forwarded != "" {
		for _, id := range strings.Split(forwarded, ",") {
			if strings.TrimSpace(id) == rm.NodeID {
				return true
			}
		}
	}
	return false
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	_, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":           rm.NodeID,
		"state":            rm.Raft.State().String(),
		"leaderId":         string(leaderID),
		"leaderAddr":       rm.GetLeaderHTTPAddr(),
		"raftAddr":         rm.Advertise,
		"httpAddr":         rm.HTTPAddr,
		"appliedIndex":     rm.Raft.AppliedIndex(),
		"lastAppliedIndex": rm.FSM.LastAppliedIndex(),
		"appVersion":       CurrentAppVersion,
		"protocolVersion":  CurrentProtocolVersion,
	}

	configFuture := rm.Raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		var nodes []map[string]any
		for _, s := range configFuture.Configuration().Servers {
			nodes = append(nodes, map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"httpAddr": rm.FSM.GetNodeAddr(string(s.ID)),
				"suffrage": s.Suffrage.String(),
			})
		}
		status["nodes"] = nodes
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if rm.forwardLoop(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return
	}
	if !rm.IsLeader() {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var data struct {
		NodeID   string `json:"nodeId"`
		RaftAddr string `json:"raftAddr"`
		HttpAddr string `json:"httpAddr"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if data.NodeID == "" || data.RaftAddr == "" || data.HttpAddr == "" {
		http.Error(w, "Missing required fields: nodeId, raftAddr and httpAddr are required", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid RaftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(withScheme(data.HttpAddr)); err != nil || u.Host == "" {
		http.Error(w, "Invalid HttpAddr: must be host:port or valid URL", http.StatusBadRequest)
		return
	}

	if err := rm.Join(data.NodeID, data.RaftAddr, data.HttpAddr); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if rm.forwardLoop(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return
	}
	if !rm.IsLeader() {
		rm.forwardRequestToLeader(w, r)
		return
	}
	var data struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&data); err != nil || data.NodeID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := rm.Leave(data.NodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s removed", data.NodeID)
}

// forwardRequestToLeader proxies r to the leader's API and copies the
// response back.
func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		w.Header().Set("Retry-After", "2")
		http.Error(w, "No leader found", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, withScheme(leaderAddr)+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to create forward request", http.StatusInternalServerError)
		return
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	rm.markForwarded(req, r.Header.Get("X-Raft-Forwarded"))

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (rm *RaftManager) markForwarded(req *http.Request, prev string) {
	forwarded := rm.NodeID
	if prev != "" {
		forwarded = prev + "," + rm.NodeID
	}
	req.Header.Set("X-Raft-Forwarded", forwarded)
	if rm.Secret != "" {
		req.Header.Set("X-Raft-Secret", rm.Secret)
	}
}

// ForwardEdits sends an edit batch received by a follower to the leader.
func (rm *RaftManager) ForwardEdits(sheetID string, edits []json.RawMessage) (*Document, error) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		return nil, fmt.Errorf("leader not found")
	}
	body, err := json.Marshal(editsRequest{Edits: edits})
	if err != nil {
		return nil, err
	}
	u := withScheme(leaderAddr) + "/api/sheets/" + url.PathEscape(sheetID) + "/edits"
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	rm.markForwarded(req, "")

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &requestError{fmt.Errorf("leader returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	var out editsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &Document{ID: sheetID, Status: StatusActive, Sheet: out.Sheet, LastEditID: out.LastEditID}, nil
}

// Shutdown gracefully shuts down the Raft node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})
	if rm.Raft == nil {
		rm.closeStores()
		return nil
	}

	if rm.Raft.State() == raft.Leader {
		log.Printf("Attempting leadership transfer before shutdown...")
		f := rm.Raft.LeadershipTransfer()
		done := make(chan error, 1)
		go func() { done <- f.Error() }()

		select {
		case err := <-done:
			if err != nil {
				log.Printf("Leadership transfer failed (continuing): %v", err)
			} else {
				log.Printf("Leadership transfer successful.")
			}
		case <-time.After(5 * time.Second):
			log.Printf("Leadership transfer timed out (continuing).")
		}
	}

	raftErr := rm.Raft.Shutdown().Error()
	rm.closeStores()
	return raftErr
}

func (rm *RaftManager) closeStores() {
	if rm.logStore != nil {
		rm.logStore.Close()
		rm.logStore = nil
	}
	if rm.stableStore != nil {
		rm.stableStore.Close()
		rm.stableStore = nil
	}
}
