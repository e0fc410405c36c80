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
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ttbt-io/dugout/backend/scoresheet"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// How long an idle hub with no clients stays alive.
	hubIdleTimeout = 5 * time.Minute
)

var (
	ErrSheetExists = errors.New("sheet already exists")

	errHubBusy   = errors.New("hub busy")
	errHubClosed = errors.New("hub closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message is a WebSocket message in either direction.
type Message struct {
	Type       string                 `json:"type"`
	SheetID    string                 `json:"sheetId,omitempty"`
	Sheet      *scoresheet.ScoreSheet `json:"sheet,omitempty"`
	Edits      []json.RawMessage      `json:"edits,omitempty"`
	LastEditID string                 `json:"lastEditId,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// HubRequest types
const (
	ReqTypeWSJoin     = "WS_JOIN"
	ReqTypeWSEdits    = "WS_EDITS"
	ReqTypeWSReply    = "WS_REPLY"
	ReqTypeHTTPLoad   = "HTTP_LOAD"
	ReqTypeHTTPCreate = "HTTP_CREATE"
	ReqTypeHTTPSave   = "HTTP_SAVE"
	ReqTypeHTTPEdits  = "HTTP_EDITS"
	ReqTypeHTTPDelete = "HTTP_DELETE"
	ReqTypeBroadcast  = "BROADCAST"
)

// HubRequest is a unit of work serialized through a sheet's hub.
type HubRequest struct {
	Type   string
	Client *wsClient         // WS requests
	Msg    Message           // WS_REPLY
	Edits  []json.RawMessage // edit envelopes
	Doc    *Document         // create, save and broadcast
	Reply  chan HubResponse  // HTTP requests
}

// HubResponse is the result of a HubRequest.
type HubResponse struct {
	Doc     *Document
	Changed bool
	Error   error
}

// Hub owns one sheet. Every read-modify-write of the sheet happens on the
// hub's goroutine, and every committed change is pushed to its clients.
type Hub struct {
	sheetID string

	// Registered clients.
	clients map[*wsClient]bool

	requests   chan HubRequest
	register   chan *wsClient
	unregister chan *wsClient

	// quit is closed by the manager to stop the hub. done is closed when
	// run returns.
	quit chan struct{}
	done chan struct{}

	// doc is nil when the sheet does not exist.
	doc    *Document
	loaded bool

	st *Stores
	hm *HubManager
	rm *RaftManager
}

func newHub(id string, st *Stores, hm *HubManager, rm *RaftManager) *Hub {
	return &Hub{
		sheetID:    id,
		requests:   make(chan HubRequest, 64), // Buffered to absorb FSM broadcasts
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		st:         st,
		hm:         hm,
		rm:         rm,
	}
}

func (h *Hub) run() {
	defer close(h.done)
	idleTimer := time.NewTicker(hubIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.hm.connections.Add(1)
		case client := <-h.unregister:
			h.removeClient(client)
		case req := <-h.requests:
			h.handle(req)
		case <-idleTimer.C:
			if len(h.clients) == 0 {
				h.hm.removeHub(h)
				return
			}
		case <-h.quit:
			for client := range h.clients {
				h.removeClient(client)
			}
			return
		}
	}
}

func (h *Hub) removeClient(client *wsClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.hm.connections.Add(-1)
	}
}

func (h *Hub) handle(req HubRequest) {
	switch req.Type {
	case ReqTypeBroadcast:
		h.handleBroadcast(req.Doc)
		return
	case ReqTypeWSReply:
		if h.clients[req.Client] {
			req.Client.sendJSON(req.Msg)
		}
		return
	}
	if err := h.ensureLoaded(); err != nil {
		log.Printf("Hub: Error loading sheet %s: %v", h.sheetID, err)
		if req.Client != nil {
			req.Client.sendJSON(Message{Type: MsgError, Error: "Server error loading sheet"})
		}
		h.reply(req, HubResponse{Error: err})
		return
	}

	switch req.Type {
	case ReqTypeWSJoin:
		if req.Client != nil && h.clients[req.Client] {
			h.handleWSJoin(req.Client)
		}
	case ReqTypeWSEdits:
		if req.Client != nil {
			h.handleWSEdits(req.Client, req.Edits)
		}
	case ReqTypeHTTPLoad:
		h.reply(req, h.handleLoad())
	case ReqTypeHTTPCreate:
		h.reply(req, h.handleCreate(req.Doc))
	case ReqTypeHTTPSave:
		h.reply(req, h.handleSave(req.Doc))
	case ReqTypeHTTPEdits:
		h.reply(req, h.handleEdits(req.Edits))
	case ReqTypeHTTPDelete:
		h.reply(req, h.handleDelete())
	}
}

func (h *Hub) reply(req HubRequest, resp HubResponse) {
	if req.Reply != nil {
		req.Reply <- resp
	}
}

// ensureLoaded reads the sheet from the store. With Raft enabled the store
// is reread on every request because the FSM may have changed it.
func (h *Hub) ensureLoaded() error {
	if h.loaded && h.rm == nil {
		return nil
	}
	doc, err := h.st.Sheets.LoadSheet(h.sheetID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.doc, h.loaded = nil, true
			return nil
		}
		return err
	}
	h.doc, h.loaded = doc, true
	return nil
}

func (h *Hub) live() (*Document, error) {
	if h.doc == nil {
		return nil, os.ErrNotExist
	}
	if h.doc.Status == StatusDeleted {
		return nil, ErrSheetDeleted
	}
	return h.doc, nil
}

func (h *Hub) handleBroadcast(doc *Document) {
	if doc == nil {
		return
	}
	h.doc, h.loaded = doc, true
	h.broadcastDoc(doc)
}

func (h *Hub) broadcastDoc(doc *Document) {
	if doc.Status == StatusDeleted {
		h.broadcast(Message{Type: MsgDeleted, SheetID: doc.ID})
		return
	}
	h.broadcast(Message{Type: MsgSheetUpdate, SheetID: doc.ID, Sheet: doc.Sheet, LastEditID: doc.LastEditID})
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.removeClient(client)
		}
	}
}

func (h *Hub) handleWSJoin(c *wsClient) {
	doc, err := h.live()
	if err != nil {
		c.sendJSON(Message{Type: MsgError, SheetID: h.sheetID, Error: errorText(err)})
		return
	}
	c.sendJSON(Message{Type: MsgSheet, SheetID: doc.ID, Sheet: doc.Sheet, LastEditID: doc.LastEditID})
}

func (h *Hub) handleWSEdits(c *wsClient, edits []json.RawMessage) {
	resp := h.handleEdits(edits)
	if errors.Is(resp.Error, ErrNotLeader) {
		doc, err := h.rm.ForwardEdits(h.sheetID, edits)
		resp = HubResponse{Doc: doc, Error: err}
	}
	if resp.Error != nil {
		c.sendJSON(Message{Type: MsgError, SheetID: h.sheetID, Error: errorText(resp.Error)})
		return
	}
	c.sendJSON(Message{Type: MsgAck, SheetID: h.sheetID, LastEditID: resp.Doc.LastEditID})
}

func (h *Hub) handleLoad() HubResponse {
	doc, err := h.live()
	if err != nil {
		return HubResponse{Error: err}
	}
	return HubResponse{Doc: doc}
}

func (h *Hub) handleCreate(doc *Document) HubResponse {
	if h.doc != nil {
		return HubResponse{Error: ErrSheetExists}
	}
	doc.ID = h.sheetID
	doc.Status = StatusActive
	return h.commit(doc, RaftCommand{Type: CmdSaveSheet})
}

func (h *Hub) handleSave(doc *Document) HubResponse {
	if h.doc != nil && h.doc.Status == StatusDeleted {
		return HubResponse{Error: ErrSheetDeleted}
	}
	doc.ID = h.sheetID
	doc.Status = StatusActive
	if h.doc != nil {
		doc.RecentEdits = slices.Clone(h.doc.RecentEdits)
		doc.LastEditID = h.doc.LastEditID
	}
	return h.commit(doc, RaftCommand{Type: CmdSaveSheet})
}

func (h *Hub) handleEdits(edits []json.RawMessage) HubResponse {
	cur, err := h.live()
	if err != nil {
		return HubResponse{Error: err}
	}
	if err := ValidateEdits(edits); err != nil {
		return HubResponse{Error: &requestError{err}}
	}
	if h.rm != nil {
		return h.commit(nil, RaftCommand{Type: CmdApplyEdits, Edits: edits})
	}

	next := cur.clone()
	changed, err := ApplyEdits(next, edits, h.hm.now())
	if err != nil {
		return HubResponse{Error: &requestError{err}}
	}
	if !changed {
		return HubResponse{Doc: cur}
	}
	return h.commit(next, RaftCommand{})
}

func (h *Hub) handleDelete() HubResponse {
	if h.doc == nil {
		return HubResponse{Error: os.ErrNotExist}
	}
	if h.doc.Status == StatusDeleted {
		return HubResponse{Doc: h.doc}
	}
	tombstone := &Document{
		ID:        h.sheetID,
		Status:    StatusDeleted,
		DeletedAt: h.hm.now().UnixNano(),
	}
	return h.commit(tombstone, RaftCommand{Type: CmdDeleteSheet})
}

// commit stores next and notifies clients. With Raft enabled, cmd is
// proposed instead and the FSM does the same work on every node.
func (h *Hub) commit(next *Document, cmd RaftCommand) HubResponse {
	if h.rm != nil {
		cmd.ID = h.sheetID
		cmd.Timestamp = h.hm.now().UnixNano()
		if next != nil {
			data, err := json.Marshal(next)
			if err != nil {
				return HubResponse{Error: err}
			}
			raw := json.RawMessage(data)
			cmd.SheetData = &raw
		}
		before := h.doc
		if _, err := h.rm.Propose(cmd); err != nil {
			if isEditError(err) {
				err = &requestError{err}
			}
			return HubResponse{Error: err}
		}
		if err := h.reload(); err != nil {
			return HubResponse{Error: err}
		}
		changed := cmd.Type != CmdApplyEdits || before.LastEditID != h.doc.LastEditID
		return HubResponse{Doc: h.doc, Changed: changed}
	}

	if err := h.st.commit(next, true); err != nil {
		return HubResponse{Error: err}
	}
	h.doc = next
	h.broadcastDoc(next)
	return HubResponse{Doc: next, Changed: true}
}

func (h *Hub) reload() error {
	h.loaded = false
	if err := h.ensureLoaded(); err != nil {
		return err
	}
	if h.doc == nil {
		return os.ErrNotExist
	}
	return nil
}

// submit queues req without blocking for longer than wait.
func (h *Hub) submit(req HubRequest, wait time.Duration) error {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case h.requests <- req:
		return nil
	case <-h.done:
		return errHubClosed
	case <-t.C:
		return errHubBusy
	}
}

// requestError marks errors caused by the client's input.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func isEditError(err error) bool {
	return errors.Is(err, scoresheet.ErrIndexOutOfRange) ||
		errors.Is(err, scoresheet.ErrUnknownEdit) ||
		errors.Is(err, scoresheet.ErrDuplicatePlayerID) ||
		errors.Is(err, ErrSheetDeleted)
}

func errorText(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "Sheet not found"
	case errors.Is(err, ErrSheetDeleted):
		return "Sheet has been deleted"
	}
	var re *requestError
	if errors.As(err, &re) {
		return re.Error()
	}
	return "Server error"
}

func (d *Document) clone() *Document {
	c := *d
	c.RecentEdits = slices.Clone(d.RecentEdits)
	return &c
}

// HubManager manages one hub per active sheet.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex
	st   *Stores
	rm   *RaftManager

	connections atomic.Int64

	// now is the clock used for edit timestamps.
	now func() time.Time
}

func NewHubManager(st *Stores) *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
		st:   st,
		now:  time.Now,
	}
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) GetHub(id string) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, hm.st, hm, hm.rm)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

func (hm *HubManager) removeHub(h *Hub) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.hubs[h.sheetID] == h {
		delete(hm.hubs, h.sheetID)
	}
}

// HubCount returns the number of running hubs.
func (hm *HubManager) HubCount() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.hubs)
}

// ConnectionCount returns the number of connected websocket clients.
func (hm *HubManager) ConnectionCount() int {
	return int(hm.connections.Load())
}

// Do sends req to the sheet's hub and waits for the reply. It returns
// errHubBusy if the hub cannot accept the request in time.
func (hm *HubManager) Do(ctx context.Context, id string, req HubRequest) (HubResponse, error) {
	req.Reply = make(chan HubResponse, 1)
	for attempt := 0; ; attempt++ {
		hub := hm.GetHub(id)
		err := hub.submit(req, 2*time.Second)
		if errors.Is(err, errHubClosed) && attempt == 0 {
			continue
		}
		if err != nil {
			return HubResponse{}, err
		}
		select {
		case resp := <-req.Reply:
			return resp, nil
		case <-hub.done:
			if attempt == 0 {
				continue
			}
			return HubResponse{}, errHubClosed
		case <-ctx.Done():
			return HubResponse{}, ctx.Err()
		}
	}
}

// BroadcastSheet pushes a committed document to the sheet's hub, if one is
// running. It never blocks.
func (hm *HubManager) BroadcastSheet(doc *Document) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[doc.ID]
	if !ok {
		return
	}
	select {
	case hub.requests <- HubRequest{Type: ReqTypeBroadcast, Doc: doc}:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for sheet %s", doc.ID)
	}
}

// Shutdown stops every hub and disconnects their clients.
func (hm *HubManager) Shutdown() {
	hm.mu.Lock()
	hubs := make([]*Hub, 0, len(hm.hubs))
	for _, h := range hm.hubs {
		hubs = append(hubs, h)
	}
	hm.hubs = make(map[string]*Hub)
	hm.mu.Unlock()

	for _, h := range hubs {
		close(h.quit)
		<-h.done
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message
}

func (c *wsClient) toHub(req HubRequest) bool {
	select {
	case c.hub.requests <- req:
		return true
	case <-c.hub.done:
		return false
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		switch msg.Type {
		case MsgJoin:
			if !c.toHub(HubRequest{Type: ReqTypeWSJoin, Client: c}) {
				return
			}
		case MsgEdits:
			if !c.toHub(HubRequest{Type: ReqTypeWSEdits, Client: c, Edits: msg.Edits}) {
				return
			}
		case "PING":
			if !c.toHub(HubRequest{Type: ReqTypeWSReply, Client: c, Msg: Message{Type: "PONG"}}) {
				return
			}
		default:
			log.Printf("Unknown message type: %s", msg.Type)
			if !c.toHub(HubRequest{Type: ReqTypeWSReply, Client: c, Msg: Message{Type: MsgError, Error: "Unknown message type"}}) {
				return
			}
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues msg without blocking. It must only be called from the
// hub goroutine, which owns the send channel.
func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS handles websocket requests from the peer.
func ServeWS(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	sheetID := r.URL.Query().Get("sheetId")
	if sheetID == "" || !isValidUUID(sheetID) {
		http.Error(w, "Invalid sheetId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	for {
		hub := hm.GetHub(sheetID)
		client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256)}
		select {
		case hub.register <- client:
			go client.writePump()
			go client.readPump()
			return
		case <-hub.done:
		}
	}
}
