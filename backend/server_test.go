package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ttbt-io/dugout/backend/scoresheet"
)

func doRequest(t *testing.T, method, url string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestServer_SheetLifecycle(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	_, server := newTestServer(t, Options{Now: func() time.Time { return fixed }, DefaultInnings: 5})

	resp, data := doRequest(t, "POST", server.URL+"/api/sheets", createRequest{
		NumPlayers: 3,
		GameInfo:   &scoresheet.GameInfo{Opponent: "Owls", Date: "2026-05-01", TeamID: "red"},
		CreatedBy:  "coach",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var created sheetResponse
	json.Unmarshal(data, &created)
	id := created.ID
	if !isValidUUID(id) || created.Status != StatusActive {
		t.Fatalf("created = %+v", created)
	}
	if s := created.Sheet; len(s.Players) != 3 || len(s.InningTotals) != 5 || s.Metadata.CreatedBy != "coach" || !s.Metadata.LastUpdated.Equal(fixed) {
		t.Errorf("created sheet = %+v", s)
	}

	// Same id again is a conflict.
	resp, _ = doRequest(t, "POST", server.URL+"/api/sheets", createRequest{ID: id})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d", resp.StatusCode)
	}

	// Load with ETag.
	resp, data = doRequest(t, "GET", server.URL+"/api/sheets/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "private, no-cache, no-transform" {
		t.Errorf("Cache-Control = %q", cc)
	}
	resp, _ = doRequest(t, "GET", server.URL+"/api/sheets/"+id, nil, "If-None-Match", etag)
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("conditional load status = %d", resp.StatusCode)
	}

	// Edits.
	resp, data = doRequest(t, "POST", server.URL+"/api/sheets/"+id+"/edits", editsRequest{Edits: []json.RawMessage{
		edit(1, "APPLY_EVENT", `{"player":0,"inning":0,"event":"2B"}`),
		edit(2, "SET_SCORED", `{"player":0,"inning":0,"scored":true}`),
		edit(3, "APPLY_EVENT", `{"player":1,"inning":0,"event":"K"}`),
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edits: %d %s", resp.StatusCode, data)
	}
	var er editsResponse
	json.Unmarshal(data, &er)
	if !er.Changed || er.LastEditID != makeUUID(3) || er.Sheet.TotalRuns != 1 {
		t.Errorf("edits response = %+v", er)
	}

	resp, _ = doRequest(t, "GET", server.URL+"/api/sheets/"+id, nil, "If-None-Match", etag)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stale ETag should not match: %d", resp.StatusCode)
	}

	// Replay is a no-op.
	resp, data = doRequest(t, "POST", server.URL+"/api/sheets/"+id+"/edits", editsRequest{Edits: []json.RawMessage{
		edit(2, "SET_SCORED", `{"player":0,"inning":0,"scored":true}`),
	}})
	json.Unmarshal(data, &er)
	if resp.StatusCode != http.StatusOK || er.Changed {
		t.Errorf("replay: %d %+v", resp.StatusCode, er)
	}

	// Invalid edits.
	resp, _ = doRequest(t, "POST", server.URL+"/api/sheets/"+id+"/edits", editsRequest{Edits: []json.RawMessage{
		edit(4, "SET_RBI", `{"player":0,"inning":0,"rbi":7}`),
	}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid edit status = %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, "POST", server.URL+"/api/sheets/"+id+"/edits", editsRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty edits status = %d", resp.StatusCode)
	}

	// Box score.
	resp, data = doRequest(t, "GET", server.URL+"/api/sheets/"+id+"/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var box scoresheet.BoxScore
	json.Unmarshal(data, &box)
	if box.Team.Hits != 1 || box.Team.Doubles != 1 || box.Team.Strikeouts != 1 || box.Team.Runs != 1 || box.TotalRuns != 1 {
		t.Errorf("box score = %+v", box.Team)
	}

	// Text export.
	resp, data = doRequest(t, "GET", server.URL+"/api/sheets/"+id+"/export", nil)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("export: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(data), "Owls") {
		t.Errorf("export does not name the opponent:\n%s", data)
	}

	// Delete, then everything is gone.
	resp, data = doRequest(t, "DELETE", server.URL+"/api/sheets/"+id, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), StatusDeleted) {
		t.Fatalf("delete: %d %s", resp.StatusCode, data)
	}
	for _, path := range []string{"", "/stats", "/export"} {
		resp, _ = doRequest(t, "GET", server.URL+"/api/sheets/"+id+path, nil)
		if resp.StatusCode != http.StatusGone {
			t.Errorf("GET %s after delete = %d", path, resp.StatusCode)
		}
	}
	resp, _ = doRequest(t, "PUT", server.URL+"/api/sheets/"+id, `{"gameInfo":{},"players":[{"innings":[]}],"inningTotals":[],"totalRuns":0}`)
	if resp.StatusCode != http.StatusGone {
		t.Errorf("PUT after delete = %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, "DELETE", server.URL+"/api/sheets/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second delete = %d", resp.StatusCode)
	}

	resp, data = doRequest(t, "POST", server.URL+"/api/check-deletions", map[string][]string{"ids": {id, makeUUID(5)}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check-deletions = %d", resp.StatusCode)
	}
	var del struct{ Deleted []string }
	json.Unmarshal(data, &del)
	if len(del.Deleted) != 1 || del.Deleted[0] != id {
		t.Errorf("deleted = %v", del.Deleted)
	}
}

func TestServer_BadRequests(t *testing.T) {
	_, server := newTestServer(t, Options{})

	tests := []struct {
		method, path string
		body         any
		want         int
	}{
		{"GET", "/api/sheets/not-a-uuid", nil, http.StatusBadRequest},
		{"GET", "/api/sheets/" + makeUUID(1), nil, http.StatusNotFound},
		{"POST", "/api/sheets/" + makeUUID(1) + "/edits", editsRequest{Edits: []json.RawMessage{edit(1, "ADD_INNING", `{}`)}}, http.StatusNotFound},
		{"DELETE", "/api/sheets/" + makeUUID(1), nil, http.StatusNotFound},
		{"POST", "/api/sheets", `{"maxInnings":31}`, http.StatusBadRequest},
		{"POST", "/api/sheets", `{"numPlayers":-1}`, http.StatusBadRequest},
		{"POST", "/api/sheets", `{"id":"abc"}`, http.StatusBadRequest},
		{"POST", "/api/sheets", `{"maxInnings":`, http.StatusBadRequest},
		{"POST", "/api/sheets", createRequest{GameInfo: &scoresheet.GameInfo{Notes: strings.Repeat("n", MaxTextLen+1)}}, http.StatusBadRequest},
		{"PUT", "/api/sheets/" + makeUUID(1), `{not json`, http.StatusBadRequest},
		{"GET", "/api/stats/season", nil, http.StatusBadRequest},
		{"POST", "/api/check-deletions", `[`, http.StatusBadRequest},
		{"GET", "/api/cluster/status", nil, http.StatusNotImplemented},
		{"POST", "/api/cluster/join", `{}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		resp, data := doRequest(t, tc.method, server.URL+tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s = %d, want %d (%s)", tc.method, tc.path, resp.StatusCode, tc.want, bytes.TrimSpace(data))
		}
	}
}

func TestServer_SaveNormalizesLegacy(t *testing.T) {
	s, server := newTestServer(t, Options{})
	id := makeUUID(42)

	legacy := `{"gameInfo":{"opponent":"Larks","date":"2026-06-01"},"players":[
		{"name":"Bo","number":12,"innings":[{"diamond":{"scored":true},"events":{"primary":"HR"}},{},{}]},
		{"name":"Cy"}
	],"totalRuns":99}`
	resp, data := doRequest(t, "PUT", server.URL+"/api/sheets/"+id, legacy)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: %d %s", resp.StatusCode, data)
	}
	var out struct {
		sheetResponse
		Normalized bool     `json:"normalized"`
		Errors     []string `json:"errors"`
	}
	json.Unmarshal(data, &out)
	if !out.Normalized || len(out.Errors) == 0 {
		t.Errorf("normalized = %v, errors = %v", out.Normalized, out.Errors)
	}
	sheet := out.Sheet
	if len(sheet.Players) != 2 || len(sheet.Players[1].Innings) != 3 || sheet.Players[0].Number != "12" {
		t.Fatalf("sheet = %+v", sheet)
	}
	// Totals are recomputed from the cells.
	if sheet.TotalRuns != 1 || len(sheet.InningTotals) != 3 || sheet.InningTotals[0] != 1 {
		t.Errorf("totals = %v / %d", sheet.InningTotals, sheet.TotalRuns)
	}

	if !s.st.Registry.SheetExists(id) {
		t.Error("saved sheet is not in the registry")
	}
	resp, data = doRequest(t, "GET", server.URL+"/api/sheets?q=larks", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), id) {
		t.Errorf("list after save: %d %s", resp.StatusCode, data)
	}
}

func TestServer_ListPagination(t *testing.T) {
	s, server := newTestServer(t, Options{})
	for i := 1; i <= 7; i++ {
		doc := newTestDoc(makeUUID(i))
		doc.Sheet.GameInfo.Date = fmt.Sprintf("2026-04-%02d", i)
		if err := s.st.commit(doc, true); err != nil {
			t.Fatal(err)
		}
	}

	type page struct {
		Data []SheetMetadata `json:"data"`
		Meta struct {
			Total  int `json:"total"`
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		} `json:"meta"`
	}
	tests := []struct {
		query      string
		wantIDs    []int
		wantLimit  int
		wantOffset int
	}{
		{"limit=3", []int{7, 6, 5}, 3, 0},
		{"limit=3&offset=3", []int{4, 3, 2}, 3, 3},
		{"limit=3&offset=6", []int{1}, 3, 6},
		{"limit=3&offset=60", nil, 3, 60},
		{"limit=0&offset=-4&sortBy=date&order=asc", []int{1, 2, 3, 4, 5, 6, 7}, 50, 0},
		{"limit=1000&q=date:2026-04-0", []int{7, 6, 5, 4, 3, 2, 1}, 100, 0},
		{"q=date:2026-04-05", []int{5}, 50, 0},
	}
	for _, tc := range tests {
		resp, data := doRequest(t, "GET", server.URL+"/api/sheets?"+tc.query, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", tc.query, resp.StatusCode)
		}
		var p page
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatal(err)
		}
		if p.Meta.Limit != tc.wantLimit || p.Meta.Offset != tc.wantOffset {
			t.Errorf("%s: meta = %+v", tc.query, p.Meta)
		}
		if len(p.Data) != len(tc.wantIDs) {
			t.Errorf("%s: %d results, want %d", tc.query, len(p.Data), len(tc.wantIDs))
			continue
		}
		for i, want := range tc.wantIDs {
			if p.Data[i].ID != makeUUID(want) {
				t.Errorf("%s: result %d = %s, want %s", tc.query, i, p.Data[i].ID, makeUUID(want))
			}
		}
	}
}

func TestServer_Validate(t *testing.T) {
	_, server := newTestServer(t, Options{})

	resp, data := doRequest(t, "POST", server.URL+"/api/validate", `{"players":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status = %d", resp.StatusCode)
	}
	var out struct {
		scoresheet.ValidationResult
		Sheet *scoresheet.ScoreSheet `json:"sheet"`
	}
	json.Unmarshal(data, &out)
	if out.IsValid || len(out.Errors) == 0 {
		t.Errorf("result = %+v", out.ValidationResult)
	}
	if out.Sheet == nil || len(out.Sheet.Players) != scoresheet.DefaultNumPlayers {
		t.Errorf("normalized sheet = %+v", out.Sheet)
	}

	resp, data = doRequest(t, "POST", server.URL+"/api/validate", scoresheet.NewEmptyScoreSheet(2, 2, time.Now()))
	json.Unmarshal(data, &out)
	if resp.StatusCode != http.StatusOK || !out.IsValid {
		t.Errorf("empty sheet: %d %+v", resp.StatusCode, out.ValidationResult)
	}
}

func TestServer_SeasonFallback(t *testing.T) {
	s, server := newTestServer(t, Options{})
	for i, team := range []string{"red", "red", "blue"} {
		doc := newTestDoc(makeUUID(i + 1))
		doc.Sheet.GameInfo.TeamID = team
		doc.Sheet.Players[0].Name = "Ana"
		doc.Sheet.Players[0].Innings[0] = scoresheet.ApplyEvent(doc.Sheet.Players[0].Innings[0], "1B")
		if err := s.st.commit(doc, true); err != nil {
			t.Fatal(err)
		}
	}

	resp, data := doRequest(t, "GET", server.URL+"/api/stats/season?teamId=red", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("season status = %d", resp.StatusCode)
	}
	var out struct {
		TeamID  string                  `json:"teamId"`
		Players []scoresheet.PlayerLine `json:"players"`
	}
	json.Unmarshal(data, &out)
	if out.TeamID != "red" || len(out.Players) != 1 {
		t.Fatalf("season = %+v", out)
	}
	if l := out.Players[0]; l.Name != "Ana" || l.Games != 2 || l.Singles != 2 || l.AtBats != 2 {
		t.Errorf("line = %+v", l)
	}
}

func TestServer_Metrics(t *testing.T) {
	_, server := newTestServer(t, Options{})
	id := createSheet(t, server, `{}`)
	doRequest(t, "POST", server.URL+"/api/sheets/"+id+"/edits", editsRequest{Edits: []json.RawMessage{
		edit(1, "ADD_INNING", `{}`), edit(2, "ADD_PLAYER", `{}`),
	}})
	doRequest(t, "GET", server.URL+"/api/sheets/"+makeUUID(99), nil)

	resp, data := doRequest(t, "GET", server.URL+"/api/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var snap MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Requests < 3 || snap.ByStatus[http.StatusCreated] != 1 || snap.ByStatus[http.StatusNotFound] != 1 {
		t.Errorf("requests = %d, byStatus = %v", snap.Requests, snap.ByStatus)
	}
	if snap.Edits != 2 || snap.Sheets != 1 || snap.Hubs < 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}

func TestServer_RateLimit(t *testing.T) {
	_, server := newTestServer(t, Options{RateLimit: 1, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := doRequest(t, "POST", server.URL+"/api/sheets", `{}`)
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusCreated || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
	// Reads are not limited.
	resp, _ := doRequest(t, "GET", server.URL+"/api/sheets", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read status = %d", resp.StatusCode)
	}
}

func TestServer_RateLimitForwardedHeader(t *testing.T) {
	_, server := newTestServer(t, Options{RateLimit: 1, RateBurst: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := doRequest(t, "POST", server.URL+"/api/sheets", `{}`, "X-Raft-Forwarded", "some-node")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v; a forwarding header without the cluster secret must not bypass the limit", codes)
	}
}

func TestServer_FromClusterPeer(t *testing.T) {
	s := &Server{raftMgr: &RaftManager{Secret: "s3cret"}}
	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"plain", nil, false},
		{"header only", map[string]string{"X-Raft-Forwarded": "n1"}, false},
		{"wrong secret", map[string]string{"X-Raft-Forwarded": "n1", "X-Raft-Secret": "nope"}, false},
		{"secret only", map[string]string{"X-Raft-Secret": "s3cret"}, false},
		{"peer", map[string]string{"X-Raft-Forwarded": "n1", "X-Raft-Secret": "s3cret"}, true},
	}
	for _, tc := range tests {
		r := httptest.NewRequest("POST", "/api/sheets", nil)
		for k, v := range tc.headers {
			r.Header.Set(k, v)
		}
		if got := s.fromClusterPeer(r); got != tc.want {
			t.Errorf("%s: fromClusterPeer = %v, want %v", tc.name, got, tc.want)
		}
	}
	peer := httptest.NewRequest("POST", "/api/sheets", nil)
	peer.Header.Set("X-Raft-Forwarded", "n1")
	peer.Header.Set("X-Raft-Secret", "s3cret")
	if (&Server{}).fromClusterPeer(peer) {
		t.Error("without Raft no request comes from a peer")
	}

	l := newClientLimiter(1, 1)
	h := rateLimitMiddleware(l, s.fromClusterPeer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, peer)
		if w.Code != http.StatusOK {
			t.Errorf("peer request %d: status %d", i, w.Code)
		}
	}
}

func TestClientLimiter_EvictIdle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	l.get("10.0.0.1")
	now = now.Add(5 * time.Minute)
	l.get("10.0.0.2")
	now = now.Add(6 * time.Minute)

	if n := l.evictIdle(limiterIdleTTL); n != 1 {
		t.Errorf("evictIdle = %d, want 1", n)
	}
	if len(l.limiters) != 1 {
		t.Errorf("limiters = %d, want 1", len(l.limiters))
	}
	if _, ok := l.limiters["10.0.0.2"]; !ok {
		t.Error("recently seen client was evicted")
	}

	var none *clientLimiter
	if none.evictIdle(time.Minute) != 0 {
		t.Error("nil limiter evicted entries")
	}
}

func TestServer_CORS(t *testing.T) {
	_, server := newTestServer(t, Options{CORSOrigins: []string{"https://league.example"}})

	resp, _ := doRequest(t, "GET", server.URL+"/api/sheets", nil, "Origin", "https://league.example")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://league.example" {
		t.Errorf("allowed origin header = %q", got)
	}
	resp, _ = doRequest(t, "GET", server.URL+"/api/sheets", nil, "Origin", "https://evil.example")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin header = %q", got)
	}
}

func TestParsePagination(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/sheets?limit=500&offset=-1&sortBy=opponent&order=desc&q=owls", nil)
	limit, offset, sortBy, order, q := parsePagination(r)
	if limit != 100 || offset != 0 || sortBy != "opponent" || order != "desc" || q != "owls" {
		t.Errorf("parsePagination = %d %d %s %s %s", limit, offset, sortBy, order, q)
	}
}
