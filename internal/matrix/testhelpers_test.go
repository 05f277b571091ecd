package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

const (
	testBot   = id.UserID("@bot:example.com")
	testHuman = id.UserID("@human:example.com")
	testRoom  = id.RoomID("!room:example.com")
)

type syncReply struct {
	status int
	body   string
}

type sentMessage struct {
	RoomID string
	TxnID  string
	Body   map[string]string
	Auth   string
	CT     string
}

// fakeHomeserver serves just enough of the client-server API for a session.
// Sync replies are served from a queue; once it is empty, syncs block for a
// short while and echo the request cursor, like an idle long-poll.
type fakeHomeserver struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	whoamiCode  int
	syncQueue   []syncReply
	syncQueries []url.Values
	joins       []string
	joinCode    int
	sent        []sentMessage
	sendCode    int
	aliases     map[string]id.RoomID
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		t:          t,
		whoamiCode: http.StatusOK,
		joinCode:   http.StatusOK,
		sendCode:   http.StatusOK,
		aliases:    make(map[string]id.RoomID),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHomeserver) URL() string {
	return f.server.URL
}

// queueSync appends a raw /sync response body.
func (f *fakeHomeserver) queueSync(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncQueue = append(f.syncQueue, syncReply{status: http.StatusOK, body: body})
}

func (f *fakeHomeserver) queueSyncStatus(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncQueue = append(f.syncQueue, syncReply{status: status, body: body})
}

func (f *fakeHomeserver) syncCalls() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.syncQueries...)
}

func (f *fakeHomeserver) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeHomeserver) joinedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeHomeserver) handle(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		writeJSON(w, http.StatusUnauthorized, `{"errcode":"M_MISSING_TOKEN","error":"no token"}`)
		return
	}

	path := r.URL.EscapedPath()
	switch {
	case path == "/_matrix/client/v3/account/whoami":
		f.mu.Lock()
		code := f.whoamiCode
		f.mu.Unlock()
		if code != http.StatusOK {
			writeJSON(w, code, `{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown access token"}`)
			return
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"user_id":%q}`, testBot))

	case path == "/_matrix/client/v3/sync":
		f.handleSync(w, r)

	case strings.HasPrefix(path, "/_matrix/client/v3/join/"):
		room, _ := url.PathUnescape(strings.TrimPrefix(path, "/_matrix/client/v3/join/"))
		f.mu.Lock()
		f.joins = append(f.joins, room)
		code := f.joinCode
		f.mu.Unlock()
		if code != http.StatusOK {
			writeJSON(w, code, `{"errcode":"M_FORBIDDEN","error":"nope"}`)
			return
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"room_id":%q}`, room))

	case strings.HasPrefix(path, "/_matrix/client/v3/directory/room/"):
		alias, _ := url.PathUnescape(strings.TrimPrefix(path, "/_matrix/client/v3/directory/room/"))
		f.mu.Lock()
		roomID, ok := f.aliases[alias]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"Room alias not found"}`)
			return
		}
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"room_id":%q,"servers":["example.com"]}`, roomID))

	case strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && r.Method == http.MethodPut:
		f.handleSend(w, r, path)

	default:
		writeJSON(w, http.StatusNotFound, `{"errcode":"M_UNRECOGNIZED"}`)
	}
}

func (f *fakeHomeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	f.mu.Lock()
	f.syncQueries = append(f.syncQueries, query)
	var reply *syncReply
	if len(f.syncQueue) > 0 {
		next := f.syncQueue[0]
		f.syncQueue = f.syncQueue[1:]
		reply = &next
	}
	f.mu.Unlock()

	if reply != nil {
		writeJSON(w, reply.status, reply.body)
		return
	}

	select {
	case <-r.Context().Done():
		return
	case <-time.After(20 * time.Millisecond):
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"next_batch":%q}`, query.Get("since")))
}

func (f *fakeHomeserver) handleSend(w http.ResponseWriter, r *http.Request, path string) {
	// /_matrix/client/v3/rooms/{room}/send/m.room.message/{txn}
	parts := strings.Split(strings.TrimPrefix(path, "/_matrix/client/v3/rooms/"), "/")
	if len(parts) != 4 || parts[1] != "send" || parts[2] != "m.room.message" {
		writeJSON(w, http.StatusBadRequest, `{"errcode":"M_UNRECOGNIZED"}`)
		return
	}
	room, _ := url.PathUnescape(parts[0])
	txn, _ := url.PathUnescape(parts[3])

	data, _ := io.ReadAll(r.Body)
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		f.t.Errorf("send body is not JSON: %v", err)
	}

	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{
		RoomID: room,
		TxnID:  txn,
		Body:   body,
		Auth:   r.Header.Get("Authorization"),
		CT:     r.Header.Get("Content-Type"),
	})
	code := f.sendCode
	f.mu.Unlock()

	if code != http.StatusOK {
		writeJSON(w, code, `{"errcode":"M_FORBIDDEN","error":"not allowed"}`)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"event_id":"$sent-%s"}`, txn))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// syncBody builds a /sync response with timeline events for testRoom.
func syncBody(nextBatch string, events ...string) string {
	return fmt.Sprintf(`{"next_batch":%q,"rooms":{"join":{%q:{"timeline":{"events":[%s]}}}}}`,
		nextBatch, testRoom, strings.Join(events, ","))
}

func textEvent(eventID string, sender id.UserID, body string) string {
	return fmt.Sprintf(`{"event_id":%q,"type":"m.room.message","sender":%q,"origin_server_ts":1,"content":{"msgtype":"m.text","body":%q}}`,
		eventID, sender, body)
}

type recorder struct {
	mu       sync.Mutex
	messages []string
	senders  []id.UserID
	errs     []error
	exits    int
}

func (r *recorder) onMessage(_ context.Context, body string, sender id.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, body)
	r.senders = append(r.senders, sender)
	return nil
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onExit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits++
}

func (r *recorder) snapshot() ([]string, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]error(nil), r.errs...), r.exits
}

const (
	defaultTestSyncTimeout = time.Second
	defaultTestRetryDelay  = 10 * time.Millisecond
)

func newTestSession(t *testing.T, f *fakeHomeserver, rec *recorder) *Session {
	t.Helper()
	cfg := SessionConfig{
		Homeserver:     f.URL(),
		AccessToken:    "secret",
		Room:           string(testRoom),
		ExpectedSender: testHuman,
		SyncTimeout:    defaultTestSyncTimeout,
		RetryDelay:     defaultTestRetryDelay,
	}
	if rec != nil {
		cfg.OnMessage = rec.onMessage
		cfg.OnError = rec.onError
		cfg.OnExit = rec.onExit
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}
}
