package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/loopmesh/syncserver/internal/admission"
	"github.com/loopmesh/syncserver/internal/hub"
	"github.com/loopmesh/syncserver/internal/protocol"
	"github.com/loopmesh/syncserver/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type sentFrame struct {
	Type string
	Data gjson.Result
}

func (c *fakeConn) sent(t *testing.T) []sentFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]sentFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		envelope, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("unexpected outbound frame %s: %v", raw, err)
		}
		frames = append(frames, sentFrame{Type: envelope.Type, Data: gjson.ParseBytes(envelope.Data)})
	}
	return frames
}

type fakeStore struct {
	mu        sync.Mutex
	keys      map[string]bool
	events    map[string][]store.Record
	snapshots map[string]*store.Record

	failAuth        error
	failPutEvent    error
	failPutSnapshot error
}

func newFakeStore(registeredKeys ...string) *fakeStore {
	s := &fakeStore{
		keys:      make(map[string]bool),
		events:    make(map[string][]store.Record),
		snapshots: make(map[string]*store.Record),
	}
	for _, key := range registeredKeys {
		s.keys[key] = true
	}
	return s
}

func (s *fakeStore) RegisterGroup(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] {
		return store.ErrDuplicateGroupKey
	}
	s.keys[key] = true
	return nil
}

func (s *fakeStore) AuthGroup(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAuth != nil {
		return false, s.failAuth
	}
	return s.keys[key], nil
}

func (s *fakeStore) PutEvent(_ context.Context, key string, timestamp int64, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPutEvent != nil {
		return s.failPutEvent
	}
	s.events[key] = append(s.events[key], store.Record{Content: content, Timestamp: timestamp})
	return nil
}

func (s *fakeStore) GetEvents(_ context.Context, key string, since int64) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []store.Record
	for _, record := range s.events[key] {
		if record.Timestamp >= since {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })
	return records, nil
}

func (s *fakeStore) PutSnapshot(_ context.Context, key string, timestamp int64, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPutSnapshot != nil {
		return s.failPutSnapshot
	}
	s.snapshots[key] = &store.Record{Content: content, Timestamp: timestamp}
	var retained []store.Record
	for _, record := range s.events[key] {
		if record.Timestamp > timestamp {
			retained = append(retained, record)
		}
	}
	s.events[key] = retained
	return nil
}

func (s *fakeStore) Fetch(_ context.Context, key string, since int64) (*store.Record, []store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snapshot *store.Record
	if candidate := s.snapshots[key]; candidate != nil && candidate.Timestamp >= since {
		snapshot = candidate
	}
	var events []store.Record
	for _, record := range s.events[key] {
		if record.Timestamp >= since {
			events = append(events, record)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return snapshot, events, nil
}

type fixedKeys struct {
	key string
}

func (p fixedKeys) NewKey() (string, error) {
	return p.key, nil
}

type sessionEnv struct {
	rooms    *hub.Hub
	capacity *admission.Capacity
	store    *fakeStore
	clock    func() time.Time
}

func newSessionEnv(registeredKeys ...string) *sessionEnv {
	return &sessionEnv{
		rooms:    hub.New(),
		capacity: admission.NewCapacity(10),
		store:    newFakeStore(registeredKeys...),
		clock:    func() time.Time { return time.Unix(1700000100, 0) },
	}
}

func (env *sessionEnv) newSession(t *testing.T, cfg Config) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	cfg.ConnID = uuid.New()
	cfg.Conn = conn
	cfg.Store = env.store
	cfg.Hub = env.rooms
	cfg.Capacity = env.capacity
	cfg.Clock = env.clock
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = time.Hour
	}
	if cfg.RateLimitQuota == 0 {
		cfg.RateLimitQuota = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Hour
	}
	sess, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	t.Cleanup(sess.Disconnect)
	return sess, conn
}

func inbound(t *testing.T, sess *Session, messageType, data string) {
	t.Helper()
	frame := fmt.Sprintf(`{"type":%q}`, messageType)
	if data != "" {
		frame = fmt.Sprintf(`{"type":%q,"data":%s}`, messageType, data)
	}
	sess.HandleMessage(context.Background(), []byte(frame))
}

func authenticate(t *testing.T, sess *Session, conn *fakeConn, key, clientID string) {
	t.Helper()
	inbound(t, sess, protocol.TypeAuth, fmt.Sprintf(`{"groupKey":%q,"clientId":%q}`, key, clientID))
	frames := conn.sent(t)
	if len(frames) == 0 || frames[len(frames)-1].Type != protocol.TypeAuthOK {
		t.Fatalf("expected authOK, got %+v", frames)
	}
}

func expectTerminalError(t *testing.T, conn *fakeConn, code int64) {
	t.Helper()
	frames := conn.sent(t)
	if len(frames) == 0 {
		t.Fatal("expected an err frame")
	}
	last := frames[len(frames)-1]
	if last.Type != protocol.TypeErr {
		t.Fatalf("expected err frame, got %s", last.Type)
	}
	if got := last.Data.Get("code").Int(); got != code {
		t.Fatalf("expected code %d, got %d", code, got)
	}
	if !conn.isClosed() {
		t.Fatal("expected the connection to be closed")
	}
}

func TestAuthSucceedsForRegisteredGroup(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{})

	authenticate(t, sess, conn, "key-1", "device-a")

	if !sess.Authenticated() {
		t.Fatal("expected the session to be authenticated")
	}
	if env.rooms.RoomSize("key-1") != 1 {
		t.Fatalf("expected the session to join the room, size %d", env.rooms.RoomSize("key-1"))
	}
	if env.capacity.Count("key-1") != 1 {
		t.Fatalf("expected one capacity slot, got %d", env.capacity.Count("key-1"))
	}
}

func TestAuthRejectsUnknownGroup(t *testing.T) {
	env := newSessionEnv()
	sess, conn := env.newSession(t, Config{})

	inbound(t, sess, protocol.TypeAuth, `{"groupKey":"nope","clientId":"device-a"}`)

	expectTerminalError(t, conn, protocol.CodeUnauthorized)
	if sess.Authenticated() {
		t.Fatal("expected the session to stay unauthenticated")
	}
}

func TestAuthRejectsSecondHandshake(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{})
	authenticate(t, sess, conn, "key-1", "device-a")

	inbound(t, sess, protocol.TypeAuth, `{"groupKey":"key-1","clientId":"device-a"}`)

	expectTerminalError(t, conn, protocol.CodeBadRequest)
	if env.capacity.Count("key-1") != 0 {
		t.Fatalf("expected capacity to be released on disconnect, got %d", env.capacity.Count("key-1"))
	}
}

func TestPostEventRequiresAuthentication(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{})

	inbound(t, sess, protocol.TypePostEvent, `{"id":"e1","event":"Toggle","data":{"x":1}}`)

	expectTerminalError(t, conn, protocol.CodeUnauthorized)
}

func TestPostEventBroadcastsToWholeGroup(t *testing.T) {
	env := newSessionEnv("key-1")
	sender, senderConn := env.newSession(t, Config{})
	peer, peerConn := env.newSession(t, Config{})
	authenticate(t, sender, senderConn, "key-1", "device-a")
	authenticate(t, peer, peerConn, "key-1", "device-b")

	inbound(t, sender, protocol.TypePostEvent, `{"id":"e1","event":"Toggle","data":{"x":1}}`)

	for _, conn := range []*fakeConn{senderConn, peerConn} {
		frames := conn.sent(t)
		last := frames[len(frames)-1]
		if last.Type != protocol.TypeExecute {
			t.Fatalf("expected execute frame, got %s", last.Type)
		}
		if got := last.Data.Get("id").String(); got != "e1" {
			t.Fatalf("expected event e1, got %q", got)
		}
		if got := last.Data.Get("timestamp").Int(); got != 1700000100 {
			t.Fatalf("expected the server-assigned timestamp, got %d", got)
		}
	}

	records, err := env.store.GetEvents(context.Background(), "key-1", 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected the event to be persisted, got %v %v", records, err)
	}
}

func TestPostEventIsNotDeliveredOutsideGroup(t *testing.T) {
	env := newSessionEnv("key-1", "key-2")
	sender, senderConn := env.newSession(t, Config{})
	outsider, outsiderConn := env.newSession(t, Config{})
	authenticate(t, sender, senderConn, "key-1", "device-a")
	authenticate(t, outsider, outsiderConn, "key-2", "device-x")

	inbound(t, sender, protocol.TypePostEvent, `{"id":"e1","event":"Toggle","data":{}}`)

	for _, frame := range outsiderConn.sent(t) {
		if frame.Type == protocol.TypeExecute {
			t.Fatal("expected no execute frames outside the group")
		}
	}
}

func TestPostEventPersistenceFailurePreventsBroadcast(t *testing.T) {
	env := newSessionEnv("key-1")
	sender, senderConn := env.newSession(t, Config{})
	peer, peerConn := env.newSession(t, Config{})
	authenticate(t, sender, senderConn, "key-1", "device-a")
	authenticate(t, peer, peerConn, "key-1", "device-b")

	env.store.failPutEvent = fmt.Errorf("disk full")
	inbound(t, sender, protocol.TypePostEvent, `{"id":"e1","event":"Toggle","data":{}}`)

	expectTerminalError(t, senderConn, protocol.CodeInternalServerError)
	for _, frame := range peerConn.sent(t) {
		if frame.Type == protocol.TypeExecute {
			t.Fatal("expected no broadcast for an event that failed to persist")
		}
	}
}

func TestAuthStoreFailureIsInternalError(t *testing.T) {
	env := newSessionEnv("key-1")
	env.store.failAuth = fmt.Errorf("connection reset")
	sess, conn := env.newSession(t, Config{})

	inbound(t, sess, protocol.TypeAuth, `{"groupKey":"key-1","clientId":"device-a"}`)

	expectTerminalError(t, conn, protocol.CodeInternalServerError)
}

func TestPostSnapshotPersistenceFailurePreventsBroadcast(t *testing.T) {
	env := newSessionEnv("key-1")
	sender, senderConn := env.newSession(t, Config{})
	peer, peerConn := env.newSession(t, Config{})
	authenticate(t, sender, senderConn, "key-1", "device-a")
	authenticate(t, peer, peerConn, "key-1", "device-b")

	env.store.failPutSnapshot = fmt.Errorf("disk full")
	inbound(t, sender, protocol.TypePostSnapshot, `{"id":"s1","data":{}}`)

	expectTerminalError(t, senderConn, protocol.CodeInternalServerError)
	for _, frame := range peerConn.sent(t) {
		if frame.Type == protocol.TypeReplace {
			t.Fatal("expected no broadcast for a snapshot that failed to persist")
		}
	}
}

func TestPostSnapshotBroadcastsReplace(t *testing.T) {
	env := newSessionEnv("key-1")
	sender, senderConn := env.newSession(t, Config{})
	peer, peerConn := env.newSession(t, Config{})
	authenticate(t, sender, senderConn, "key-1", "device-a")
	authenticate(t, peer, peerConn, "key-1", "device-b")

	inbound(t, sender, protocol.TypePostSnapshot, `{"id":"s1","data":{"habits":[]}}`)

	for _, conn := range []*fakeConn{senderConn, peerConn} {
		frames := conn.sent(t)
		last := frames[len(frames)-1]
		if last.Type != protocol.TypeReplace {
			t.Fatalf("expected replace frame, got %s", last.Type)
		}
		if got := last.Data.Get("id").String(); got != "s1" {
			t.Fatalf("expected snapshot s1, got %q", got)
		}
	}
}

func TestFetchReplaysSnapshotThenEventsThenWatermark(t *testing.T) {
	env := newSessionEnv("key-1")
	env.store.snapshots["key-1"] = &store.Record{Content: []byte(`{"id":"s1","data":{}}`), Timestamp: 20}
	env.store.events["key-1"] = []store.Record{
		{Content: []byte(`{"id":"e2","event":"Toggle","data":{}}`), Timestamp: 40},
		{Content: []byte(`{"id":"e1","event":"Toggle","data":{}}`), Timestamp: 30},
	}

	sess, conn := env.newSession(t, Config{})
	authenticate(t, sess, conn, "key-1", "device-c")

	inbound(t, sess, protocol.TypeFetch, `{"since":0}`)

	frames := conn.sent(t)
	// Skip the authOK at the head.
	replay := frames[1:]
	wantTypes := []string{protocol.TypeReplace, protocol.TypeExecute, protocol.TypeExecute, protocol.TypeFetchOK}
	if len(replay) != len(wantTypes) {
		t.Fatalf("expected %d frames, got %+v", len(wantTypes), replay)
	}
	for i, want := range wantTypes {
		if replay[i].Type != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, replay[i].Type)
		}
	}
	if got := replay[0].Data.Get("timestamp").Int(); got != 20 {
		t.Fatalf("expected snapshot timestamp 20, got %d", got)
	}
	if first, second := replay[1].Data.Get("timestamp").Int(), replay[2].Data.Get("timestamp").Int(); first != 30 || second != 40 {
		t.Fatalf("expected events in ascending order, got %d then %d", first, second)
	}
	if got := replay[3].Data.Get("timestamp").Int(); got != 1700000100 {
		t.Fatalf("expected the watermark to be the server time, got %d", got)
	}
}

func TestFetchOmitsSnapshotOlderThanCutoff(t *testing.T) {
	env := newSessionEnv("key-1")
	env.store.snapshots["key-1"] = &store.Record{Content: []byte(`{"id":"s1","data":{}}`), Timestamp: 10}

	sess, conn := env.newSession(t, Config{})
	authenticate(t, sess, conn, "key-1", "device-c")

	inbound(t, sess, protocol.TypeFetch, `{"since":50}`)

	frames := conn.sent(t)
	replay := frames[1:]
	if len(replay) != 1 || replay[0].Type != protocol.TypeFetchOK {
		t.Fatalf("expected only fetchOK, got %+v", replay)
	}
}

func TestRegisterReturnsFreshKey(t *testing.T) {
	env := newSessionEnv()
	sess, conn := env.newSession(t, Config{Keys: fixedKeys{key: "fresh-key-0123456789abcdefghijkl"}})

	inbound(t, sess, protocol.TypeRegister, "")

	frames := conn.sent(t)
	if len(frames) != 1 || frames[0].Type != protocol.TypeRegisterOK {
		t.Fatalf("expected registerOK, got %+v", frames)
	}
	if got := frames[0].Data.Get("groupKey").String(); got != "fresh-key-0123456789abcdefghijkl" {
		t.Fatalf("expected the generated key, got %q", got)
	}
	if !env.store.keys["fresh-key-0123456789abcdefghijkl"] {
		t.Fatal("expected the key to be registered")
	}
	if conn.isClosed() {
		t.Fatal("expected the connection to stay open after register")
	}
}

func TestRegisterReportsConflict(t *testing.T) {
	env := newSessionEnv("taken-key")
	sess, conn := env.newSession(t, Config{Keys: fixedKeys{key: "taken-key"}})

	inbound(t, sess, protocol.TypeRegister, "")

	expectTerminalError(t, conn, protocol.CodeConflict)
}

func TestQuotaExhaustionTerminatesConnection(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{RateLimitQuota: 2})
	authenticate(t, sess, conn, "key-1", "device-a")

	inbound(t, sess, protocol.TypePostEvent, `{"id":"e1","event":"Toggle","data":{}}`)
	inbound(t, sess, protocol.TypePostEvent, `{"id":"e2","event":"Toggle","data":{}}`)

	expectTerminalError(t, conn, protocol.CodeTooManyRequests)

	errFrames := 0
	for _, frame := range conn.sent(t) {
		if frame.Type == protocol.TypeErr {
			errFrames++
		}
	}
	if errFrames != 1 {
		t.Fatalf("expected exactly one err frame, got %d", errFrames)
	}
}

func TestCapacityCeilingRejectsExtraConnection(t *testing.T) {
	env := newSessionEnv("key-1")
	env.capacity = admission.NewCapacity(1)

	first, firstConn := env.newSession(t, Config{})
	authenticate(t, first, firstConn, "key-1", "device-a")

	second, secondConn := env.newSession(t, Config{})
	inbound(t, second, protocol.TypeAuth, `{"groupKey":"key-1","clientId":"device-b"}`)
	expectTerminalError(t, secondConn, protocol.CodeTooManyRequests)

	// The rejected connection never held a slot; once the first leaves, a
	// replacement is admitted.
	first.Disconnect()
	third, thirdConn := env.newSession(t, Config{})
	authenticate(t, third, thirdConn, "key-1", "device-c")
}

func TestAuthDeadlineDisconnectsIdleConnection(t *testing.T) {
	env := newSessionEnv("key-1")
	_, conn := env.newSession(t, Config{AuthTimeout: 20 * time.Millisecond})

	deadline := time.After(2 * time.Second)
	for !conn.isClosed() {
		select {
		case <-deadline:
			t.Fatal("expected the auth deadline to close the connection")
		case <-time.After(10 * time.Millisecond):
		}
	}
	expectTerminalError(t, conn, protocol.CodeUnauthorized)
}

func TestAuthDeadlineIsCancelledByAuthentication(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{AuthTimeout: 30 * time.Millisecond})
	authenticate(t, sess, conn, "key-1", "device-a")

	time.Sleep(80 * time.Millisecond)
	if conn.isClosed() {
		t.Fatal("expected an authenticated connection to outlive the deadline")
	}
}

func TestMalformedFrameIsRejected(t *testing.T) {
	env := newSessionEnv()
	sess, conn := env.newSession(t, Config{})

	sess.HandleMessage(context.Background(), []byte("not json"))

	expectTerminalError(t, conn, protocol.CodeBadRequest)
}

func TestUnknownMessageTypeIsRejected(t *testing.T) {
	env := newSessionEnv()
	sess, conn := env.newSession(t, Config{})

	inbound(t, sess, "teardown", `{}`)

	expectTerminalError(t, conn, protocol.CodeBadRequest)
}

func TestFramesAfterDisconnectAreDropped(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{})
	authenticate(t, sess, conn, "key-1", "device-a")

	sess.Disconnect()
	before := len(conn.sent(t))
	inbound(t, sess, protocol.TypePostEvent, `{"id":"e1","event":"Toggle","data":{}}`)

	if got := len(conn.sent(t)); got != before {
		t.Fatalf("expected no frames from a disconnected session, got %d new", got-before)
	}
	records, err := env.store.GetEvents(context.Background(), "key-1", 0)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected no persistence from a disconnected session, got %v %v", records, err)
	}
}

func TestDisconnectReleasesRoomMembership(t *testing.T) {
	env := newSessionEnv("key-1")
	sess, conn := env.newSession(t, Config{})
	authenticate(t, sess, conn, "key-1", "device-a")

	sess.Disconnect()
	sess.Disconnect()

	if env.rooms.RoomSize("key-1") != 0 {
		t.Fatalf("expected the room to be empty, got %d", env.rooms.RoomSize("key-1"))
	}
	if env.capacity.Count("key-1") != 0 {
		t.Fatalf("expected the capacity slot to be released, got %d", env.capacity.Count("key-1"))
	}
}
