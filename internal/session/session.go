package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/loopmesh/syncserver/internal/admission"
	"github.com/loopmesh/syncserver/internal/hub"
	"github.com/loopmesh/syncserver/internal/protocol"
	"github.com/loopmesh/syncserver/internal/store"
)

var (
	errMissingConn  = errors.New("connection is required")
	errMissingStore = errors.New("store is required")
	errMissingHub   = errors.New("hub is required")
	noOpLogger      = zap.NewNop()
)

// Store is the durable persistence surface a session drives. Fetch
// returns the snapshot and trailing events from one consistent read so a
// concurrent compaction cannot be observed half-applied.
type Store interface {
	RegisterGroup(ctx context.Context, key string) error
	AuthGroup(ctx context.Context, key string) (bool, error)
	PutEvent(ctx context.Context, key string, timestamp int64, content []byte) error
	PutSnapshot(ctx context.Context, key string, timestamp int64, content []byte) error
	Fetch(ctx context.Context, key string, since int64) (*store.Record, []store.Record, error)
}

// Conn is the transport surface a session drives: frame delivery to the
// peer and a forced close. Both must be safe for concurrent use.
type Conn interface {
	Send(frame []byte)
	Close()
}

// Config describes the dependencies required to build a Session.
type Config struct {
	ConnID          uuid.UUID
	Conn            Conn
	Store           Store
	Hub             *hub.Hub
	Capacity        *admission.Capacity
	Keys            store.KeyProvider
	Logger          *zap.Logger
	Clock           func() time.Time
	AuthTimeout     time.Duration
	RateLimitQuota  int
	RateLimitWindow time.Duration
}

// Session is the per-connection state machine. It moves from
// unauthenticated to authenticated exactly once and ends disconnected;
// every rejection is an err frame followed by a forced close.
type Session struct {
	connID   uuid.UUID
	conn     Conn
	store    Store
	hub      *hub.Hub
	capacity *admission.Capacity
	keys     store.KeyProvider
	logger   *zap.Logger
	clock    func() time.Time

	quota     *admission.Quota
	authTimer *admission.AuthTimer

	mu            sync.Mutex
	groupKey      string
	clientID      string
	authenticated bool
	connected     bool

	disconnectOnce sync.Once
}

// New builds a session, arms its auth deadline and starts its quota
// window. The caller owns feeding inbound frames via HandleMessage and
// must call Disconnect when the transport goes away.
func New(cfg Config) (*Session, error) {
	if cfg.Conn == nil {
		return nil, errMissingConn
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	keys := cfg.Keys
	if keys == nil {
		keys = store.NewRandomKeyProvider()
	}

	s := &Session{
		connID:    cfg.ConnID,
		conn:      cfg.Conn,
		store:     cfg.Store,
		hub:       cfg.Hub,
		capacity:  cfg.Capacity,
		keys:      keys,
		logger:    logger.With(zap.String("conn_id", cfg.ConnID.String())),
		clock:     clock,
		connected: true,
	}

	s.quota = admission.NewQuota(cfg.RateLimitQuota, cfg.RateLimitWindow)
	s.authTimer = admission.StartAuthTimer(cfg.AuthTimeout, s.expireAuthDeadline)
	return s, nil
}

// HandleMessage processes one inbound frame. Frames arriving on the same
// connection are handled in arrival order by the transport's read loop.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		// A frame already in flight when the connection was torn down must
		// not persist or broadcast on behalf of a dead session.
		return
	}

	envelope, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.logger.Debug("inbound frame rejected", zap.Error(err))
		s.fail(protocol.CodeBadRequest)
		return
	}

	s.logger.Debug("inbound", zap.String("type", envelope.Type))

	if err := protocol.Validate(envelope.Type, envelope.Data); err != nil {
		s.logger.Debug("payload rejected", zap.String("type", envelope.Type), zap.Error(err))
		s.fail(protocol.CodeBadRequest)
		return
	}

	// Every inbound message costs one unit, including those rejected by
	// later gates.
	if !s.quota.Consume() {
		s.fail(protocol.CodeTooManyRequests)
		return
	}

	switch envelope.Type {
	case protocol.TypeRegister:
		s.onRegister(ctx)
	case protocol.TypeAuth:
		s.onAuth(ctx, envelope.Data)
	case protocol.TypePostEvent:
		s.onPostEvent(ctx, envelope.Data)
	case protocol.TypePostSnapshot:
		s.onPostSnapshot(ctx, envelope.Data)
	case protocol.TypeFetch:
		s.onFetch(ctx, envelope.Data)
	}
}

func (s *Session) onRegister(ctx context.Context) {
	key, err := s.keys.NewKey()
	if err != nil {
		s.logger.Error("group key generation failed", zap.Error(err))
		s.fail(protocol.CodeInternalServerError)
		return
	}

	switch err := s.store.RegisterGroup(ctx, key); {
	case errors.Is(err, store.ErrDuplicateGroupKey):
		s.fail(protocol.CodeConflict)
	case err != nil:
		s.fail(protocol.CodeInternalServerError)
	default:
		// The only secret-bearing reply; never broadcast.
		s.unicast(protocol.TypeRegisterOK, protocol.RegisterOKPayload{GroupKey: key})
	}
}

func (s *Session) onAuth(ctx context.Context, data json.RawMessage) {
	var payload protocol.AuthPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.fail(protocol.CodeBadRequest)
		return
	}

	s.mu.Lock()
	alreadyAuthenticated := s.authenticated
	s.mu.Unlock()
	if alreadyAuthenticated {
		// There is no transition back to unauthenticated; a second auth
		// would double-count group capacity.
		s.fail(protocol.CodeBadRequest)
		return
	}

	known, err := s.store.AuthGroup(ctx, payload.GroupKey)
	if err != nil {
		s.fail(protocol.CodeInternalServerError)
		return
	}
	if !known {
		s.fail(protocol.CodeUnauthorized)
		return
	}

	if s.capacity != nil && !s.capacity.Acquire(payload.GroupKey) {
		s.fail(protocol.CodeTooManyRequests)
		return
	}

	s.mu.Lock()
	s.groupKey = payload.GroupKey
	s.clientID = payload.ClientID
	s.authenticated = true
	s.mu.Unlock()

	s.authTimer.Stop()
	s.hub.Join(payload.GroupKey, s.connID, s.conn)

	s.logger.Info("authenticated",
		zap.String("client_id", payload.ClientID),
		zap.String("client_version", payload.Version))
	s.unicast(protocol.TypeAuthOK, nil)
}

func (s *Session) onPostEvent(ctx context.Context, data json.RawMessage) {
	groupKey, ok := s.requireAuth()
	if !ok {
		return
	}

	timestamp := s.now()
	stamped, err := protocol.StampTimestamp(data, timestamp)
	if err != nil {
		s.fail(protocol.CodeInternalServerError)
		return
	}

	// A payload that failed to persist must never reach live peers, or
	// replay and relay state diverge.
	if err := s.store.PutEvent(ctx, groupKey, timestamp, stamped); err != nil {
		s.fail(protocol.CodeInternalServerError)
		return
	}

	s.broadcastRaw(groupKey, protocol.TypeExecute, stamped)
}

func (s *Session) onPostSnapshot(ctx context.Context, data json.RawMessage) {
	groupKey, ok := s.requireAuth()
	if !ok {
		return
	}

	timestamp := s.now()
	stamped, err := protocol.StampTimestamp(data, timestamp)
	if err != nil {
		s.fail(protocol.CodeInternalServerError)
		return
	}

	if err := s.store.PutSnapshot(ctx, groupKey, timestamp, stamped); err != nil {
		s.fail(protocol.CodeInternalServerError)
		return
	}

	s.broadcastRaw(groupKey, protocol.TypeReplace, stamped)
}

func (s *Session) onFetch(ctx context.Context, data json.RawMessage) {
	groupKey, ok := s.requireAuth()
	if !ok {
		return
	}

	since := gjson.GetBytes(data, "since").Int()

	snapshot, events, err := s.store.Fetch(ctx, groupKey, since)
	if err != nil {
		s.fail(protocol.CodeInternalServerError)
		return
	}

	// The snapshot must reach the client before the incremental events
	// that follow it; the reverse order corrupts replay.
	if snapshot != nil {
		stamped, stampErr := protocol.StampTimestamp(snapshot.Content, snapshot.Timestamp)
		if stampErr != nil {
			s.fail(protocol.CodeInternalServerError)
			return
		}
		s.unicastRaw(protocol.TypeReplace, stamped)
	}
	for _, event := range events {
		stamped, stampErr := protocol.StampTimestamp(event.Content, event.Timestamp)
		if stampErr != nil {
			s.fail(protocol.CodeInternalServerError)
			return
		}
		s.unicastRaw(protocol.TypeExecute, stamped)
	}

	// Watermark taken after replay so the next fetch cannot miss an event
	// persisted while this one streamed.
	s.unicast(protocol.TypeFetchOK, protocol.FetchOKPayload{Timestamp: s.now()})
}

// Disconnect tears the session down: room membership, the group capacity
// slot and both timers are released exactly once. Safe to call from any
// goroutine and more than once.
func (s *Session) Disconnect() {
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		groupKey := s.groupKey
		authenticated := s.authenticated
		s.connected = false
		s.mu.Unlock()

		s.quota.Stop()
		s.authTimer.Stop()

		if authenticated {
			s.hub.Leave(groupKey, s.connID)
			if s.capacity != nil {
				s.capacity.Release(groupKey)
			}
		}

		s.logger.Info("disconnected")
		s.conn.Close()
	})
}

// Authenticated reports whether the session completed the handshake.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) expireAuthDeadline() {
	s.mu.Lock()
	pending := s.connected && !s.authenticated
	s.mu.Unlock()
	if !pending {
		return
	}
	s.logger.Info("authentication deadline expired")
	s.fail(protocol.CodeUnauthorized)
}

func (s *Session) requireAuth() (string, bool) {
	s.mu.Lock()
	groupKey, authenticated := s.groupKey, s.authenticated
	s.mu.Unlock()
	if !authenticated {
		s.fail(protocol.CodeUnauthorized)
		return "", false
	}
	return groupKey, true
}

// fail reports the code to the peer and terminates the connection; no
// rejection is ever silent.
func (s *Session) fail(code int) {
	s.unicast(protocol.TypeErr, protocol.ErrPayload{Code: code})
	s.Disconnect()
}

func (s *Session) unicast(messageType string, payload any) {
	frame, err := protocol.EncodeFrame(messageType, payload)
	if err != nil {
		s.logger.Error("outbound encode failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	s.logger.Debug("outbound", zap.String("type", messageType))
	s.conn.Send(frame)
}

func (s *Session) unicastRaw(messageType string, data json.RawMessage) {
	frame, err := protocol.EncodeRawFrame(messageType, data)
	if err != nil {
		s.logger.Error("outbound encode failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	s.logger.Debug("outbound", zap.String("type", messageType))
	s.conn.Send(frame)
}

func (s *Session) broadcastRaw(groupKey, messageType string, data json.RawMessage) {
	frame, err := protocol.EncodeRawFrame(messageType, data)
	if err != nil {
		s.logger.Error("outbound encode failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	s.logger.Debug("outbound", zap.String("type", messageType), zap.String("room", groupKey))
	s.hub.Broadcast(groupKey, frame)
}

func (s *Session) now() int64 {
	return s.clock().UTC().Unix()
}
