package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopmesh/syncserver/internal/admission"
	"github.com/loopmesh/syncserver/internal/config"
	"github.com/loopmesh/syncserver/internal/hub"
	"github.com/loopmesh/syncserver/internal/session"
	"github.com/loopmesh/syncserver/internal/store"
)

var (
	errMissingStore  = errors.New("store dependency required")
	errMissingLogger = errors.New("logger dependency required")
)

// Dependencies wires the server to its collaborators.
type Dependencies struct {
	Store  *store.Store
	Keys   store.KeyProvider
	Logger *zap.Logger
	Config config.AppConfig
}

// App owns the HTTP listener, the websocket endpoint and every live
// connection.
type App struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	store    *store.Store
	keys     store.KeyProvider
	rooms    *hub.Hub
	capacity *admission.Capacity
	http     *http.Server

	mu    sync.Mutex
	conns map[uuid.UUID]*wsConn
	wg    sync.WaitGroup
}

// NewApp validates the dependencies and builds the application.
func NewApp(deps Dependencies) (*App, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Logger == nil {
		return nil, errMissingLogger
	}
	keys := deps.Keys
	if keys == nil {
		keys = store.NewRandomKeyProvider()
	}

	app := &App{
		cfg:      deps.Config,
		logger:   deps.Logger,
		store:    deps.Store,
		keys:     keys,
		rooms:    hub.New(),
		capacity: admission.NewCapacity(deps.Config.MaxConnsPerGroup),
		conns:    make(map[uuid.UUID]*wsConn),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "")
	})
	router.GET("/ws", app.handleSync)

	app.http = &http.Server{
		Addr:    deps.Config.HTTPAddress,
		Handler: router,
	}

	return app, nil
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.String("address", a.cfg.HTTPAddress),
			zap.Bool("tls", a.cfg.TLSCertFile != ""))
		var err error
		if a.cfg.TLSCertFile != "" {
			err = a.http.ListenAndServeTLS(a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = a.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		return err
	}
}

func (a *App) shutdown() error {
	a.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.http.Shutdown(shutdownCtx)

	a.mu.Lock()
	for _, conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("server stopped")
	return err
}

func (a *App) handleSync(c *gin.Context) {
	sock, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	conn := newWSConn(c.Request.Context(), sock, a.cfg.HeartbeatInterval, a.cfg.HeartbeatTimeout, a.logger)

	sess, err := session.New(session.Config{
		ConnID:          conn.id,
		Conn:            conn,
		Store:           a.store,
		Hub:             a.rooms,
		Capacity:        a.capacity,
		Keys:            a.keys,
		Logger:          a.logger,
		Clock:           time.Now,
		AuthTimeout:     a.cfg.AuthTimeout,
		RateLimitQuota:  a.cfg.RateLimitQuota,
		RateLimitWindow: a.cfg.RateLimitWindow,
	})
	if err != nil {
		a.logger.Error("session setup failed", zap.Error(err))
		conn.Close()
		return
	}

	a.trackConn(conn)
	defer a.untrackConn(conn)
	defer sess.Disconnect()

	a.logger.Info("connection established", zap.String("conn_id", conn.id.String()))

	go conn.writeLoop()
	conn.readLoop(func(raw []byte) {
		sess.HandleMessage(conn.ctx, raw)
	})
}

func (a *App) trackConn(conn *wsConn) {
	a.wg.Add(1)
	a.mu.Lock()
	a.conns[conn.id] = conn
	a.mu.Unlock()
}

func (a *App) untrackConn(conn *wsConn) {
	a.mu.Lock()
	delete(a.conns, conn.id)
	a.mu.Unlock()
	a.wg.Done()
}
