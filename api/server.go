package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	iface "WeaponDetClient/interface"
	"WeaponDetClient/logger"
	"WeaponDetClient/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Factory builds the orchestrator of a new session.
type Factory func() *orchestrator.Orchestrator

// Fetcher downloads processed media from the detection service.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

type Options struct {
	IdleTimeout   time.Duration
	MaxUploadSize int64
	Fetcher       Fetcher
}

type Server struct {
	factory Factory
	opts    Options
	log     *zap.Logger

	sessionMu sync.RWMutex
	sessions  map[string]*session
	upgrader  websocket.Upgrader
}

func NewServer(factory Factory, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	return &Server{
		factory:  factory,
		opts:     opts,
		log:      logger.Named("api"),
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// requestLogger logs every request through zap.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Router wires the HTTP surface.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))
	if s.opts.MaxUploadSize > 0 {
		// headroom for the multipart envelope
		r.MaxMultipartMemory = s.opts.MaxUploadSize + 1<<20
	}
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/api/sessions", s.createSession)
	r.GET("/api/sessions/:id", s.withSession(s.getSession))
	r.DELETE("/api/sessions/:id", s.deleteSession)
	r.POST("/api/sessions/:id/media", s.withSession(s.selectMedia))
	r.POST("/api/sessions/:id/submit", s.withSession(s.submit))
	r.GET("/api/sessions/:id/annotated", s.withSession(s.annotated))
	r.GET("/api/sessions/:id/processed", s.withSession(s.processed))
	r.GET("/ws/:id", s.withSession(s.watch))
	return r
}

func (s *Server) withSession(h func(*gin.Context, *session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.sessionMu.RLock()
		sess, ok := s.sessions[c.Param("id")]
		s.sessionMu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		sess.touch()
		h(c, sess)
	}
}

func (s *Server) createSession(c *gin.Context) {
	id := uuid.NewString()
	sess := newSession(id, s.factory())
	s.sessionMu.Lock()
	s.sessions[id] = sess
	s.sessionMu.Unlock()
	s.log.Info("session created", zap.String("session", id))

	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionID":     id,
		"wsURL":         fmt.Sprintf("%s://%s/ws/%s", scheme, c.Request.Host, id),
		"idleTimeoutMs": s.opts.IdleTimeout.Milliseconds(),
	})
}

func (s *Server) getSession(c *gin.Context, sess *session) {
	c.JSON(http.StatusOK, viewSession(sess.id, sess.orch.Snapshot()))
}

func (s *Server) deleteSession(c *gin.Context) {
	if !s.Release(c.Param("id"), "session deleted") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Session released"})
}

// Release drops a session and everything it owns.
func (s *Server) Release(id, reason string) bool {
	s.sessionMu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	sess.release(reason)
	s.log.Info("session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, iface.ErrInvalidMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, iface.ErrNoMedia):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusGone
	case errors.Is(err, iface.ErrService):
		return http.StatusBadGateway
	case errors.Is(err, iface.ErrNetwork):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": iface.UserMessage(err), "kind": iface.KindOf(err).String()})
}

func (s *Server) selectMedia(c *gin.Context, sess *session) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	if s.opts.MaxUploadSize > 0 && header.Size > s.opts.MaxUploadSize {
		abortWith(c, iface.InvalidMediaType("media exceeds upload limit of %d bytes", s.opts.MaxUploadSize))
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}

	media := &iface.Media{Name: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data}
	if err := sess.orch.SelectMedia(media); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(sess.id, sess.orch.Snapshot()))
}

// submit starts a job. With ?wait=true it answers once the job resolves.
func (s *Server) submit(c *gin.Context, sess *session) {
	job, err := sess.orch.Submit(sess.ctx)
	if err != nil {
		abortWith(c, err)
		return
	}
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		if _, err := job.Wait(c.Request.Context()); err != nil && c.Request.Context().Err() != nil {
			return
		}
		c.JSON(http.StatusOK, viewSession(sess.id, sess.orch.Snapshot()))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobID": job.ID, "generation": job.Generation, "kind": job.Kind.String()})
}

func (s *Server) annotated(c *gin.Context, sess *session) {
	png, err := sess.orch.EncodeAnnotated(".png")
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotRendered) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// processed relays the service's processed media for the current result.
func (s *Server) processed(c *gin.Context, sess *session) {
	snap := sess.orch.Snapshot()
	if snap.Result == nil || snap.Result.ProcessedMediaRef == "" || s.opts.Fetcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no processed media available"})
		return
	}
	data, contentType, err := s.opts.Fetcher.Fetch(c.Request.Context(), snap.Result.ProcessedMediaRef)
	if err != nil {
		abortWith(c, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, data)
}

// watch streams the session's events over a websocket until either side closes.
func (s *Server) watch(c *gin.Context, sess *session) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sess.attach(conn)
	defer func() {
		sess.detach(conn)
		_ = conn.Close()
	}()

	w := newWatcher(watchBuffer)
	unsubscribe := sess.orch.Subscribe(w.push)
	defer unsubscribe()

	go func() {
		defer close(w.gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			sess.touch()
		}
	}()

	write := func(ev iface.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	if err := write(iface.NewEvent(iface.EventState, sess.orch.Snapshot().State)); err != nil {
		return
	}
	for {
		select {
		case <-w.gone:
			return
		case <-w.lagged:
			s.log.Warn("dropping lagging watcher", zap.String("session", sess.id))
			return
		case <-sess.ctx.Done():
			return
		case ev := <-w.events:
			sess.touch()
			if err := write(ev); err != nil {
				s.log.Debug("watcher write failed", zap.String("session", sess.id), zap.Error(err))
				return
			}
		}
	}
}

// StartIdleMonitor releases sessions that saw no activity for the idle timeout.
func (s *Server) StartIdleMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessionMu.RLock()
			var expired []string
			for id, sess := range s.sessions {
				if sess.idleFor() > s.opts.IdleTimeout {
					expired = append(expired, id)
				}
			}
			s.sessionMu.RUnlock()
			for _, id := range expired {
				s.Release(id, "idle timeout")
			}
		}
	}
}

// Close releases every session.
func (s *Server) Close() {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.Release(id, "server shutting down")
	}
}

// Run serves the API on port until ctx ends.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
	go s.StartIdleMonitor(ctx, time.Second)
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}
