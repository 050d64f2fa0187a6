package httpServer

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rapidenc/internal/capture"
	"rapidenc/internal/codec"
	"rapidenc/internal/metrics"
	"rapidenc/internal/session"
	"rapidenc/internal/sessionmanager"
	"rapidenc/internal/sink"
	"rapidenc/pkg/models"
)

// Options holds the optional dependencies of the server
type Options struct {
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // source for /metrics, defaults to the default gatherer
	Logger   *zap.Logger
	// Defaults fills unset fields of a session creation request
	Defaults func(models.EncoderConfig) models.EncoderConfig
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router   *gin.Engine
	manager  *sessionmanager.Manager
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	defaults func(models.EncoderConfig) models.EncoderConfig

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// New creates a new HTTP server
func New(manager *sessionmanager.Manager, opts Options) *Server {
	s := &Server{
		manager:  manager,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		logger:   opts.Logger,
		defaults: opts.Defaults,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.defaults == nil {
		s.defaults = func(c models.EncoderConfig) models.EncoderConfig { return c }
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
	}

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/encoders", s.handleListEncoders)
		api.GET("/v1/sessions", s.handleListSessions)
		api.POST("/v1/sessions", s.handleCreateSession)
		api.GET("/v1/sessions/:id", s.handleGetSession)
		api.DELETE("/v1/sessions/:id", s.handleDeleteSession)
		api.POST("/v1/sessions/:id/start", s.handleStartSession)
		api.POST("/v1/sessions/:id/stop", s.handleStopSession)
		api.POST("/v1/sessions/:id/reset", s.handleResetSession)
		api.PUT("/v1/sessions/:id/bitrate", s.handleSetBitrate)
		api.PUT("/v1/sessions/:id/fps", s.handleSetFPS)
		api.POST("/v1/sessions/:id/keyframe", s.handleKeyFrame)
		api.POST("/v1/sessions/:id/frames", s.handleSubmitFrame)
		api.GET("/v1/sessions/:id/stream", s.handleStream)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until Shutdown is called
func (s *Server) Run(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown gracefully stops a server started with Run. A later Run returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleListEncoders(c *gin.Context) {
	all := s.manager.Registry().All()
	encoders := make([]models.EncoderInfo, len(all))
	for i, info := range all {
		encoders[i] = info.EncoderInfo()
	}
	c.JSON(http.StatusOK, gin.H{
		"encoders": encoders,
		"total":    len(encoders),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	entries := s.manager.List()

	infos := make([]models.SessionInfo, len(entries))
	for i, entry := range entries {
		infos[i] = entry.Info()
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: infos,
		Total:    len(infos),
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req models.EncoderConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := s.manager.CreateSession(s.defaults(req))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry.Info())
}

func (s *Server) handleGetSession(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry.Info())
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Remove(id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "session removed",
		"id":      id,
	})
}

func (s *Server) handleStartSession(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}

	var err error
	switch entry.Session.State() {
	case models.SessionFailed:
		err = entry.Session.Reset()
	case models.SessionStopped:
		// a stopped session has released its encoder and needs a fresh one
		if err = entry.Session.Prepare(); err == nil {
			err = entry.Session.Start()
		}
	default:
		err = entry.Session.Start()
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry.Info())
}

func (s *Server) handleStopSession(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := entry.Session.Stop(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry.Info())
}

func (s *Server) handleResetSession(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := entry.Session.Reset(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry.Info())
}

func (s *Server) handleSetBitrate(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}
	var req models.BitrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := entry.Session.SetBitrate(req.Bitrate); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry.Info())
}

func (s *Server) handleSetFPS(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}
	var req models.FPSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := entry.Session.SetFPS(req.FPS); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry.Info())
}

func (s *Server) handleKeyFrame(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}
	if !entry.Session.RequestKeyFrame() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "key frame request not applied",
			"state": entry.Session.State().String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key frame requested"})
}

// handleSubmitFrame accepts one raw frame. The body is the pixel data; the
// query names its geometry: format, width, height, orientation and flip.
func (s *Server) handleSubmitFrame(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}

	frame, err := frameFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !entry.Session.SubmitFrame(frame) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "frame dropped",
			"state": entry.Session.State().String(),
		})
		return
	}
	c.Status(http.StatusAccepted)
}

func frameFromRequest(c *gin.Context) (*models.Frame, error) {
	format, err := models.ParsePixelFormat(c.DefaultQuery("format", string(models.PixelFormatNV21)))
	if err != nil {
		return nil, err
	}
	width, err := strconv.Atoi(c.Query("width"))
	if err != nil || width <= 0 {
		return nil, errors.Errorf("invalid width %q", c.Query("width"))
	}
	height, err := strconv.Atoi(c.Query("height"))
	if err != nil || height <= 0 {
		return nil, errors.Errorf("invalid height %q", c.Query("height"))
	}
	orientation, err := strconv.Atoi(c.DefaultQuery("orientation", "0"))
	if err != nil {
		return nil, errors.Errorf("invalid orientation %q", c.Query("orientation"))
	}
	flip, err := strconv.ParseBool(c.DefaultQuery("flip", "false"))
	if err != nil {
		return nil, errors.Errorf("invalid flip %q", c.Query("flip"))
	}

	size := capture.FrameSize(format, width, height)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(size)+1))
	if err != nil {
		return nil, errors.Wrap(err, "read frame")
	}
	if len(body) != size {
		return nil, errors.Errorf("frame body is %d bytes, want %d for %s %dx%d", len(body), size, format, width, height)
	}

	return &models.Frame{
		Buffer:      body,
		Format:      format,
		Width:       width,
		Height:      height,
		Orientation: orientation,
		Flip:        flip,
		CapturedAt:  time.Now(),
	}, nil
}

// handleStream taps the session hub and writes an Annex-B elementary stream
// until the client goes away or the session is removed
func (s *Server) handleStream(c *gin.Context) {
	entry, ok := s.lookup(c)
	if !ok {
		return
	}

	packets, cleanup := entry.Subscribe(s.manager.SubscriberBuffer())
	defer cleanup()

	codecType := entry.Session.Config().Codec
	c.Header("Content-Type", "video/"+string(codecType))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	w := sink.NewAnnexBWriter(c.Writer,
		sink.WithRepeatParameterSets(),
		sink.WithWaitForKeyFrame(),
		sink.WithLogger(s.logger))

	s.logger.Info("stream subscriber joined", zap.String("session", entry.Session.ID()))
	c.Stream(func(io.Writer) bool {
		select {
		case p, open := <-packets:
			if !open {
				return false
			}
			return w.WritePacket(p) == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
	s.logger.Info("stream subscriber left",
		zap.String("session", entry.Session.ID()),
		zap.Int64("bytes", w.Bytes()))
}

// Helper functions

func (s *Server) lookup(c *gin.Context) (*sessionmanager.Entry, bool) {
	entry, exists := s.manager.Get(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return entry, true
}

// respondError maps domain errors onto status codes
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessionmanager.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, codec.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, sessionmanager.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case session.IsConfigurationError(err), isValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrInvalidCodec,
		models.ErrInvalidDimensions,
		models.ErrInvalidFPS,
		models.ErrInvalidBitrate,
		models.ErrInvalidRotation,
		models.ErrInvalidKeyFrameInterval,
		models.ErrInvalidColorFormat,
		models.ErrInvalidPolicy,
		models.ErrInvalidPixelFormat,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
