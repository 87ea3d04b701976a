// Package devserver is an in-memory reporting backend for local development
// and integration tests. It speaks the same REST contract as production:
// report CRUD keyed by client-generated id, statistics, multipart photo
// upload, geocoding lookups and a health probe.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ecotrack/ecotrack/internal/model"
)

// Config tunes a Server. The zero value serves without auth.
type Config struct {
	// JWTSecret enables HS256 bearer auth on /api routes when non-empty.
	JWTSecret string

	// PublicURL is the base for uploaded photo URLs. Empty uses the
	// request's own scheme and host.
	PublicURL string

	Logger *slog.Logger
}

type storedMedia struct {
	contentType string
	data        []byte
}

// Server holds all backend state in memory.
type Server struct {
	cfg     Config
	log     *slog.Logger
	router  *gin.Engine
	metrics *metrics

	mu      sync.RWMutex
	reports map[string]model.WireReport
	media   map[string]storedMedia

	faultMu sync.Mutex
	faults  []fault
}

// fault makes the next matching requests fail with status.
type fault struct {
	prefix    string
	status    int
	remaining int
}

// New builds a Server with its routes registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		log:     logger,
		router:  gin.New(),
		metrics: newMetrics(),
		reports: make(map[string]model.WireReport),
		media:   make(map[string]storedMedia),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery(), s.requestLog(), s.metrics.middleware(), s.injectFaults())

	r.GET("/api/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.handler()))
	r.GET("/media/:name", s.handleGetMedia)

	api := r.Group("/api")
	if s.cfg.JWTSecret != "" {
		api.Use(s.authorize())
	}
	api.GET("/reports", s.handleListReports)
	api.GET("/reports/statistics", s.handleStatistics)
	api.GET("/reports/:id", s.handleGetReport)
	api.POST("/reports", s.handleSaveReport)
	api.PATCH("/reports/:id", s.handlePatchReport)
	api.DELETE("/reports/:id", s.handleDeleteReport)
	api.POST("/media/upload", s.handleUpload)

	geo := api.Group("/geocoding")
	geo.GET("/reverse", s.handleReverse)
	geo.GET("/forward", s.handleForward)
	geo.GET("/suggestions", s.handleSuggestions)
	geo.GET("/details", s.handleDetails)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.log.Info("dev server listening", "addr", ln.Addr().String(), "auth", s.cfg.JWTSecret != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down dev server: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// FailNext makes the next n requests whose path starts with prefix fail with
// status. Used to exercise client retries.
func (s *Server) FailNext(prefix string, status, n int) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults = append(s.faults, fault{prefix: prefix, status: status, remaining: n})
}

// Reports returns a snapshot of stored reports sorted by id.
func (s *Server) Reports() []model.WireReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WireReport, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.WireReport) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// --- Middleware --------------------------------------------------------------

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetHeader("X-Request-ID"),
		)
	}
}

func (s *Server) injectFaults() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.faultMu.Lock()
		status := 0
		for i := range s.faults {
			f := &s.faults[i]
			if f.remaining > 0 && strings.HasPrefix(c.Request.URL.Path, f.prefix) {
				f.remaining--
				status = f.status
				break
			}
		}
		s.faults = slices.DeleteFunc(s.faults, func(f fault) bool { return f.remaining <= 0 })
		s.faultMu.Unlock()

		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
			return
		}
		c.Next()
	}
}

// --- Handlers ----------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListReports(c *gin.Context) {
	f := model.ParseFilterQuery(c.Request.URL.Query())

	s.mu.RLock()
	out := make([]model.WireReport, 0, len(s.reports))
	for _, w := range s.reports {
		if f.MatchesAttributes(w.Report()) {
			out = append(out, w)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.WireReport) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetReport(c *gin.Context) {
	s.mu.RLock()
	w, ok := s.reports[c.Param("id")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// handleSaveReport upserts by client id, so a retried POST never creates a
// second copy.
func (s *Server) handleSaveReport(c *gin.Context) {
	var w model.WireReport
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if w.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	s.store(c, w, http.StatusCreated)
}

func (s *Server) handlePatchReport(c *gin.Context) {
	id := c.Param("id")
	s.mu.RLock()
	_, ok := s.reports[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}

	var w model.WireReport
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w.ID = id
	s.store(c, w, http.StatusOK)
}

func (s *Server) store(c *gin.Context, w model.WireReport, status int) {
	w.Status = model.StatusSynced
	if w.Photos == nil {
		w.Photos = []string{}
	}
	if err := w.Report().Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	_, existed := s.reports[w.ID]
	s.reports[w.ID] = w
	n := len(s.reports)
	s.mu.Unlock()

	s.metrics.reportsStored.Set(float64(n))
	if existed {
		s.metrics.reportsReplaced.Inc()
	}
	c.JSON(status, w)
}

func (s *Server) handleDeleteReport(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	_, ok := s.reports[id]
	delete(s.reports, id)
	n := len(s.reports)
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	s.metrics.reportsStored.Set(float64(n))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStatistics(c *gin.Context) {
	s.mu.RLock()
	all := make([]*model.Report, 0, len(s.reports))
	for _, w := range s.reports {
		all = append(all, w.Report())
	}
	s.mu.RUnlock()

	c.JSON(http.StatusOK, model.ComputeStatistics(all, model.SourceRemote))
}

func (s *Server) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	name := uuid.NewString() + extension(contentType)

	s.mu.Lock()
	s.media[name] = storedMedia{contentType: contentType, data: data}
	s.mu.Unlock()
	s.metrics.uploadBytes.Add(float64(len(data)))

	c.JSON(http.StatusCreated, gin.H{"url": s.publicURL(c) + "/media/" + name})
}

func (s *Server) handleGetMedia(c *gin.Context) {
	s.mu.RLock()
	m, ok := s.media[c.Param("name")]
	s.mu.RUnlock()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, m.contentType, m.data)
}

func (s *Server) publicURL(c *gin.Context) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ""
	}
}
