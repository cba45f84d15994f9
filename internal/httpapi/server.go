package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evolve/internal/model"
	"evolve/internal/pipeline"
	"evolve/internal/platform"
)

// Config wires the server. A nil Gatherer serves the default registry at
// /metrics.
type Config struct {
	Habitat      *platform.Habitat
	Gatherer     prometheus.Gatherer
	DefaultSpeed model.Speed
	Logger       *slog.Logger
}

// Server exposes the habitat to a presentation layer over HTTP.
type Server struct {
	habitat *platform.Habitat
	speed   model.Speed
	logger  *slog.Logger
	router  *gin.Engine
}

type speedRequest struct {
	Speed string `json:"speed"`
}

type createRequest struct {
	ID     string `json:"id" binding:"required"`
	Resume bool   `json:"resume"`
}

// individualView adds the derived presentation fields to an individual.
type individualView struct {
	model.Individual
	DisplayName string        `json:"display_name"`
	Palette     model.Palette `json:"palette"`
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Habitat == nil {
		return nil, errors.New("habitat is required")
	}
	if cfg.DefaultSpeed == "" {
		cfg.DefaultSpeed = model.SpeedPaced
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		habitat: cfg.Habitat,
		speed:   cfg.DefaultSpeed,
		logger:  logger.With("component", "httpapi"),
	}
	s.router = s.setupRouter(cfg.Gatherer)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter(gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "started": s.habitat.Started()})
	})
	metrics := promhttp.Handler()
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	r.GET("/metrics", gin.WrapH(metrics))

	r.GET("/populations", s.listPopulations)
	r.POST("/populations", s.createPopulation)

	pop := r.Group("/populations/:id")
	pop.GET("", s.status)
	pop.GET("/individuals", s.individuals)
	pop.GET("/history", s.history)
	pop.POST("/seed", s.seed)
	pop.POST("/manual", s.manual)
	pop.POST("/step", s.step)
	pop.POST("/phase", s.completePhase)
	pop.POST("/full", s.full)
	pop.POST("/automatic", s.automatic)
	pop.POST("/stop", s.stop)
	pop.DELETE("", s.remove)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(started),
		)
	}
}

func (s *Server) listPopulations(c *gin.Context) {
	ids := s.habitat.Populations()
	out := make([]platform.Status, 0, len(ids))
	for _, id := range ids {
		status, err := s.habitat.Status(id)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, gin.H{"populations": out})
}

func (s *Server) createPopulation(c *gin.Context) {
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.habitat.AddPopulation(c.Request.Context(), body.ID, body.Resume); err != nil {
		s.fail(c, err)
		return
	}
	status, err := s.habitat.Status(body.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (s *Server) status(c *gin.Context) {
	status, err := s.habitat.Status(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) individuals(c *gin.Context) {
	o, err := s.habitat.Population(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	snapshot := o.Snapshot()
	out := make([]individualView, 0, len(snapshot))
	for _, ind := range snapshot {
		out = append(out, individualView{
			Individual:  ind,
			DisplayName: ind.DisplayName(),
			Palette:     ind.Hint.Palette(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"generation":  o.Generation(),
		"state":       o.State(),
		"individuals": out,
	})
}

func (s *Server) history(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.habitat.Population(id); err != nil {
		s.fail(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, err := s.habitat.History(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []model.GenerationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"generations": records})
}

func (s *Server) seed(c *gin.Context) {
	o, err := s.habitat.Population(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := o.Seed(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": len(o.Snapshot()), "generation": o.Generation()})
}

func (s *Server) manual(c *gin.Context) {
	o, err := s.habitat.Population(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	speed, ok := s.bindSpeed(c)
	if !ok {
		return
	}
	state, err := o.StartManual(speed)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) step(c *gin.Context) {
	o, err := s.habitat.Population(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := o.StepOnce(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "state": o.State(), "generation": o.Generation()})
}

func (s *Server) completePhase(c *gin.Context) {
	o, err := s.habitat.Population(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	next, err := o.CompletePhase(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": next, "state": o.State(), "generation": o.Generation()})
}

func (s *Server) full(c *gin.Context) {
	s.startRun(c, s.habitat.RunFull)
}

func (s *Server) automatic(c *gin.Context) {
	s.startRun(c, s.habitat.RunAutomatic)
}

func (s *Server) startRun(c *gin.Context, start func(string, model.Speed) error) {
	id := c.Param("id")
	speed, ok := s.bindSpeed(c)
	if !ok {
		return
	}
	if err := start(id, speed); err != nil {
		s.fail(c, err)
		return
	}
	status, err := s.habitat.Status(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

func (s *Server) stop(c *gin.Context) {
	id := c.Param("id")
	if err := s.habitat.Stop(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"population_id": id, "stop_requested": true})
}

func (s *Server) remove(c *gin.Context) {
	if err := s.habitat.RemovePopulation(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindSpeed reads an optional {"speed": ...} body.
func (s *Server) bindSpeed(c *gin.Context) (model.Speed, bool) {
	var body speedRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	if body.Speed == "" {
		return s.speed, true
	}
	speed, ok := model.ParseSpeed(body.Speed)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "speed must be paced or instant"})
		return "", false
	}
	return speed, true
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "population", c.Param("id"), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var collab *pipeline.CollaboratorError
	var invariant *pipeline.InvariantError
	switch {
	case errors.Is(err, platform.ErrUnknownPopulation):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, platform.ErrRunActive),
		errors.Is(err, platform.ErrPopulationExists),
		errors.Is(err, pipeline.ErrGenerationInProgress),
		errors.Is(err, pipeline.ErrNotStarted),
		errors.Is(err, pipeline.ErrEmptyPopulation):
		return http.StatusConflict
	case errors.Is(err, platform.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.As(err, &collab), errors.As(err, &invariant):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
