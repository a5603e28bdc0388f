// Package api is the HTTP boundary of the solver contract: submit, poll,
// apply and validate, plus the staff review and scenario endpoints.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bunkcore/internal/collect"
	"bunkcore/internal/constraint"
	"bunkcore/internal/core"
	"bunkcore/internal/logging"
	"bunkcore/internal/orchestrator"
	"bunkcore/internal/pipeline"
	"bunkcore/pkg/domain"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server wires the HTTP routes to the service layer.
type Server struct {
	orch     *orchestrator.Orchestrator
	svc      *core.Service
	pipeline *pipeline.Pipeline
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = logging.OrNop(log) } }

// NewServer constructs a server. pipeline may be nil, which disables /process.
func NewServer(orch *orchestrator.Orchestrator, svc *core.Service, p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{orch: orch, svc: svc, pipeline: p, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/sessions/:session/process", s.handleProcess)
	v1.POST("/sessions/:session/validate", s.handleValidate)
	v1.POST("/sessions/:session/runs", s.handleSubmit)
	v1.GET("/sessions/:session/runs", s.handleListRuns)
	v1.GET("/sessions/:session/requests", s.handleListRequests)
	v1.GET("/runs/:id", s.handleStatus)
	v1.POST("/runs/:id/apply", s.handleApply)

	v1.POST("/requests/:id/approve", s.handleReview(true))
	v1.POST("/requests/:id/reject", s.handleReview(false))
	v1.PUT("/requests/:id/priority", s.handleLockPriority)

	v1.POST("/scenarios", s.handleCreateScenario)
	v1.GET("/scenarios/:id/assignments", s.handleScenarioAssignments)
	v1.POST("/scenarios/:id/moves", s.handleMove)
	v1.POST("/scenarios/:id/clear", s.handleClear)
	v1.GET("/scenarios/:id/history", s.handleHistory)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

func sessionParam(c *gin.Context) (domain.SessionID, bool) {
	id, err := strconv.ParseInt(c.Param("session"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "session must be a positive integer", Code: "INVALID_SESSION"})
		return 0, false
	}
	return domain.SessionID(id), true
}

// writeError maps domain and orchestration errors to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		notFound   domain.ErrNotFound
		violation  domain.RuleViolationError
		validation validator.ValidationErrors
	)
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.As(err, &validation):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, orchestrator.ErrRunNotFound), errors.As(err, &notFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, orchestrator.ErrScopeBusy):
		status, code = http.StatusConflict, "SCOPE_BUSY"
	case errors.Is(err, orchestrator.ErrRunNotCompleted):
		status, code = http.StatusConflict, "RUN_NOT_COMPLETED"
	case errors.Is(err, core.ErrAssignmentLocked):
		status, code = http.StatusConflict, "ASSIGNMENT_LOCKED"
	case errors.Is(err, domain.ErrUnsatisfiableLockGroup):
		status, code = http.StatusUnprocessableEntity, "UNSATISFIABLE_LOCK_GROUP"
	case errors.As(err, &violation):
		status, code = http.StatusUnprocessableEntity, "RULE_VIOLATION"
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

// SubmitRequest is the body of POST /v1/sessions/:session/runs and /validate.
type SubmitRequest struct {
	Year             int    `json:"year"`
	ScenarioID       string `json:"scenario_id,omitempty"`
	RespectLocks     bool   `json:"respect_locks"`
	ApplyResults     bool   `json:"apply_results"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
}

func (s *Server) submission(c *gin.Context) (orchestrator.Submission, bool) {
	session, ok := sessionParam(c)
	if !ok {
		return orchestrator.Submission{}, false
	}
	var body SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return orchestrator.Submission{}, false
	}
	return orchestrator.Submission{
		SessionID:        session,
		Year:             body.Year,
		ScenarioID:       body.ScenarioID,
		RespectLocks:     body.RespectLocks,
		ApplyResults:     body.ApplyResults,
		TimeLimitSeconds: body.TimeLimitSeconds,
	}, true
}

// ValidateResponse summarises a constraint set built without solving.
type ValidateResponse struct {
	Persons     int                     `json:"persons"`
	Bunks       int                     `json:"bunks"`
	Constraints map[constraint.Kind]int `json:"constraints"`
	Relaxed     []string                `json:"relaxed,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
}

func (s *Server) handleValidate(c *gin.Context) {
	sub, ok := s.submission(c)
	if !ok {
		return
	}
	set, err := s.orch.Validate(c.Request.Context(), sub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{
		Persons:     len(set.Persons),
		Bunks:       len(set.Bunks),
		Constraints: set.Counts(),
		Relaxed:     set.Relaxed,
		Warnings:    set.Warnings,
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	sub, ok := s.submission(c)
	if !ok {
		return
	}
	id, err := s.orch.Submit(c.Request.Context(), sub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

func (s *Server) handleStatus(c *gin.Context) {
	run, err := s.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c *gin.Context) {
	session, ok := sessionParam(c)
	if !ok {
		return
	}
	runs, err := s.orch.Runs(c.Request.Context(), session)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleApply(c *gin.Context) {
	report, err := s.orch.Apply(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ProcessRequest is the body of POST /v1/sessions/:session/process.
type ProcessRequest struct {
	Year   int             `json:"year" binding:"required"`
	Fields []collect.Field `json:"fields"`
}

func (s *Server) handleProcess(c *gin.Context) {
	if s.pipeline == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "pipeline not configured", Code: "NOT_CONFIGURED"})
		return
	}
	session, ok := sessionParam(c)
	if !ok {
		return
	}
	var body ProcessRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	report, err := s.pipeline.Process(c.Request.Context(), pipeline.Input{SessionID: session, Year: body.Year, Fields: body.Fields})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleListRequests(c *gin.Context) {
	session, ok := sessionParam(c)
	if !ok {
		return
	}
	filter := core.RequestFilter{
		SessionID:   session,
		Status:      domain.RequestStatus(c.Query("status")),
		ActiveOnly:  c.Query("all") != "true",
		NeedsReview: c.Query("review") == "true",
	}
	if y := c.Query("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.Year = year
	}
	c.JSON(http.StatusOK, s.svc.ListRequests(c.Request.Context(), filter))
}

// ReviewRequest is the body of the approve and reject endpoints.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

func (s *Server) handleReview(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body ReviewRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		review := s.svc.RejectRequest
		if approve {
			review = s.svc.ApproveRequest
		}
		req, _, err := review(c.Request.Context(), c.Param("id"), body.Reviewer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

// PriorityRequest is the body of PUT /v1/requests/:id/priority. A nil
// priority unlocks.
type PriorityRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handleLockPriority(c *gin.Context) {
	var body PriorityRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	var (
		req domain.BunkRequest
		err error
	)
	if body.Priority == nil {
		req, _, err = s.svc.UnlockPriority(c.Request.Context(), c.Param("id"))
	} else {
		req, _, err = s.svc.LockPriority(c.Request.Context(), c.Param("id"), *body.Priority)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleCreateScenario(c *gin.Context) {
	var body domain.Scenario
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	sc, _, err := s.svc.CreateScenario(c.Request.Context(), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (s *Server) handleScenarioAssignments(c *gin.Context) {
	session, err := strconv.ParseInt(c.Query("session"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("session query parameter required"))
		return
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		badRequest(c, errors.New("year query parameter required"))
		return
	}
	out, err := s.svc.EffectiveAssignments(c.Request.Context(), domain.SessionID(session), year, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// MoveRequest is the body of POST /v1/scenarios/:id/moves. A nil bunk unassigns.
type MoveRequest struct {
	PersonID domain.PersonID `json:"person_id" binding:"required"`
	BunkID   *domain.BunkID  `json:"bunk_id"`
}

func (s *Server) handleMove(c *gin.Context) {
	var body MoveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := s.svc.MoveCamper(c.Request.Context(), c.Param("id"), body.PersonID, body.BunkID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClear(c *gin.Context) {
	if _, err := s.svc.ClearScenario(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context) {
	events, err := s.svc.ScenarioHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
