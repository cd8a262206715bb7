package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/lifecycle"
	"github.com/fieldtofork/platform/experiment-engine/internal/models"
	"github.com/fieldtofork/platform/experiment-engine/internal/outcomes"
	"github.com/fieldtofork/platform/experiment-engine/internal/resolver"
	"github.com/fieldtofork/platform/experiment-engine/internal/results"
	"github.com/fieldtofork/platform/experiment-engine/internal/safety"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

// Engine is the set of operations served over HTTP.
type Engine interface {
	GetVariant(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Variant, error)
	GetVariantConfig(ctx context.Context, experimentID uuid.UUID, entityID string) (*resolver.VariantConfig, error)
	GetActiveExperimentConfigForEntity(ctx context.Context, category, entityID string) (*resolver.VariantConfig, error)
	RecordOutcome(ctx context.Context, in outcomes.RecordInput) (models.Outcome, error)

	CreateExperiment(ctx context.Context, in lifecycle.CreateInput) (models.Experiment, error)
	UpdateExperiment(ctx context.Context, id uuid.UUID, patch lifecycle.Patch) (models.Experiment, error)
	GetExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error)
	ListExperiments(ctx context.Context, filter store.ListFilter) ([]models.Experiment, error)
	StartExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, []uuid.UUID, error)
	StopExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error)
	CompleteExperiment(ctx context.Context, id uuid.UUID) (models.Experiment, error)
	PromoteWinner(ctx context.Context, id uuid.UUID, winner models.Variant, markPromoted bool) (models.Experiment, error)
	GetResultsSummary(ctx context.Context, id uuid.UUID) (results.Summary, error)
	CheckHarmAndAutoStop(ctx context.Context, id uuid.UUID) (safety.Decision, error)

	Ping(ctx context.Context) error
}

type Server struct {
	engine   Engine
	logger   *zap.Logger
	admin    func(http.Handler) http.Handler
	gatherer prometheus.Gatherer
}

type Option func(*Server)

// WithAdminAuth guards every /v1/admin route with mw.
func WithAdminAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.admin = mw }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func New(engine Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/categories/{category}/config", s.handleActiveConfig)
		r.Get("/experiments/{id}/variant", s.handleVariant)
		r.Get("/experiments/{id}/config", s.handleVariantConfig)
		r.Post("/outcomes", s.handleRecordOutcome)

		r.Route("/admin", func(r chi.Router) {
			if s.admin != nil {
				r.Use(s.admin)
			}
			r.Post("/experiments", s.handleCreate)
			r.Get("/experiments", s.handleList)
			r.Get("/experiments/{id}", s.handleGet)
			r.Patch("/experiments/{id}", s.handleUpdate)
			r.Post("/experiments/{id}/start", s.handleStart)
			r.Post("/experiments/{id}/stop", s.handleStop)
			r.Post("/experiments/{id}/complete", s.handleComplete)
			r.Post("/experiments/{id}/promote", s.handlePromote)
			r.Post("/experiments/{id}/harm-check", s.handleHarmCheck)
			r.Get("/experiments/{id}/results", s.handleResults)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActiveConfig(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entityId")
	if entityID == "" {
		respondError(w, http.StatusBadRequest, "entityId required")
		return
	}
	cfg, err := s.engine.GetActiveExperimentConfigForEntity(r.Context(), chi.URLParam(r, "category"), entityID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entityID := r.URL.Query().Get("entityId")
	variant, err := s.engine.GetVariant(r.Context(), id, entityID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"experimentId": id,
		"entityId":     entityID,
		"variant":      variant,
	})
}

func (s *Server) handleVariantConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entityID := r.URL.Query().Get("entityId")
	if entityID == "" {
		respondError(w, http.StatusBadRequest, "entityId required")
		return
	}
	cfg, err := s.engine.GetVariantConfig(r.Context(), id, entityID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type outcomeRequest struct {
	ExperimentID uuid.UUID  `json:"experimentId"`
	EntityID     string     `json:"entityId"`
	Variant      string     `json:"variant"`
	Metric       string     `json:"metric"`
	Value        *float64   `json:"value"`
	ObservedAt   *time.Time `json:"observedAt"`
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		respondError(w, http.StatusBadRequest, "value required")
		return
	}
	variant, _ := models.ParseVariant(req.Variant)
	in := outcomes.RecordInput{
		ExperimentID: req.ExperimentID,
		EntityID:     req.EntityID,
		Variant:      variant,
		Metric:       req.Metric,
		Value:        *req.Value,
	}
	if req.ObservedAt != nil {
		in.ObservedAt = req.ObservedAt.UTC()
	}
	outcome, err := s.engine.RecordOutcome(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, outcome)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	exp, err := s.engine.CreateExperiment(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter store.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.Status(strings.ToUpper(raw))
		filter.Status = &status
	}
	if category := r.URL.Query().Get("category"); category != "" {
		filter.Category = &category
	}
	list, err := s.engine.ListExperiments(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []models.Experiment{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"experiments": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	exp, err := s.engine.GetExperiment(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var patch lifecycle.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	exp, err := s.engine.UpdateExperiment(r.Context(), id, patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	exp, stopped, err := s.engine.StartExperiment(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if stopped == nil {
		stopped = []uuid.UUID{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"experiment": exp,
		"stopped":    stopped,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	exp, err := s.engine.StopExperiment(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	exp, err := s.engine.CompleteExperiment(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

type promoteRequest struct {
	Variant      string `json:"variant"`
	MarkPromoted bool   `json:"markPromoted"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	variant, _ := models.ParseVariant(req.Variant)
	exp, err := s.engine.PromoteWinner(r.Context(), id, variant, req.MarkPromoted)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleHarmCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	decision, err := s.engine.CheckHarmAndAutoStop(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	summary, err := s.engine.GetResultsSummary(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid experiment id")
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, store.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, results.ErrHashVersionMismatch):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
