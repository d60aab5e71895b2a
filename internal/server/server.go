package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coverwise/coverwise/internal/auth"
	"github.com/coverwise/coverwise/internal/config"
	"github.com/coverwise/coverwise/internal/console"
	"github.com/coverwise/coverwise/internal/events"
	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/modelbundle"
	"github.com/coverwise/coverwise/internal/redact"
	"github.com/coverwise/coverwise/internal/store"
	"github.com/coverwise/coverwise/internal/telemetry"
)

const maxListLimit = 100

// Recommender produces a recommendation for a validated profile.
type Recommender interface {
	Recommend(ctx context.Context, profile insurance.ApplicantProfile) (insurance.Recommendation, error)
}

// BundleSource reports whether the model bundle can be served.
type BundleSource interface {
	Bundle() (*modelbundle.Bundle, error)
}

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Recommender Recommender
	Bundles     BundleSource
	Store       store.Store
	Telemetry   *telemetry.Provider
	// Events may be nil.
	Events *events.Emitter
}

// Server wraps the HTTP server components for coverwise.
type Server struct {
	mux         *http.ServeMux
	cfg         *config.Config
	auth        *auth.Auth
	recommender Recommender
	bundles     BundleSource
	store       store.Store
	telemetry   *telemetry.Provider
	events      *events.Emitter
}

func New(cfg *config.Config, authz *auth.Auth, deps Deps) *Server {
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemory(0)
	}
	s := &Server{
		mux:         http.NewServeMux(),
		cfg:         cfg,
		auth:        authz,
		recommender: deps.Recommender,
		bundles:     deps.Bundles,
		store:       st,
		telemetry:   tel,
		events:      deps.Events,
	}

	s.handle("POST /v1/recommendations", s.handleCreateRecommendation)
	s.handle("GET /v1/recommendations", s.handleListRecommendations)
	s.handle("GET /v1/recommendations/{id}", s.handleGetRecommendation)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if cfg.Server.Console {
		s.mux.Handle("GET /console", console.Handler())
	}

	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on addr until ctx is cancelled, then drains in-flight
// requests for up to server.shutdown_timeout.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		redact.Logf("server: coverwise listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	redact.Logf("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

// handleReady loads the bundle if nothing has yet, so a readiness probe
// also warms the process up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.bundles != nil {
		if _, err := s.bundles.Bundle(); err != nil {
			redact.Logf("server: not ready: %v", err)
			writeAPIError(w, http.StatusServiceUnavailable, "model bundle unavailable", "model_unavailable", "")
			return
		}
	}
	if err := s.store.Ping(r.Context()); err != nil {
		redact.Logf("server: not ready: store: %v", err)
		writeAPIError(w, http.StatusServiceUnavailable, "submission store unavailable", "store_unavailable", "")
		return
	}
	fmt.Fprintln(w, "ready")
}

// recommendationRequest uses pointers so an omitted field is told apart
// from a zero value.
type recommendationRequest struct {
	Age           *int    `json:"age"`
	Income        *int    `json:"income"`
	Dependents    *int    `json:"dependents"`
	RiskTolerance *string `json:"risk_tolerance"`
}

func (req recommendationRequest) profile() (insurance.ApplicantProfile, error) {
	var missing []string
	if req.Age == nil {
		missing = append(missing, "age")
	}
	if req.Income == nil {
		missing = append(missing, "income")
	}
	if req.Dependents == nil {
		missing = append(missing, "dependents")
	}
	if req.RiskTolerance == nil {
		missing = append(missing, "risk_tolerance")
	}
	if len(missing) > 0 {
		return insurance.ApplicantProfile{}, fmt.Errorf("%w: missing %s", insurance.ErrInvalidProfile, strings.Join(missing, ", "))
	}
	p := insurance.ApplicantProfile{
		Age:           *req.Age,
		Income:        *req.Income,
		Dependents:    *req.Dependents,
		RiskTolerance: insurance.RiskTolerance(*req.RiskTolerance),
	}
	return p, p.Validate()
}

func (s *Server) handleCreateRecommendation(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	var reqBody recommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error", "")
			return
		}
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error", "")
		return
	}

	profile, err := reqBody.profile()
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return
	}

	start := time.Now()
	rec, err := s.recommender.Recommend(r.Context(), profile)
	if err != nil {
		s.writeRecommendError(w, client, err, time.Since(start))
		return
	}

	sub := store.NewSubmission(client.ID, profile, rec)
	if err := s.store.Save(r.Context(), sub); err != nil {
		redact.Logf("server: save submission client=%s: %v", client.ID, err)
		writeAPIError(w, http.StatusInternalServerError, "failed to store recommendation", "internal_error", "")
		return
	}

	s.events.Emit(r.Context(), events.Created(sub, time.Since(start)))

	w.Header().Set("Location", "/v1/recommendations/"+sub.ID)
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sub, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && sub.ClientID != client.ID) {
		writeAPIError(w, http.StatusNotFound, "recommendation not found", "not_found_error", "")
		return
	}
	if err != nil {
		redact.Logf("server: load submission client=%s: %v", client.ID, err)
		writeAPIError(w, http.StatusInternalServerError, "failed to load recommendation", "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type listResponse struct {
	Data []store.Submission `json:"data"`
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeAPIError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), "invalid_request_error", "")
			return
		}
		limit = n
	}
	subs, err := s.store.List(r.Context(), client.ID, limit)
	if err != nil {
		redact.Logf("server: list submissions client=%s: %v", client.ID, err)
		writeAPIError(w, http.StatusInternalServerError, "failed to list recommendations", "internal_error", "")
		return
	}
	if subs == nil {
		subs = []store.Submission{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: subs})
}

// authenticate resolves the calling client. With auth disabled every
// request is attributed to the anonymous client.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Client, bool) {
	if !s.auth.Enabled() {
		setClient(w, auth.AnonymousClient.ID)
		return auth.AnonymousClient, true
	}
	apiKey, ok := apiKeyFromHeader(r.Header.Get("Authorization"))
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "Invalid or missing API key", "authentication_error", "")
		return auth.Client{}, false
	}
	client, ok := s.auth.Lookup(apiKey)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "Invalid API key", "authentication_error", "")
		return auth.Client{}, false
	}
	setClient(w, client.ID)
	return client, true
}

func (s *Server) writeRecommendError(w http.ResponseWriter, client auth.Client, err error, elapsed time.Duration) {
	status, typ := classify(err)
	redact.Logf("server: recommendation failed client=%s status=%d: %v", client.ID, status, err)

	model := ""
	var pe *insurance.PredictionError
	if errors.As(err, &pe) {
		model = pe.Model
	}
	s.events.Emit(context.Background(), events.Failed(client.ID, typ, model, elapsed))

	switch status {
	case http.StatusBadRequest:
		writeAPIError(w, status, err.Error(), typ, "")
	case http.StatusServiceUnavailable:
		writeAPIError(w, status, "recommendation model is not available", typ, "")
	case http.StatusUnprocessableEntity:
		writeAPIError(w, status, "model prediction failed", typ, model)
	default:
		writeAPIError(w, status, "internal error", typ, "")
	}
}

// classify maps the recommendation error taxonomy onto HTTP.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, insurance.ErrInvalidProfile):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, insurance.ErrArtifactMissing):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, insurance.ErrPredictionFailed):
		return http.StatusUnprocessableEntity, "prediction_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// apiKeyFromHeader reads "Bearer <key>". The scheme is matched without
// regard to case and may be followed by any run of spaces or tabs.
func apiKeyFromHeader(h string) (string, bool) {
	h = strings.TrimSpace(h)
	i := strings.IndexAny(h, " \t")
	if i < 0 || !strings.EqualFold(h[:i], "Bearer") {
		return "", false
	}
	key := strings.TrimSpace(h[i:])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", false
	}
	return key, true
}

type apiErrorBody struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Model   string `json:"model,omitempty"`
}

// writeAPIError writes the JSON error envelope.
func writeAPIError(w http.ResponseWriter, status int, message, typ, model string) {
	writeJSON(w, status, apiErrorBody{
		Error: apiErrorDetail{
			Message: message,
			Type:    typ,
			Model:   model,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		redact.Logf("server: failed to write response: %v", err)
	}
}

// --- Instrumentation ---

type statusRecorder struct {
	http.ResponseWriter
	status   int
	clientID string
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func setClient(w http.ResponseWriter, clientID string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.clientID = clientID
	}
}

// handle registers h under pattern with a span and request metrics.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	route := pattern[strings.IndexByte(pattern, ' ')+1:]
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.telemetry.Tracer().Start(r.Context(), r.Method+" "+route)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.telemetry.RecordHTTPRequest(ctx, route, rec.status, rec.clientID, float64(time.Since(start).Microseconds())/1000)
	})
}
