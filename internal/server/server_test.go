package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coverwise/coverwise/internal/auth"
	"github.com/coverwise/coverwise/internal/config"
	"github.com/coverwise/coverwise/internal/ensemble"
	"github.com/coverwise/coverwise/internal/events"
	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/modelbundle"
	"github.com/coverwise/coverwise/internal/recommend"
	"github.com/coverwise/coverwise/internal/store"
)

type fakeRecommender struct {
	rec   insurance.Recommendation
	err   error
	calls int
}

func (f *fakeRecommender) Recommend(ctx context.Context, p insurance.ApplicantProfile) (insurance.Recommendation, error) {
	f.calls++
	return f.rec, f.err
}

type fakeBundles struct {
	err error
}

func (f *fakeBundles) Bundle() (*modelbundle.Bundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &modelbundle.Bundle{Name: "test"}, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("testdata/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.Addr = ":0"
	cfg.Server.MaxBodyBytes = 256
	cfg.Auth = config.AuthConfig{
		Enabled: true,
		Clients: []config.ClientConfig{
			{ID: "broker", APIKeys: []string{"broker-key"}},
			{ID: "agent", APIKeys: []string{"agent-key"}},
		},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, deps Deps) *Server {
	t.Helper()

	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	return New(cfg, authz, deps)
}

func termLife() insurance.Recommendation {
	term := 15
	return insurance.Recommendation{
		Decision:    insurance.Decision{PolicyType: "Term Life", Coverage: 250000, Term: &term},
		Explanation: "A 15-year term policy with $250,000 in coverage is recommended.",
	}
}

const validBody = `{"age":35,"income":75000,"dependents":2,"risk_tolerance":"Medium"}`

func do(t *testing.T, s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apiErrorDetail {
	t.Helper()
	var body apiErrorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body.Error
}

func TestCreateRecommendation(t *testing.T) {
	st := store.NewMemory(0)
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{rec: termLife()}, Store: st})

	rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["recommended_policy"] != "Term Life" || got["recommended_coverage"] != float64(250000) || got["recommended_term"] != float64(15) {
		t.Fatalf("unexpected body: %v", got)
	}
	if got["age"] != float64(35) || got["risk_tolerance"] != "Medium" || got["client_id"] != "broker" {
		t.Fatalf("applicant fields missing: %v", got)
	}
	id, _ := got["id"].(string)
	if id == "" || rr.Header().Get("Location") != "/v1/recommendations/"+id {
		t.Fatalf("id/location mismatch: %q %q", id, rr.Header().Get("Location"))
	}
	if _, err := st.Get(context.Background(), id); err != nil {
		t.Fatalf("submission not stored: %v", err)
	}
}

func TestCreateRecommendationOmitsTermForPermanentPolicies(t *testing.T) {
	rec := insurance.Recommendation{
		Decision:    insurance.Decision{PolicyType: "Whole Life", Coverage: 100000},
		Explanation: "A Whole Life policy.",
	}
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{rec: rec}})
	rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "recommended_term") {
		t.Fatalf("term present for whole life: %s", rr.Body.String())
	}
}

func TestCreateRecommendationAuth(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		status  int
		message string
		client  string
	}{
		{name: "no header", status: http.StatusUnauthorized, message: "Invalid or missing API key"},
		{name: "key without scheme", header: "broker-key", status: http.StatusUnauthorized, message: "Invalid or missing API key"},
		{name: "other scheme", header: "Token broker-key", status: http.StatusUnauthorized, message: "Invalid or missing API key"},
		{name: "scheme only", header: "Bearer ", status: http.StatusUnauthorized, message: "Invalid or missing API key"},
		{name: "two tokens", header: "Bearer broker-key agent-key", status: http.StatusUnauthorized, message: "Invalid or missing API key"},
		{name: "unknown key", header: "Bearer wrong-key", status: http.StatusUnauthorized, message: "Invalid API key"},
		{name: "lowercase scheme", header: "bearer broker-key", status: http.StatusCreated, client: "broker"},
		{name: "tab separator", header: "Bearer\tagent-key", status: http.StatusCreated, client: "agent"},
		{name: "padded", header: "  Bearer   agent-key ", status: http.StatusCreated, client: "agent"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRecommender{rec: termLife()}
			st := store.NewMemory(0)
			s := newTestServer(t, newTestConfig(t), Deps{Recommender: fr, Store: st})

			req := httptest.NewRequest(http.MethodPost, "/v1/recommendations", strings.NewReader(validBody))
			req.Header.Set("Content-Type", "application/json")
			if tc.header != "" {
				req.Header["Authorization"] = []string{tc.header}
			}
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.status == http.StatusUnauthorized {
				detail := decodeError(t, rr)
				if detail.Type != "authentication_error" || detail.Message != tc.message {
					t.Fatalf("unexpected error detail: %+v", detail)
				}
				if fr.calls != 0 {
					t.Fatalf("recommender called for unauthenticated request")
				}
				return
			}

			var sub store.Submission
			if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
				t.Fatal(err)
			}
			if sub.ClientID != tc.client {
				t.Fatalf("client_id = %q, want %q", sub.ClientID, tc.client)
			}
			stored, err := st.Get(context.Background(), sub.ID)
			if err != nil || stored.ClientID != tc.client {
				t.Fatalf("stored submission: %+v, %v", stored, err)
			}
		})
	}
}

func TestCreateRecommendationAuthDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Auth.Enabled = false
	s := newTestServer(t, cfg, Deps{Recommender: &fakeRecommender{rec: termLife()}})
	rr := do(t, s, http.MethodPost, "/v1/recommendations", "", validBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"client_id":"anonymous"`) {
		t.Fatalf("expected anonymous client: %s", rr.Body.String())
	}
}

func TestCreateRecommendationValidation(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"age":`,
		"wrong type":      `{"age":"35","income":75000,"dependents":2,"risk_tolerance":"Medium"}`,
		"missing fields":  `{"age":35}`,
		"too young":       `{"age":17,"income":75000,"dependents":2,"risk_tolerance":"Medium"}`,
		"too old":         `{"age":101,"income":75000,"dependents":2,"risk_tolerance":"Medium"}`,
		"low income":      `{"age":35,"income":9999,"dependents":2,"risk_tolerance":"Medium"}`,
		"many dependents": `{"age":35,"income":75000,"dependents":21,"risk_tolerance":"Medium"}`,
		"bad risk":        `{"age":35,"income":75000,"dependents":2,"risk_tolerance":"Extreme"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			fr := &fakeRecommender{rec: termLife()}
			s := newTestServer(t, newTestConfig(t), Deps{Recommender: fr})
			rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if decodeError(t, rr).Type != "invalid_request_error" {
				t.Fatalf("unexpected error type: %s", rr.Body.String())
			}
			if fr.calls != 0 {
				t.Fatalf("recommender called for invalid input")
			}
		})
	}
}

func TestCreateRecommendationBodyLimit(t *testing.T) {
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{rec: termLife()}})
	body := `{"age":35,"income":75000,"dependents":2,"risk_tolerance":"` + strings.Repeat("x", 512) + `"}`
	rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestCreateRecommendationErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
		model  string
	}{
		{"artifact missing", &insurance.ArtifactError{Path: "/models", Err: errors.New("no such file")}, http.StatusServiceUnavailable, "model_unavailable", ""},
		{"prediction failed", &insurance.PredictionError{Model: "term_length", Err: errors.New("unknown category")}, http.StatusUnprocessableEntity, "prediction_error", "term_length"},
		{"invariant", &insurance.InvariantError{Field: "term", Reason: "present for Whole Life"}, http.StatusInternalServerError, "internal_error", ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemory(0)
			s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{err: tc.err}, Store: st})
			rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			detail := decodeError(t, rr)
			if detail.Type != tc.typ || detail.Model != tc.model {
				t.Fatalf("unexpected error detail: %+v", detail)
			}
			if strings.Contains(detail.Message, "no such file") {
				t.Fatalf("internal detail leaked: %q", detail.Message)
			}
			if list, _ := st.List(context.Background(), "broker", 0); len(list) != 0 {
				t.Fatalf("failed recommendation was stored")
			}
		})
	}
}

func TestCreateRecommendationEmitsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := events.NewFileSink(path)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}
	em := events.NewEmitter(events.EmitterConfig{QueueSize: 4}, []events.Sink{sink})

	fr := &fakeRecommender{rec: termLife()}
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: fr, Events: em})
	created := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.Code)
	}
	var sub store.Submission
	if err := json.Unmarshal(created.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}

	fr.err = &insurance.PredictionError{Model: "policy_type", Err: errors.New("bad input")}
	if rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	em.Close(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 events, got %d: %s", len(lines), data)
	}
	var first, second events.Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first.Type != events.TypeCreated || first.SubmissionID != sub.ID || first.ClientID != "broker" {
		t.Fatalf("created event = %+v", first)
	}
	if second.Type != events.TypeFailed || second.Error == nil || second.Error.Type != "prediction_error" || second.Error.Model != "policy_type" {
		t.Fatalf("failed event = %+v", second)
	}
}

func TestGetRecommendationScopedToClient(t *testing.T) {
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{rec: termLife()}})
	rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d", rr.Code)
	}
	var created store.Submission
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rr = do(t, s, http.MethodGet, "/v1/recommendations/"+created.ID, "broker-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("owner get: %d", rr.Code)
	}
	var got store.Submission
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID || got.Coverage != 250000 {
		t.Fatalf("unexpected submission: %+v", got)
	}

	if rr := do(t, s, http.MethodGet, "/v1/recommendations/"+created.ID, "agent-key", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("other client should get 404, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/v1/recommendations/does-not-exist", "broker-key", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown id should be 404, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/v1/recommendations/"+created.ID, "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous get should be 401, got %d", rr.Code)
	}
}

func TestListRecommendations(t *testing.T) {
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{rec: termLife()}})
	for i := 0; i < 3; i++ {
		if rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody); rr.Code != http.StatusCreated {
			t.Fatalf("create: %d", rr.Code)
		}
	}

	rr := do(t, s, http.MethodGet, "/v1/recommendations?limit=2", "broker-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d", rr.Code)
	}
	var page listResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(page.Data))
	}

	rr = do(t, s, http.MethodGet, "/v1/recommendations", "agent-key", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"data":[]}` {
		t.Fatalf("other client list: %d %s", rr.Code, rr.Body.String())
	}

	for _, bad := range []string{"0", "-1", "abc", "101"} {
		if rr := do(t, s, http.MethodGet, "/v1/recommendations?limit="+bad, "broker-key", ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	bundles := &fakeBundles{err: &insurance.ArtifactError{Path: "/models", Err: errors.New("missing")}}
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{}, Bundles: bundles})

	if rr := do(t, s, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	rr := do(t, s, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable || decodeError(t, rr).Type != "model_unavailable" {
		t.Fatalf("readyz before load: %d %s", rr.Code, rr.Body.String())
	}

	bundles.err = nil
	if rr := do(t, s, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz after load: %d", rr.Code)
	}
}

func TestConsoleRoute(t *testing.T) {
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{}})
	if rr := do(t, s, http.MethodGet, "/console", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("console served while disabled: %d", rr.Code)
	}

	cfg := newTestConfig(t)
	cfg.Server.Console = true
	s = newTestServer(t, cfg, Deps{Recommender: &fakeRecommender{}})
	rr := do(t, s, http.MethodGet, "/console", "", "")
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("console: %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: &fakeRecommender{}})
	if rr := do(t, s, http.MethodDelete, "/v1/recommendations", "broker-key", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

// End to end through the real pipeline with in-memory models.
func TestRecommendationPipeline(t *testing.T) {
	fixed := func(out modelbundle.Output) modelbundle.Model {
		return modelbundle.ModelFunc(func(modelbundle.Features) (modelbundle.Output, error) { return out, nil })
	}
	bundle := modelbundle.NewBundle("test", "1",
		fixed(modelbundle.Output{Label: "Term Life"}),
		fixed(modelbundle.Output{Value: 238000}),
		fixed(modelbundle.Output{Value: 17}),
	)
	loader := modelbundle.NewLoader(t.TempDir(), modelbundle.WithOpener(func(string) (*modelbundle.Bundle, error) { return bundle, nil }))
	svc := recommend.NewService(ensemble.New(loader, nil), nil)
	s := newTestServer(t, newTestConfig(t), Deps{Recommender: svc, Bundles: loader})

	rr := do(t, s, http.MethodPost, "/v1/recommendations", "broker-key", validBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var sub store.Submission
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.Coverage != 250000 || sub.Term == nil || *sub.Term != 15 {
		t.Fatalf("unexpected decision: %+v", sub.Decision)
	}
	for _, want := range []string{"15-year", "$250,000", "2 dependent(s)"} {
		if !strings.Contains(sub.Explanation, want) {
			t.Fatalf("explanation %q missing %q", sub.Explanation, want)
		}
	}
}
