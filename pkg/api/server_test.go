package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/experiment"
	"github.com/odellh/burnish/pkg/formatter"
	"github.com/odellh/burnish/pkg/persona"
	"github.com/odellh/burnish/pkg/quality"
	"github.com/odellh/burnish/pkg/template"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	resolver := config.NewResolver(nil)
	engine := experiment.NewEngine(resolver, nil, nil, nil)
	catalog := template.NewCatalog()
	selector := template.NewSelector(catalog, 64, time.Minute, nil)

	fmtr, err := formatter.New(formatter.Options{
		Resolver: resolver,
		Engine:   engine,
		Selector: selector,
		Scorer:   quality.NewScorer(nil),
		Personas: persona.NewProvider("", nil, nil),
		Generator: formatter.GeneratorFunc(func(ctx context.Context, req formatter.GenerationRequest) (string, error) {
			return "Formatted reply.", nil
		}),
	})
	require.NoError(t, err)

	return NewServer(ServerConfig{
		Resolver:  resolver,
		Engine:    engine,
		Catalog:   catalog,
		Selector:  selector,
		Formatter: fmtr,
		Personas:  persona.NewProvider("", nil, nil),
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func experimentPayload() map[string]any {
	return map[string]any{
		"name": "tone test",
		"variants": []map[string]any{
			{"id": "A", "name": "control"},
			{"id": "B", "name": "candidate"},
		},
		"traffic":                map[string]float64{"A": 50, "B": 50},
		"end_at":                 time.Now().Add(24 * time.Hour),
		"min_sample_size":        30,
		"significance_threshold": 0.95,
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExperimentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/experiments", experimentPayload())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created experiment.Configuration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/experiments/"+created.ID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res experiment.Results
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, experiment.ActionContinue, res.Action)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/experiments/"+created.ID+"/stop",
		map[string]string{"reason": "enough data"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, experiment.StateArchived, res.State)
	assert.Equal(t, "enough data", res.StopReason)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/experiments/archived", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)
}

func TestCreateExperiment_BadPayload(t *testing.T) {
	s := newTestServer(t)

	payload := experimentPayload()
	payload["significance_threshold"] = 0.5
	rec := doJSON(t, s, http.MethodPost, "/api/v1/experiments", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/experiments/unknown/results", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAgentConfigOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/v1/agents/helper-bot/config", map[string]any{
		"max_length": 1200,
		"style":      "professional",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resolved := s.resolver.Resolve("helper-bot", "", "", "", "")
	assert.Equal(t, 1200, resolved.MaxLength)
	assert.Equal(t, config.StyleProfessional, resolved.Style)

	// Out-of-range values reject the update and keep the previous config.
	rec = doJSON(t, s, http.MethodPut, "/api/v1/agents/helper-bot/config", map[string]any{
		"max_length": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resolved = s.resolver.Resolve("helper-bot", "", "", "", "")
	assert.Equal(t, 1200, resolved.MaxLength)
}

func TestUserPreferencesAndFeedbackOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/v1/users/user-1/preferences", map[string]any{
		"tone":       "formal",
		"max_length": 600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resolved := s.resolver.Resolve("agent", "user-1", "", "", "")
	assert.Equal(t, config.StyleProfessional, resolved.Style)
	assert.Equal(t, 600, resolved.MaxLength)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/users/user-1/feedback",
		map[string]any{"signal": "too_long"})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved = s.resolver.Resolve("agent", "user-1", "", "", "")
	assert.Equal(t, 480, resolved.MaxLength) // 600 * 0.8

	rec = doJSON(t, s, http.MethodPost, "/api/v1/users/user-1/feedback",
		map[string]any{"signal": "shrug"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedbackRecordsEngagement(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/experiments", experimentPayload())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created experiment.Configuration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/users/user-1/feedback", map[string]any{
		"signal":         "helpful",
		"experiment_id":  created.ID,
		"variant_id":     "A",
		"engaged":        true,
		"task_completed": true,
		"satisfaction":   0.9,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res, err := s.engine.Analyze(created.ID)
	require.NoError(t, err)
	// Feedback carries no scored response: engagement counters move but the
	// quality sample count does not.
	assert.Equal(t, int64(0), res.Variants["A"].SampleCount)
	assert.Equal(t, 0.0, res.Variants["A"].AvgQuality)
	assert.Equal(t, 1.0, res.Variants["A"].EngagementRate)
	assert.Equal(t, 1.0, res.Variants["A"].CompletionRate)
	assert.InDelta(t, 0.9, res.Variants["A"].AvgSatisfaction, 1e-9)
}

func TestTemplateEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(template.CategorySearch))

	rec = doJSON(t, s, http.MethodPut, "/api/v1/templates", map[string]any{
		"category":      "search",
		"style":         "concise",
		"system_prompt": "rewrite tersely",
		"success":       "one line only",
		"enabled":       true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodPut, "/api/v1/templates", map[string]any{
		"category": "search",
		"style":    "sarcastic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFormatEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/format", map[string]any{
		"tool_result": map[string]any{"success": true, "tool_id": "code_search"},
		"response": map[string]any{
			"content":  "raw output",
			"agent_id": "helper-bot",
			"user_id":  "user-1",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out formatter.FormattedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.FallbackUsed)
	assert.Equal(t, "Formatted reply.", out.Content)

	// Missing identifiers short-circuit to the original content.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/format", map[string]any{
		"response": map[string]any{"content": "raw output"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, "raw output", out.Content)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
