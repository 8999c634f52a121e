package experiment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(nil, nil, nil, nil)
}

func twoVariantConfig(allocA, allocB float64) Configuration {
	return Configuration{
		Name: "style comparison",
		Variants: []Variant{
			{ID: "A", Name: "control"},
			{ID: "B", Name: "candidate"},
		},
		Traffic:               map[string]float64{"A": allocA, "B": allocB},
		StartAt:               time.Now(),
		EndAt:                 time.Now().Add(72 * time.Hour),
		MinSampleSize:         30,
		SignificanceThreshold: 0.95,
	}
}

func TestCreateExperiment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"missing name", func(c *Configuration) { c.Name = "" }},
		{"single variant", func(c *Configuration) {
			c.Variants = c.Variants[:1]
			c.Traffic = map[string]float64{"A": 100}
		}},
		{"end before start", func(c *Configuration) { c.EndAt = c.StartAt.Add(-time.Hour) }},
		{"threshold too low", func(c *Configuration) { c.SignificanceThreshold = 0.5 }},
		{"threshold too high", func(c *Configuration) { c.SignificanceThreshold = 0.999 }},
		{"sample size below floor", func(c *Configuration) { c.MinSampleSize = 10 }},
		{"allocations under 100", func(c *Configuration) { c.Traffic = map[string]float64{"A": 50, "B": 40} }},
		{"allocations over 100", func(c *Configuration) { c.Traffic = map[string]float64{"A": 70, "B": 40} }},
		{"missing allocation", func(c *Configuration) { delete(c.Traffic, "B") }},
		{"negative allocation", func(c *Configuration) { c.Traffic = map[string]float64{"A": 110, "B": -10} }},
		{"duplicate variant", func(c *Configuration) { c.Variants[1].ID = "A" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := twoVariantConfig(50, 50)
			tt.mutate(&cfg)
			_, err := newTestEngine(t).CreateExperiment(context.Background(), cfg)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentInvalid), "got %v", err)
		})
	}
}

func TestCreateExperiment_AllocationTolerance(t *testing.T) {
	// 100 +/- 0.1 is accepted.
	cfg := twoVariantConfig(50.05, 50)
	_, err := newTestEngine(t).CreateExperiment(context.Background(), cfg)
	require.NoError(t, err)
}

func TestAssignVariant_Deterministic(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	for _, userID := range []string{"user-1", "user-2", "another-user"} {
		first, err := e.AssignVariant(context.Background(), userID, cfg.ID)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := e.AssignVariant(context.Background(), userID, cfg.ID)
			require.NoError(t, err)
			assert.Equal(t, first, again, "assignment drifted for %s", userID)
		}
	}
}

func TestAssignVariant_TrafficFidelity(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	counts := map[string]int{}
	const population = 10000
	for i := 0; i < population; i++ {
		variantID, err := e.AssignVariant(context.Background(), fmt.Sprintf("user-%d", i), cfg.ID)
		require.NoError(t, err)
		counts[variantID]++
	}

	shareA := float64(counts["A"]) / population
	assert.InDelta(t, 0.5, shareA, 0.03, "A share %.4f outside tolerance", shareA)
	assert.Equal(t, population, counts["A"]+counts["B"])
}

func TestAssignVariant_StickyUnderConcurrency(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	const workers = 32
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			variantID, err := e.AssignVariant(context.Background(), "racing-user", cfg.ID)
			if err == nil {
				results[i] = variantID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestAssignAll_FiltersByAgent(t *testing.T) {
	e := newTestEngine(t)

	broad := twoVariantConfig(50, 50)
	_, err := e.CreateExperiment(context.Background(), broad)
	require.NoError(t, err)

	scoped := twoVariantConfig(50, 50)
	scoped.Name = "scoped"
	scoped.AgentID = "support-bot"
	scopedCfg, err := e.CreateExperiment(context.Background(), scoped)
	require.NoError(t, err)

	got := e.AssignAll(context.Background(), "user-9", "other-bot")
	assert.Len(t, got, 1)
	assert.NotContains(t, got, scopedCfg.ID)

	got = e.AssignAll(context.Background(), "user-9", "support-bot")
	assert.Len(t, got, 2)
}

func TestRecordOutcome_RejectsMismatchedVariant(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	assigned, err := e.AssignVariant(context.Background(), "user-1", cfg.ID)
	require.NoError(t, err)
	other := "A"
	if assigned == "A" {
		other = "B"
	}

	err = e.RecordOutcome(context.Background(), "user-1", cfg.ID, other, Outcome{QualityScore: 0.7})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	err = e.RecordOutcome(context.Background(), "user-1", cfg.ID, assigned, Outcome{QualityScore: 0.7})
	require.NoError(t, err)
}

func TestRecordEngagement_DoesNotCountQualitySample(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	require.NoError(t, e.RecordOutcome(context.Background(), "", cfg.ID, "A",
		Outcome{QualityScore: 0.9}))
	require.NoError(t, e.RecordEngagement(context.Background(), "", cfg.ID, "A",
		Engagement{Engaged: true, TaskCompleted: true, Satisfaction: 0.8}))

	res, err := e.Analyze(cfg.ID)
	require.NoError(t, err)
	m := res.Variants["A"]
	assert.Equal(t, int64(1), m.SampleCount)
	assert.InDelta(t, 0.9, m.AvgQuality, 1e-9)
	assert.Equal(t, 1.0, m.EngagementRate)
	assert.Equal(t, 1.0, m.CompletionRate)
	assert.InDelta(t, 0.8, m.AvgSatisfaction, 1e-9)
}

func TestRecordEngagement_RejectsMismatchedVariant(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	assigned, err := e.AssignVariant(context.Background(), "user-1", cfg.ID)
	require.NoError(t, err)
	other := "A"
	if assigned == "A" {
		other = "B"
	}

	err = e.RecordEngagement(context.Background(), "user-1", cfg.ID, other, Engagement{Engaged: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestAnalyze_SignificanceGatedByMinSamples(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	// Large mean difference, but B is below the minimum sample size.
	for i := 0; i < 40; i++ {
		require.NoError(t, e.RecordOutcome(context.Background(), "", cfg.ID, "A",
			Outcome{QualityScore: 0.9 + jitter(i)}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, e.RecordOutcome(context.Background(), "", cfg.ID, "B",
			Outcome{QualityScore: 0.3 + jitter(i)}))
	}

	res, err := e.Analyze(cfg.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Significance)
	assert.Empty(t, res.WinningVariant)
	assert.Equal(t, ActionContinue, res.Action)
}

// jitter spreads scores slightly so sample variance is nonzero.
func jitter(i int) float64 {
	if i%2 == 0 {
		return 0.05
	}
	return -0.05
}

func TestAnalyze_DeclaresWinner(t *testing.T) {
	e := newTestEngine(t)
	cfg := twoVariantConfig(70, 30)
	created, err := e.CreateExperiment(context.Background(), cfg)
	require.NoError(t, err)

	// A averages 0.9, B averages 0.5, 40 samples each. The early-stopping
	// rule may archive the experiment mid-stream once both variants clear
	// the minimum; remaining records are rejected, which is fine.
	for i := 0; i < 40; i++ {
		errA := e.RecordOutcome(context.Background(), "", created.ID, "A",
			Outcome{QualityScore: 0.9 + jitter(i), ResponseTime: 800 * time.Millisecond})
		errB := e.RecordOutcome(context.Background(), "", created.ID, "B",
			Outcome{QualityScore: 0.5 + jitter(i), ResponseTime: 900 * time.Millisecond})
		if errors.IsCode(errA, errors.ErrCodeExperimentClosed) ||
			errors.IsCode(errB, errors.ErrCodeExperimentClosed) {
			break
		}
		require.NoError(t, errA)
		require.NoError(t, errB)
	}

	res, err := e.Analyze(created.ID)
	require.NoError(t, err)
	assert.Greater(t, res.Significance, 0.95)
	assert.Equal(t, "A", res.WinningVariant)
	assert.Equal(t, ActionDeclareWinner, res.Action)
	assert.NotEmpty(t, res.Insights)
}

func TestStopExperiment_Archives(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	require.NoError(t, e.StopExperiment(context.Background(), cfg.ID, "operator request"))

	// Archived experiments reject traffic and metrics.
	_, err = e.AssignVariant(context.Background(), "user-1", cfg.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentClosed))
	err = e.RecordOutcome(context.Background(), "user-1", cfg.ID, "A", Outcome{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentClosed))

	res, err := e.Analyze(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, res.State)
	assert.Equal(t, "operator request", res.StopReason)
	assert.Empty(t, e.ListActive())
	assert.Contains(t, e.History(), cfg.ID)

	// Stopping again is a no-op.
	require.NoError(t, e.StopExperiment(context.Background(), cfg.ID, "again"))
}

func TestExpiry_LazyOnTouch(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateExperiment(context.Background(), twoVariantConfig(50, 50))
	require.NoError(t, err)

	e.now = func() time.Time { return time.Now().Add(100 * time.Hour) }

	_, err = e.AssignVariant(context.Background(), "user-1", cfg.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentClosed))

	res, err := e.Analyze(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, res.State)
	assert.Equal(t, "end date passed", res.StopReason)
}

func TestVariantOverridesRegisteredWithResolver(t *testing.T) {
	resolver := config.NewResolver(nil)
	e := NewEngine(resolver, nil, nil, nil)

	maxLen := 200
	cfg := twoVariantConfig(50, 50)
	cfg.Variants[1].Override = &config.Override{MaxLength: &maxLen}
	created, err := e.CreateExperiment(context.Background(), cfg)
	require.NoError(t, err)

	variantID := created.Variants[1].ID
	resolved := resolver.Resolve("agent", "user", "", "", variantID)
	assert.Equal(t, 200, resolved.MaxLength)

	require.NoError(t, e.StopExperiment(context.Background(), created.ID, "done"))
	resolved = resolver.Resolve("agent", "user", "", "", variantID)
	assert.NotEqual(t, 200, resolved.MaxLength)
}

func TestAnalyze_UnknownExperiment(t *testing.T) {
	_, err := newTestEngine(t).Analyze("missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentNotFound))
}
