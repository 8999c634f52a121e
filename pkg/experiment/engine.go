// Package experiment implements the A/B testing engine: deterministic
// sticky variant assignment, per-variant metric accumulation, significance
// analysis, and lifecycle management with archival.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/odellh/burnish/pkg/bus"
	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/logging"
	"github.com/odellh/burnish/pkg/telemetry"
)

// runtime is the mutable companion to a Configuration. All fields below the
// mutex are guarded by it; the engine never holds its own lock while taking
// a runtime lock.
type runtime struct {
	cfg Configuration

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	participants int64
	assignCounts map[string]int64
	assignments  map[string]string // userID -> variantID, first write wins
	accumulators map[string]*Accumulator
}

// Engine owns all experiment state. Safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	active  map[string]*runtime
	history map[string]Results

	resolver *config.Resolver
	archive  *ArchiveStore
	events   bus.EventBus
	logger   *logging.Logger
	now      func() time.Time
}

// NewEngine builds an engine. The archive store and event bus are optional;
// a nil logger is replaced with a no-op one.
func NewEngine(resolver *config.Resolver, archive *ArchiveStore, events bus.EventBus, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{
		active:   make(map[string]*runtime),
		history:  make(map[string]Results),
		resolver: resolver,
		archive:  archive,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateExperiment validates the configuration, activates the experiment,
// and registers its variant overrides with the resolver. The returned copy
// has generated ids filled in.
func (e *Engine) CreateExperiment(ctx context.Context, cfg Configuration) (Configuration, error) {
	if err := validateConfiguration(&cfg); err != nil {
		return Configuration{}, err
	}

	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	for i := range cfg.Variants {
		if cfg.Variants[i].ID == "" {
			cfg.Variants[i].ID = uuid.NewString()
		}
	}
	cfg.CreatedAt = e.now()

	rt := &runtime{
		cfg:          cfg,
		state:        StateActive,
		startedAt:    e.now(),
		assignCounts: make(map[string]int64, len(cfg.Variants)),
		assignments:  make(map[string]string),
		accumulators: make(map[string]*Accumulator, len(cfg.Variants)),
	}
	for _, v := range cfg.Variants {
		rt.accumulators[v.ID] = &Accumulator{}
	}

	e.mu.Lock()
	if _, exists := e.active[cfg.ID]; exists {
		e.mu.Unlock()
		return Configuration{}, errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("experiment %s already exists", cfg.ID))
	}
	e.active[cfg.ID] = rt
	e.mu.Unlock()

	if e.resolver != nil {
		for _, v := range cfg.Variants {
			if v.Override != nil {
				e.resolver.RegisterVariantOverride(v.ID, *v.Override)
			}
		}
	}

	if e.archive != nil {
		if err := e.archive.SaveExperiment(cfg); err != nil {
			e.logger.Warn(logging.CategoryExperiment, "archive_save_failed",
				"could not persist experiment creation", map[string]any{
					"experiment_id": cfg.ID, "error": err.Error(),
				})
		}
	}

	telemetry.ActiveExperiments.Inc()
	_ = bus.PublishJSON(ctx, e.events, bus.SubjectExperimentCreated, cfg)
	e.logger.Info(logging.CategoryExperiment, "experiment_created",
		"experiment activated", map[string]any{
			"experiment_id": cfg.ID,
			"name":          cfg.Name,
			"variants":      len(cfg.Variants),
		})

	return cfg, nil
}

func validateConfiguration(cfg *Configuration) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New(errors.ErrCodeExperimentInvalid, "experiment name is required")
	}
	if len(cfg.Variants) < MinVariants {
		return errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("experiment needs at least %d variants, got %d", MinVariants, len(cfg.Variants)))
	}
	if !cfg.EndAt.After(cfg.StartAt) {
		return errors.New(errors.ErrCodeExperimentInvalid, "experiment end time must be after start time")
	}
	if cfg.SignificanceThreshold < MinThreshold || cfg.SignificanceThreshold > MaxThreshold {
		return errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("significance threshold %.3f outside [%.2f, %.2f]",
				cfg.SignificanceThreshold, MinThreshold, MaxThreshold))
	}
	if cfg.MinSampleSize < MinSampleFloor {
		return errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("minimum sample size %d below floor %d", cfg.MinSampleSize, MinSampleFloor))
	}

	seen := make(map[string]struct{}, len(cfg.Variants))
	var total float64
	for i := range cfg.Variants {
		v := &cfg.Variants[i]
		key := v.ID
		if key == "" {
			key = v.Name
		}
		if strings.TrimSpace(key) == "" {
			return errors.New(errors.ErrCodeExperimentInvalid, "variant needs an id or name")
		}
		if _, dup := seen[key]; dup {
			return errors.New(errors.ErrCodeExperimentInvalid,
				fmt.Sprintf("duplicate variant %q", key))
		}
		seen[key] = struct{}{}

		alloc, ok := cfg.Traffic[key]
		if !ok {
			return errors.New(errors.ErrCodeExperimentInvalid,
				fmt.Sprintf("variant %q has no traffic allocation", key))
		}
		if alloc < 0 {
			return errors.New(errors.ErrCodeExperimentInvalid,
				fmt.Sprintf("variant %q has negative allocation", key))
		}
		total += alloc
	}
	if math.Abs(total-100) > TrafficTolerance {
		return errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("traffic allocations sum to %.2f, want 100", total))
	}
	return nil
}

// AssignVariant returns the variant for (userID, experimentID). Assignment
// is deterministic and sticky: the first call decides, every later call
// returns the same variant.
func (e *Engine) AssignVariant(ctx context.Context, userID, experimentID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "user id is required")
	}

	rt, err := e.liveRuntime(ctx, experimentID)
	if err != nil {
		return "", err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state != StateActive {
		return "", errors.New(errors.ErrCodeExperimentClosed,
			fmt.Sprintf("experiment %s is %s", experimentID, rt.state))
	}
	if variantID, ok := rt.assignments[userID]; ok {
		return variantID, nil
	}

	variantID := pickVariant(userID, rt.cfg)
	rt.assignments[userID] = variantID
	rt.assignCounts[variantID]++
	rt.participants++

	telemetry.ExperimentAssignments.WithLabelValues(rt.cfg.ID, variantID).Inc()
	return variantID, nil
}

// AssignAll assigns the user to every active experiment targeting the given
// agent (experiments without an agent id target all agents). Returns
// experimentID -> variantID.
func (e *Engine) AssignAll(ctx context.Context, userID, agentID string) map[string]string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.active))
	for id, rt := range e.active {
		if rt.cfg.AgentID == "" || rt.cfg.AgentID == agentID {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		variantID, err := e.AssignVariant(ctx, userID, id)
		if err != nil {
			continue
		}
		out[id] = variantID
	}
	return out
}

// pickVariant hashes (userID, experimentID) into a bucket in [0,100) and
// walks the cumulative traffic boundaries in variant order.
func pickVariant(userID string, cfg Configuration) string {
	sum := sha256.Sum256([]byte(userID + ":" + cfg.ID))
	bucket := float64(binary.BigEndian.Uint64(sum[:8]) % 100)

	var cum float64
	for _, v := range cfg.Variants {
		cum += cfg.Traffic[v.ID]
		if bucket < cum {
			return v.ID
		}
	}
	// Rounding slack: the allocations may sum to slightly under 100.
	return cfg.Variants[len(cfg.Variants)-1].ID
}

// RecordOutcome folds one response outcome into the variant accumulator and
// evaluates the early-stopping rule. The variant must match the user's
// sticky assignment when one exists.
func (e *Engine) RecordOutcome(ctx context.Context, userID, experimentID, variantID string, out Outcome) error {
	rt, err := e.liveRuntime(ctx, experimentID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.state != StateActive {
		rt.mu.Unlock()
		return errors.New(errors.ErrCodeExperimentClosed,
			fmt.Sprintf("experiment %s is %s", experimentID, rt.state))
	}
	acc, ok := rt.accumulators[variantID]
	if !ok {
		rt.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown variant %q for experiment %s", variantID, experimentID))
	}
	if assigned, ok := rt.assignments[userID]; ok && assigned != variantID {
		rt.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("user %s is assigned to variant %s, not %s", userID, assigned, variantID))
	}

	acc.Samples++
	acc.QualitySum += out.QualityScore
	acc.QualitySqSum += out.QualityScore * out.QualityScore
	acc.ResponseTimeSum += out.ResponseTime
	if out.FallbackUsed {
		acc.ErrorCount++
	}
	if eng := out.Engagement; eng != nil {
		foldEngagement(acc, *eng)
	}

	stop, reason := shouldStopEarly(rt)
	rt.mu.Unlock()

	telemetry.ExperimentOutcomes.WithLabelValues(experimentID, variantID).Inc()

	if stop {
		return e.finalize(ctx, experimentID, StateEarlyStopped, reason)
	}
	return nil
}

// RecordEngagement folds user feedback into the variant's engagement counters
// without registering a quality sample. Feedback arrives detached from any
// scored response, so it must not move Samples or the quality sums that feed
// the significance test.
func (e *Engine) RecordEngagement(ctx context.Context, userID, experimentID, variantID string, eng Engagement) error {
	rt, err := e.liveRuntime(ctx, experimentID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.state != StateActive {
		rt.mu.Unlock()
		return errors.New(errors.ErrCodeExperimentClosed,
			fmt.Sprintf("experiment %s is %s", experimentID, rt.state))
	}
	acc, ok := rt.accumulators[variantID]
	if !ok {
		rt.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown variant %q for experiment %s", variantID, experimentID))
	}
	if assigned, ok := rt.assignments[userID]; ok && assigned != variantID {
		rt.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("user %s is assigned to variant %s, not %s", userID, assigned, variantID))
	}

	foldEngagement(acc, eng)
	rt.mu.Unlock()
	return nil
}

// foldEngagement adds one engagement report to acc. Caller holds rt.mu.
func foldEngagement(acc *Accumulator, eng Engagement) {
	acc.EngagementSamples++
	if eng.Engaged {
		acc.EngagementCount++
	}
	if eng.TaskCompleted {
		acc.CompletionCount++
	}
	acc.SatisfactionSum += eng.Satisfaction
}

// shouldStopEarly fires once every variant has reached the minimum sample
// size and the top-two comparison clears the significance threshold.
// Caller holds rt.mu.
func shouldStopEarly(rt *runtime) (bool, string) {
	for _, acc := range rt.accumulators {
		if acc.Samples < int64(rt.cfg.MinSampleSize) {
			return false, ""
		}
	}
	top, second := topTwo(rt)
	if top == nil || second == nil {
		return false, ""
	}
	sig := welchSignificance(rt.accumulators[top.ID], rt.accumulators[second.ID])
	if sig >= rt.cfg.SignificanceThreshold {
		return true, fmt.Sprintf("significance %.4f reached with variant %s leading", sig, top.ID)
	}
	return false, ""
}

// topTwo returns the two variants with the highest mean quality. Caller
// holds rt.mu.
func topTwo(rt *runtime) (*Variant, *Variant) {
	if len(rt.cfg.Variants) < 2 {
		return nil, nil
	}
	ordered := make([]*Variant, 0, len(rt.cfg.Variants))
	for i := range rt.cfg.Variants {
		ordered = append(ordered, &rt.cfg.Variants[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return rt.accumulators[ordered[i].ID].Mean() > rt.accumulators[ordered[j].ID].Mean()
	})
	return ordered[0], ordered[1]
}

// Analyze produces the results report. Archived experiments return their
// frozen results.
func (e *Engine) Analyze(experimentID string) (Results, error) {
	e.mu.RLock()
	if res, ok := e.history[experimentID]; ok {
		e.mu.RUnlock()
		return res, nil
	}
	rt, ok := e.active[experimentID]
	e.mu.RUnlock()
	if !ok {
		return Results{}, errors.New(errors.ErrCodeExperimentNotFound,
			fmt.Sprintf("experiment %s not found", experimentID))
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return e.buildResults(rt), nil
}

// buildResults computes the report snapshot. Caller holds rt.mu.
func (e *Engine) buildResults(rt *runtime) Results {
	now := e.now()
	res := Results{
		ExperimentID: rt.cfg.ID,
		Name:         rt.cfg.Name,
		State:        rt.state,
		Variants:     make(map[string]VariantMetrics, len(rt.cfg.Variants)),
		Action:       ActionContinue,
		AnalyzedAt:   now,
	}

	belowMin := false
	for _, v := range rt.cfg.Variants {
		acc := rt.accumulators[v.ID]
		m := VariantMetrics{
			VariantID:   v.ID,
			Name:        v.Name,
			SampleCount: acc.Samples,
			AvgQuality:  acc.Mean(),
		}
		if acc.Samples > 0 {
			n := float64(acc.Samples)
			m.AvgResponseTimeMs = float64(acc.ResponseTimeSum.Milliseconds()) / n
			m.ErrorRate = float64(acc.ErrorCount) / n
		}
		if acc.EngagementSamples > 0 {
			n := float64(acc.EngagementSamples)
			m.EngagementRate = float64(acc.EngagementCount) / n
			m.CompletionRate = float64(acc.CompletionCount) / n
			m.AvgSatisfaction = acc.SatisfactionSum / n
		}
		if acc.Samples < int64(rt.cfg.MinSampleSize) {
			belowMin = true
		}
		res.Variants[v.ID] = m
	}

	top, second := topTwo(rt)
	if top != nil && second != nil {
		topAcc, secondAcc := rt.accumulators[top.ID], rt.accumulators[second.ID]
		if topAcc.Samples >= int64(rt.cfg.MinSampleSize) && secondAcc.Samples >= int64(rt.cfg.MinSampleSize) {
			res.Significance = welchSignificance(topAcc, secondAcc)
		}
		if res.Significance >= rt.cfg.SignificanceThreshold {
			res.WinningVariant = top.ID
		}
		res.Insights = append(res.Insights, fmt.Sprintf(
			"variant %s leads with mean quality %.3f over %.3f",
			variantLabel(top), topAcc.Mean(), secondAcc.Mean()))
	}

	switch {
	case res.WinningVariant != "":
		res.Action = ActionDeclareWinner
		res.Insights = append(res.Insights, fmt.Sprintf(
			"significance %.4f clears threshold %.2f", res.Significance, rt.cfg.SignificanceThreshold))
	case now.After(rt.cfg.EndAt):
		res.Action = ActionStopTest
		res.Insights = append(res.Insights, "end date passed without a significant winner")
	case belowMin:
		res.Action = ActionContinue
		res.Insights = append(res.Insights, fmt.Sprintf(
			"waiting for %d samples per variant", rt.cfg.MinSampleSize))
	default:
		res.Action = ActionExtendTest
		res.Insights = append(res.Insights, fmt.Sprintf(
			"sampled past minimum but significance %.4f is below threshold %.2f",
			res.Significance, rt.cfg.SignificanceThreshold))
	}

	for _, v := range rt.cfg.Variants {
		if m := res.Variants[v.ID]; m.SampleCount > 0 && m.ErrorRate > 0.2 {
			res.Insights = append(res.Insights, fmt.Sprintf(
				"variant %s has an elevated fallback rate of %.0f%%", variantLabel(&v), m.ErrorRate*100))
		}
	}

	return res
}

func variantLabel(v *Variant) string {
	if v.Name != "" {
		return v.Name
	}
	return v.ID
}

// StopExperiment forces an active experiment into the archive.
func (e *Engine) StopExperiment(ctx context.Context, experimentID, reason string) error {
	return e.finalize(ctx, experimentID, StateArchived, reason)
}

// liveRuntime returns the runtime for an experiment, lazily expiring it if
// the end date has passed.
func (e *Engine) liveRuntime(ctx context.Context, experimentID string) (*runtime, error) {
	e.mu.RLock()
	rt, ok := e.active[experimentID]
	e.mu.RUnlock()
	if !ok {
		if _, archived := e.historyEntry(experimentID); archived {
			return nil, errors.New(errors.ErrCodeExperimentClosed,
				fmt.Sprintf("experiment %s is archived", experimentID))
		}
		return nil, errors.New(errors.ErrCodeExperimentNotFound,
			fmt.Sprintf("experiment %s not found", experimentID))
	}

	if e.now().After(rt.cfg.EndAt) {
		if err := e.finalize(ctx, experimentID, StateExpired, "end date passed"); err != nil {
			return nil, err
		}
		return nil, errors.New(errors.ErrCodeExperimentClosed,
			fmt.Sprintf("experiment %s expired", experimentID))
	}
	return rt, nil
}

func (e *Engine) historyEntry(experimentID string) (Results, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res, ok := e.history[experimentID]
	return res, ok
}

// finalize moves an experiment out of active bookkeeping: results are
// frozen into the read-only history, variant overrides are unregistered,
// and the archive store is updated.
func (e *Engine) finalize(ctx context.Context, experimentID string, terminal State, reason string) error {
	e.mu.Lock()
	rt, ok := e.active[experimentID]
	if !ok {
		e.mu.Unlock()
		if _, archived := e.history[experimentID]; archived {
			return nil
		}
		return errors.New(errors.ErrCodeExperimentNotFound,
			fmt.Sprintf("experiment %s not found", experimentID))
	}
	delete(e.active, experimentID)
	e.mu.Unlock()

	rt.mu.Lock()
	rt.state = terminal
	res := e.buildResults(rt)
	res.State = StateArchived
	res.StopReason = reason
	rt.mu.Unlock()

	e.mu.Lock()
	e.history[experimentID] = res
	e.mu.Unlock()

	if e.resolver != nil {
		for _, v := range rt.cfg.Variants {
			if v.Override != nil {
				e.resolver.UnregisterVariantOverride(v.ID)
			}
		}
	}

	if e.archive != nil {
		if err := e.archive.ArchiveResults(res, string(terminal)); err != nil {
			e.logger.Warn(logging.CategoryExperiment, "archive_write_failed",
				"could not persist experiment results", map[string]any{
					"experiment_id": experimentID, "error": err.Error(),
				})
		}
	}

	telemetry.ActiveExperiments.Dec()
	subject := bus.SubjectExperimentStopped
	if terminal == StateExpired {
		subject = bus.SubjectExperimentExpired
	}
	_ = bus.PublishJSON(ctx, e.events, subject, res)
	e.logger.Info(logging.CategoryExperiment, "experiment_finalized",
		"experiment archived", map[string]any{
			"experiment_id": experimentID,
			"terminal":      string(terminal),
			"reason":        reason,
		})

	return nil
}

// ListActive returns the configurations of all active experiments.
func (e *Engine) ListActive() []Configuration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Configuration, 0, len(e.active))
	for _, rt := range e.active {
		out = append(out, rt.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns a copy of the archived results map.
func (e *Engine) History() map[string]Results {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Results, len(e.history))
	for id, res := range e.history {
		out[id] = res
	}
	return out
}
