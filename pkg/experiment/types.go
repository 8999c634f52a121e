package experiment

import (
	"time"

	"github.com/odellh/burnish/pkg/config"
)

// State is the lifecycle phase of an experiment.
type State string

const (
	StateCreated      State = "created"
	StateActive       State = "active"
	StateEarlyStopped State = "early_stopped"
	StateExpired      State = "expired"
	StateArchived     State = "archived"
)

// Validation bounds for experiment creation.
const (
	MinVariants      = 2
	MinSampleFloor   = 30
	MinThreshold     = 0.8
	MaxThreshold     = 0.99
	TrafficTolerance = 0.1
)

// Action is the recommendation produced by Analyze.
type Action string

const (
	ActionDeclareWinner Action = "declare_winner"
	ActionStopTest      Action = "stop_test"
	ActionContinue      Action = "continue"
	ActionExtendTest    Action = "extend_test"
)

// Variant is one alternative under test. Its override is layered into the
// effective configuration for users assigned to it.
type Variant struct {
	ID       string           `json:"id" yaml:"id"`
	Name     string           `json:"name" yaml:"name"`
	Override *config.Override `json:"override,omitempty" yaml:"override,omitempty"`
}

// Configuration describes an experiment. Immutable once created; only the
// lifecycle state moves.
type Configuration struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	AgentID     string    `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Variants    []Variant `json:"variants" yaml:"variants"`

	// Traffic maps variant id to its allocation percentage. Allocations
	// must sum to 100 within TrafficTolerance.
	Traffic map[string]float64 `json:"traffic" yaml:"traffic"`

	StartAt               time.Time `json:"start_at" yaml:"start_at"`
	EndAt                 time.Time `json:"end_at" yaml:"end_at"`
	MinSampleSize         int       `json:"min_sample_size" yaml:"min_sample_size"`
	SignificanceThreshold float64   `json:"significance_threshold" yaml:"significance_threshold"`
	CreatedAt             time.Time `json:"created_at" yaml:"created_at"`
}

// Accumulator holds running sums for one variant. Mutated only under the
// owning experiment's lock.
type Accumulator struct {
	Samples           int64
	QualitySum        float64
	QualitySqSum      float64
	EngagementSamples int64
	EngagementCount   int64
	CompletionCount   int64
	ResponseTimeSum   time.Duration
	ErrorCount        int64
	SatisfactionSum   float64
}

// Mean returns the average quality score, zero when empty.
func (a *Accumulator) Mean() float64 {
	if a.Samples == 0 {
		return 0
	}
	return a.QualitySum / float64(a.Samples)
}

// Variance returns the sample variance of quality scores.
func (a *Accumulator) Variance() float64 {
	if a.Samples < 2 {
		return 0
	}
	n := float64(a.Samples)
	mean := a.QualitySum / n
	v := (a.QualitySqSum - n*mean*mean) / (n - 1)
	if v < 0 {
		return 0
	}
	return v
}

// Engagement is optional user feedback attached to an outcome.
type Engagement struct {
	Engaged       bool
	TaskCompleted bool
	Satisfaction  float64
}

// Outcome is one recorded result for an assigned user.
type Outcome struct {
	QualityScore float64
	ResponseTime time.Duration
	FallbackUsed bool
	Engagement   *Engagement
}

// VariantMetrics is the per-variant aggregate view inside Results.
type VariantMetrics struct {
	VariantID         string  `json:"variant_id"`
	Name              string  `json:"name"`
	SampleCount       int64   `json:"sample_count"`
	AvgQuality        float64 `json:"avg_quality"`
	EngagementRate    float64 `json:"engagement_rate"`
	CompletionRate    float64 `json:"completion_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	AvgSatisfaction   float64 `json:"avg_satisfaction"`
}

// Results is the analysis report for an experiment.
type Results struct {
	ExperimentID   string                    `json:"experiment_id"`
	Name           string                    `json:"name"`
	State          State                     `json:"state"`
	Variants       map[string]VariantMetrics `json:"variants"`
	Significance   float64                   `json:"significance"`
	WinningVariant string                    `json:"winning_variant,omitempty"`
	Action         Action                    `json:"recommended_action"`
	Insights       []string                  `json:"insights"`
	StopReason     string                    `json:"stop_reason,omitempty"`
	AnalyzedAt     time.Time                 `json:"analyzed_at"`
}
