package config

import "time"

// Style identifies a response style.
type Style string

const (
	StyleProfessional   Style = "professional"
	StyleConversational Style = "conversational"
	StyleConcise        Style = "concise"
	StyleDetailed       Style = "detailed"
)

// CanonicalStyles lists every style the template catalog must cover.
var CanonicalStyles = []Style{StyleProfessional, StyleConversational, StyleConcise, StyleDetailed}

// IsValidStyle reports whether the style is one of the canonical four.
func IsValidStyle(s Style) bool {
	switch s {
	case StyleProfessional, StyleConversational, StyleConcise, StyleDetailed:
		return true
	}
	return false
}

// Validation bounds for configuration updates.
const (
	MinMaxLength      = 50
	MaxMaxLength      = 5000
	MaxCacheTTL       = 86400 * time.Second
	MinWeightSum      = 0.8
	MaxWeightSum      = 1.2
	DefaultMaxLength  = 800
	DefaultCacheTTL   = 300 * time.Second
	DefaultStyle      = StyleConversational
	FeedbackShortenBy = 0.8 // "too long" multiplier
	FeedbackExtendBy  = 1.2 // "too short" multiplier
)

// Weight vector keys, one per quality sub-score.
const (
	WeightRelevance          = "relevance"
	WeightPersonaConsistency = "persona_consistency"
	WeightClarity            = "clarity"
	WeightActionability      = "actionability"
	WeightLengthFit          = "length_fit"
	WeightToneFit            = "tone_fit"
	WeightBusinessAlignment  = "business_alignment"
	WeightEngagement         = "engagement"
)

// DefaultQualityWeights returns the fallback weight vector.
func DefaultQualityWeights() map[string]float64 {
	return map[string]float64{
		WeightRelevance:          0.20,
		WeightPersonaConsistency: 0.15,
		WeightClarity:            0.15,
		WeightActionability:      0.10,
		WeightLengthFit:          0.10,
		WeightToneFit:            0.10,
		WeightBusinessAlignment:  0.10,
		WeightEngagement:         0.10,
	}
}

// EffectiveConfig is the single merged configuration for one request.
// Immutable once produced by Resolve.
type EffectiveConfig struct {
	MaxLength    int
	EmojiEnabled bool
	Style        Style
	CacheEnabled bool
	// CacheTTL is advisory: the selection cache uses one process-level TTL,
	// so per-agent values are surfaced for inspection but do not retune it.
	CacheTTL       time.Duration
	IncludeMetrics bool
	QualityWeights map[string]float64
	AdaptiveTuning bool
	Layers         []string // layer names that contributed, in application order
}

// AgentConfig is the base configuration layer for one agent.
type AgentConfig struct {
	MaxLength         int                 `yaml:"max_length" json:"max_length"`
	EmojiEnabled      bool                `yaml:"emoji_enabled" json:"emoji_enabled"`
	Style             Style               `yaml:"style" json:"style"`
	CacheEnabled      bool                `yaml:"cache_enabled" json:"cache_enabled"`
	CacheTTLSeconds   int                 `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	IncludeMetrics    bool                `yaml:"include_metrics" json:"include_metrics"`
	QualityWeights    map[string]float64  `yaml:"quality_weights" json:"quality_weights,omitempty"`
	CategoryOverrides map[string]Override `yaml:"category_overrides" json:"category_overrides,omitempty"`
	ChannelOverrides  map[string]Override `yaml:"channel_overrides" json:"channel_overrides,omitempty"`
	AdaptiveTuning    bool                `yaml:"adaptive_tuning" json:"adaptive_tuning"`
}

// Override is a partial configuration layer. Nil fields leave the lower
// layer's value in place.
type Override struct {
	MaxLength      *int               `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	EmojiEnabled   *bool              `yaml:"emoji_enabled,omitempty" json:"emoji_enabled,omitempty"`
	Style          *Style             `yaml:"style,omitempty" json:"style,omitempty"`
	IncludeMetrics *bool              `yaml:"include_metrics,omitempty" json:"include_metrics,omitempty"`
	QualityWeights map[string]float64 `yaml:"quality_weights,omitempty" json:"quality_weights,omitempty"`
}

// UserPreferences captures per-user formatting preferences.
type UserPreferences struct {
	Tone         string `yaml:"tone" json:"tone"` // maps onto a style
	MaxLength    *int   `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	EmojiOptOut  bool   `yaml:"emoji_opt_out" json:"emoji_opt_out"`
	MetricsOptIn bool   `yaml:"metrics_opt_in" json:"metrics_opt_in"`
}

// FeedbackSignal is a coarse user feedback category fed into LearnFromFeedback.
type FeedbackSignal string

const (
	FeedbackTooLong   FeedbackSignal = "too_long"
	FeedbackTooShort  FeedbackSignal = "too_short"
	FeedbackConfusing FeedbackSignal = "confusing"
	FeedbackTooFormal FeedbackSignal = "too_formal"
	FeedbackNoEmoji   FeedbackSignal = "no_emoji"
	FeedbackHelpful   FeedbackSignal = "helpful"
)

// PerformanceSignal summarizes recent outcomes for one agent, used to derive
// the adaptive optimization layer.
type PerformanceSignal struct {
	AvgQuality  float64
	AvgLatency  time.Duration
	SampleCount int
}

// DefaultAgentConfig returns the base configuration applied when an agent has
// no stored config.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxLength:       DefaultMaxLength,
		EmojiEnabled:    true,
		Style:           DefaultStyle,
		CacheEnabled:    true,
		CacheTTLSeconds: int(DefaultCacheTTL / time.Second),
		IncludeMetrics:  false,
		QualityWeights:  DefaultQualityWeights(),
		AdaptiveTuning:  true,
	}
}
