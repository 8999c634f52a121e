package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/logging"
)

// Resolver merges layered configuration into one EffectiveConfig per request.
// Layer precedence, later wins: agent base, category override, channel
// override, user preferences, experiment variant override, adaptive
// optimization.
type Resolver struct {
	mu       sync.RWMutex
	agents   map[string]AgentConfig
	users    map[string]UserPreferences
	variants map[string]Override
	adaptive map[string]Override
	logger   *logging.Logger
}

// NewResolver constructs a resolver with no stored configuration.
func NewResolver(logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Resolver{
		agents:   make(map[string]AgentConfig),
		users:    make(map[string]UserPreferences),
		variants: make(map[string]Override),
		adaptive: make(map[string]Override),
		logger:   logger,
	}
}

// Resolve merges all configuration layers for one request. channel and
// variantID may be empty; their layers are skipped.
func (r *Resolver) Resolve(agentID, userID, category, channel, variantID string) EffectiveConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		agent = DefaultAgentConfig()
	}

	cfg := EffectiveConfig{
		MaxLength:      agent.MaxLength,
		EmojiEnabled:   agent.EmojiEnabled,
		Style:          agent.Style,
		CacheEnabled:   agent.CacheEnabled,
		CacheTTL:       time.Duration(agent.CacheTTLSeconds) * time.Second,
		IncludeMetrics: agent.IncludeMetrics,
		QualityWeights: cloneWeights(agent.QualityWeights),
		AdaptiveTuning: agent.AdaptiveTuning,
		Layers:         []string{"agent"},
	}
	if len(cfg.QualityWeights) == 0 {
		cfg.QualityWeights = DefaultQualityWeights()
	}
	if cfg.Style == "" {
		cfg.Style = DefaultStyle
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = DefaultMaxLength
	}

	if override, ok := agent.CategoryOverrides[category]; ok {
		applyOverride(&cfg, override)
		cfg.Layers = append(cfg.Layers, "category")
	}

	if channel != "" {
		if override, ok := agent.ChannelOverrides[channel]; ok {
			applyOverride(&cfg, override)
			cfg.Layers = append(cfg.Layers, "channel")
		}
	}

	if prefs, ok := r.users[userID]; ok {
		applyUserPreferences(&cfg, prefs)
		cfg.Layers = append(cfg.Layers, "user")
	}

	if variantID != "" {
		if override, ok := r.variants[variantID]; ok {
			applyOverride(&cfg, override)
			cfg.Layers = append(cfg.Layers, "experiment")
		}
	}

	if cfg.AdaptiveTuning {
		if override, ok := r.adaptive[agentID]; ok {
			applyOverride(&cfg, override)
			cfg.Layers = append(cfg.Layers, "adaptive")
		}
	}

	cfg.MaxLength = clampInt(cfg.MaxLength, MinMaxLength, MaxMaxLength)
	return cfg
}

// UpdateAgentConfig validates and stores the base configuration for an agent.
// Invalid values reject the update; the previous configuration stays in effect.
func (r *Resolver) UpdateAgentConfig(agentID string, cfg AgentConfig) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "agent id is required")
	}
	if err := r.validateAgentConfig(agentID, cfg); err != nil {
		r.logger.Error(logging.CategoryConfig, "update_rejected", "agent config rejected", map[string]any{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return err
	}

	r.mu.Lock()
	r.agents[agentID] = cfg
	r.mu.Unlock()

	r.logger.Info(logging.CategoryConfig, "agent_config_updated", "agent config updated", map[string]any{
		"agent_id": agentID,
	})
	return nil
}

func (r *Resolver) validateAgentConfig(agentID string, cfg AgentConfig) error {
	if cfg.MaxLength != 0 && (cfg.MaxLength < MinMaxLength || cfg.MaxLength > MaxMaxLength) {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("max_length must be in [%d,%d], got %d", MinMaxLength, MaxMaxLength, cfg.MaxLength)).
			WithContext("agent_id", agentID)
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl < 0 || ttl > MaxCacheTTL {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("cache_ttl_seconds must be in [0,%d], got %d", int(MaxCacheTTL/time.Second), cfg.CacheTTLSeconds)).
			WithContext("agent_id", agentID)
	}
	if cfg.Style != "" && !IsValidStyle(cfg.Style) {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown style %q", cfg.Style)).
			WithContext("agent_id", agentID)
	}
	if len(cfg.QualityWeights) > 0 {
		sum := 0.0
		for key, weight := range cfg.QualityWeights {
			if weight < 0 {
				return errors.New(errors.ErrCodeConfigInvalid,
					fmt.Sprintf("quality weight %s must be >= 0, got %f", key, weight)).
					WithContext("agent_id", agentID)
			}
			sum += weight
		}
		if sum < MinWeightSum || sum > MaxWeightSum {
			// Off-balance weight vectors are tolerated; scoring normalizes by
			// the actual sum, so this is a warning, not a rejection.
			r.logger.Warn(logging.CategoryConfig, "weight_sum_unbalanced",
				"quality weight sum outside recommended range", map[string]any{
					"agent_id": agentID,
					"sum":      sum,
				})
		}
	}
	return nil
}

// UpdateUserPreferences validates and stores preferences for a user.
func (r *Resolver) UpdateUserPreferences(userID string, prefs UserPreferences) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "user id is required")
	}
	if prefs.MaxLength != nil && (*prefs.MaxLength < MinMaxLength || *prefs.MaxLength > MaxMaxLength) {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("max_length must be in [%d,%d], got %d", MinMaxLength, MaxMaxLength, *prefs.MaxLength)).
			WithContext("user_id", userID)
	}
	if prefs.Tone != "" && styleForTone(prefs.Tone) == "" {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown tone %q", prefs.Tone)).
			WithContext("user_id", userID)
	}

	r.mu.Lock()
	r.users[userID] = prefs
	r.mu.Unlock()
	return nil
}

// UserPreferencesFor returns the stored preferences for a user, if any.
func (r *Resolver) UserPreferencesFor(userID string) (UserPreferences, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefs, ok := r.users[userID]
	return prefs, ok
}

// LearnFromFeedback nudges stored user preferences from a feedback signal.
// Each call applies one bounded adjustment; repeated calls are cumulative.
func (r *Resolver) LearnFromFeedback(userID string, signal FeedbackSignal) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prefs := r.users[userID]
	switch signal {
	case FeedbackTooLong:
		current := DefaultMaxLength
		if prefs.MaxLength != nil {
			current = *prefs.MaxLength
		}
		shortened := clampInt(int(float64(current)*FeedbackShortenBy), MinMaxLength, MaxMaxLength)
		prefs.MaxLength = &shortened
	case FeedbackTooShort:
		current := DefaultMaxLength
		if prefs.MaxLength != nil {
			current = *prefs.MaxLength
		}
		extended := clampInt(int(float64(current)*FeedbackExtendBy), MinMaxLength, MaxMaxLength)
		prefs.MaxLength = &extended
	case FeedbackConfusing, FeedbackTooFormal:
		prefs.Tone = "casual"
	case FeedbackNoEmoji:
		prefs.EmojiOptOut = true
	case FeedbackHelpful:
		// Positive feedback leaves preferences untouched.
	default:
		r.logger.Warn(logging.CategoryConfig, "unknown_feedback", "ignoring unknown feedback signal", map[string]any{
			"user_id": userID,
			"signal":  string(signal),
		})
		return
	}
	r.users[userID] = prefs

	r.logger.Info(logging.CategoryConfig, "feedback_learned", "user preferences adjusted", map[string]any{
		"user_id": userID,
		"signal":  string(signal),
	})
}

// RegisterVariantOverride installs the experiment-variant layer for a variant.
// Called by the experiment engine when an experiment activates.
func (r *Resolver) RegisterVariantOverride(variantID string, override Override) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return
	}
	r.mu.Lock()
	r.variants[variantID] = override
	r.mu.Unlock()
}

// UnregisterVariantOverride removes a variant layer, e.g. when archiving.
func (r *Resolver) UnregisterVariantOverride(variantID string) {
	r.mu.Lock()
	delete(r.variants, variantID)
	r.mu.Unlock()
}

// RecordPerformance derives the adaptive-optimization layer for an agent from
// recent outcome aggregates. Low quality pulls style toward conversational and
// trims length; healthy signals clear the layer.
func (r *Resolver) RecordPerformance(agentID string, signal PerformanceSignal) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || signal.SampleCount == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if signal.AvgQuality >= 0.6 && signal.AvgLatency < 5*time.Second {
		delete(r.adaptive, agentID)
		return
	}

	override := Override{}
	if signal.AvgQuality < 0.6 {
		style := StyleConversational
		override.Style = &style
	}
	if signal.AvgLatency >= 5*time.Second {
		shorter := MinMaxLength * 8 // 400: cheaper generations under latency pressure
		override.MaxLength = &shorter
	}
	r.adaptive[agentID] = override

	r.logger.Info(logging.CategoryConfig, "adaptive_override", "adaptive layer updated", map[string]any{
		"agent_id":    agentID,
		"avg_quality": signal.AvgQuality,
		"samples":     signal.SampleCount,
	})
}

func applyOverride(cfg *EffectiveConfig, override Override) {
	if override.MaxLength != nil {
		cfg.MaxLength = *override.MaxLength
	}
	if override.EmojiEnabled != nil {
		cfg.EmojiEnabled = *override.EmojiEnabled
	}
	if override.Style != nil {
		cfg.Style = *override.Style
	}
	if override.IncludeMetrics != nil {
		cfg.IncludeMetrics = *override.IncludeMetrics
	}
	if len(override.QualityWeights) > 0 {
		merged := cloneWeights(cfg.QualityWeights)
		for key, weight := range override.QualityWeights {
			merged[key] = weight
		}
		cfg.QualityWeights = merged
	}
}

func applyUserPreferences(cfg *EffectiveConfig, prefs UserPreferences) {
	if style := styleForTone(prefs.Tone); style != "" {
		cfg.Style = style
	}
	if prefs.MaxLength != nil && *prefs.MaxLength < cfg.MaxLength {
		// User length preferences clamp downward only.
		cfg.MaxLength = *prefs.MaxLength
	}
	if prefs.EmojiOptOut {
		cfg.EmojiEnabled = false
	}
	if prefs.MetricsOptIn {
		cfg.IncludeMetrics = true
	}
}

func styleForTone(tone string) Style {
	switch strings.ToLower(strings.TrimSpace(tone)) {
	case "formal", "professional":
		return StyleProfessional
	case "casual", "friendly":
		return StyleConversational
	case "brief", "terse":
		return StyleConcise
	case "thorough", "detailed":
		return StyleDetailed
	default:
		return ""
	}
}

func cloneWeights(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for key, weight := range weights {
		out[key] = weight
	}
	return out
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
