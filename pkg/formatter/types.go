package formatter

import (
	"time"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/persona"
	"github.com/odellh/burnish/pkg/quality"
	"github.com/odellh/burnish/pkg/template"
)

// ToolResult is the raw execution result handed in by a collaborator.
type ToolResult struct {
	Success bool   `json:"success"`
	Partial bool   `json:"partial,omitempty"`
	ToolID  string `json:"tool_id"`
	Data    any    `json:"data,omitempty"`
}

// AgentResponse is the inbound envelope around a raw agent reply. Every
// field except Content is optional; missing identifiers short-circuit
// formatting rather than failing it.
type AgentResponse struct {
	Content     string   `json:"content"`
	AgentID     string   `json:"agent_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	Channel     string   `json:"channel,omitempty"`
	UserMessage string   `json:"user_message,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	History     []string `json:"history,omitempty"`
}

// RequestContext is built once at the formatting boundary and never
// mutated afterwards.
type RequestContext struct {
	ID          string
	Timestamp   time.Time
	ToolResult  ToolResult
	Category    template.Category
	Outcome     template.Outcome
	Intent      string
	UserMessage string
	AgentID     string
	UserID      string
	Channel     string
	Persona     *persona.Profile
	History     []string
	Config      config.EffectiveConfig
}

// GenerationMetrics describes how the response was produced.
type GenerationMetrics struct {
	GenerationTimeMs int64  `json:"generation_time_ms"`
	CacheHit         bool   `json:"cache_hit"`
	TemplateSource   string `json:"template_source,omitempty"`
	ExperimentID     string `json:"experiment_id,omitempty"`
	VariantID        string `json:"variant_id,omitempty"`
}

// FormattedResponse is the outbound envelope.
type FormattedResponse struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	ResponseStyle config.Style      `json:"response_style"`
	Quality       *quality.Metrics  `json:"quality,omitempty"`
	FallbackUsed  bool              `json:"fallback_used"`
	Generation    GenerationMetrics `json:"generation_metrics"`
	Timestamp     time.Time         `json:"timestamp"`
}
