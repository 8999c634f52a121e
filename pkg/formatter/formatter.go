// Package formatter is the pipeline entry point: it resolves configuration,
// assigns experiment variants, selects a template, delegates to the external
// generation call, scores the result, and records outcomes. A formatting
// failure always degrades to the original content, never to an error.
package formatter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/odellh/burnish/pkg/bus"
	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/experiment"
	"github.com/odellh/burnish/pkg/logging"
	"github.com/odellh/burnish/pkg/persona"
	"github.com/odellh/burnish/pkg/quality"
	"github.com/odellh/burnish/pkg/telemetry"
	"github.com/odellh/burnish/pkg/template"
)

const (
	// DefaultGenerationTimeout bounds the external generation call.
	DefaultGenerationTimeout = 15 * time.Second
)

// Options configures a Formatter. Resolver, Selector, Scorer, and Generator
// are required; the rest degrade gracefully when nil.
type Options struct {
	Resolver  *config.Resolver
	Engine    *experiment.Engine
	Selector  *template.Selector
	Scorer    *quality.Scorer
	Personas  *persona.Provider
	Generator Generator
	Events    bus.EventBus
	Logger    *logging.Logger

	// GenerationTimeout bounds each generation call. Zero uses the default.
	GenerationTimeout time.Duration

	// RateLimit throttles generation calls per second; zero disables
	// throttling. Burst defaults to twice the limit.
	RateLimit float64
	Burst     int
}

// Formatter orchestrates one formatting pass per request.
type Formatter struct {
	resolver  *config.Resolver
	engine    *experiment.Engine
	selector  *template.Selector
	scorer    *quality.Scorer
	personas  *persona.Provider
	generator Generator
	events    bus.EventBus
	logger    *logging.Logger
	limiter   *rate.Limiter
	timeout   time.Duration
}

// New builds a Formatter from options.
func New(opts Options) (*Formatter, error) {
	if opts.Resolver == nil || opts.Selector == nil || opts.Scorer == nil || opts.Generator == nil {
		return nil, fmt.Errorf("formatter requires resolver, selector, scorer, and generator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	timeout := opts.GenerationTimeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit * 2)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Formatter{
		resolver:  opts.Resolver,
		engine:    opts.Engine,
		selector:  opts.Selector,
		scorer:    opts.Scorer,
		personas:  opts.Personas,
		generator: opts.Generator,
		events:    opts.Events,
		logger:    logger,
		limiter:   limiter,
		timeout:   timeout,
	}, nil
}

// Format runs one pass of the pipeline. It never returns an error: missing
// identifiers short-circuit, and generation or scoring failures fall back
// to the original content with FallbackUsed set.
func (f *Formatter) Format(ctx context.Context, toolResult *ToolResult, resp AgentResponse) FormattedResponse {
	start := time.Now()
	requestID := ulid.Make().String()

	ctx, span := telemetry.StartSpan(ctx, "formatter.format",
		trace.WithAttributes(telemetry.AttrRequestID.String(requestID)))
	defer span.End()

	if toolResult == nil || strings.TrimSpace(resp.AgentID) == "" {
		span.SetAttributes(telemetry.AttrFallback.Bool(true))
		telemetry.FormatFallbacks.WithLabelValues("missing_context").Inc()
		return f.passthrough(requestID, resp, start)
	}

	req := f.buildContext(requestID, *toolResult, resp)

	experimentID, variantID := f.assign(ctx, req)
	req.Config = f.resolver.Resolve(req.AgentID, req.UserID, string(req.Category), req.Channel, variantID)

	span.SetAttributes(
		telemetry.AttrAgentID.String(req.AgentID),
		telemetry.AttrCategory.String(string(req.Category)),
		telemetry.AttrStyle.String(string(req.Config.Style)),
	)
	if variantID != "" {
		span.SetAttributes(
			telemetry.AttrExperimentID.String(experimentID),
			telemetry.AttrVariantID.String(variantID),
		)
	}

	sel, cacheHit, err := f.selectTemplate(ctx, req)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return f.fallback(ctx, req, resp, "template", err, experimentID, variantID, start)
	}
	telemetry.TemplateCacheHits.WithLabelValues(cacheResult(cacheHit)).Inc()
	span.SetAttributes(telemetry.AttrCacheHit.Bool(cacheHit))

	content, genTime, err := f.generate(ctx, req, sel)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return f.fallback(ctx, req, resp, "generation", err, experimentID, variantID, start)
	}
	content = clampContent(content, req.Config.MaxLength)

	metrics := f.score(ctx, content, req)
	telemetry.QualityScore.Observe(metrics.Overall)

	f.recordOutcome(ctx, req, experimentID, variantID, metrics.Overall, genTime, false)
	f.resolver.RecordPerformance(req.AgentID, config.PerformanceSignal{
		AvgQuality:  metrics.Overall,
		AvgLatency:  genTime,
		SampleCount: 1,
	})

	out := FormattedResponse{
		ID:            requestID,
		Content:       content,
		ResponseStyle: req.Config.Style,
		Quality:       &metrics,
		FallbackUsed:  false,
		Generation: GenerationMetrics{
			GenerationTimeMs: genTime.Milliseconds(),
			CacheHit:         cacheHit,
			TemplateSource:   string(sel.Source),
			ExperimentID:     experimentID,
			VariantID:        variantID,
		},
		Timestamp: time.Now(),
	}

	telemetry.FormatRequests.WithLabelValues(string(req.Category), string(req.Config.Style)).Inc()
	telemetry.GenerationDuration.Observe(genTime.Seconds())
	_ = bus.PublishJSON(ctx, f.events, bus.SubjectResponseFormatted, out)
	f.logger.Info(logging.CategoryFormatting, "response_formatted", "formatted response", map[string]any{
		"request_id": requestID,
		"agent_id":   req.AgentID,
		"category":   string(req.Category),
		"style":      string(req.Config.Style),
		"overall":    metrics.Overall,
		"cache_hit":  cacheHit,
	})

	return out
}

// buildContext assembles the immutable per-request record.
func (f *Formatter) buildContext(requestID string, toolResult ToolResult, resp AgentResponse) RequestContext {
	outcome := template.OutcomeSuccess
	switch {
	case !toolResult.Success:
		outcome = template.OutcomeError
	case toolResult.Partial:
		outcome = template.OutcomePartial
	}

	var profile *persona.Profile
	if f.personas != nil {
		profile = f.personas.ForAgent(resp.AgentID)
	}

	return RequestContext{
		ID:          requestID,
		Timestamp:   time.Now(),
		ToolResult:  toolResult,
		Category:    DetectCategory(toolResult.ToolID),
		Outcome:     outcome,
		Intent:      resp.Intent,
		UserMessage: resp.UserMessage,
		AgentID:     resp.AgentID,
		UserID:      resp.UserID,
		Channel:     resp.Channel,
		Persona:     profile,
		History:     resp.History,
	}
}

// assign picks the experiment whose variant feeds the resolver. When a user
// lands in several experiments, the lowest experiment id wins so the choice
// is stable across requests.
func (f *Formatter) assign(ctx context.Context, req RequestContext) (experimentID, variantID string) {
	if f.engine == nil || req.UserID == "" {
		return "", ""
	}
	assignments := f.engine.AssignAll(ctx, req.UserID, req.AgentID)
	if len(assignments) == 0 {
		return "", ""
	}
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], assignments[ids[0]]
}

func (f *Formatter) selectTemplate(ctx context.Context, req RequestContext) (template.Selection, bool, error) {
	_, span := telemetry.StartSpan(ctx, "formatter.select_template")
	defer span.End()

	sig := req.Persona.Signature()
	adaptFlags := ""
	for _, layer := range req.Config.Layers {
		if layer == "adaptive" {
			adaptFlags = "adaptive"
			break
		}
	}
	return f.selector.Select(template.Request{
		Category:         req.Category,
		Style:            req.Config.Style,
		PersonaSignature: sig,
		Outcome:          req.Outcome,
		AdaptFlags:       adaptFlags,
		SkipCache:        !req.Config.CacheEnabled,
	})
}

// generate invokes the external call under the rate limiter and a bounded
// timeout. No pipeline locks are held across this call.
func (f *Formatter) generate(ctx context.Context, req RequestContext, sel template.Selection) (string, time.Duration, error) {
	ctx, span := telemetry.StartSpan(ctx, "formatter.generate")
	defer span.End()

	genCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.limiter != nil {
		if err := f.limiter.Wait(genCtx); err != nil {
			return "", 0, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	genReq := GenerationRequest{
		SystemPrompt: sel.Template.SystemPrompt,
		Instruction:  sel.Body,
		ToolPayload:  renderPayload(req.ToolResult),
		UserMessage:  req.UserMessage,
		Style:        req.Config.Style,
		MaxLength:    req.Config.MaxLength,
		EmojiEnabled: req.Config.EmojiEnabled,
	}
	if req.Persona != nil {
		genReq.PersonaSection = req.Persona.Section()
	}

	start := time.Now()
	content, err := f.generator.Generate(genCtx, genReq)
	elapsed := time.Since(start)
	if err != nil {
		if genCtx.Err() == context.DeadlineExceeded {
			return "", elapsed, errors.Wrap(err, errors.ErrCodeGenerationTimeout, "generation timed out")
		}
		return "", elapsed, errors.Wrap(err, errors.ErrCodeGenerationFailed, "generation failed")
	}
	if strings.TrimSpace(content) == "" {
		return "", elapsed, errors.New(errors.ErrCodeGenerationFailed, "generation returned empty content")
	}
	return content, elapsed, nil
}

func (f *Formatter) score(ctx context.Context, content string, req RequestContext) quality.Metrics {
	_, span := telemetry.StartSpan(ctx, "formatter.score")
	defer span.End()

	qctx := quality.Context{
		UserMessage:  req.UserMessage,
		Intent:       req.Intent,
		Category:     string(req.Category),
		Style:        req.Config.Style,
		TargetLength: req.Config.MaxLength,
		EmojiEnabled: req.Config.EmojiEnabled,
		ToolSuccess:  req.ToolResult.Success,
	}
	if req.Persona != nil {
		qctx.PersonaTraits = req.Persona.Traits
	}
	return f.scorer.Score(content, qctx, req.Config.QualityWeights)
}

func (f *Formatter) recordOutcome(ctx context.Context, req RequestContext, experimentID, variantID string, overall float64, genTime time.Duration, fellBack bool) {
	if f.engine == nil || experimentID == "" {
		return
	}
	err := f.engine.RecordOutcome(ctx, req.UserID, experimentID, variantID, experiment.Outcome{
		QualityScore: overall,
		ResponseTime: genTime,
		FallbackUsed: fellBack,
	})
	if err != nil {
		f.logger.Warn(logging.CategoryExperiment, "outcome_record_failed",
			"could not record experiment outcome", map[string]any{
				"request_id":    req.ID,
				"experiment_id": experimentID,
				"error":         err.Error(),
			})
	}
}

// passthrough returns the original content when required identifiers are
// missing. Documented no-op, not an error.
func (f *Formatter) passthrough(requestID string, resp AgentResponse, start time.Time) FormattedResponse {
	f.logger.Debug(logging.CategoryFormatting, "format_skipped",
		"missing agent id or tool result, returning content unchanged", map[string]any{
			"request_id": requestID,
		})
	return FormattedResponse{
		ID:           requestID,
		Content:      resp.Content,
		FallbackUsed: true,
		Generation: GenerationMetrics{
			GenerationTimeMs: time.Since(start).Milliseconds(),
		},
		Timestamp: time.Now(),
	}
}

// fallback degrades to the original content after a pipeline failure. The
// failure is logged with identifiers only, and counted against any assigned
// experiment variant.
func (f *Formatter) fallback(ctx context.Context, req RequestContext, resp AgentResponse, stage string, cause error, experimentID, variantID string, start time.Time) FormattedResponse {
	f.logger.Error(logging.CategoryFormatting, "format_fallback",
		"formatting failed, returning original content", map[string]any{
			"request_id": req.ID,
			"agent_id":   req.AgentID,
			"category":   string(req.Category),
			"stage":      stage,
			"error":      cause.Error(),
		})
	telemetry.FormatFallbacks.WithLabelValues(stage).Inc()

	elapsed := time.Since(start)
	f.recordOutcome(ctx, req, experimentID, variantID, quality.NeutralScore, elapsed, true)

	return FormattedResponse{
		ID:            req.ID,
		Content:       resp.Content,
		ResponseStyle: req.Config.Style,
		FallbackUsed:  true,
		Generation: GenerationMetrics{
			GenerationTimeMs: elapsed.Milliseconds(),
			ExperimentID:     experimentID,
			VariantID:        variantID,
		},
		Timestamp: time.Now(),
	}
}

// renderPayload flattens the tool payload for the generation prompt.
func renderPayload(result ToolResult) string {
	switch data := result.Data.(type) {
	case nil:
		return ""
	case string:
		return data
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(raw)
	}
}

// clampContent trims generated text to the configured maximum, cutting at a
// word boundary where possible.
func clampContent(content string, maxLength int) string {
	if maxLength <= 0 || len(content) <= maxLength {
		return content
	}
	// Back up to a rune boundary so the cut never leaves a partial
	// multi-byte sequence before the ellipsis.
	end := maxLength
	for end > 0 && !utf8.RuneStart(content[end]) {
		end--
	}
	cut := content[:end]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxLength/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n") + "…"
}

func cacheResult(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
