package formatter

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/experiment"
	"github.com/odellh/burnish/pkg/persona"
	"github.com/odellh/burnish/pkg/quality"
	"github.com/odellh/burnish/pkg/template"
)

func echoGenerator(t *testing.T) Generator {
	t.Helper()
	return GeneratorFunc(func(ctx context.Context, req GenerationRequest) (string, error) {
		return "The search found 3 matching files in the project directory.", nil
	})
}

func newTestFormatter(t *testing.T, gen Generator, engine *experiment.Engine) *Formatter {
	t.Helper()
	f, err := New(Options{
		Resolver:  config.NewResolver(nil),
		Engine:    engine,
		Selector:  template.NewSelector(template.NewCatalog(), 64, time.Minute, nil),
		Scorer:    quality.NewScorer(nil),
		Personas:  persona.NewProvider("", nil, nil),
		Generator: gen,
	})
	require.NoError(t, err)
	return f
}

func searchResult() *ToolResult {
	return &ToolResult{Success: true, ToolID: "code_search", Data: map[string]any{"matches": 3}}
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestFormat_Success(t *testing.T) {
	f := newTestFormatter(t, echoGenerator(t), nil)

	out := f.Format(context.Background(), searchResult(), AgentResponse{
		Content:     "3 matches",
		AgentID:     "helper-bot",
		UserID:      "user-1",
		UserMessage: "search for the config loader",
	})

	assert.False(t, out.FallbackUsed)
	assert.NotEmpty(t, out.ID)
	assert.Contains(t, out.Content, "search found")
	assert.Equal(t, config.StyleConversational, out.ResponseStyle)
	require.NotNil(t, out.Quality)
	assert.GreaterOrEqual(t, out.Quality.Overall, 0.0)
	assert.LessOrEqual(t, out.Quality.Overall, 1.0)
	assert.Equal(t, string(template.SourceExact), out.Generation.TemplateSource)
}

func TestFormat_MissingIdentifiersShortCircuits(t *testing.T) {
	f := newTestFormatter(t, echoGenerator(t), nil)

	tests := []struct {
		name string
		tool *ToolResult
		resp AgentResponse
	}{
		{"no tool result", nil, AgentResponse{Content: "raw", AgentID: "helper-bot"}},
		{"no agent id", searchResult(), AgentResponse{Content: "raw"}},
		{"empty envelope", nil, AgentResponse{Content: "raw"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.Format(context.Background(), tt.tool, tt.resp)
			assert.True(t, out.FallbackUsed)
			assert.Equal(t, "raw", out.Content)
			assert.Nil(t, out.Quality)
		})
	}
}

func TestFormat_GenerationFailureFallsBack(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, req GenerationRequest) (string, error) {
		return "", fmt.Errorf("model unavailable")
	})
	f := newTestFormatter(t, gen, nil)

	out := f.Format(context.Background(), searchResult(), AgentResponse{
		Content: "original content",
		AgentID: "helper-bot",
	})

	assert.True(t, out.FallbackUsed)
	assert.Equal(t, "original content", out.Content)
}

func TestFormat_GenerationTimeoutFallsBack(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, req GenerationRequest) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f, err := New(Options{
		Resolver:          config.NewResolver(nil),
		Selector:          template.NewSelector(template.NewCatalog(), 64, time.Minute, nil),
		Scorer:            quality.NewScorer(nil),
		Generator:         gen,
		GenerationTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	out := f.Format(context.Background(), searchResult(), AgentResponse{
		Content: "original",
		AgentID: "helper-bot",
	})
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, "original", out.Content)
}

func TestFormat_EmptyGenerationFallsBack(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, req GenerationRequest) (string, error) {
		return "   ", nil
	})
	f := newTestFormatter(t, gen, nil)

	out := f.Format(context.Background(), searchResult(), AgentResponse{Content: "keep me", AgentID: "a"})
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, "keep me", out.Content)
}

func TestFormat_RecordsExperimentOutcome(t *testing.T) {
	engine := experiment.NewEngine(config.NewResolver(nil), nil, nil, nil)
	cfg, err := engine.CreateExperiment(context.Background(), experiment.Configuration{
		Name: "tone test",
		Variants: []experiment.Variant{
			{ID: "A", Name: "control"},
			{ID: "B", Name: "candidate"},
		},
		Traffic:               map[string]float64{"A": 50, "B": 50},
		StartAt:               time.Now(),
		EndAt:                 time.Now().Add(time.Hour),
		MinSampleSize:         30,
		SignificanceThreshold: 0.95,
	})
	require.NoError(t, err)

	f := newTestFormatter(t, echoGenerator(t), engine)

	var variants []string
	for i := 0; i < 3; i++ {
		out := f.Format(context.Background(), searchResult(), AgentResponse{
			Content: "raw",
			AgentID: "helper-bot",
			UserID:  "sticky-user",
		})
		require.False(t, out.FallbackUsed)
		assert.Equal(t, cfg.ID, out.Generation.ExperimentID)
		variants = append(variants, out.Generation.VariantID)
	}
	assert.Equal(t, variants[0], variants[1])
	assert.Equal(t, variants[0], variants[2])

	res, err := engine.Analyze(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Variants[variants[0]].SampleCount)
}

func TestDetectCategory(t *testing.T) {
	tests := []struct {
		toolID string
		want   template.Category
	}{
		{"code_search", template.CategorySearch},
		{"file_write", template.CategoryFileOperation},
		{"sql_query", template.CategoryDataQuery},
		{"send_email", template.CategoryCommunication},
		{"calculate_totals", template.CategoryCalculation},
		{"run_task", template.CategoryTask},
		{"mystery_tool", template.CategoryGeneric},
		{"", template.CategoryGeneric},
	}

	for _, tt := range tests {
		if got := DetectCategory(tt.toolID); got != tt.want {
			t.Errorf("DetectCategory(%q) = %v, want %v", tt.toolID, got, tt.want)
		}
	}
}

func TestClampContent(t *testing.T) {
	long := strings.Repeat("word ", 50)
	clamped := clampContent(long, 100)
	assert.LessOrEqual(t, len(clamped), 104)
	assert.True(t, strings.HasSuffix(clamped, "…"))

	short := "short response"
	assert.Equal(t, short, clampContent(short, 100))
	assert.Equal(t, short, clampContent(short, 0))
}

func TestClampContentRuneBoundary(t *testing.T) {
	// Each é is two bytes; cutting mid-rune would leave invalid UTF-8.
	accented := strings.Repeat("é", 40)
	for max := 1; max < 12; max++ {
		clamped := clampContent(accented, max)
		assert.True(t, utf8.ValidString(clamped), "max=%d produced invalid UTF-8: %q", max, clamped)
	}

	multi := strings.Repeat("日本語テキスト", 20)
	clamped := clampContent(multi, 50)
	assert.True(t, utf8.ValidString(clamped))
	assert.True(t, strings.HasSuffix(clamped, "…"))
}
