package formatter

import (
	"context"

	"github.com/odellh/burnish/pkg/config"
)

// GenerationRequest is the input to the external language-model call.
type GenerationRequest struct {
	SystemPrompt   string
	Instruction    string
	PersonaSection string
	ToolPayload    string
	UserMessage    string
	Style          config.Style
	MaxLength      int
	EmojiEnabled   bool
}

// Generator turns a template plus context into prose. Implementations wrap
// whatever model backend the deployment uses; errors and timeouts are
// recovered by the orchestrator, never surfaced to its caller.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return f(ctx, req)
}
