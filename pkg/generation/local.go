package generation

import (
	"context"
	"strings"

	"github.com/odellh/burnish/pkg/formatter"
)

// LocalGenerator renders responses without a model: the template body
// followed by the tool output. Deployments without a generation endpoint
// still get styled, length-bounded responses this way.
type LocalGenerator struct{}

// NewLocalGenerator creates a model-free generator.
func NewLocalGenerator() *LocalGenerator {
	return &LocalGenerator{}
}

func (g *LocalGenerator) Generate(_ context.Context, req formatter.GenerationRequest) (string, error) {
	var b strings.Builder
	b.WriteString(req.Instruction)
	if payload := strings.TrimSpace(req.ToolPayload); payload != "" {
		b.WriteString("\n\n")
		b.WriteString(payload)
	}
	return b.String(), nil
}
