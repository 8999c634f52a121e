package template

import "github.com/odellh/burnish/pkg/config"

// Category classifies the tool whose result is being formatted.
type Category string

const (
	CategorySearch        Category = "search"
	CategoryFileOperation Category = "file_operation"
	CategoryDataQuery     Category = "data_query"
	CategoryCommunication Category = "communication"
	CategoryTask          Category = "task"
	CategoryCalculation   Category = "calculation"
	CategoryGeneric       Category = "generic"
)

// KnownCategories lists every category the catalog seeds.
var KnownCategories = []Category{
	CategorySearch,
	CategoryFileOperation,
	CategoryDataQuery,
	CategoryCommunication,
	CategoryTask,
	CategoryCalculation,
	CategoryGeneric,
}

// Outcome selects which of the three outcome templates applies.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomePartial Outcome = "partial"
)

// Template is one entry of the prompt catalog.
type Template struct {
	Category     Category     `yaml:"category" json:"category"`
	Style        config.Style `yaml:"style" json:"style"`
	SystemPrompt string       `yaml:"system_prompt" json:"system_prompt"`
	Success      string       `yaml:"success" json:"success"`
	Error        string       `yaml:"error" json:"error,omitempty"`
	Partial      string       `yaml:"partial" json:"partial,omitempty"`
	Enabled      bool         `yaml:"enabled" json:"enabled"`
	Priority     int          `yaml:"priority" json:"priority,omitempty"`
}

// ForOutcome returns the outcome-specific template body.
func (t Template) ForOutcome(outcome Outcome) string {
	switch outcome {
	case OutcomeError:
		return t.Error
	case OutcomePartial:
		return t.Partial
	default:
		return t.Success
	}
}
