package formatter

import (
	"strings"

	"github.com/odellh/burnish/pkg/template"
)

// categoryMarkers maps tool-identifier substrings to categories. First
// match in order wins.
var categoryMarkers = []struct {
	markers  []string
	category template.Category
}{
	{[]string{"search", "find", "lookup", "grep"}, template.CategorySearch},
	{[]string{"file", "read", "write", "edit", "mkdir", "delete"}, template.CategoryFileOperation},
	{[]string{"query", "sql", "db", "database", "select"}, template.CategoryDataQuery},
	{[]string{"email", "send", "message", "notify", "slack"}, template.CategoryCommunication},
	{[]string{"calc", "math", "compute", "sum"}, template.CategoryCalculation},
	{[]string{"task", "run", "exec", "schedule", "job"}, template.CategoryTask},
}

// DetectCategory classifies a tool identifier. Unknown tools land in the
// generic category, which always has a template.
func DetectCategory(toolID string) template.Category {
	id := strings.ToLower(strings.TrimSpace(toolID))
	if id == "" {
		return template.CategoryGeneric
	}
	for _, entry := range categoryMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(id, marker) {
				return entry.category
			}
		}
	}
	return template.CategoryGeneric
}
