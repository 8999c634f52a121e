package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
)

// Catalog stores prompt templates keyed by (category, style). Reads dominate;
// writes only happen through Upsert.
type Catalog struct {
	mu       sync.RWMutex
	entries  map[string]Template
	defaults map[Category]config.Style
	generic  map[config.Style]Template
}

// NewCatalog builds a catalog pre-seeded with the built-in templates for
// every known category and canonical style.
func NewCatalog() *Catalog {
	c := &Catalog{
		entries:  make(map[string]Template),
		defaults: make(map[Category]config.Style),
		generic:  make(map[config.Style]Template),
	}
	seedCatalog(c)
	return c
}

func catalogKey(category Category, style config.Style) string {
	return string(category) + "/" + string(style)
}

// Get returns the template for an exact (category, style) pair. Disabled
// templates are treated as absent.
func (c *Catalog) Get(category Category, style config.Style) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tmpl, ok := c.entries[catalogKey(category, style)]
	if !ok || !tmpl.Enabled {
		return Template{}, false
	}
	return tmpl, true
}

// DefaultStyle returns the category's configured default style, if any.
func (c *Catalog) DefaultStyle(category Category) (config.Style, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	style, ok := c.defaults[category]
	return style, ok
}

// Generic returns the minimal style-keyed template used as the last
// fallback step.
func (c *Catalog) Generic(style config.Style) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tmpl, ok := c.generic[style]
	return tmpl, ok
}

// Upsert inserts or replaces a catalog entry. Structurally invalid templates
// are rejected with a configuration error.
func (c *Catalog) Upsert(tmpl Template) error {
	if strings.TrimSpace(string(tmpl.Category)) == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "template category is required")
	}
	if !config.IsValidStyle(tmpl.Style) {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown template style %q", tmpl.Style)).
			WithContext("category", string(tmpl.Category))
	}
	if strings.TrimSpace(tmpl.SystemPrompt) == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "template system prompt is required").
			WithContext("category", string(tmpl.Category))
	}
	if strings.TrimSpace(tmpl.Success) == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "template success body is required").
			WithContext("category", string(tmpl.Category))
	}

	c.mu.Lock()
	c.entries[catalogKey(tmpl.Category, tmpl.Style)] = tmpl
	c.mu.Unlock()
	return nil
}

// SetDefaultStyle sets the fallback style for a category.
func (c *Catalog) SetDefaultStyle(category Category, style config.Style) error {
	if !config.IsValidStyle(style) {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown style %q", style))
	}
	c.mu.Lock()
	c.defaults[category] = style
	c.mu.Unlock()
	return nil
}

// Categories returns all categories with at least one enabled entry.
func (c *Catalog) Categories() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[Category]struct{})
	for _, tmpl := range c.entries {
		if tmpl.Enabled {
			seen[tmpl.Category] = struct{}{}
		}
	}
	out := make([]Category, 0, len(seen))
	for category := range seen {
		out = append(out, category)
	}
	return out
}
