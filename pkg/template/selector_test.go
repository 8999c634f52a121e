package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/logging"
)

func newTestSelector(t *testing.T, catalog *Catalog) *Selector {
	t.Helper()
	return NewSelector(catalog, 64, time.Minute, logging.NewNopLogger())
}

func disable(t *testing.T, c *Catalog, category Category, style config.Style) {
	t.Helper()
	tmpl, ok := c.entries[catalogKey(category, style)]
	require.True(t, ok, "seed entry missing for %s/%s", category, style)
	tmpl.Enabled = false
	c.entries[catalogKey(category, style)] = tmpl
}

func TestSelect_CoversEveryCategoryAndStyle(t *testing.T) {
	s := newTestSelector(t, NewCatalog())
	outcomes := []Outcome{OutcomeSuccess, OutcomeError, OutcomePartial}

	for _, category := range KnownCategories {
		for _, style := range config.CanonicalStyles {
			for _, outcome := range outcomes {
				sel, _, err := s.Select(Request{
					Category: category,
					Style:    style,
					Outcome:  outcome,
				})
				require.NoError(t, err, "%s/%s/%s", category, style, outcome)
				assert.NotEmpty(t, sel.Body)
				assert.NotEmpty(t, sel.Template.SystemPrompt)
				assert.Equal(t, SourceExact, sel.Source)
			}
		}
	}
}

func TestSelect_FallbackChain(t *testing.T) {
	t.Run("category default style", func(t *testing.T) {
		c := NewCatalog()
		require.NoError(t, c.SetDefaultStyle(CategorySearch, config.StyleDetailed))
		disable(t, c, CategorySearch, config.StyleProfessional)

		sel, _, err := newTestSelector(t, c).Select(Request{
			Category: CategorySearch,
			Style:    config.StyleProfessional,
			Outcome:  OutcomeSuccess,
		})
		require.NoError(t, err)
		assert.Equal(t, SourceCategoryDefault, sel.Source)
		assert.Equal(t, config.StyleDetailed, sel.Template.Style)
	})

	t.Run("conversational fallback", func(t *testing.T) {
		c := NewCatalog()
		require.NoError(t, c.SetDefaultStyle(CategoryTask, config.StyleDetailed))
		disable(t, c, CategoryTask, config.StyleConcise)
		disable(t, c, CategoryTask, config.StyleDetailed)

		sel, _, err := newTestSelector(t, c).Select(Request{
			Category: CategoryTask,
			Style:    config.StyleConcise,
			Outcome:  OutcomeSuccess,
		})
		require.NoError(t, err)
		assert.Equal(t, SourceConversational, sel.Source)
		assert.Equal(t, config.StyleConversational, sel.Template.Style)
	})

	t.Run("generic fallback", func(t *testing.T) {
		c := NewCatalog()
		for _, style := range config.CanonicalStyles {
			disable(t, c, CategoryCalculation, style)
		}

		sel, _, err := newTestSelector(t, c).Select(Request{
			Category: CategoryCalculation,
			Style:    config.StyleConcise,
			Outcome:  OutcomeError,
		})
		require.NoError(t, err)
		assert.Equal(t, SourceGeneric, sel.Source)
		assert.Equal(t, config.StyleConcise, sel.Template.Style)
	})

	t.Run("exhausted chain", func(t *testing.T) {
		c := &Catalog{
			entries:  make(map[string]Template),
			defaults: make(map[Category]config.Style),
			generic:  make(map[config.Style]Template),
		}

		_, _, err := newTestSelector(t, c).Select(Request{
			Category: CategorySearch,
			Style:    config.StyleConcise,
			Outcome:  OutcomeSuccess,
		})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeTemplateNotFound))
	})
}

func TestSelect_CacheBehavior(t *testing.T) {
	s := newTestSelector(t, NewCatalog())
	req := Request{
		Category:         CategorySearch,
		Style:            config.StyleConversational,
		PersonaSignature: "abc123",
		Outcome:          OutcomeSuccess,
	}

	_, hit, err := s.Select(req)
	require.NoError(t, err)
	assert.False(t, hit)

	_, hit, err = s.Select(req)
	require.NoError(t, err)
	assert.True(t, hit)

	// Adaptive flags fork the key.
	tuned := req
	tuned.AdaptFlags = "shortened"
	_, hit, err = s.Select(tuned)
	require.NoError(t, err)
	assert.False(t, hit)

	s.Invalidate()
	_, hit, err = s.Select(req)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSelect_SkipCacheBypassesMemoization(t *testing.T) {
	s := newTestSelector(t, NewCatalog())
	req := Request{
		Category:         CategorySearch,
		Style:            config.StyleConversational,
		PersonaSignature: "abc123",
		Outcome:          OutcomeSuccess,
	}

	skip := req
	skip.SkipCache = true
	_, hit, err := s.Select(skip)
	require.NoError(t, err)
	assert.False(t, hit)

	// A bypassed selection must not have populated the cache.
	_, hit, err = s.Select(req)
	require.NoError(t, err)
	assert.False(t, hit)

	// And once cached, a bypassing request still resolves fresh.
	_, hit, err = s.Select(skip)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSelect_ZeroSizeDisablesCache(t *testing.T) {
	s := NewSelector(NewCatalog(), 0, time.Minute, nil)
	req := Request{Category: CategoryTask, Style: config.StyleConcise, Outcome: OutcomeSuccess}

	for i := 0; i < 2; i++ {
		_, hit, err := s.Select(req)
		require.NoError(t, err)
		assert.False(t, hit)
	}
}

func TestCatalog_Upsert(t *testing.T) {
	valid := Template{
		Category:     CategorySearch,
		Style:        config.StyleConcise,
		SystemPrompt: "rewrite the output",
		Success:      "present the result",
		Enabled:      true,
	}

	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr bool
	}{
		{"valid", func(*Template) {}, false},
		{"missing category", func(tm *Template) { tm.Category = "" }, true},
		{"unknown style", func(tm *Template) { tm.Style = "sarcastic" }, true},
		{"empty system prompt", func(tm *Template) { tm.SystemPrompt = "  " }, true},
		{"empty success body", func(tm *Template) { tm.Success = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCatalog()
			tmpl := valid
			tt.mutate(&tmpl)
			err := c.Upsert(tmpl)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
				return
			}
			require.NoError(t, err)
			got, ok := c.Get(tmpl.Category, tmpl.Style)
			require.True(t, ok)
			assert.Equal(t, tmpl.SystemPrompt, got.SystemPrompt)
		})
	}
}

func TestTemplate_ForOutcome(t *testing.T) {
	tmpl := Template{Success: "s", Error: "e", Partial: "p"}
	assert.Equal(t, "s", tmpl.ForOutcome(OutcomeSuccess))
	assert.Equal(t, "e", tmpl.ForOutcome(OutcomeError))
	assert.Equal(t, "p", tmpl.ForOutcome(OutcomePartial))
	assert.Equal(t, "s", tmpl.ForOutcome("unknown"))
}
