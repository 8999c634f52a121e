package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/logging"
)

// Source records which step of the fallback chain produced a selection.
type Source string

const (
	SourceExact           Source = "exact"
	SourceCategoryDefault Source = "category_default"
	SourceConversational  Source = "conversational"
	SourceGeneric         Source = "generic"
)

// Selection is a resolved template plus the outcome body to render with.
type Selection struct {
	Template Template
	Body     string
	Source   Source
}

// Request carries everything the selector needs to resolve and cache a
// template. AdaptFlags folds in any adaptive adjustments so a tuned and an
// untuned request never share a cache entry.
type Request struct {
	Category         Category
	Style            config.Style
	PersonaSignature string
	Outcome          Outcome
	AdaptFlags       string

	// SkipCache resolves through the fallback chain without reading or
	// populating the memoized selections. Set when the effective config
	// disables caching for the agent.
	SkipCache bool
}

func (r Request) cacheKey() string {
	return strings.Join([]string{
		string(r.Category), string(r.Style), r.PersonaSignature,
		string(r.Outcome), r.AdaptFlags,
	}, "|")
}

// Selector resolves templates through the fallback chain and memoizes
// results in an expiring LRU. Concurrent misses for the same key collapse
// into a single resolution.
type Selector struct {
	catalog *Catalog
	cache   *expirable.LRU[string, Selection]
	group   singleflight.Group
	logger  *logging.Logger
}

// NewSelector wraps a catalog with a cache of the given size and TTL.
// A size of zero disables caching.
func NewSelector(catalog *Catalog, size int, ttl time.Duration, logger *logging.Logger) *Selector {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Selector{catalog: catalog, logger: logger}
	if size > 0 {
		s.cache = expirable.NewLRU[string, Selection](size, nil, ttl)
	}
	return s
}

// Select resolves a template for the request. The bool reports whether the
// selection came from cache. Selection never fails while the catalog holds
// its seeded generic entries; the error path exists for catalogs that have
// been stripped by configuration.
func (s *Selector) Select(req Request) (Selection, bool, error) {
	if req.SkipCache {
		sel, err := s.resolve(req)
		if err != nil {
			return Selection{}, false, err
		}
		return sel, false, nil
	}

	key := req.cacheKey()
	if s.cache != nil {
		if sel, ok := s.cache.Get(key); ok {
			return sel, true, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		sel, err := s.resolve(req)
		if err != nil {
			return Selection{}, err
		}
		if s.cache != nil {
			s.cache.Add(key, sel)
		}
		return sel, nil
	})
	if err != nil {
		return Selection{}, false, err
	}
	return v.(Selection), false, nil
}

// Invalidate drops all cached selections. Called after catalog updates.
func (s *Selector) Invalidate() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

func (s *Selector) resolve(req Request) (Selection, error) {
	if tmpl, ok := s.catalog.Get(req.Category, req.Style); ok {
		return selection(tmpl, req.Outcome, SourceExact), nil
	}

	if def, ok := s.catalog.DefaultStyle(req.Category); ok && def != req.Style {
		if tmpl, ok := s.catalog.Get(req.Category, def); ok {
			s.logFallback(req, SourceCategoryDefault)
			return selection(tmpl, req.Outcome, SourceCategoryDefault), nil
		}
	}

	if req.Style != config.StyleConversational {
		if tmpl, ok := s.catalog.Get(req.Category, config.StyleConversational); ok {
			s.logFallback(req, SourceConversational)
			return selection(tmpl, req.Outcome, SourceConversational), nil
		}
	}

	if tmpl, ok := s.catalog.Generic(req.Style); ok {
		s.logFallback(req, SourceGeneric)
		return selection(tmpl, req.Outcome, SourceGeneric), nil
	}

	return Selection{}, errors.New(errors.ErrCodeTemplateNotFound,
		fmt.Sprintf("no template for category %q style %q", req.Category, req.Style))
}

func selection(tmpl Template, outcome Outcome, source Source) Selection {
	return Selection{Template: tmpl, Body: tmpl.ForOutcome(outcome), Source: source}
}

func (s *Selector) logFallback(req Request, source Source) {
	s.logger.Debug(logging.CategoryTemplate, "template_fallback",
		"template lookup fell back", map[string]any{
			"category": string(req.Category),
			"style":    string(req.Style),
			"source":   string(source),
		})
}
