package persona

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Provider exposes persona profiles keyed by agent id.
type Provider struct {
	personas  map[string]*Profile
	defaultID string
	overrides map[string]string
}

// NewProvider builds a provider from supplied definitions. Agent ids map onto
// persona ids through overrides; unknown agents fall back to the default.
func NewProvider(defaultID string, overrides map[string]string, definitions map[string]Definition) *Provider {
	provider := &Provider{
		personas:  make(map[string]*Profile),
		defaultID: normalizeID(defaultID),
		overrides: make(map[string]string),
	}

	for key, value := range overrides {
		if trimmed := normalizeID(key); trimmed != "" {
			provider.overrides[trimmed] = normalizeID(value)
		}
	}

	if len(definitions) == 0 {
		definitions = map[string]Definition{
			"assistant": defaultDefinition(),
		}
	}

	for id, def := range definitions {
		profile := provider.buildProfile(id, def)
		provider.personas[profile.ID] = profile
	}

	if provider.defaultID == "" {
		provider.defaultID = provider.pickFirstPersonaID()
	}
	if _, ok := provider.personas[provider.defaultID]; !ok {
		if profile, ok := provider.personas["assistant"]; ok {
			provider.defaultID = profile.ID
		} else {
			provider.defaultID = provider.pickFirstPersonaID()
		}
	}

	return provider
}

func (p *Provider) pickFirstPersonaID() string {
	if len(p.personas) == 0 {
		return ""
	}
	ids := make([]string, 0, len(p.personas))
	for id := range p.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0]
}

func (p *Provider) buildProfile(id string, def Definition) *Profile {
	// Ids are stored lowercased so definitions loaded from mixed-case
	// filenames stay reachable through ForAgent's normalized lookup.
	profile := &Profile{
		ID:         normalizeID(id),
		Definition: def,
	}
	if profile.ID == "" {
		profile.ID = fmt.Sprintf("persona-%d", len(p.personas)+1)
	}

	if profile.Name == "" {
		title := cases.Title(language.English)
		profile.Name = title.String(strings.ReplaceAll(profile.ID, "-", " "))
	}
	if profile.Summary == "" {
		profile.Summary = def.Description
	}
	if profile.Style.Tone == "" {
		profile.Style.Tone = "friendly"
	}
	if profile.Style.ResponseLength == "" {
		profile.Style.ResponseLength = "concise"
	}
	if profile.Voice == nil {
		profile.Voice = map[string]string{}
	}
	return profile
}

// ForAgent resolves the persona profile for an agent id.
func (p *Provider) ForAgent(agentID string) *Profile {
	if p == nil || len(p.personas) == 0 {
		return nil
	}
	target := p.defaultID
	key := normalizeID(agentID)
	if profile, ok := p.personas[key]; ok {
		target = profile.ID
	} else if override, ok := p.overrides[key]; ok {
		if _, exists := p.personas[override]; exists {
			target = override
		}
	}
	return p.personas[target]
}

// Profile returns a profile by ID.
func (p *Provider) Profile(id string) *Profile {
	if p == nil {
		return nil
	}
	return p.personas[normalizeID(id)]
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Profiles returns all persona profiles for inspection.
func (p *Provider) Profiles() []*Profile {
	if p == nil {
		return nil
	}
	result := make([]*Profile, 0, len(p.personas))
	for _, profile := range p.personas {
		result = append(result, profile)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Signature returns a stable fingerprint of the profile for cache keys.
// Two profiles with the same styling surface produce the same signature.
func (profile *Profile) Signature() string {
	if profile == nil {
		return "none"
	}
	var b strings.Builder
	b.WriteString(profile.ID)
	b.WriteString("|")
	b.WriteString(profile.Style.Tone)
	b.WriteString("|")
	b.WriteString(profile.Style.ResponseLength)
	b.WriteString("|")
	if profile.Style.EmojiAllowed {
		b.WriteString("emoji")
	}
	for _, trait := range profile.Traits {
		b.WriteString("|")
		b.WriteString(trait)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Section renders a prompt snippet describing the persona.
func (profile *Profile) Section() string {
	if profile == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Persona: %s\n", profile.Name))
	if profile.Summary != "" {
		b.WriteString(fmt.Sprintf("Summary: %s\n", profile.Summary))
	}
	if len(profile.Traits) > 0 {
		b.WriteString("\nTraits:\n")
		for _, trait := range profile.Traits {
			b.WriteString("- " + trait + "\n")
		}
	}
	if len(profile.Directives) > 0 {
		b.WriteString("\nDirectives:\n")
		for _, directive := range profile.Directives {
			b.WriteString("- " + directive + "\n")
		}
	}
	if voice := profile.Voice["default"]; voice != "" {
		b.WriteString("\nVoice:\n- " + voice + "\n")
	}
	return strings.TrimSpace(b.String())
}

func defaultDefinition() Definition {
	return Definition{
		Name:    "Assistant",
		Summary: "Helpful, plain-spoken assistant that reports tool outcomes clearly.",
		Description: "A pragmatic assistant that turns raw tool output into " +
			"readable answers, states what happened, and suggests the next step.",
		Traits: []string{
			"Direct and concrete",
			"Transparent about failures",
			"Focused on the user's stated goal",
		},
		Directives: []string{
			"Lead with the outcome",
			"Keep technical detail proportional to the user's question",
		},
		Voice: map[string]string{
			"default": "Conversational partner that summarizes results and offers next steps.",
		},
		Style: Style{
			Tone:           "friendly",
			ResponseLength: "concise",
		},
	}
}
