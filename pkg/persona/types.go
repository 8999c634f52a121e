package persona

// Definition describes a persona profile loaded from config.
type Definition struct {
	Name         string            `yaml:"name"`
	Summary      string            `yaml:"summary"`
	Description  string            `yaml:"description"`
	Traits       []string          `yaml:"traits"`
	Capabilities []string          `yaml:"capabilities"`
	Directives   []string          `yaml:"directives"`
	Voice        map[string]string `yaml:"voice"`
	Style        Style             `yaml:"style"`
}

// Style controls tone and delivery preferences.
type Style struct {
	Tone           string `yaml:"tone"`
	ResponseLength string `yaml:"response_length"`
	EmojiAllowed   bool   `yaml:"emoji_allowed"`
}

// Profile represents a runtime persona with defaults applied.
type Profile struct {
	ID string
	Definition
}
