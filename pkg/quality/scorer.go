package quality

import (
	"strings"
	"unicode"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/logging"
)

// NeutralScore is the conservative sub-score used when scoring fails
// internally. Scoring is total: callers always receive a complete vector.
const NeutralScore = 0.5

// Metrics holds the named [0,1] sub-scores and the weighted overall score.
type Metrics struct {
	Relevance          float64 `json:"relevance"`
	PersonaConsistency float64 `json:"persona_consistency"`
	Clarity            float64 `json:"clarity"`
	Actionability      float64 `json:"actionability"`
	LengthFit          float64 `json:"length_fit"`
	ToneFit            float64 `json:"tone_fit"`
	BusinessAlignment  float64 `json:"business_alignment"`
	Engagement         float64 `json:"engagement"`
	Overall            float64 `json:"overall"`
}

// Context carries the request-side features scoring reads.
type Context struct {
	UserMessage   string
	Intent        string
	Category      string
	Style         config.Style
	TargetLength  int
	EmojiEnabled  bool
	PersonaTraits []string
	ToolSuccess   bool
}

// Scorer computes quality metrics for candidate responses.
type Scorer struct {
	logger *logging.Logger
}

// NewScorer constructs a scorer.
func NewScorer(logger *logging.Logger) *Scorer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scorer{logger: logger}
}

// Score computes all sub-scores and the weighted overall score. It never
// returns an error: internal failures produce the neutral fallback vector.
// weightOverrides, when non-empty, replaces the default weight vector.
func (s *Scorer) Score(responseText string, ctx Context, weightOverrides map[string]float64) (metrics Metrics) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(logging.CategoryScoring, "score_panic", "scoring failed, using neutral fallback", map[string]any{
				"category": ctx.Category,
				"panic":    r,
			})
			metrics = NeutralFallback()
		}
	}()

	weights := weightOverrides
	if len(weights) == 0 {
		weights = config.DefaultQualityWeights()
	}

	metrics = Metrics{
		Relevance:          clamp(scoreRelevance(responseText, ctx)),
		PersonaConsistency: clamp(scorePersonaConsistency(responseText, ctx)),
		Clarity:            clamp(scoreClarity(responseText)),
		Actionability:      clamp(scoreActionability(responseText)),
		LengthFit:          clamp(scoreLengthFit(responseText, ctx.TargetLength)),
		ToneFit:            clamp(scoreToneFit(responseText, ctx)),
		BusinessAlignment:  clamp(scoreBusinessAlignment(responseText)),
		Engagement:         clamp(scoreEngagement(responseText)),
	}
	metrics.Overall = clamp(weightedOverall(metrics, weights))
	return metrics
}

// NeutralFallback returns the documented conservative vector.
func NeutralFallback() Metrics {
	return Metrics{
		Relevance:          NeutralScore,
		PersonaConsistency: NeutralScore,
		Clarity:            NeutralScore,
		Actionability:      NeutralScore,
		LengthFit:          NeutralScore,
		ToneFit:            NeutralScore,
		BusinessAlignment:  NeutralScore,
		Engagement:         NeutralScore,
		Overall:            NeutralScore,
	}
}

// Subscores maps weight-vector keys onto sub-score values.
func (m Metrics) Subscores() map[string]float64 {
	return map[string]float64{
		config.WeightRelevance:          m.Relevance,
		config.WeightPersonaConsistency: m.PersonaConsistency,
		config.WeightClarity:            m.Clarity,
		config.WeightActionability:      m.Actionability,
		config.WeightLengthFit:          m.LengthFit,
		config.WeightToneFit:            m.ToneFit,
		config.WeightBusinessAlignment:  m.BusinessAlignment,
		config.WeightEngagement:         m.Engagement,
	}
}

// weightedOverall averages sub-scores by the weights actually present,
// normalized by their sum. Unknown weight keys are ignored.
func weightedOverall(m Metrics, weights map[string]float64) float64 {
	subs := m.Subscores()
	total := 0.0
	weightSum := 0.0
	for key, weight := range weights {
		value, ok := subs[key]
		if !ok || weight <= 0 {
			continue
		}
		total += value * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return NeutralScore
	}
	return total / weightSum
}

// scoreRelevance measures token overlap between the user message (plus
// intent) and the response.
func scoreRelevance(response string, ctx Context) float64 {
	queryTokens := tokenize(ctx.UserMessage + " " + ctx.Intent)
	if len(queryTokens) == 0 {
		return NeutralScore
	}
	responseTokens := tokenize(response)
	if len(responseTokens) == 0 {
		return 0
	}

	matched := 0
	for token := range queryTokens {
		if _, ok := responseTokens[token]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

func scorePersonaConsistency(response string, ctx Context) float64 {
	if len(ctx.PersonaTraits) == 0 {
		return NeutralScore
	}
	lower := strings.ToLower(response)
	score := NeutralScore

	// Emoji use against the persona's emoji policy.
	emoji := countEmoji(response)
	if !ctx.EmojiEnabled && emoji > 0 {
		score -= 0.2
	}
	if ctx.EmojiEnabled && emoji > 0 {
		score += 0.1
	}

	// Trait keywords appearing in the response nudge the score up.
	for _, trait := range ctx.PersonaTraits {
		for token := range tokenize(trait) {
			if len(token) > 4 && strings.Contains(lower, token) {
				score += 0.05
				break
			}
		}
	}
	return score
}

// scoreClarity rewards moderate sentence lengths and penalizes run-ons.
func scoreClarity(response string) float64 {
	sentences := splitSentences(response)
	if len(sentences) == 0 {
		return 0
	}

	score := 1.0
	longCount := 0
	totalWords := 0
	for _, sentence := range sentences {
		words := len(strings.Fields(sentence))
		totalWords += words
		if words > 30 {
			longCount++
		}
	}
	avg := float64(totalWords) / float64(len(sentences))
	if avg > 25 {
		score -= 0.3
	} else if avg < 4 {
		score -= 0.2
	}
	score -= 0.15 * float64(longCount)
	return score
}

var actionMarkers = []string{
	"you can", "try ", "next step", "next,", "run ", "click", "use ",
	"consider", "recommend", "should", "let me know", "to fix",
}

func scoreActionability(response string) float64 {
	lower := strings.ToLower(response)
	score := 0.3
	for _, marker := range actionMarkers {
		if strings.Contains(lower, marker) {
			score += 0.15
		}
	}
	// Structural markers: lists read as actionable.
	if strings.Contains(response, "\n-") || strings.Contains(response, "\n1.") {
		score += 0.15
	}
	return score
}

// scoreLengthFit compares the response length against the target. At or
// under target scores proportionally to how much of the budget is used;
// overruns decay linearly to zero at double the target.
func scoreLengthFit(response string, target int) float64 {
	if target <= 0 {
		target = config.DefaultMaxLength
	}
	length := len(response)
	if length == 0 {
		return 0
	}
	ratio := float64(length) / float64(target)
	switch {
	case ratio <= 0.2:
		return 0.5 + ratio // very short answers lose half the credit
	case ratio <= 1.0:
		return 1.0
	case ratio >= 2.0:
		return 0
	default:
		return 2.0 - ratio
	}
}

func scoreToneFit(response string, ctx Context) float64 {
	lower := strings.ToLower(response)
	exclamations := strings.Count(response, "!")
	contractions := countAny(lower, []string{"'s ", "'re ", "'ll ", "'ve ", "n't "})
	emoji := countEmoji(response)

	score := 0.7
	switch ctx.Style {
	case config.StyleProfessional:
		if exclamations > 1 {
			score -= 0.2
		}
		if emoji > 0 {
			score -= 0.2
		}
		if contractions == 0 {
			score += 0.2
		}
	case config.StyleConversational:
		if contractions > 0 {
			score += 0.2
		}
		if exclamations > 0 && exclamations <= 2 {
			score += 0.1
		}
	case config.StyleConcise:
		if len(response) < 400 {
			score += 0.3
		} else {
			score -= 0.2
		}
	case config.StyleDetailed:
		if len(splitSentences(response)) >= 3 {
			score += 0.3
		}
	}
	if !ctx.EmojiEnabled && emoji > 0 {
		score -= 0.2
	}
	return score
}

var businessMarkers = []string{
	"completed", "resolved", "saved", "improved", "reduced", "result",
	"successfully", "delivered", "ready", "available",
}

func scoreBusinessAlignment(response string) float64 {
	tokens := tokenize(response)
	if len(tokens) == 0 {
		return 0
	}
	lower := strings.ToLower(response)
	hits := 0
	for _, marker := range businessMarkers {
		if strings.Contains(lower, marker) {
			hits++
		}
	}
	// Two or more marker families present reads as fully aligned.
	return 0.4 + 0.3*float64(min(hits, 2))
}

func scoreEngagement(response string) float64 {
	lower := strings.ToLower(response)
	score := 0.3
	if strings.Contains(response, "?") {
		score += 0.2
	}
	if strings.Contains(lower, "you") {
		score += 0.2
	}
	if countAny(lower, []string{"let me know", "happy to", "want me to", "anything else"}) > 0 {
		score += 0.2
	}
	return score
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if len(field) < 3 || isStopword(field) {
			continue
		}
		out[field] = struct{}{}
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "you": {},
	"your": {}, "that": {}, "this": {}, "with": {}, "have": {}, "has": {},
	"can": {}, "will": {}, "what": {}, "how": {}, "please": {},
}

func isStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	sentences := make([]string, 0, len(raw))
	for _, part := range raw {
		if strings.TrimSpace(part) != "" {
			sentences = append(sentences, part)
		}
	}
	return sentences
}

func countEmoji(text string) int {
	count := 0
	for _, r := range text {
		if (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) {
			count++
		}
	}
	return count
}

func countAny(text string, needles []string) int {
	count := 0
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			count++
		}
	}
	return count
}

func clamp(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
