package consensus

import (
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
)

const (
	DefaultPositiveThreshold  = 0.5
	DefaultNegativeThreshold  = -0.3
	DefaultDisagreementRounds = 3

	latestWeight   = 0.6
	previousWeight = 0.4
	stanceWeight   = 0.8
	overlapWeight  = 0.2
)

// Decision is the outcome of classifying a transcript
type Decision string

const (
	Continue               Decision = "continue"
	ConsensusReached       Decision = "consensus_reached"
	PersistentDisagreement Decision = "persistent_disagreement"
)

// Config holds the tunable thresholds of the detector
type Config struct {
	PositiveThreshold  float64 `yaml:"positive_threshold"`
	NegativeThreshold  float64 `yaml:"negative_threshold"`
	DisagreementRounds int     `yaml:"disagreement_rounds"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		PositiveThreshold:  DefaultPositiveThreshold,
		NegativeThreshold:  DefaultNegativeThreshold,
		DisagreementRounds: DefaultDisagreementRounds,
	}
}

// Validate checks that thresholds are ordered and within the score range
func (c Config) Validate() error {
	if c.PositiveThreshold <= c.NegativeThreshold {
		return goerr.Wrap(model.ErrInvalidInput, "positive threshold must be greater than negative threshold",
			goerr.V("positive", c.PositiveThreshold),
			goerr.V("negative", c.NegativeThreshold))
	}
	if c.PositiveThreshold > 1 || c.NegativeThreshold < -1 {
		return goerr.Wrap(model.ErrInvalidInput, "thresholds must be within [-1, 1]",
			goerr.V("positive", c.PositiveThreshold),
			goerr.V("negative", c.NegativeThreshold))
	}
	if c.DisagreementRounds < 1 {
		return goerr.Wrap(model.ErrInvalidInput, "disagreement rounds must be positive",
			goerr.V("rounds", c.DisagreementRounds))
	}
	return nil
}

// Detector scores agreement between the two participants of a transcript.
// It holds no state; the same transcript always yields the same result.
type Detector struct {
	cfg Config
}

// New creates a Detector. Use DefaultConfig for the standard thresholds.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the thresholds in use
func (d *Detector) Config() Config {
	return d.cfg
}

// Score rates the latest exchange (the last two messages) in [-1, 1]
func (d *Detector) Score(messages []model.Message) float64 {
	switch len(messages) {
	case 0:
		return 0
	case 1:
		return clamp(stanceWeight * latestWeight * Stance(messages[0].Text))
	}

	prev := messages[len(messages)-2].Text
	latest := messages[len(messages)-1].Text

	stance := latestWeight*Stance(latest) + previousWeight*Stance(prev)
	return clamp(stanceWeight*stance + overlapWeight*overlap(prev, latest))
}

// RoundScores returns the score of every completed round. A round is a
// caller message followed by the counterpart reply.
func (d *Detector) RoundScores(messages []model.Message) []float64 {
	scores := make([]float64, 0, len(messages)/2)
	for end := 2; end <= len(messages); end += 2 {
		scores = append(scores, d.Score(messages[:end]))
	}
	return scores
}

// Classify decides whether the collaboration should continue
func (d *Detector) Classify(messages []model.Message) Decision {
	scores := d.RoundScores(messages)
	if len(scores) == 0 {
		return Continue
	}

	if scores[len(scores)-1] > d.cfg.PositiveThreshold {
		return ConsensusReached
	}

	n := d.cfg.DisagreementRounds
	if len(scores) >= n {
		disagreed := true
		for _, s := range scores[len(scores)-n:] {
			if s >= d.cfg.NegativeThreshold {
				disagreed = false
				break
			}
		}
		if disagreed {
			return PersistentDisagreement
		}
	}

	return Continue
}

// Marker is an explicit status declared by a participant
type Marker string

const (
	MarkerAgree    Marker = "AGREE"
	MarkerDisagree Marker = "DISAGREE"
	MarkerPartial  Marker = "PARTIAL"
	MarkerProposal Marker = "PROPOSAL"
	MarkerNeedInfo Marker = "NEED_INFO"
)

var markerStance = map[Marker]float64{
	MarkerAgree:    1,
	MarkerDisagree: -1,
	MarkerPartial:  0.25,
	MarkerProposal: 0,
	MarkerNeedInfo: 0,
}

var (
	statusPattern         = regexp.MustCompile(`(?i)\[STATUS:\s*(AGREE|DISAGREE|PARTIAL|PROPOSAL|NEED_INFO)\b[^\]]*\]`)
	trailingStatusPattern = regexp.MustCompile(`(?i)\s*\[STATUS:[^\]]*\]\s*$`)

	contradictPatterns = compileAll(
		`\bdisagree\b`,
		`\b(?:do not|don't|can't|cannot)\s+agree\b`,
		`\bnot\s+(?:convinced|sure that|correct|a good idea)\b`,
		`\bi\s+(?:do not|don't)\s+think\b`,
		`\b(?:incorrect|wrong|flawed|mistaken)\b`,
		`\bthat won't work\b`,
		`\bpush back\b`,
		`\bi object\b`,
	)
	affirmPatterns = compileAll(
		`\bagree[sd]?\b`,
		`\bsounds good\b`,
		`\bmakes sense\b`,
		`\bgood (?:point|idea|call)\b`,
		`\bexactly\b`,
		`\bthat works\b`,
		`\blgtm\b`,
		`\bfully support\b`,
		`\bconvinced\b`,
		`\bcorrect\b`,
	)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		res[i] = regexp.MustCompile(`(?i)` + e)
	}
	return res
}

// FindMarker returns the last explicit status marker in text
func FindMarker(text string) (Marker, bool) {
	matches := statusPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return Marker(strings.ToUpper(matches[len(matches)-1][1])), true
}

// Stance rates a single message in [-1, 1]. An explicit status marker wins;
// otherwise affirming and contradicting phrases are counted.
func Stance(text string) float64 {
	if m, ok := FindMarker(text); ok {
		return markerStance[m]
	}

	var contradict int
	for _, re := range contradictPatterns {
		contradict += len(re.FindAllStringIndex(text, -1))
		// negated phrases must not count as affirmation below
		text = re.ReplaceAllString(text, " ")
	}

	var affirm int
	for _, re := range affirmPatterns {
		affirm += len(re.FindAllStringIndex(text, -1))
	}

	if affirm+contradict == 0 {
		return 0
	}
	return float64(affirm-contradict) / float64(affirm+contradict)
}

// StripStatus removes a trailing status marker for display
func StripStatus(text string) string {
	return strings.TrimSpace(trailingStatusPattern.ReplaceAllString(text, ""))
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {}, "you": {},
	"are": {}, "but": {}, "not": {}, "have": {}, "was": {}, "will": {}, "can": {},
	"should": {}, "would": {}, "could": {}, "from": {}, "about": {}, "what": {},
	"which": {}, "there": {}, "their": {}, "then": {}, "than": {}, "into": {},
	"also": {}, "its": {}, "our": {}, "your": {}, "they": {}, "them": {}, "use": {},
	"status": {}, "agree": {}, "disagree": {}, "think": {},
}

// ContentWords returns the distinct lower-cased words of text that carry meaning
func ContentWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		words[w] = struct{}{}
	}
	return words
}

// overlap is the Jaccard index of the content words of both texts
func overlap(a, b string) float64 {
	wa := ContentWords(statusPattern.ReplaceAllString(a, " "))
	wb := ContentWords(statusPattern.ReplaceAllString(b, " "))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	var inter int
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
