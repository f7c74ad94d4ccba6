package prompt

import (
	"bytes"
	"context"
	_ "embed"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
)

const (
	// DefaultBudget is the prompt size limit in bytes for a single call
	DefaultBudget = 28000
	// DefaultSessionBudget is the prompt size limit in bytes for collaboration sessions
	DefaultSessionBudget = 175000

	DefaultName = "Grok"

	learningsHeader = "## Accumulated Learnings"
)

//go:embed prompt/identity.md
var identityPromptRaw string

//go:embed prompt/memory.md
var memoryPrompt string

//go:embed prompt/collaboration.md
var collaborationPrompt string

//go:embed prompt/task.md
var taskPromptRaw string

var (
	identityPromptTmpl = template.Must(template.New("identity").Parse(identityPromptRaw))
	taskPromptTmpl     = template.Must(template.New("task").Parse(taskPromptRaw))
)

// Source provides the learnings a prompt is built from
type Source interface {
	All(ctx context.Context) ([]*model.Learning, error)
}

// Builder assembles system prompts for the counterpart agent from a fixed
// preamble and as many relevant learnings as fit into a byte budget.
type Builder struct {
	source Source
	name   string
}

// Option is a functional option for Builder
type Option func(*Builder)

// WithName sets the name the counterpart is addressed by
func WithName(name string) Option {
	return func(b *Builder) {
		if name != "" {
			b.name = name
		}
	}
}

// New creates a Builder reading learnings from source
func New(source Source, opts ...Option) *Builder {
	b := &Builder{
		source: source,
		name:   DefaultName,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type buildConfig struct {
	collaboration bool
	execution     bool
	taskContext   string
}

// BuildOption changes what goes into the preamble
type BuildOption func(*buildConfig)

// WithCollaboration adds the collaboration protocol and the task section
func WithCollaboration() BuildOption {
	return func(c *buildConfig) {
		c.collaboration = true
	}
}

// WithExecution adds the instructions for a task the counterpart completes alone
func WithExecution() BuildOption {
	return func(c *buildConfig) {
		c.execution = true
	}
}

// WithTaskContext adds background information to the task section
func WithTaskContext(taskContext string) BuildOption {
	return func(c *buildConfig) {
		c.taskContext = taskContext
	}
}

// PromptContext is a built system prompt. Size is len(Prompt) in bytes and
// never exceeds Budget.
type PromptContext struct {
	Prompt    string
	Learnings []*model.Learning
	Size      int
	Budget    int
}

// Build returns a system prompt for task within budget bytes. A budget of
// zero or less means DefaultBudget.
func (b *Builder) Build(ctx context.Context, task, project string, budget int, opts ...BuildOption) (*PromptContext, error) {
	var cfg buildConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if budget <= 0 {
		budget = DefaultBudget
	}

	preamble, err := b.preamble(task, project, cfg)
	if err != nil {
		return nil, err
	}
	if len(preamble) > budget {
		return nil, goerr.Wrap(model.ErrInvalidInput, "budget is smaller than the prompt preamble",
			goerr.V("budget", budget),
			goerr.V("preamble_size", len(preamble)))
	}

	learnings, err := b.source.All(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load learnings")
	}
	Rank(learnings, task, project)

	var (
		buf      strings.Builder
		included []*model.Learning
	)
	buf.WriteString(preamble)

	for _, l := range learnings {
		var chunk string
		if len(included) == 0 {
			chunk = "\n\n" + learningsHeader + "\n" + formatLearning(l)
		} else {
			chunk = "\n" + formatLearning(l)
		}
		if buf.Len()+len(chunk) > budget {
			break
		}
		buf.WriteString(chunk)
		included = append(included, l)
	}

	return &PromptContext{
		Prompt:    buf.String(),
		Learnings: included,
		Size:      buf.Len(),
		Budget:    budget,
	}, nil
}

func (b *Builder) preamble(task, project string, cfg buildConfig) (string, error) {
	var identity bytes.Buffer
	if err := identityPromptTmpl.Execute(&identity, struct {
		Name    string
		Project string
	}{Name: b.name, Project: project}); err != nil {
		return "", goerr.Wrap(err, "failed to render identity prompt")
	}

	parts := []string{
		strings.TrimSpace(identity.String()),
		strings.TrimSpace(memoryPrompt),
	}

	if cfg.execution {
		parts = append(parts, strings.TrimSpace(executionPrompt))
	}

	if cfg.collaboration {
		var taskSection bytes.Buffer
		if err := taskPromptTmpl.Execute(&taskSection, struct {
			Task    string
			Context string
		}{Task: task, Context: strings.TrimSpace(cfg.taskContext)}); err != nil {
			return "", goerr.Wrap(err, "failed to render task prompt")
		}
		parts = append(parts,
			strings.TrimSpace(collaborationPrompt),
			strings.TrimSpace(taskSection.String()),
		)
	}

	return strings.Join(parts, "\n\n"), nil
}

func formatLearning(l *model.Learning) string {
	line := "- [" + string(l.Category) + "] " + strings.Join(strings.Fields(l.Text), " ")
	if l.Project != "" {
		line += " (project: " + l.Project + ")"
	}
	return line
}

var taskCategoryKeywords = map[model.Category][]string{
	model.CategoryArchitecture:    {"architecture", "design", "structure", "schema", "service", "module", "api", "scale", "system"},
	model.CategoryCodePattern:     {"code", "implement", "refactor", "function", "pattern", "test", "review", "library"},
	model.CategoryDebugging:       {"bug", "debug", "error", "crash", "fail", "failing", "panic", "fix", "trace", "leak"},
	model.CategoryDomainKnowledge: {"domain", "business", "deploy", "infra", "security", "performance", "latency", "cost"},
	model.CategoryMeta:            {"collaborate", "process", "workflow", "plan", "prompt"},
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

func tokens(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) >= 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

// projectTier orders learnings of the current project first, then global
// ones, then learnings of other projects
func projectTier(l *model.Learning, project string) int {
	switch {
	case project != "" && l.Project == project:
		return 0
	case l.IsGlobal():
		return 1
	default:
		return 2
	}
}

// relevance is 1 for a category matching the task keywords plus the share
// of task words found in the learning text
func relevance(l *model.Learning, taskWords map[string]struct{}, categories map[model.Category]bool) float64 {
	var score float64
	if categories[l.Category] {
		score++
	}
	if len(taskWords) > 0 {
		var hit int
		for w := range tokens(l.Text) {
			if _, ok := taskWords[w]; ok {
				hit++
			}
		}
		score += float64(hit) / float64(len(taskWords))
	}
	return score
}

// Rank sorts learnings for inclusion in a prompt: project tier, relevance to
// the task, recency, then id.
func Rank(learnings []*model.Learning, task, project string) {
	taskWords := tokens(task)
	categories := make(map[model.Category]bool)
	for cat, words := range taskCategoryKeywords {
		for _, w := range words {
			if _, ok := taskWords[w]; ok {
				categories[cat] = true
				break
			}
		}
	}

	scores := make(map[model.LearningID]float64, len(learnings))
	for _, l := range learnings {
		scores[l.ID] = relevance(l, taskWords, categories)
	}

	sort.SliceStable(learnings, func(i, j int) bool {
		a, b := learnings[i], learnings[j]
		if ta, tb := projectTier(a, project), projectTier(b, project); ta != tb {
			return ta < tb
		}
		if sa, sb := scores[a.ID], scores[b.ID]; sa != sb {
			return sa > sb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
