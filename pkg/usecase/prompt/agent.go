package prompt

import (
	"bytes"
	_ "embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
)

//go:embed prompt/agent.md
var agentPromptRaw string

//go:embed prompt/execution.md
var executionPrompt string

var agentPromptTmpl = template.Must(template.New("agent").Parse(agentPromptRaw))

// OutputFormat is the shape of the answer expected from a delegated task
type OutputFormat string

const (
	FormatCode   OutputFormat = "code"
	FormatPlan   OutputFormat = "plan"
	FormatReview OutputFormat = "review"
	FormatDiff   OutputFormat = "diff"
)

var formatInstructions = map[OutputFormat]string{
	FormatCode: "Return your solution as code. Include:\n" +
		"1. The complete code, not just snippets\n" +
		"2. Brief comments on key decisions\n" +
		"3. Caveats or assumptions",
	FormatPlan: "Return a detailed implementation plan. Include:\n" +
		"1. Step by step approach\n" +
		"2. Files to create or modify\n" +
		"3. Key decisions and their rationale\n" +
		"4. Potential risks",
	FormatReview: "Provide a thorough review. Include:\n" +
		"1. Issues found: bugs, security, performance\n" +
		"2. Specific suggestions with code examples\n" +
		"3. What is done well\n" +
		"4. Priority ranking of changes",
	FormatDiff: "Return your changes as a unified diff. Include:\n" +
		"1. The diff with context lines\n" +
		"2. A brief explanation of each change\n" +
		"3. Files that need to be created",
}

// OutputFormats returns the supported formats in a fixed order
func OutputFormats() []OutputFormat {
	return []OutputFormat{FormatCode, FormatPlan, FormatReview, FormatDiff}
}

// ParseOutputFormat accepts a format name. An empty name means FormatCode.
func ParseOutputFormat(s string) (OutputFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatCode, nil
	}
	f := OutputFormat(s)
	if _, ok := formatInstructions[f]; !ok {
		return "", goerr.Wrap(model.ErrInvalidInput, "unknown output format", goerr.V("format", s))
	}
	return f, nil
}

// AgentTask is a one-shot task handed to the counterpart
type AgentTask struct {
	Task        string
	Files       string
	Constraints string
	Format      OutputFormat
}

// Render returns the message sent to the counterpart for the task
func (a AgentTask) Render() (string, error) {
	task := strings.TrimSpace(a.Task)
	if task == "" {
		return "", goerr.Wrap(model.ErrInvalidInput, "task is required")
	}
	format := a.Format
	if format == "" {
		format = FormatCode
	}
	instructions, ok := formatInstructions[format]
	if !ok {
		return "", goerr.Wrap(model.ErrInvalidInput, "unknown output format", goerr.V("format", format))
	}

	var buf bytes.Buffer
	if err := agentPromptTmpl.Execute(&buf, struct {
		Task         string
		Files        string
		Constraints  string
		Format       OutputFormat
		Instructions string
	}{
		Task:         task,
		Files:        strings.TrimSpace(a.Files),
		Constraints:  strings.TrimSpace(a.Constraints),
		Format:       format,
		Instructions: instructions,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to render agent prompt")
	}

	return strings.TrimSpace(buf.String()), nil
}
