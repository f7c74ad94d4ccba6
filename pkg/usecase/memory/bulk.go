package memory

import (
	"context"
	"strings"

	"github.com/m-mizutani/rapport/pkg/model"
)

// MinBulkLineLength is the shortest line PushBulk stores
const MinBulkLineLength = 15

// BulkResult counts the outcome of PushBulk
type BulkResult struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// PushBulk stores every line of a newline separated or markdown list text as
// a separate learning. The category of each line is guessed from its words.
func (s *Store) PushBulk(ctx context.Context, text, source, project string) (*BulkResult, error) {
	result := &BulkResult{}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*+"))
		if line == "" {
			continue
		}
		if len(line) < MinBulkLineLength {
			result.Skipped++
			continue
		}

		_, created, err := s.Add(ctx, model.LearningDraft{
			Text:     line,
			Category: DetectCategory(line),
			Project:  project,
			Source:   source,
		})
		if err != nil {
			return result, err
		}
		if created {
			result.Stored++
		} else {
			result.Duplicates++
		}
	}

	return result, nil
}

var categoryKeywords = []struct {
	category model.Category
	words    []string
}{
	{model.CategoryCorrection, []string{"actually", "incorrect", "wrong", "instead of", "not true", "misconception"}},
	{model.CategoryArchitecture, []string{"architect", "design", "schema", "tenant", "microservice", "layer", "module boundar"}},
	{model.CategoryDebugging, []string{"bug", "debug", "error", "fix", "crash", "exception", "panic", "stack trace"}},
	{model.CategoryDomainKnowledge, []string{"docker", "kubernetes", "ci/cd", "deploy", "security", "auth", "encrypt", "token", "latency", "throughput", "regulation"}},
	{model.CategoryMeta, []string{"collaborat", "prompt", "workflow", "review process", "communicat"}},
	{model.CategoryCodePattern, []string{"pattern", "idiom", "test", "mock", "cache", "optim", "refactor"}},
}

// DetectCategory guesses a category from keywords; code_pattern is the fallback
func DetectCategory(text string) model.Category {
	lower := strings.ToLower(text)
	for _, entry := range categoryKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.category
			}
		}
	}
	return model.CategoryCodePattern
}
