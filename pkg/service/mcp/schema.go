package mcp

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
)

// categoryEnum lists the fixed categories
func categoryEnum() []any {
	values := make([]any, 0, len(model.Categories()))
	for _, c := range model.Categories() {
		values = append(values, string(c))
	}
	return values
}

func memoryPushSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text": {
				Type:        "string",
				Description: "The learning itself, or newline separated learnings when bulk is true",
				MinLength:   ptr(1),
			},
			"category": {
				Type:        "string",
				Description: "Category of the learning. Guessed from the text when omitted",
				Enum:        categoryEnum(),
			},
			"project": {
				Type:        "string",
				Description: "Project the learning belongs to. Omit for a global learning",
			},
			"source": {
				Type:        "string",
				Description: "Who produced the learning",
			},
			"bulk": {
				Type:        "boolean",
				Description: "Split text into one learning per line",
			},
		},
		Required: []string{"text"},
	}
}

func memoryPullSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"project": {
				Type:        "string",
				Description: "Return learnings of this project and global learnings",
			},
			"category": {
				Type:        "string",
				Description: "Only return learnings of this category",
				Enum:        categoryEnum(),
			},
			"since": {
				Type:        "string",
				Description: "Only return learnings created at or after this RFC 3339 time",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of learnings. Defaults to 50",
				Minimum:     ptr(0.0),
			},
			"exact": {
				Type:        "boolean",
				Description: "Exclude global learnings when project is set",
			},
		},
	}
}

func executeTaskSchema() *jsonschema.Schema {
	formats := make([]any, 0, len(prompt.OutputFormats()))
	for _, f := range prompt.OutputFormats() {
		formats = append(formats, string(f))
	}

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"task": {
				Type:        "string",
				Description: "What the counterpart should produce",
				MinLength:   ptr(1),
			},
			"files": {
				Type:        "string",
				Description: "Contents of the files the counterpart needs to see",
			},
			"constraints": {
				Type:        "string",
				Description: "Coding style, frameworks and patterns to follow",
			},
			"output_format": {
				Type:        "string",
				Description: "Shape of the answer. Defaults to code",
				Enum:        formats,
			},
			"project": {
				Type:        "string",
				Description: "Project used to scope learnings",
			},
		},
		Required: []string{"task"},
	}
}

func ptr[T any](v T) *T {
	return &v
}
