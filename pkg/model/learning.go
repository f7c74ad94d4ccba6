package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type LearningID string

// NewLearningID generates a new unique LearningID
func NewLearningID() LearningID {
	return LearningID(uuid.New().String())
}

type Category string

const (
	CategoryArchitecture    Category = "architecture"
	CategoryCodePattern     Category = "code_pattern"
	CategoryDebugging       Category = "debugging"
	CategoryDomainKnowledge Category = "domain_knowledge"
	CategoryCorrection      Category = "correction"
	CategoryMeta            Category = "meta"
)

// Categories returns all valid categories in declaration order
func Categories() []Category {
	return []Category{
		CategoryArchitecture,
		CategoryCodePattern,
		CategoryDebugging,
		CategoryDomainKnowledge,
		CategoryCorrection,
		CategoryMeta,
	}
}

var categoryAliases = map[string]Category{
	"code":   CategoryCodePattern,
	"domain": CategoryDomainKnowledge,
	"bug":    CategoryDebugging,
	"debug":  CategoryDebugging,
	"design": CategoryArchitecture,
	"fix":    CategoryCorrection,
}

// ParseCategory converts a loosely written category name (case-insensitive,
// hyphens allowed, short aliases such as "code") into a Category.
func ParseCategory(s string) (Category, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if c, ok := categoryAliases[name]; ok {
		return c, nil
	}
	c := Category(name)
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// Validate checks if the category is one of the fixed categories
func (c Category) Validate() error {
	switch c {
	case CategoryArchitecture, CategoryCodePattern, CategoryDebugging,
		CategoryDomainKnowledge, CategoryCorrection, CategoryMeta:
		return nil
	default:
		return goerr.Wrap(ErrInvalidInput, "invalid category", goerr.V("category", c))
	}
}

// Learning is an atomic fact worth remembering across sessions and projects.
// Project is empty for global learnings.
type Learning struct {
	ID          LearningID `json:"id"`
	Text        string     `json:"text"`
	Category    Category   `json:"category"`
	Project     string     `json:"project,omitempty"`
	Source      string     `json:"source"`
	ContentHash string     `json:"content_hash"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsGlobal reports whether the learning is not bound to a project
func (l *Learning) IsGlobal() bool {
	return l.Project == ""
}

// LearningDraft is the caller-supplied part of a Learning before it is stored
type LearningDraft struct {
	Text     string   `json:"text"`
	Category Category `json:"category"`
	Project  string   `json:"project,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// Validate checks required fields of the draft
func (d *LearningDraft) Validate() error {
	if strings.TrimSpace(d.Text) == "" {
		return goerr.Wrap(ErrInvalidInput, "learning text is empty")
	}
	if err := d.Category.Validate(); err != nil {
		return err
	}
	return nil
}

// ContentHash returns the hex SHA-256 of the normalized text. Normalization
// lower-cases the text and collapses all whitespace runs into one space.
func ContentHash(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}
