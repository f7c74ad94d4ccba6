package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
)

const (
	// DefaultQueryLimit is used when Query is called without a positive limit
	DefaultQueryLimit = 50

	// FileName is the name of the learnings document in the data directory
	FileName = "learnings.json"

	documentVersion = 1
)

type learningsDocument struct {
	Version     int               `json:"version"`
	Learnings   []*model.Learning `json:"learnings"`
	Statistics  callStatistics    `json:"statistics"`
	LastUpdated time.Time         `json:"last_updated"`
}

type callStatistics struct {
	TotalCalls  int            `json:"total_calls"`
	CallsByTool map[string]int `json:"calls_by_tool"`
}

// Store is the durable, deduplicated collection of learnings. It is safe for
// concurrent use by goroutines and by other processes sharing the data directory.
type Store struct {
	doc      *repository.Document[learningsDocument]
	now      func() time.Time
	lockOpts []repository.Option
}

// Option is a functional option for Store
type Option func(*Store)

// WithClock replaces time.Now for created_at and last_updated stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLockOptions tunes the file lock of the learnings document
func WithLockOptions(opts ...repository.Option) Option {
	return func(s *Store) {
		s.lockOpts = append(s.lockOpts, opts...)
	}
}

// New creates a Store persisting to "<dataDir>/learnings.json"
func New(dataDir string, opts ...Option) *Store {
	s := &Store{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.doc = repository.NewDocument[learningsDocument](filepath.Join(dataDir, FileName), s.lockOpts...)

	return s
}

// Path returns the location of the learnings document
func (s *Store) Path() string {
	return s.doc.Path()
}

// Add stores a learning unless one with the same normalized content already
// exists in the same project scope. created is false for duplicates and the
// existing record is returned.
func (s *Store) Add(ctx context.Context, draft model.LearningDraft) (*model.Learning, bool, error) {
	draft.Text = strings.TrimSpace(draft.Text)
	draft.Project = strings.TrimSpace(draft.Project)
	if err := draft.Validate(); err != nil {
		return nil, false, err
	}

	hash := model.ContentHash(draft.Text)

	var (
		result  *model.Learning
		created bool
	)
	err := s.doc.Update(ctx, func(doc *learningsDocument, exists bool) error {
		for _, l := range doc.Learnings {
			if l.ContentHash == hash && l.Project == draft.Project {
				copied := *l
				result = &copied
				return errDuplicate
			}
		}

		now := s.now()
		learning := &model.Learning{
			ID:          model.NewLearningID(),
			Text:        draft.Text,
			Category:    draft.Category,
			Project:     draft.Project,
			Source:      draft.Source,
			ContentHash: hash,
			CreatedAt:   now,
		}
		doc.Version = documentVersion
		doc.Learnings = append(doc.Learnings, learning)
		doc.LastUpdated = now

		copied := *learning
		result = &copied
		created = true
		return nil
	})
	if err != nil && !errors.Is(err, errDuplicate) {
		return nil, false, goerr.Wrap(err, "failed to add learning", goerr.V("category", draft.Category))
	}

	if created {
		logging.From(ctx).Debug("learning stored",
			"id", result.ID,
			"category", result.Category,
			"project", result.Project)
	}

	return result, created, nil
}

// errDuplicate aborts the document update without writing
var errDuplicate = goerr.New("duplicate learning")

// Filter narrows Query results. Zero-valued fields match everything.
type Filter struct {
	// Project matches learnings of that project and global learnings
	Project  string
	Category model.Category
	// Since matches learnings created at or after the time
	Since time.Time
	// ExactProject excludes global learnings when Project is set
	ExactProject bool
}

func (f *Filter) match(l *model.Learning) bool {
	if f.Project != "" {
		if l.Project != f.Project && (f.ExactProject || !l.IsGlobal()) {
			return false
		}
	}
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Query returns copies of matching learnings, most recent first. A limit of
// zero or less means DefaultQueryLimit.
func (s *Store) Query(ctx context.Context, filter Filter, limit int) ([]*model.Learning, error) {
	if filter.Category != "" {
		if err := filter.Category.Validate(); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	matched, err := s.collect(ctx, filter.match)
	if err != nil {
		return nil, err
	}

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// All returns copies of every stored learning, most recent first
func (s *Store) All(ctx context.Context) ([]*model.Learning, error) {
	return s.collect(ctx, func(*model.Learning) bool { return true })
}

func (s *Store) collect(ctx context.Context, match func(*model.Learning) bool) ([]*model.Learning, error) {
	var matched []*model.Learning
	err := s.doc.View(ctx, func(doc *learningsDocument, exists bool) error {
		for _, l := range doc.Learnings {
			if match(l) {
				copied := *l
				matched = append(matched, &copied)
			}
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read learnings")
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return matched, nil
}

// Stats is the aggregate view of the store. Global learnings are counted
// under the empty project key.
type Stats struct {
	TotalCount  int                    `json:"total_count"`
	PerCategory map[model.Category]int `json:"per_category_count"`
	PerProject  map[string]int         `json:"per_project_count"`
	TotalCalls  int                    `json:"total_calls"`
	CallsByTool map[string]int         `json:"calls_by_tool"`
	LastUpdated time.Time              `json:"last_updated"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PerCategory: make(map[model.Category]int),
		PerProject:  make(map[string]int),
		CallsByTool: make(map[string]int),
	}

	err := s.doc.View(ctx, func(doc *learningsDocument, exists bool) error {
		stats.TotalCount = len(doc.Learnings)
		stats.LastUpdated = doc.LastUpdated
		stats.TotalCalls = doc.Statistics.TotalCalls
		for tool, n := range doc.Statistics.CallsByTool {
			stats.CallsByTool[tool] = n
		}
		for _, l := range doc.Learnings {
			stats.PerCategory[l.Category]++
			stats.PerProject[l.Project]++
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read learnings")
	}

	return stats, nil
}

// RecordCall counts one invocation of tool
func (s *Store) RecordCall(ctx context.Context, tool string) error {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return goerr.Wrap(model.ErrInvalidInput, "tool name is required")
	}

	err := s.doc.Update(ctx, func(doc *learningsDocument, exists bool) error {
		if doc.Statistics.CallsByTool == nil {
			doc.Statistics.CallsByTool = make(map[string]int)
		}
		doc.Version = documentVersion
		doc.Statistics.TotalCalls++
		doc.Statistics.CallsByTool[tool]++
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to record call", goerr.V("tool", tool))
	}
	return nil
}
