package collab

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/adapter"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
	"github.com/m-mizutani/rapport/pkg/usecase/consensus"
	"github.com/m-mizutani/rapport/pkg/usecase/memory"
	"github.com/m-mizutani/rapport/pkg/usecase/prompt"
	"github.com/m-mizutani/rapport/pkg/utils/logging"
)

const (
	DefaultMaxRounds       = 10
	DefaultConverseTimeout = 120 * time.Second

	// SourceCollaboration marks learnings extracted from a whole transcript at session end
	SourceCollaboration = "collaboration"
)

// LearningStore is the part of the memory store a session writes to
type LearningStore interface {
	Add(ctx context.Context, draft model.LearningDraft) (*model.Learning, bool, error)
}

// PromptBuilder renders the system prompt for each counterpart call
type PromptBuilder interface {
	Build(ctx context.Context, task, project string, budget int, opts ...prompt.BuildOption) (*prompt.PromptContext, error)
}

// Archiver keeps a copy of closed sessions outside the data directory
type Archiver interface {
	Archive(ctx context.Context, session *model.Session) error
}

// Config holds the limits of a collaboration session
type Config struct {
	MaxRounds       int           `yaml:"max_rounds"`
	ConverseTimeout time.Duration `yaml:"converse_timeout"`
	SessionBudget   int           `yaml:"session_budget"`
	TaskBudget      int           `yaml:"task_budget"`
	CounterpartName string        `yaml:"counterpart_name"`
}

// DefaultConfig returns the default session limits
func DefaultConfig() Config {
	return Config{
		MaxRounds:       DefaultMaxRounds,
		ConverseTimeout: DefaultConverseTimeout,
		SessionBudget:   prompt.DefaultSessionBudget,
		TaskBudget:      prompt.DefaultBudget,
		CounterpartName: prompt.DefaultName,
	}
}

// Manager drives collaboration sessions through their states:
// active, then consensus_reached, persistent_disagreement or timed_out, then closed.
// Every call is one complete transition; nothing is kept in memory between calls.
type Manager struct {
	repo      repository.SessionRepository
	store     LearningStore
	builder   PromptBuilder
	detector  *consensus.Detector
	converser adapter.Converser
	archiver  Archiver
	cfg       Config
	now       func() time.Time
}

// Option is a functional option for Manager
type Option func(*Manager)

// WithConfig replaces the default limits. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		if cfg.MaxRounds > 0 {
			m.cfg.MaxRounds = cfg.MaxRounds
		}
		if cfg.ConverseTimeout > 0 {
			m.cfg.ConverseTimeout = cfg.ConverseTimeout
		}
		if cfg.SessionBudget > 0 {
			m.cfg.SessionBudget = cfg.SessionBudget
		}
		if cfg.TaskBudget > 0 {
			m.cfg.TaskBudget = cfg.TaskBudget
		}
		if cfg.CounterpartName != "" {
			m.cfg.CounterpartName = cfg.CounterpartName
		}
	}
}

// WithArchiver uploads every session once it is closed
func WithArchiver(archiver Archiver) Option {
	return func(m *Manager) {
		m.archiver = archiver
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager
func New(
	repo repository.SessionRepository,
	store LearningStore,
	builder PromptBuilder,
	detector *consensus.Detector,
	converser adapter.Converser,
	opts ...Option,
) *Manager {
	m := &Manager{
		repo:      repo,
		store:     store,
		builder:   builder,
		detector:  detector,
		converser: converser,
		cfg:       DefaultConfig(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Config returns the limits in use
func (m *Manager) Config() Config {
	return m.cfg
}

// Start creates an active session with no messages
func (m *Manager) Start(ctx context.Context, task, taskContext, project string) (*model.Session, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "task is required")
	}

	now := m.now()
	session := &model.Session{
		ID:        model.NewSessionID(),
		Task:      task,
		Context:   strings.TrimSpace(taskContext),
		Project:   strings.TrimSpace(project),
		Messages:  []model.Message{},
		Status:    model.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.repo.CreateSession(ctx, session); err != nil {
		return nil, goerr.Wrap(err, "failed to create session")
	}

	logging.From(ctx).Info("collaboration started",
		"session_id", session.ID,
		"project", session.Project)

	return session, nil
}

// StepResult is the outcome of one round
type StepResult struct {
	SessionID model.SessionID     `json:"session_id"`
	Reply     string              `json:"reply"`
	Status    model.SessionStatus `json:"status"`
	Score     float64             `json:"consensus_score"`
	Round     int                 `json:"round"`
	Learnings []*model.Learning   `json:"learnings,omitempty"`
}

// errUnchanged aborts a session update without writing
var errUnchanged = goerr.New("session unchanged")

// Step sends message to the counterpart and records the round. The session
// lock is held for the whole call, so steps of one session never interleave.
// When the counterpart fails nothing is recorded and the session stays active.
func (m *Manager) Step(ctx context.Context, id model.SessionID, message string) (*StepResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "message is required", goerr.V("session_id", id))
	}

	var result *StepResult
	err := m.repo.UpdateSession(ctx, id, func(s *model.Session) error {
		if s.Status == model.SessionClosed {
			return goerr.Wrap(model.ErrNotFound, "session is closed", goerr.V("session_id", id))
		}
		if s.Status != model.SessionActive {
			result = &StepResult{
				SessionID: s.ID,
				Status:    s.Status,
				Score:     s.ConsensusScore,
				Round:     s.Rounds,
			}
			return errUnchanged
		}

		r, err := m.step(ctx, s, message)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}

	return result, nil
}

func (m *Manager) step(ctx context.Context, s *model.Session, message string) (*StepResult, error) {
	pc, err := m.builder.Build(ctx, s.Task, s.Project, m.cfg.SessionBudget,
		prompt.WithCollaboration(),
		prompt.WithTaskContext(s.Context),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build system prompt", goerr.V("session_id", s.ID))
	}

	callerMsg := model.Message{Speaker: model.SpeakerCaller, Text: message, Timestamp: m.now()}
	history := append(append([]model.Message(nil), s.Messages...), callerMsg)

	reply, err := m.converse(ctx, s.ID, pc.Prompt, history)
	if err != nil {
		return nil, err
	}

	s.Messages = append(history, model.Message{
		Speaker:   model.SpeakerCounterpart,
		Text:      reply,
		Timestamp: m.now(),
	})
	s.Rounds++

	learnings := m.storeLearnings(ctx, s.ID, s.Project, memory.Extract(reply), m.cfg.CounterpartName)

	s.ConsensusScore = m.detector.Score(s.Messages)
	switch m.detector.Classify(s.Messages) {
	case consensus.ConsensusReached:
		s.Status = model.SessionConsensusReached
	case consensus.PersistentDisagreement:
		s.Status = model.SessionPersistentDisagreement
	default:
		if s.Rounds >= m.cfg.MaxRounds {
			s.Status = model.SessionTimedOut
		}
	}
	s.UpdatedAt = m.now()

	logging.From(ctx).Info("collaboration round",
		"session_id", s.ID,
		"round", s.Rounds,
		"status", s.Status,
		"score", s.ConsensusScore,
		"learnings", len(learnings))

	return &StepResult{
		SessionID: s.ID,
		Reply:     consensus.StripStatus(memory.Strip(reply)),
		Status:    s.Status,
		Score:     s.ConsensusScore,
		Round:     s.Rounds,
		Learnings: learnings,
	}, nil
}

func (m *Manager) converse(ctx context.Context, id model.SessionID, systemPrompt string, history []model.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConverseTimeout)
	defer cancel()

	started := m.now()
	reply, err := m.converser.Converse(cctx, systemPrompt, history)
	if err != nil {
		if ctx.Err() != nil {
			return "", goerr.Wrap(ctx.Err(), "collaboration step canceled", goerr.V("session_id", id))
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", goerr.Wrap(model.ErrExternalTimeout, "counterpart did not answer in time",
				goerr.V("session_id", id),
				goerr.V("timeout", m.cfg.ConverseTimeout),
				goerr.V("cause", err.Error()))
		}
		return "", goerr.Wrap(model.ErrExternal, "counterpart call failed",
			goerr.V("session_id", id),
			goerr.V("cause", err.Error()))
	}

	logging.From(ctx).Debug("counterpart replied",
		"session_id", id,
		"elapsed", m.now().Sub(started),
		"size", len(reply))

	return reply, nil
}

// storeLearnings persists drafts, defaulting to project. Failures are logged
// so that a round is never lost because of the memory store. id is empty for
// delegated tasks.
func (m *Manager) storeLearnings(ctx context.Context, id model.SessionID, project string, drafts []model.LearningDraft, source string) []*model.Learning {
	var stored []*model.Learning
	for _, draft := range drafts {
		if draft.Project == "" {
			draft.Project = project
		}
		draft.Source = source

		l, _, err := m.store.Add(ctx, draft)
		if err != nil {
			logging.From(ctx).Warn("failed to store learning",
				"session_id", id,
				"category", draft.Category,
				logging.ErrAttr(err))
			continue
		}
		stored = append(stored, l)
	}
	return stored
}

// End closes the session. With extractLearnings the whole transcript is
// scanned for learning blocks. Ending a closed session returns its summary.
func (m *Manager) End(ctx context.Context, id model.SessionID, extractLearnings bool) (*model.SessionSummary, error) {
	var (
		summary *model.SessionSummary
		closed  *model.Session
	)

	err := m.repo.UpdateSession(ctx, id, func(s *model.Session) error {
		if s.Status == model.SessionClosed {
			if s.Summary != nil {
				summary = s.Clone().Summary
			} else {
				summary = summarize(s, nil, s.UpdatedAt)
			}
			return errUnchanged
		}

		var learnings []*model.Learning
		if extractLearnings {
			learnings = m.storeLearnings(ctx, s.ID, s.Project, memory.Extract(s.Transcript()), SourceCollaboration)
		}

		now := m.now()
		s.Outcome = s.Status
		s.Status = model.SessionClosed
		s.UpdatedAt = now
		s.Summary = summarize(s, learnings, now)

		summary = s.Clone().Summary
		closed = s.Clone()
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}

	if closed != nil {
		logging.From(ctx).Info("collaboration closed",
			"session_id", closed.ID,
			"outcome", closed.Outcome,
			"rounds", closed.Rounds)

		if m.archiver != nil {
			if err := m.archiver.Archive(ctx, closed); err != nil {
				logging.From(ctx).Warn("failed to archive session",
					"session_id", closed.ID,
					logging.ErrAttr(err))
			}
		}
	}

	return summary, nil
}

func summarize(s *model.Session, learnings []*model.Learning, closedAt time.Time) *model.SessionSummary {
	outcome := s.Outcome
	if outcome == "" {
		outcome = model.SessionActive
	}
	if learnings == nil {
		learnings = []*model.Learning{}
	}

	return &model.SessionSummary{
		SessionID:      s.ID,
		Task:           s.Task,
		Project:        s.Project,
		Status:         model.SessionClosed,
		Outcome:        outcome,
		MessageCount:   len(s.Messages),
		Rounds:         s.Rounds,
		ConsensusScore: s.ConsensusScore,
		Learnings:      learnings,
		ClosedAt:       closedAt,
	}
}

// Get returns a session by id, including closed ones
func (m *Manager) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	return m.repo.GetSession(ctx, id)
}

// List returns sessions newest first. Closed sessions are skipped unless includeClosed.
func (m *Manager) List(ctx context.Context, includeClosed bool) ([]*model.Session, error) {
	sessions, err := m.repo.ListSessions(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list sessions")
	}

	if includeClosed {
		return sessions, nil
	}

	open := make([]*model.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status != model.SessionClosed {
			open = append(open, s)
		}
	}
	return open, nil
}
