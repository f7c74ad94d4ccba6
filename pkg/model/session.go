package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID("sess_" + uuid.New().String())
}

type Speaker string

const (
	SpeakerCaller      Speaker = "caller"
	SpeakerCounterpart Speaker = "counterpart"
)

type SessionStatus string

const (
	SessionActive                 SessionStatus = "active"
	SessionConsensusReached       SessionStatus = "consensus_reached"
	SessionPersistentDisagreement SessionStatus = "persistent_disagreement"
	SessionTimedOut               SessionStatus = "timed_out"
	SessionClosed                 SessionStatus = "closed"
)

// IsTerminal reports whether the status no longer accepts messages
func (s SessionStatus) IsTerminal() bool {
	return s != SessionActive
}

// Message is one turn of a collaboration transcript
type Message struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one bounded multi-turn exchange between the caller and the counterpart agent
type Session struct {
	ID             SessionID     `json:"id"`
	Task           string        `json:"task"`
	Context        string        `json:"context,omitempty"`
	Project        string        `json:"project,omitempty"`
	Messages       []Message     `json:"messages"`
	Status         SessionStatus `json:"status"`
	ConsensusScore float64       `json:"consensus_score"`
	Rounds         int           `json:"rounds"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// Outcome holds the status the session had when it was closed
	Outcome SessionStatus   `json:"outcome,omitempty"`
	Summary *SessionSummary `json:"summary,omitempty"`
}

// SessionSummary is the result of closing a session
type SessionSummary struct {
	SessionID      SessionID     `json:"session_id"`
	Task           string        `json:"task"`
	Project        string        `json:"project,omitempty"`
	Status         SessionStatus `json:"status"`
	Outcome        SessionStatus `json:"outcome"`
	MessageCount   int           `json:"message_count"`
	Rounds         int           `json:"rounds"`
	ConsensusScore float64       `json:"consensus_score"`
	Learnings      []*Learning   `json:"learnings"`
	ClosedAt       time.Time     `json:"closed_at"`
}

// Transcript renders all messages as plain text, one labeled turn per paragraph
func (s *Session) Transcript() string {
	var b strings.Builder
	for _, msg := range s.Messages {
		b.WriteString(string(msg.Speaker))
		b.WriteString(": ")
		b.WriteString(msg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	if s.Summary != nil {
		summary := *s.Summary
		summary.Learnings = make([]*Learning, len(s.Summary.Learnings))
		for i, l := range s.Summary.Learnings {
			copied := *l
			summary.Learnings[i] = &copied
		}
		c.Summary = &summary
	}
	return &c
}
