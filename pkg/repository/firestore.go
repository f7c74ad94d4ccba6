package repository

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const collectionSessions = "sessions"

// Firestore indexes summaries of closed sessions. Transcripts themselves are
// kept in object storage; only the metadata lives here.
type Firestore struct {
	client *firestore.Client
}

var _ ArchiveIndex = (*Firestore)(nil)

// summaryRecord is the stored shape of a model.SessionSummary
type summaryRecord struct {
	SessionID      string    `firestore:"session_id"`
	Task           string    `firestore:"task"`
	Project        string    `firestore:"project"`
	Status         string    `firestore:"status"`
	Outcome        string    `firestore:"outcome"`
	MessageCount   int       `firestore:"message_count"`
	Rounds         int       `firestore:"rounds"`
	ConsensusScore float64   `firestore:"consensus_score"`
	LearningIDs    []string  `firestore:"learning_ids"`
	ClosedAt       time.Time `firestore:"closed_at"`
}

// New creates a Firestore archive index for the given project and database
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) PutSessionSummary(ctx context.Context, summary *model.SessionSummary) error {
	record := summaryRecord{
		SessionID:      string(summary.SessionID),
		Task:           summary.Task,
		Project:        summary.Project,
		Status:         string(summary.Status),
		Outcome:        string(summary.Outcome),
		MessageCount:   summary.MessageCount,
		Rounds:         summary.Rounds,
		ConsensusScore: summary.ConsensusScore,
		ClosedAt:       summary.ClosedAt,
	}
	for _, l := range summary.Learnings {
		record.LearningIDs = append(record.LearningIDs, string(l.ID))
	}

	if _, err := r.client.Collection(collectionSessions).Doc(string(summary.SessionID)).Set(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to put session summary", goerr.V("session_id", summary.SessionID))
	}
	return nil
}

// GetSessionSummary returns the indexed summary. Learnings carry IDs only.
func (r *Firestore) GetSessionSummary(ctx context.Context, id model.SessionID) (*model.SessionSummary, error) {
	doc, err := r.client.Collection(collectionSessions).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "session summary not found", goerr.V("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get session summary", goerr.V("session_id", id))
	}

	var record summaryRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session summary", goerr.V("session_id", id))
	}
	return record.toModel(), nil
}

func (r *Firestore) ListSessionSummaries(ctx context.Context, limit int) ([]*model.SessionSummary, error) {
	query := r.client.Collection(collectionSessions).OrderBy("closed_at", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var summaries []*model.SessionSummary
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate session summaries")
		}

		var record summaryRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, goerr.Wrap(err, "failed to decode session summary", goerr.V("doc_id", doc.Ref.ID))
		}
		summaries = append(summaries, record.toModel())
	}

	return summaries, nil
}

func (x *summaryRecord) toModel() *model.SessionSummary {
	summary := &model.SessionSummary{
		SessionID:      model.SessionID(x.SessionID),
		Task:           x.Task,
		Project:        x.Project,
		Status:         model.SessionStatus(x.Status),
		Outcome:        model.SessionStatus(x.Outcome),
		MessageCount:   x.MessageCount,
		Rounds:         x.Rounds,
		ConsensusScore: x.ConsensusScore,
		ClosedAt:       x.ClosedAt,
	}
	for _, id := range x.LearningIDs {
		summary.Learnings = append(summary.Learnings, &model.Learning{ID: model.LearningID(id)})
	}
	return summary
}
