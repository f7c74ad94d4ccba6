package collab

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rapport/pkg/adapter"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/repository"
)

// CloudArchiver saves the full transcript to object storage and its summary
// to the archive index.
type CloudArchiver struct {
	storage adapter.Storage
	index   repository.ArchiveIndex
}

var _ Archiver = (*CloudArchiver)(nil)

// NewCloudArchiver creates an archiver. index may be nil to keep transcripts only.
func NewCloudArchiver(storage adapter.Storage, index repository.ArchiveIndex) *CloudArchiver {
	return &CloudArchiver{
		storage: storage,
		index:   index,
	}
}

// TranscriptKey is the object key of an archived session
func TranscriptKey(id model.SessionID) string {
	return "sessions/" + string(id) + ".json"
}

func (a *CloudArchiver) Archive(ctx context.Context, session *model.Session) error {
	if session.Summary == nil {
		return goerr.Wrap(model.ErrInvalidInput, "session has no summary", goerr.V("session_id", session.ID))
	}

	data, err := json.Marshal(session)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal session", goerr.V("session_id", session.ID))
	}

	// canceling the writer context discards the object instead of committing it
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer, err := a.storage.Put(wctx, TranscriptKey(session.ID))
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("session_id", session.ID))
	}

	if _, err := writer.Write(data); err != nil {
		cancel()
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write session to storage", goerr.V("session_id", session.ID))
	}

	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("session_id", session.ID))
	}

	if a.index == nil {
		return nil
	}
	if err := a.index.PutSessionSummary(ctx, session.Summary); err != nil {
		return goerr.Wrap(err, "failed to index session summary", goerr.V("session_id", session.ID))
	}

	return nil
}

// Load reads an archived transcript back
func (a *CloudArchiver) Load(ctx context.Context, id model.SessionID) (*model.Session, error) {
	reader, err := a.storage.Get(ctx, TranscriptKey(id))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session from storage", goerr.V("session_id", id))
	}
	defer reader.Close()

	var session model.Session
	if err := json.NewDecoder(reader).Decode(&session); err != nil {
		return nil, goerr.Wrap(err, "failed to decode archived session", goerr.V("session_id", id))
	}
	return &session, nil
}
