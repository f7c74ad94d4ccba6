package collab_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rapport/pkg/model"
	"github.com/m-mizutani/rapport/pkg/usecase/collab"
)

type mockStorage struct {
	data     map[string][]byte
	puts     int
	writeErr error
}

func newMockStorage() *mockStorage {
	return &mockStorage{data: make(map[string][]byte)}
}

// memoryWriter commits on Close unless its context was canceled
type memoryWriter struct {
	bytes.Buffer
	ctx      context.Context
	writeErr error
	onClose  func([]byte)
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.Buffer.Write(p)
}

func (w *memoryWriter) Close() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.onClose(w.Bytes())
	return nil
}

func (m *mockStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	m.puts++
	return &memoryWriter{
		ctx:      ctx,
		writeErr: m.writeErr,
		onClose: func(b []byte) {
			m.data[key] = append([]byte(nil), b...)
		},
	}, nil
}

func (m *mockStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.data[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) Close() error {
	return nil
}

type mockIndex struct {
	putFunc func(ctx context.Context, summary *model.SessionSummary) error
}

func (m *mockIndex) PutSessionSummary(ctx context.Context, summary *model.SessionSummary) error {
	return m.putFunc(ctx, summary)
}

func (m *mockIndex) GetSessionSummary(ctx context.Context, id model.SessionID) (*model.SessionSummary, error) {
	return nil, model.ErrNotFound
}

func (m *mockIndex) ListSessionSummaries(ctx context.Context, limit int) ([]*model.SessionSummary, error) {
	return nil, nil
}

func closedSession() *model.Session {
	now := time.Now()
	s := &model.Session{
		ID:     model.NewSessionID(),
		Task:   "archive me",
		Status: model.SessionClosed,
		Messages: []model.Message{
			{Speaker: model.SpeakerCaller, Text: "hello"},
			{Speaker: model.SpeakerCounterpart, Text: "hi [STATUS: AGREE]"},
		},
		Rounds:    1,
		CreatedAt: now,
		UpdatedAt: now,
		Outcome:   model.SessionConsensusReached,
	}
	s.Summary = &model.SessionSummary{
		SessionID: s.ID,
		Task:      s.Task,
		Status:    model.SessionClosed,
		Outcome:   s.Outcome,
		ClosedAt:  now,
	}
	return s
}

func TestCloudArchiverRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := newMockStorage()

	var indexed *model.SessionSummary
	index := &mockIndex{putFunc: func(ctx context.Context, summary *model.SessionSummary) error {
		indexed = summary
		return nil
	}}

	archiver := collab.NewCloudArchiver(storage, index)
	session := closedSession()
	gt.NoError(t, archiver.Archive(ctx, session))

	_, ok := storage.data[collab.TranscriptKey(session.ID)]
	gt.True(t, ok)
	gt.V(t, indexed).NotNil()
	gt.Equal(t, indexed.SessionID, session.ID)

	loaded, err := archiver.Load(ctx, session.ID)
	gt.NoError(t, err)
	gt.A(t, loaded.Messages).Length(2)
	gt.Equal(t, loaded.Outcome, model.SessionConsensusReached)
}

func TestCloudArchiverIndexFailure(t *testing.T) {
	errIndex := errors.New("index down")
	archiver := collab.NewCloudArchiver(newMockStorage(), &mockIndex{
		putFunc: func(ctx context.Context, summary *model.SessionSummary) error {
			return errIndex
		},
	})

	err := archiver.Archive(context.Background(), closedSession())
	gt.True(t, errors.Is(err, errIndex))
}

func TestCloudArchiverWithoutIndex(t *testing.T) {
	storage := newMockStorage()
	archiver := collab.NewCloudArchiver(storage, nil)

	session := closedSession()
	gt.NoError(t, archiver.Archive(context.Background(), session))
	gt.Equal(t, len(storage.data), 1)
}

func TestCloudArchiverRequiresSummary(t *testing.T) {
	session := closedSession()
	session.Summary = nil

	err := collab.NewCloudArchiver(newMockStorage(), nil).Archive(context.Background(), session)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestCloudArchiverMarshalFailureWritesNothing(t *testing.T) {
	storage := newMockStorage()
	indexed := false
	archiver := collab.NewCloudArchiver(storage, &mockIndex{
		putFunc: func(ctx context.Context, summary *model.SessionSummary) error {
			indexed = true
			return nil
		},
	})

	session := closedSession()
	session.ConsensusScore = math.NaN()

	err := archiver.Archive(context.Background(), session)
	gt.Error(t, err)
	gt.Equal(t, storage.puts, 0)
	gt.Equal(t, len(storage.data), 0)
	gt.False(t, indexed)
}

func TestCloudArchiverWriteFailureCommitsNothing(t *testing.T) {
	errWrite := errors.New("connection reset")
	storage := newMockStorage()
	storage.writeErr = errWrite
	archiver := collab.NewCloudArchiver(storage, nil)

	err := archiver.Archive(context.Background(), closedSession())
	gt.True(t, errors.Is(err, errWrite))
	gt.Equal(t, storage.puts, 1)
	gt.Equal(t, len(storage.data), 0)
}
