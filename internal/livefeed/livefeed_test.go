package livefeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case data, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		var m Message
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	return Message{}
}

func TestLocalFeed_ScopesByExam(t *testing.T) {
	feed := NewLocalFeed()
	defer feed.Close()
	ctx := context.Background()
	examA, examB := uuid.New(), uuid.New()

	subA, err := feed.Subscribe(ctx, examA)
	require.NoError(t, err)
	subB, err := feed.Subscribe(ctx, examB)
	require.NoError(t, err)

	require.NoError(t, feed.Publish(ctx, examA, []byte(`{"type":"ping"}`)))

	assert.Equal(t, TypePing, receive(t, subA).Type)
	select {
	case <-subB.C():
		t.Fatal("exam B received exam A's message")
	default:
	}
}

func TestLocalFeed_CloseEndsSubscriptions(t *testing.T) {
	feed := NewLocalFeed()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := feed.Subscribe(ctx, uuid.New())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.NoError(t, sub.Close())
	assert.NoError(t, feed.Close())
}

func TestRelay_PublishesEventsAndStatus(t *testing.T) {
	feed := NewLocalFeed()
	defer feed.Close()
	relay := NewRelay(feed, zerolog.Nop())
	examID, sessionID := uuid.New(), uuid.New()

	sub, err := feed.Subscribe(context.Background(), examID)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	relay.HandleAppended(eventlog.Appended{
		SessionID: sessionID,
		ExamID:    examID,
		StudentID: 7,
		Seq:       3,
		Event:     model.ProctoringEvent{Timestamp: ts, EventType: model.EventTabSwitch, Details: "left"},
	})

	m := receive(t, sub)
	assert.Equal(t, TypeProctoringEvent, m.Type)
	assert.Equal(t, sessionID, m.SessionID)
	assert.Equal(t, int64(3), m.Seq)
	require.NotNil(t, m.Event)
	assert.Equal(t, model.EventTabSwitch, m.Event.EventType)

	end := ts.Add(time.Hour)
	relay.PublishStatus(&model.ExamSession{
		ID:                sessionID,
		ExamID:            examID,
		StudentID:         7,
		Status:            model.SessionStatusLoggedOut,
		EndTime:           &end,
		TerminationReason: "Critical violation: camera-disabled",
	})

	m = receive(t, sub)
	assert.Equal(t, TypeSessionStatus, m.Type)
	assert.Equal(t, model.SessionStatusLoggedOut, m.Status)
	assert.Equal(t, end, m.OccurredAt)
	assert.Equal(t, "Critical violation: camera-disabled", m.Reason)
}
