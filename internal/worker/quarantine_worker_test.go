package worker

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quarantined() model.QuarantinedEvent {
	return model.QuarantinedEvent{
		SessionID:  uuid.New(),
		StudentID:  42,
		ReceivedAt: time.Date(2026, 3, 1, 9, 30, 0, 123_000_000, time.UTC),
		Event: model.ProctoringEvent{
			Timestamp: time.Date(2026, 3, 1, 9, 29, 59, 0, time.UTC),
			EventType: model.EventTabSwitch,
			Details:   "Tab switched or window lost focus (count: 3)",
		},
	}
}

func decode(t *testing.T, data []byte) *quarantinePayload {
	t.Helper()
	var p quarantinePayload
	require.NoError(t, json.Unmarshal(data, &p))
	return &p
}

func TestEncodeQuarantined_Plain(t *testing.T) {
	q := quarantined()
	data, err := encodeQuarantined(nil, q)
	require.NoError(t, err)

	p := decode(t, data)
	assert.False(t, p.Encrypted)
	assert.Equal(t, "tab-switch", p.EventType)

	row, err := p.row()
	require.NoError(t, err)
	assert.Equal(t, q.SessionID, row[0])
	assert.Equal(t, 42, row[1])
	assert.Equal(t, q.ReceivedAt, row[5])

	var ev model.ProctoringEvent
	require.NoError(t, json.Unmarshal(row[3].([]byte), &ev))
	assert.Equal(t, q.Event, ev)
}

func TestEncodeQuarantined_SealedWithSessionID(t *testing.T) {
	c, err := seal.New(bytes.Repeat([]byte{3}, seal.KeySize))
	require.NoError(t, err)
	q := quarantined()

	data, err := encodeQuarantined(c, q)
	require.NoError(t, err)
	p := decode(t, data)
	require.True(t, p.Encrypted)

	sealed, err := base64.StdEncoding.DecodeString(p.Payload)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "Tab switched")

	raw, err := c.Open(sealed, q.SessionID[:])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Tab switched")

	other := uuid.New()
	_, err = c.Open(sealed, other[:])
	assert.ErrorIs(t, err, seal.ErrDecrypt)
}

func TestQuarantinePayload_RowRejectsGarbage(t *testing.T) {
	_, err := (&quarantinePayload{SessionID: "nope", Payload: ""}).row()
	assert.Error(t, err)

	_, err = (&quarantinePayload{SessionID: uuid.NewString(), Payload: "%%%"}).row()
	assert.Error(t, err)
}
