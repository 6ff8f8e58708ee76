package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 789_000_000, time.UTC)
	entries := []eventlog.Entry{
		{Seq: 1, Event: &model.ProctoringEvent{Timestamp: ts, EventType: model.EventTabSwitch, Details: `Said "hi", then left`}},
		{Seq: 2, RecordedAt: ts.Add(time.Second), Err: errors.New("corrupt")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, entries))

	want := "Timestamp,Event Type,Details\n" +
		`"2026-02-03T04:05:06.789Z","tab-switch","Said ""hi"", then left"` + "\n" +
		`"2026-02-03T04:05:07.789Z","unreadable","Record 2 could not be read"`
	assert.Equal(t, want, buf.String())
}

func TestWriteCSV_EmptyLog(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, "Timestamp,Event Type,Details\n", buf.String())
}

func TestWriteCSV_ConvertsToUTC(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	entries := []eventlog.Entry{{Event: &model.ProctoringEvent{
		Timestamp: time.Date(2026, 2, 3, 11, 0, 0, 0, jakarta),
		EventType: model.EventOffScreen,
		Details:   "x",
	}}}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, entries))
	assert.Contains(t, buf.String(), `"2026-02-03T04:00:00.000Z"`)
}

func TestFilename(t *testing.T) {
	id := uuid.MustParse("6f1c2a56-0b7e-4f7e-9d3b-1f3e5a7c9b21")
	assert.Equal(t, "session-6f1c2a56-0b7e-4f7e-9d3b-1f3e5a7c9b21-logs.csv", Filename(id))
}

func TestWriteReportsXLSX(t *testing.T) {
	start := time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC)
	reports := []model.SessionReport{{
		ExamSession: model.ExamSession{
			ID:        uuid.New(),
			StudentID: 42,
			ExamID:    uuid.New(),
			StartTime: start,
			Status:    model.SessionStatusSubmitted,
		},
		Risk:      model.RiskAnalysis{TabSwitches: 2, RiskScore: 40, TotalViolations: 2},
		RiskLevel: "medium",
		Flagged:   true,
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteReportsXLSX(&buf, reports))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(reportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Session ID", rows[0][0])
	assert.Equal(t, reports[0].ID.String(), rows[1][0])
	assert.Equal(t, "42", rows[1][1])
	assert.Equal(t, "submitted", rows[1][3])
	assert.Equal(t, "40", rows[1][10])
	assert.Equal(t, "medium", rows[1][11])
	assert.Equal(t, "TRUE", rows[1][12])
}
