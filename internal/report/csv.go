// Package report renders proctoring logs and risk reports for download.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/eventlog"
)

// TimestampLayout is the ISO-8601 UTC form used in exports.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// CSVHeader is the first line of every log export.
const CSVHeader = "Timestamp,Event Type,Details"

// UnreadableType marks a row whose record could not be opened.
const UnreadableType = "unreadable"

// WriteCSV writes entries as CSV: an unquoted header, then one row per
// entry with every field double-quoted and embedded quotes doubled. Rows
// are separated by "\n".
//
// encoding/csv is not used because it only quotes fields that need it.
func WriteCSV(w io.Writer, entries []eventlog.Entry) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(CSVHeader)
	bw.WriteByte('\n')

	for i, e := range entries {
		if i > 0 {
			bw.WriteByte('\n')
		}
		var ts time.Time
		var typ, details string
		if e.Event != nil {
			ts, typ, details = e.Event.Timestamp, string(e.Event.EventType), e.Event.Details
		} else {
			ts, typ, details = e.RecordedAt, UnreadableType, fmt.Sprintf("Record %d could not be read", e.Seq)
		}
		writeField(bw, ts.UTC().Format(TimestampLayout))
		bw.WriteByte(',')
		writeField(bw, typ)
		bw.WriteByte(',')
		writeField(bw, details)
	}
	return bw.Flush()
}

func writeField(w *bufio.Writer, s string) {
	w.WriteByte('"')
	w.WriteString(strings.ReplaceAll(s, `"`, `""`))
	w.WriteByte('"')
}

// Filename returns the attachment name for a session's log export.
func Filename(sessionID fmt.Stringer) string {
	return fmt.Sprintf("session-%s-logs.csv", sessionID)
}
