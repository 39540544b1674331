// Package meetups keeps a CSV ledger of confirmed meetups, one row per
// sent reply that finalized a time with a buyer. The owner reads this file
// directly; it is never parsed back by the gateway.
package meetups

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var header = []string{
	"logged_at_local",
	"buyer_name",
	"conversation_id",
	"item_name",
	"location",
	"meetup_datetime_text",
	"notes",
}

// Entry is one confirmed meetup.
type Entry struct {
	BuyerName      string
	ConversationID string
	ItemName       string
	Location       string
	MeetupTime     string // free text as agreed in chat
	Notes          string
}

// Log appends meetup entries to a CSV file. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
}

// New creates a Log writing to path. tz is an IANA timezone name for the
// logged-at column; empty means local time.
func New(path, tz string) (*Log, error) {
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	return &Log{path: path, loc: loc}, nil
}

// Append writes one entry, creating the file with a header row if needed.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create meetups dir: %w", err)
	}

	_, statErr := os.Stat(l.path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open meetups csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	row := []string{
		time.Now().In(l.loc).Format("2006-01-02 15:04:05 MST"),
		e.BuyerName,
		e.ConversationID,
		e.ItemName,
		e.Location,
		e.MeetupTime,
		e.Notes,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	return w.Error()
}
