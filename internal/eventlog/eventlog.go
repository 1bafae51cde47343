// Package eventlog prints queue events as a human-readable trail and,
// optionally, as CSV rows.
package eventlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"adaptq/internal/sched"
)

var header = []string{"timestamp", "seq", "event", "task_id", "priority", "pending", "running", "concurrency", "error"}

// Trail writes one line per queue event. Install it with
// sched.WithHooks(t.Hooks()).
type Trail struct {
	mu        sync.Mutex
	out       io.Writer
	seq       int64
	csvFile   io.Closer
	csvWriter *csv.Writer
	err       error // first CSV write failure
}

// New returns a trail printing to out. A nil out prints nothing, which is
// useful when only the CSV file is wanted.
func New(out io.Writer) *Trail {
	if out == nil {
		out = io.Discard
	}
	return &Trail{out: out}
}

// EnableCSV creates path and writes every later event to it as a CSV row.
func (t *Trail) EnableCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create event csv: %w", err)
	}
	if err := t.attachCSV(f); err != nil {
		f.Close()
		return err
	}
	return nil
}

func (t *Trail) attachCSV(w io.WriteCloser) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	cw.Flush()

	t.mu.Lock()
	t.csvFile = w
	t.csvWriter = cw
	t.mu.Unlock()
	return cw.Error()
}

// Hooks returns the notification table feeding t.
func (t *Trail) Hooks() sched.Hooks {
	return sched.Hooks{
		OnAdded:       t.Record,
		OnDispatch:    t.Record,
		OnSettled:     t.Record,
		OnCleared:     t.Record,
		OnIdle:        t.Record,
		OnConcurrency: t.Record,
	}
}

// Record writes ev.
func (t *Trail) Record(ev sched.StatusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++

	task := "-"
	if ev.Kind != sched.StatusIdle && ev.Kind != sched.StatusConcurrency {
		task = ev.TaskID.String()[:8]
	}
	msg := fmt.Sprintf("%s = #%06d [%s] => Task: %s, prio=%3d, pending=%d, running=%d, limit=%d",
		ev.Time.Format("Jan 02 15:04:05.000"),
		t.seq,
		center(ev.Kind.String(), 13),
		task,
		ev.Priority,
		ev.Pending,
		ev.Running,
		ev.Concurrency,
	)
	if ev.Err != nil {
		msg += ", err=" + ev.Err.Error()
	}
	fmt.Fprintln(t.out, msg)

	if t.csvWriter != nil {
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatInt(t.seq, 10),
			ev.Kind.String(),
			ev.TaskID.String(),
			strconv.Itoa(ev.Priority),
			strconv.Itoa(ev.Pending),
			strconv.Itoa(ev.Running),
			strconv.Itoa(ev.Concurrency),
			errText,
		}
		if err := t.csvWriter.Write(rec); err != nil && t.err == nil {
			t.err = err
		}
		t.csvWriter.Flush()
		if err := t.csvWriter.Error(); err != nil && t.err == nil {
			t.err = err
		}
	}
}

// Close flushes and closes the CSV file, if any. It reports the first
// write error seen while recording, so a truncated file does not go
// unnoticed.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.csvFile == nil {
		return nil
	}
	t.csvWriter.Flush()
	err := t.err
	if err == nil {
		err = t.csvWriter.Error()
	}
	if cerr := t.csvFile.Close(); err == nil {
		err = cerr
	}
	t.csvFile, t.csvWriter, t.err = nil, nil, nil
	if err != nil {
		return fmt.Errorf("event csv: %w", err)
	}
	return nil
}

// center pads str on both sides to width.
func center(str string, width int) string {
	if len(str) >= width {
		return str
	}
	spaces := (width - len(str)) / 2
	return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
}
