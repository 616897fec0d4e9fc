package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RunRecord captures one collection run for audit and analysis.
type RunRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	Sequence   int            `json:"sequence"`
	Symbol     string         `json:"symbol"`
	Timeframe  string         `json:"timeframe"`
	Source     string         `json:"source"`
	RangeStart time.Time      `json:"range_start,omitempty"`
	RangeEnd   time.Time      `json:"range_end,omitempty"`
	Attempts   int            `json:"attempts"`
	Fetched    int            `json:"fetched"`
	Written    int            `json:"written"`
	DurationMS int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
	ErrorClass string         `json:"error_class,omitempty"`
	Error      string         `json:"error_message,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Writer persists run records to a directory as JSON files (journal style).
type Writer struct {
	dir   string
	mu    sync.Mutex
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		dir = "journal"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	return &Writer{dir: dir, nowFn: time.Now}, nil
}

// Dir returns the journal directory.
func (w *Writer) Dir() string { return w.dir }

// WriteRun writes a run record to a timestamped JSON file.
func (w *Writer) WriteRun(rec *RunRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	w.mu.Lock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	w.seq++
	rec.Sequence = w.seq
	w.mu.Unlock()

	name := fmt.Sprintf("run_%s_%06d.json", rec.Timestamp.UTC().Format("20060102_150405"), rec.Sequence)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Recent reads up to limit of the newest run records, oldest first.
func (w *Writer) Recent(limit int) ([]RunRecord, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "run_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	out := make([]RunRecord, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", filepath.Base(path), err)
		}
		out = append(out, rec)
	}
	return out, nil
}
