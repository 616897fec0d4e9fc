// Package store persists validated candles in one append-only CSV file per
// (symbol, timeframe, source) key.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"

	"ig-trading/pkg/market"
)

const (
	fileExt = ".csv"
	// legacyStampLayout is the run stamp in per-run file names.
	legacyStampLayout = "20060102_150405"
)

// Option customises a Store.
type Option func(*Store)

// WithVerifyChecksums toggles checksum verification in Load. Append always
// verifies the data it merges with.
func WithVerifyChecksums(verify bool) Option {
	return func(s *Store) {
		s.verify = verify
	}
}

// WithLegacySource names the source that owns per-run files written without
// a source in their name (<symbol>_<YYYYMMDD_HHMMSS>.csv). Without it such
// files are ignored.
func WithLegacySource(source string) Option {
	return func(s *Store) {
		s.legacySource = strings.TrimSpace(source)
	}
}

// Store is the append-only CSV store. Appends to the same key are serialized;
// appends to different keys run independently.
type Store struct {
	dir          string
	verify       bool
	legacySource string
	calls        syncx.LockedCalls

	mu   sync.Mutex
	last map[string]lastSeen
}

// lastSeen is the newest timestamp of a canonical file as it was when read.
type lastSeen struct {
	file os.FileInfo
	ts   time.Time
	ok   bool
}

// New creates the base directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	s := &Store{
		dir:    dir,
		verify: true,
		calls:  syncx.NewLockedCalls(),
		last:   make(map[string]lastSeen),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the canonical file for key.
func (s *Store) Path(key market.Key) (string, error) {
	for _, part := range []string{key.Symbol, string(key.Timeframe), key.Source} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.dir, string(key.Timeframe), key.Symbol+"_"+key.Source+fileExt), nil
}

// Append persists the candles whose timestamps are not yet stored for key and
// returns how many were written.
func (s *Store) Append(ctx context.Context, key market.Key, candles []market.Candle) (int, error) {
	written, err := s.AppendRecords(ctx, key, candles)
	return len(written), err
}

// AppendRecords is Append returning the newly written records in
// chronological order. Existing records win over incoming ones with the same
// timestamp. When nothing is new the canonical file is left untouched.
func (s *Store) AppendRecords(ctx context.Context, key market.Key, candles []market.Candle) ([]market.StoredRecord, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}
	out, err := s.calls.Do(path, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.appendLocked(ctx, key, path, candles)
	})
	if err != nil {
		return nil, err
	}
	return out.([]market.StoredRecord), nil
}

func (s *Store) appendLocked(ctx context.Context, key market.Key, path string, candles []market.Candle) ([]market.StoredRecord, error) {
	existing, err := s.load(key, path, true)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(existing)+len(candles))
	for _, rec := range existing {
		seen[rec.Candle.Timestamp.UnixNano()] = struct{}{}
	}
	var fresh []market.StoredRecord
	for _, c := range candles {
		c.Timestamp = c.Timestamp.UTC()
		ts := c.Timestamp.UnixNano()
		if _, dup := seen[ts]; dup {
			continue
		}
		seen[ts] = struct{}{}
		fresh = append(fresh, market.StoredRecord{Key: key, Candle: c, Checksum: Checksum(c)})
	}
	if len(fresh) == 0 {
		logx.WithContext(ctx).Debugf("store: %s no new records among %d", key, len(candles))
		return nil, nil
	}

	merged := make([]market.StoredRecord, 0, len(existing)+len(fresh))
	merged = append(merged, existing...)
	merged = append(merged, fresh...)
	sortRecords(merged)
	sortRecords(fresh)

	fi, err := s.replace(ctx, path, merged)
	if err != nil {
		return nil, err
	}
	s.remember(path, fi, merged)
	logx.WithContext(ctx).Infof("store: %s appended %d records (total %d)", key, len(fresh), len(merged))
	return fresh, nil
}

// replace writes records to a temporary file in the target directory and
// renames it over path.
func (s *Store) replace(ctx context.Context, path string, records []market.StoredRecord) (os.FileInfo, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, &IOError{Op: "create temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeRecords(tmp, records); err != nil {
		return nil, &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return nil, &IOError{Op: "sync", Path: tmpPath, Err: err}
	}
	fi, err := tmp.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &IOError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, &IOError{Op: "rename", Path: path, Err: err}
	}
	committed = true
	syncDir(dir)
	return fi, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logx.Errorf("store: fsync dir %s: %v", dir, err)
	}
}

// Load rereads every stored record for key in chronological order. When the
// canonical file is absent, per-run files for the key are merged instead.
func (s *Store) Load(key market.Key) ([]market.StoredRecord, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	return s.load(key, path, s.verify)
}

// LoadRange returns stored records with start <= timestamp <= end. Zero
// bounds are open.
func (s *Store) LoadRange(key market.Key, start, end time.Time) ([]market.StoredRecord, error) {
	records, err := s.Load(key)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		ts := rec.Candle.Timestamp
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LastTimestamp returns the newest stored timestamp for key. The canonical
// file is only reparsed when it changed since it was last read or written.
func (s *Store) LastTimestamp(key market.Key) (time.Time, bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return time.Time{}, false, err
	}
	if ts, ok, hit := s.cachedLast(path); hit {
		return ts, ok, nil
	}
	records, err := s.load(key, path, s.verify)
	if err != nil || len(records) == 0 {
		return time.Time{}, false, err
	}
	return records[len(records)-1].Candle.Timestamp, true, nil
}

func (s *Store) cachedLast(path string) (time.Time, bool, bool) {
	s.mu.Lock()
	seen, found := s.last[path]
	s.mu.Unlock()
	if !found {
		return time.Time{}, false, false
	}
	fi, err := os.Stat(path)
	if err != nil || !os.SameFile(fi, seen.file) || !fi.ModTime().Equal(seen.file.ModTime()) || fi.Size() != seen.file.Size() {
		return time.Time{}, false, false
	}
	return seen.ts, seen.ok, true
}

func (s *Store) remember(path string, fi os.FileInfo, records []market.StoredRecord) {
	if fi == nil {
		return
	}
	seen := lastSeen{file: fi}
	if n := len(records); n > 0 {
		seen.ts, seen.ok = records[n-1].Candle.Timestamp, true
	}
	s.mu.Lock()
	s.last[path] = seen
	s.mu.Unlock()
}

func (s *Store) load(key market.Key, path string, verify bool) ([]market.StoredRecord, error) {
	records, fi, err := readFile(path, readOptions{path: path, key: key, verify: verify})
	if err == nil {
		if verify {
			s.remember(path, fi, records)
		}
		return records, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	legacy, err := s.legacyFiles(key)
	if err != nil {
		return nil, err
	}
	var merged []market.StoredRecord
	seen := make(map[int64]struct{})
	for _, file := range legacy {
		recs, _, err := readFile(file, readOptions{path: file, key: key, verify: verify, legacy: true})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			ts := rec.Candle.Timestamp.UnixNano()
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			merged = append(merged, rec)
		}
	}
	if len(legacy) > 0 {
		logx.Infof("store: %s absorbed %d legacy files (%d records)", key, len(legacy), len(merged))
	}
	sortRecords(merged)
	return merged, nil
}

// legacyFiles lists the per-run files of key, oldest run first. They are
// named <symbol>_<source>_<YYYYMMDD_HHMMSS>.csv, or <symbol>_<YYYYMMDD_HHMMSS>.csv
// for the legacy source.
func (s *Store) legacyFiles(key market.Key) ([]string, error) {
	dir := filepath.Join(s.dir, string(key.Timeframe))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "readdir", Path: dir, Err: err}
	}

	prefixes := []string{regexp.QuoteMeta(key.Symbol + "_" + key.Source)}
	if s.legacySource != "" && s.legacySource == key.Source {
		prefixes = append(prefixes, regexp.QuoteMeta(key.Symbol))
	}
	pattern := regexp.MustCompile(`^(?:` + strings.Join(prefixes, "|") + `)_(\d{8}_\d{6})` + regexp.QuoteMeta(fileExt) + `$`)

	type run struct {
		path  string
		stamp time.Time
	}
	var runs []run
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		stamp, err := time.Parse(legacyStampLayout, m[1])
		if err != nil {
			continue
		}
		runs = append(runs, run{path: filepath.Join(dir, entry.Name()), stamp: stamp})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].stamp.Equal(runs[j].stamp) {
			return runs[i].path < runs[j].path
		}
		return runs[i].stamp.Before(runs[j].stamp)
	})
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.path)
	}
	return out, nil
}

// readFile also returns the info of the file it read, so callers can tell
// whether a later replace changed it.
func readFile(path string, opts readOptions) ([]market.StoredRecord, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, err
		}
		return nil, nil, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	if fi.IsDir() {
		return nil, nil, &IOError{Op: "open", Path: path, Err: fmt.Errorf("is a directory")}
	}
	records, err := readRecords(f, opts)
	if err != nil {
		return nil, nil, err
	}
	for i := 1; i < len(records); i++ {
		if !records[i].Candle.Timestamp.After(records[i-1].Candle.Timestamp) && !opts.legacy {
			return nil, nil, &IntegrityError{Path: path, Line: i + 2, Reason: "records out of chronological order"}
		}
	}
	return records, fi, nil
}

func sortRecords(records []market.StoredRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Candle.Timestamp.Before(records[j].Candle.Timestamp)
	})
}
