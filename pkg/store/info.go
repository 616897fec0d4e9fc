package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TimeframeInfo summarises one timeframe directory.
type TimeframeInfo struct {
	Files   int      `json:"files"`
	Bytes   int64    `json:"bytes"`
	Symbols []string `json:"symbols"`
}

// Info summarises the store on disk.
type Info struct {
	Dir        string                   `json:"dir"`
	Timeframes map[string]TimeframeInfo `json:"timeframes"`
	TotalFiles int                      `json:"totalFiles"`
	TotalBytes int64                    `json:"totalBytes"`
}

// ListSymbols returns the symbols stored for timeframe, optionally limited to
// one source. Both canonical and per-run files are considered.
func (s *Store) ListSymbols(timeframe, source string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, timeframe))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "readdir", Path: filepath.Join(s.dir, timeframe), Err: err}
	}
	set := make(map[string]struct{})
	for _, entry := range entries {
		symbol, src, ok := parseFileName(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		if source != "" && src != source {
			continue
		}
		set[symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for symbol := range set {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out, nil
}

// Info walks the base directory.
func (s *Store) Info() (Info, error) {
	info := Info{Dir: s.dir, Timeframes: make(map[string]TimeframeInfo)}
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return info, &IOError{Op: "readdir", Path: s.dir, Err: err}
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, d.Name()))
		if err != nil {
			return info, &IOError{Op: "readdir", Path: filepath.Join(s.dir, d.Name()), Err: err}
		}
		var tf TimeframeInfo
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != fileExt {
				continue
			}
			fi, err := f.Info()
			if err != nil {
				continue
			}
			tf.Files++
			tf.Bytes += fi.Size()
		}
		if tf.Files == 0 {
			continue
		}
		tf.Symbols, err = s.ListSymbols(d.Name(), "")
		if err != nil {
			return info, err
		}
		info.Timeframes[d.Name()] = tf
		info.TotalFiles += tf.Files
		info.TotalBytes += tf.Bytes
	}
	return info, nil
}

// parseFileName splits <symbol>_<source>[_<suffix>].csv.
func parseFileName(name string) (symbol, source string, ok bool) {
	if filepath.Ext(name) != fileExt {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, fileExt), "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
