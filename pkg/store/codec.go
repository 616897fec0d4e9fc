package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zeromicro/go-zero/core/logx"

	"ig-trading/pkg/market"
)

var header = []string{"symbol", "timeframe", "source", "timestamp", "open", "high", "low", "close", "volume", "checksum"}

// Column aliases written by older collectors.
var columnAliases = map[string]string{
	"openprice":        "open",
	"highprice":        "high",
	"lowprice":         "low",
	"closeprice":       "close",
	"lasttradedvolume": "volume",
	"epic":             "symbol",
}

// Checksum digests the timestamp and OHLC fields of c.
func Checksum(c market.Candle) string {
	fields := encodeCandle(c)
	return checksumFields(fields[0], fields[1], fields[2], fields[3], fields[4])
}

func checksumFields(ts, open, high, low, closePx string) string {
	h := xxhash.New()
	for i, f := range []string{ts, open, high, low, closePx} {
		if i > 0 {
			_, _ = h.WriteString("|")
		}
		_, _ = h.WriteString(f)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// encodeCandle returns timestamp, open, high, low, close and volume cells.
func encodeCandle(c market.Candle) [6]string {
	var out [6]string
	out[0] = c.Timestamp.UTC().Format(time.RFC3339Nano)
	for i, p := range []market.PricePoint{c.Open, c.High, c.Low, c.Close} {
		if v, ok := p.Value(); ok {
			out[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	if c.Volume != nil {
		out[5] = strconv.FormatInt(*c.Volume, 10)
	}
	return out
}

func writeRecords(w io.Writer, records []market.StoredRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		f := encodeCandle(rec.Candle)
		row := []string{
			rec.Key.Symbol, string(rec.Key.Timeframe), rec.Key.Source,
			f[0], f[1], f[2], f[3], f[4], f[5], rec.Checksum,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type readOptions struct {
	path   string
	key    market.Key
	verify bool
	// legacy files carry checksums from an older digest; they are recomputed.
	legacy bool
}

func readRecords(r io.Reader, opts readOptions) ([]market.StoredRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, readError(opts.path, 1, err)
	}
	cols := make(map[string]int, len(head))
	for i, name := range head {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if alias, ok := columnAliases[strings.ToLower(name)]; ok {
			name = alias
		}
		cols[name] = i
	}
	for _, required := range []string{"timestamp", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, &IntegrityError{Path: opts.path, Line: 1, Reason: fmt.Sprintf("missing column %q", required)}
		}
	}
	_, hasChecksum := cols["checksum"]

	var (
		out     []market.StoredRecord
		skipped int
	)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			if skipped > 0 {
				logx.Infof("store: %s skipped %d rows of other keys", opts.path, skipped)
			}
			return out, nil
		}
		if err != nil {
			return nil, readError(opts.path, line, err)
		}
		cell := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		if owner := foreignRow(cell, opts.key, opts.legacy); owner != "" {
			if opts.legacy {
				skipped++
				continue
			}
			return nil, &IntegrityError{Path: opts.path, Line: line, Reason: fmt.Sprintf("row belongs to %s, not %s", owner, opts.key)}
		}
		rec, err := decodeRow(cell, opts.key)
		if err != nil {
			return nil, &IntegrityError{Path: opts.path, Line: line, Reason: err.Error()}
		}
		computed := Checksum(rec.Candle)
		stored := cell("checksum")
		if hasChecksum && !opts.legacy && opts.verify && stored != computed {
			return nil, &IntegrityError{Path: opts.path, Line: line, Stored: stored, Computed: computed}
		}
		rec.Checksum = computed
		out = append(out, rec)
	}
}

// foreignRow names the key column of a row that disagrees with key, or returns
// "". Legacy timeframe cells use another vocabulary and are not compared.
func foreignRow(cell func(string) string, key market.Key, legacy bool) string {
	if sym := cell("symbol"); sym != "" && !strings.EqualFold(sym, key.Symbol) {
		return "symbol " + sym
	}
	if src := cell("source"); src != "" && src != key.Source {
		return "source " + src
	}
	if tf := cell("timeframe"); !legacy && tf != "" && tf != string(key.Timeframe) {
		return "timeframe " + tf
	}
	return ""
}

func readError(path string, line int, err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &IntegrityError{Path: path, Line: line, Reason: err.Error()}
	}
	return &IOError{Op: "read", Path: path, Err: err}
}

func decodeRow(cell func(string) string, key market.Key) (market.StoredRecord, error) {
	ts, err := parseTimestamp(cell("timestamp"))
	if err != nil {
		return market.StoredRecord{}, err
	}
	c := market.Candle{Timestamp: ts}
	for _, f := range []struct {
		name string
		dst  *market.PricePoint
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close},
	} {
		raw := cell(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return market.StoredRecord{}, fmt.Errorf("parse %s %q: %w", f.name, raw, err)
		}
		*f.dst = market.Mid(v)
	}
	if raw := cell("volume"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fv, ferr := strconv.ParseFloat(raw, 64)
			if ferr != nil {
				return market.StoredRecord{}, fmt.Errorf("parse volume %q: %w", raw, err)
			}
			v = int64(fv)
		}
		c.Volume = &v
	}
	return market.StoredRecord{Key: key, Candle: c}, nil
}

var legacyTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range legacyTimestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
}
