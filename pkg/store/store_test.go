package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/pkg/market"
)

var (
	t0  = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	key = market.Key{Symbol: "EURUSD", Timeframe: "1h", Source: "ig"}
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func candleAt(hour int, px float64) market.Candle {
	vol := int64(100 + hour)
	return market.Candle{
		Timestamp: t0.Add(time.Duration(hour) * time.Hour),
		Open:      market.Mid(px),
		High:      market.Mid(px + 0.5),
		Low:       market.Mid(px - 0.5),
		Close:     market.Mid(px + 0.25),
		Volume:    &vol,
	}
}

func timestamps(records []market.StoredRecord) []time.Time {
	out := make([]time.Time, 0, len(records))
	for _, r := range records {
		out = append(out, r.Candle.Timestamp)
	}
	return out
}

func TestAppendThenLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	n, err := s.Append(ctx, key, []market.Candle{candleAt(2, 1.1), candleAt(0, 1.0)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Append(ctx, key, []market.Candle{candleAt(1, 1.05), candleAt(2, 9.9), candleAt(3, 1.2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)}, timestamps(records))

	open, _ := records[2].Candle.Open.Value()
	assert.Equal(t, 1.1, open, "existing record must win over duplicate timestamp")
	assert.Equal(t, key, records[0].Key)
	require.NotNil(t, records[0].Candle.Volume)
	assert.Equal(t, int64(100), *records[0].Candle.Volume)
	for _, r := range records {
		assert.Equal(t, Checksum(r.Candle), r.Checksum)
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	batch := []market.Candle{candleAt(0, 1), candleAt(1, 2), candleAt(2, 3)}

	_, err := s.Append(ctx, key, batch)
	require.NoError(t, err)
	path, _ := s.Path(key)
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	n, err := s.Append(ctx, key, batch)
	require.NoError(t, err)
	assert.Zero(t, n)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, past, fi.ModTime(), time.Second, "file must not be rewritten")
}

func TestFileFormat(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), key, []market.Candle{candleAt(0, 1.5)})
	require.NoError(t, err)

	path, _ := s.Path(key)
	assert.Equal(t, filepath.Join(s.Dir(), "1h", "EURUSD_ig.csv"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "symbol,timeframe,source,timestamp,open,high,low,close,volume,checksum", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "EURUSD,1h,ig,2024-06-03T14:00:00Z,1.5,2,1,1.75,100,"), lines[1])

	leftovers, err := filepath.Glob(filepath.Join(s.Dir(), "1h", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCorruptionIsDetected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, key, []market.Candle{candleAt(0, 1.5), candleAt(1, 1.6)})
	require.NoError(t, err)

	path, _ := s.Path(key)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := strings.Replace(string(raw), ",1.6,", ",1.7,", 1)
	require.NotEqual(t, string(raw), corrupted)
	require.NoError(t, os.WriteFile(path, []byte(corrupted), 0o644))

	_, err = s.Load(key)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.Line)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.True(t, IsIntegrity(err))

	_, err = s.Append(ctx, key, []market.Candle{candleAt(5, 2)})
	assert.True(t, IsIntegrity(err), "append must not rewrite corrupt data")
	after, _ := os.ReadFile(path)
	assert.Equal(t, corrupted, string(after))

	unverified, err := New(s.Dir(), WithVerifyChecksums(false))
	require.NoError(t, err)
	records, err := unverified.Load(key)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUnparseableRowIsIntegrityError(t *testing.T) {
	s := newStore(t)
	path, _ := s.Path(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := "symbol,timeframe,source,timestamp,open,high,low,close,volume,checksum\n" +
		"EURUSD,1h,ig,2024-06-03T14:00:00Z,1.x,2,1,1.75,100,abc\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := s.Load(key)
	assert.True(t, IsIntegrity(err))
}

func TestLegacyFilesAreAbsorbed(t *testing.T) {
	s := newStore(t)
	dir := filepath.Join(s.Dir(), "1h")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	first := "symbol,timeframe,source,timestamp,openPrice,highPrice,lowPrice,closePrice,lastTradedVolume,checksum\n" +
		"EURUSD,1h,ig,2024-06-03 15:00:00,1.2,1.3,1.1,1.25,10,deadbeef\n" +
		"EURUSD,1h,ig,2024-06-03 14:00:00,1.0,1.3,0.9,1.2,12,cafebabe\n"
	second := "timestamp,openPrice,highPrice,lowPrice,closePrice\n" +
		"2024-06-03 15:00:00,9.9,9.9,9.9,9.9\n" +
		"2024-06-03 16:00:00,1.3,1.4,1.2,1.35\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EURUSD_ig_20240603_140000.csv"), []byte(first), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EURUSD_ig_20240603_160000.csv"), []byte(second), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EURUSD_other_20240603.csv"), []byte(second), 0o644))

	records, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)}, timestamps(records))
	open, _ := records[1].Candle.Open.Value()
	assert.Equal(t, 1.2, open)

	n, err := s.Append(context.Background(), key, []market.Candle{candleAt(3, 1.4)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	path, _ := s.Path(key)
	_, err = os.Stat(path)
	require.NoError(t, err)
	records, err = s.Load(key)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestLegacyFilesMatchOnlyTheirOwnKey(t *testing.T) {
	s := newStore(t)
	demo := market.Key{Symbol: "EURUSD", Timeframe: "1h", Source: "ig_demo"}
	_, err := s.Append(context.Background(), demo, []market.Candle{candleAt(0, 1), candleAt(1, 1)})
	require.NoError(t, err)
	dir := filepath.Join(s.Dir(), "1h")
	run := "symbol,timeframe,source,timestamp,open,high,low,close\n" +
		"EURUSD,1h,ig_demo,2024-06-03 18:00:00,1,1,1,1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EURUSD_ig_demo_20240603_180000.csv"), []byte(run), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EURUSD_ig_export.csv"), []byte(run), 0o644))

	records, err := s.Load(key)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = s.Load(demo)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLegacyRowsOfOtherKeysAreSkipped(t *testing.T) {
	s := newStore(t)
	dir := filepath.Join(s.Dir(), "1h")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	run := "symbol,timeframe,source,timestamp,open,high,low,close\n" +
		"EURUSD,1h,ig,2024-06-03 14:00:00,1,1,1,1\n" +
		"EURUSD,1h,ig_demo,2024-06-03 15:00:00,2,2,2,2\n" +
		"GBPUSD,1h,ig,2024-06-03 16:00:00,3,3,3,3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EURUSD_ig_20240603_140000.csv"), []byte(run), 0o644))

	records, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0}, timestamps(records))
}

func TestSourcelessRunFilesBelongToLegacySource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1h"), 0o755))
	run := "epic,timeframe,timestamp,openPrice,highPrice,lowPrice,closePrice\n" +
		"EURUSD,HOUR,2024-06-03 14:00:00,1.0,1.3,0.9,1.2\n" +
		"EURUSD,HOUR,2024-06-03 15:00:00,1.2,1.3,1.1,1.25\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1h", "EURUSD_20240603_140000.csv"), []byte(run), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1h", "EURUSD_2024.csv"), []byte(run), 0o644))

	s, err := New(dir, WithLegacySource("ig"))
	require.NoError(t, err)
	records, err := s.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour)}, timestamps(records))

	records, err = s.Load(market.Key{Symbol: "EURUSD", Timeframe: "1h", Source: "yfinance"})
	require.NoError(t, err)
	assert.Empty(t, records)

	plain, err := New(dir)
	require.NoError(t, err)
	records, err = plain.Load(key)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCanonicalRowOfOtherKeyIsIntegrityError(t *testing.T) {
	s := newStore(t)
	path, _ := s.Path(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := "symbol,timeframe,source,timestamp,open,high,low,close,volume,checksum\n" +
		"EURUSD,1h,ig_demo,2024-06-03T14:00:00Z,1,1,1,1,100,abc\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := s.Load(key)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Line)
	assert.Contains(t, ie.Reason, "ig_demo")
}

func TestLastTimestampReusesUnchangedFile(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), key, []market.Candle{candleAt(0, 1), candleAt(1, 1)})
	require.NoError(t, err)
	path, _ := s.Path(key)

	last, ok, hit := s.cachedLast(path)
	require.True(t, hit, "append must leave the last timestamp cached")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), last)

	other := newStore(t)
	_, err = other.Append(context.Background(), key, []market.Candle{candleAt(0, 1), candleAt(1, 1), candleAt(5, 1)})
	require.NoError(t, err)
	otherPath, _ := other.Path(key)
	raw, err := os.ReadFile(otherPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".new", raw, 0o644))
	require.NoError(t, os.Rename(path+".new", path))

	_, _, hit = s.cachedLast(path)
	assert.False(t, hit, "a replaced file must be reparsed")
	last, ok, err = s.LastTimestamp(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Hour), last)
	_, _, hit = s.cachedLast(path)
	assert.True(t, hit)
}

func TestConcurrentAppendsToSameKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, key, []market.Candle{candleAt(i, float64(i+1)), candleAt(i+1, float64(i+2))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	records, err := s.Load(key)
	require.NoError(t, err)
	assert.Len(t, records, 41)
}

func TestCancelledAppendLeavesCanonicalUntouched(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), key, []market.Candle{candleAt(0, 1)})
	require.NoError(t, err)
	path, _ := s.Path(key)
	before, _ := os.ReadFile(path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Append(ctx, key, []market.Candle{candleAt(1, 2)})
	assert.True(t, errors.Is(err, context.Canceled))

	after, _ := os.ReadFile(path)
	assert.Equal(t, before, after)
}

func TestUnwritableCanonicalPathIsIOError(t *testing.T) {
	s := newStore(t)
	path, _ := s.Path(key)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "blocker"), []byte("x"), 0o644))

	_, err := s.Append(context.Background(), key, []market.Candle{candleAt(0, 1)})
	require.Error(t, err)
	assert.True(t, IsIO(err), "got %v", err)

	leftovers, _ := filepath.Glob(filepath.Join(s.Dir(), "1h", "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestInvalidKey(t *testing.T) {
	s := newStore(t)
	for _, k := range []market.Key{
		{Symbol: "", Timeframe: "1h", Source: "ig"},
		{Symbol: "../x", Timeframe: "1h", Source: "ig"},
		{Symbol: "A", Timeframe: "..", Source: "ig"},
	} {
		_, err := s.Append(context.Background(), k, []market.Candle{candleAt(0, 1)})
		assert.ErrorIs(t, err, ErrInvalidKey, fmt.Sprint(k))
	}
}

func TestRangeQueriesAndListing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, key, []market.Candle{candleAt(0, 1), candleAt(1, 1), candleAt(2, 1), candleAt(3, 1)})
	require.NoError(t, err)
	other := market.Key{Symbol: "GBPUSD", Timeframe: "1h", Source: "yfinance"}
	_, err = s.Append(ctx, other, []market.Candle{candleAt(0, 1)})
	require.NoError(t, err)

	records, err := s.LoadRange(key, t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour)}, timestamps(records))

	last, ok, err := s.LastTimestamp(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Hour), last)

	_, ok, err = s.LastTimestamp(market.Key{Symbol: "NONE", Timeframe: "1h", Source: "ig"})
	require.NoError(t, err)
	assert.False(t, ok)

	symbols, err := s.ListSymbols("1h", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, symbols)
	symbols, err = s.ListSymbols("1h", "ig")
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD"}, symbols)
	symbols, err = s.ListSymbols("1d", "")
	require.NoError(t, err)
	assert.Empty(t, symbols)

	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalFiles)
	assert.Greater(t, info.TotalBytes, int64(0))
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, info.Timeframes["1h"].Symbols)
}

func TestChecksumIsDeterministic(t *testing.T) {
	c := candleAt(0, 1.5)
	assert.Equal(t, Checksum(c), Checksum(c))
	assert.Len(t, Checksum(c), 16)

	moved := c
	moved.Close = market.Mid(1.76)
	assert.NotEqual(t, Checksum(c), Checksum(moved))

	noVolume := c
	noVolume.Volume = nil
	assert.Equal(t, Checksum(c), Checksum(noVolume))
}
