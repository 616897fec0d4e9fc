// Package candles mirrors committed candle records into Postgres.
package candles

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"ig-trading/pkg/market"
)

// rowsPerStatement keeps each INSERT well under the Postgres bind limit.
const rowsPerStatement = 500

const columns = "symbol, timeframe, source, ts, open, high, low, close, volume, checksum"

// Schema creates the mirror table. The natural key matches the canonical
// store's deduplication key.
const Schema = `
CREATE TABLE IF NOT EXISTS public.candles (
    symbol     TEXT             NOT NULL,
    timeframe  TEXT             NOT NULL,
    source     TEXT             NOT NULL,
    ts         TIMESTAMPTZ      NOT NULL,
    open       DOUBLE PRECISION,
    high       DOUBLE PRECISION,
    low        DOUBLE PRECISION,
    close      DOUBLE PRECISION,
    volume     BIGINT,
    checksum   TEXT             NOT NULL,
    created_at TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
    PRIMARY KEY (symbol, timeframe, source, ts)
);`

// Row is one mirrored candle.
type Row struct {
	Symbol    string          `db:"symbol"`
	Timeframe string          `db:"timeframe"`
	Source    string          `db:"source"`
	Ts        time.Time       `db:"ts"`
	Open      sql.NullFloat64 `db:"open"`
	High      sql.NullFloat64 `db:"high"`
	Low       sql.NullFloat64 `db:"low"`
	Close     sql.NullFloat64 `db:"close"`
	Volume    sql.NullInt64   `db:"volume"`
	Checksum  string          `db:"checksum"`
}

// Service implements market.Persistence on a go-zero sqlx connection.
type Service struct {
	conn sqlx.SqlConn
}

// NewService wires the mirror. Returns nil when conn is missing so callers can
// pass the result straight to an optional hook.
func NewService(conn sqlx.SqlConn) *Service {
	if conn == nil {
		return nil
	}
	return &Service{conn: conn}
}

var _ market.Persistence = (*Service)(nil)

// EnsureSchema creates the mirror table when it does not exist.
func (s *Service) EnsureSchema(ctx context.Context) error {
	if _, err := s.conn.ExecCtx(ctx, Schema); err != nil {
		return fmt.Errorf("candles: ensure schema: %w", err)
	}
	return nil
}

// RecordCandles inserts records, ignoring rows already mirrored. All chunks
// commit together.
func (s *Service) RecordCandles(ctx context.Context, records []market.StoredRecord) error {
	if s == nil || s.conn == nil || len(records) == 0 {
		return nil
	}
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for start := 0; start < len(records); start += rowsPerStatement {
			end := min(start+rowsPerStatement, len(records))
			stmt, args := insertStatement(records[start:end])
			if _, err := session.ExecCtx(ctx, stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("candles: record %d rows: %w", len(records), err)
	}
	logx.WithContext(ctx).Debugf("candles: mirrored %d rows for %s", len(records), records[0].Key)
	return nil
}

// LoadRange returns mirrored rows for key with start <= ts <= end, oldest first.
func (s *Service) LoadRange(ctx context.Context, key market.Key, start, end time.Time) ([]Row, error) {
	query := `SELECT ` + columns + ` FROM public.candles
WHERE symbol = $1 AND timeframe = $2 AND source = $3 AND ts >= $4 AND ts <= $5
ORDER BY ts`
	var rows []Row
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, key.Symbol, key.Timeframe.String(), key.Source, start.UTC(), end.UTC()); err != nil {
		return nil, fmt.Errorf("candles: load %s: %w", key, err)
	}
	return rows, nil
}

// Count returns the number of mirrored rows for key.
func (s *Service) Count(ctx context.Context, key market.Key) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM public.candles WHERE symbol = $1 AND timeframe = $2 AND source = $3`
	if err := s.conn.QueryRowCtx(ctx, &n, query, key.Symbol, key.Timeframe.String(), key.Source); err != nil {
		return 0, fmt.Errorf("candles: count %s: %w", key, err)
	}
	return n, nil
}

func insertStatement(records []market.StoredRecord) (string, []any) {
	const perRow = 10
	var b strings.Builder
	b.WriteString("INSERT INTO public.candles (" + columns + ") VALUES ")
	args := make([]any, 0, len(records)*perRow)
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < perRow; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*perRow+j+1)
		}
		b.WriteByte(')')
		c := rec.Candle
		args = append(args,
			rec.Key.Symbol,
			rec.Key.Timeframe.String(),
			rec.Key.Source,
			c.Timestamp.UTC(),
			priceArg(c.Open),
			priceArg(c.High),
			priceArg(c.Low),
			priceArg(c.Close),
			volumeArg(c.Volume),
			rec.Checksum,
		)
	}
	b.WriteString(" ON CONFLICT (symbol, timeframe, source, ts) DO NOTHING")
	return b.String(), args
}

func priceArg(p market.PricePoint) sql.NullFloat64 {
	v, ok := p.Value()
	return sql.NullFloat64{Float64: v, Valid: ok}
}

func volumeArg(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
