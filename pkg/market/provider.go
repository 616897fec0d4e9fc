package market

import (
	"context"
	"errors"
)

// Upstream is an external market data provider.
type Upstream interface {
	// Name returns the source tag stored alongside fetched records.
	Name() string
	// Connect prepares the upstream for fetching.
	Connect(ctx context.Context) error
	// Fetch returns candles for symbol and timeframe within r. Failures are
	// classified with Transient or Fatal.
	Fetch(ctx context.Context, symbol string, timeframe Timeframe, r Range) (*Batch, error)
	// Disconnect releases resources acquired by Connect.
	Disconnect(ctx context.Context) error
	// ListAvailable returns the timeframes the upstream serves for symbol.
	ListAvailable(ctx context.Context, symbol string) ([]Timeframe, error)
}

// WithConnection connects up, runs fn and disconnects on every exit path,
// including panics and cancellation. Disconnect runs on a context detached
// from ctx's cancellation so a stopped task still releases its session.
func WithConnection(ctx context.Context, up Upstream, fn func(ctx context.Context) error) (err error) {
	if err := up.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if derr := up.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			err = errors.Join(err, derr)
		}
	}()
	return fn(ctx)
}

// HasTimeframe reports whether tf is present in list.
func HasTimeframe(list []Timeframe, tf Timeframe) bool {
	for _, item := range list {
		if item == tf {
			return true
		}
	}
	return false
}
