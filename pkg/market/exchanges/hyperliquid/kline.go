package hyperliquid

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"ig-trading/pkg/market"
)

// candleSnapshot caps the number of candles returned per request.
const maxCandlesPerRequest = 5000

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// supportedIntervals lists intervals shortest first.
var supportedIntervals = []market.Timeframe{
	"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "8h", "12h", "1d", "3d", "1w", "1M",
}

// getCandles fetches closed candles for a canonical coin. A zero start is
// derived from the limit (or the request cap) counted back from end.
func (c *Client) getCandles(ctx context.Context, coin, interval string, start, end time.Time, limit int, now time.Time) ([]Kline, error) {
	step, ok := intervalDurations[interval]
	if !ok {
		return nil, market.Fatalf("hyperliquid: unsupported interval %q", interval)
	}
	if end.IsZero() || end.After(now) {
		end = now
	}
	if start.IsZero() {
		lookback := limit
		if lookback <= 0 || lookback > maxCandlesPerRequest {
			lookback = maxCandlesPerRequest
		}
		start = end.Add(-step * time.Duration(lookback))
	}
	if !start.Before(end) {
		return nil, nil
	}

	var response CandleResponse
	request := InfoRequest{
		Type: "candleSnapshot",
		Req: CandleSnapshotRequest{
			Coin:      coin,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}
	if err := c.doRequest(ctx, request, &response); err != nil {
		return nil, err
	}

	nowMillis := now.UnixMilli()
	klines := make([]Kline, 0, len(response))
	for _, item := range response {
		// The candle still forming carries a close time in the future.
		if item.TClose >= nowMillis {
			continue
		}
		if item.T < start.UnixMilli() {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  item.T,
			Open:      item.O,
			High:      item.H,
			Low:       item.L,
			Close:     item.C,
			Volume:    item.V,
			CloseTime: item.TClose,
		})
	}

	sort.Slice(klines, func(i, j int) bool {
		return klines[i].OpenTime < klines[j].OpenTime
	})
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

// toCandle maps a kline onto the shared candle shape. Hyperliquid publishes
// trade prices only, so every price is a mid. Fractional base volume is
// rounded to whole units.
func (k Kline) toCandle() market.Candle {
	volume := int64(math.Round(k.Volume))
	return market.Candle{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      market.Mid(k.Open),
		High:      market.Mid(k.High),
		Low:       market.Mid(k.Low),
		Close:     market.Mid(k.Close),
		Volume:    &volume,
	}
}

func intervalFor(tf market.Timeframe) (string, error) {
	interval := tf.String()
	if _, ok := intervalDurations[interval]; !ok {
		return "", market.Fatal(fmt.Errorf("hyperliquid: unsupported timeframe %q", interval))
	}
	return interval, nil
}
