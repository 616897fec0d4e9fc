package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/rest/httpx"

	"ig-trading/internal/svc"
	"ig-trading/internal/types"
	"ig-trading/pkg/journal"
	"ig-trading/pkg/market"
)

func RecentRunsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.RecentRunsRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		resp := &types.RecentRunsResponse{Runs: []journal.RunRecord{}}
		if svcCtx.Journal == nil {
			httpx.OkJsonCtx(r.Context(), w, resp)
			return
		}
		runs, err := svcCtx.Journal.Recent(clampLimit(req.Limit))
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		if runs != nil {
			resp.Runs = runs
		}
		httpx.OkJsonCtx(r.Context(), w, resp)
	}
}

func StoreInfoHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svcCtx.Store.Info()
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, info)
	}
}

// StoreRangeHandler returns the newest limit stored candles of one key between
// start and end, oldest first.
func StoreRangeHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.StoreRangeRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		start, err := parseBound("start", req.Start)
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		end, err := parseBound("end", req.End)
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		key := market.Key{
			Symbol:    strings.ToUpper(strings.TrimSpace(req.Symbol)),
			Timeframe: market.Timeframe(strings.TrimSpace(req.Timeframe)),
			Source:    strings.TrimSpace(req.Source),
		}
		records, err := svcCtx.Store.LoadRange(key, start, end)
		if err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		if limit := clampLimit(req.Limit); len(records) > limit {
			records = records[len(records)-limit:]
		}
		resp := &types.StoreRangeResponse{
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe.String(),
			Source:    key.Source,
			Candles:   make([]market.Candle, 0, len(records)),
		}
		for _, rec := range records {
			resp.Candles = append(resp.Candles, rec.Candle)
		}
		httpx.OkJsonCtx(r.Context(), w, resp)
	}
}

func parseBound(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC3339", name, raw)
	}
	return ts, nil
}

func MetricsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.Metrics.Handler().ServeHTTP
}
