package types

import (
	"ig-trading/pkg/alert"
	"ig-trading/pkg/health"
	"ig-trading/pkg/journal"
	"ig-trading/pkg/market"
)

type HealthResponse struct {
	Healthy bool                     `json:"healthy"`
	Sources map[string]health.Record `json:"sources"`
}

type UnhealthyResponse struct {
	Sources []string `json:"sources"`
}

type RecentAlertsRequest struct {
	Limit    int    `form:"limit,default=50"`
	Severity string `form:"severity,optional"`
}

type RecentAlertsResponse struct {
	Alerts []alert.Event `json:"alerts"`
}

type RecentRunsRequest struct {
	Limit int `form:"limit,default=50"`
}

type RecentRunsResponse struct {
	Runs []journal.RunRecord `json:"runs"`
}

type StoreRangeRequest struct {
	Symbol    string `form:"symbol"`
	Timeframe string `form:"timeframe"`
	Source    string `form:"source"`
	Start     string `form:"start,optional"`
	End       string `form:"end,optional"`
	Limit     int    `form:"limit,default=500"`
}

type StoreRangeResponse struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Source    string          `json:"source"`
	Candles   []market.Candle `json:"candles"`
}
