package hyperliquid

// Kline is one decoded candle before it becomes a market.Candle.
type Kline struct {
	OpenTime  int64 // ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64 // ms
}

// InfoRequest is the envelope every info endpoint call posts.
type InfoRequest struct {
	Type string `json:"type"`
	Req  any    `json:"req,omitempty"`
}

// CandleSnapshotRequest carries the candleSnapshot parameters.
type CandleSnapshotRequest struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// CandleResponse is the candleSnapshot payload. Prices and volume arrive as
// decimal strings.
type CandleResponse []struct {
	T      int64   `json:"t"`
	TClose int64   `json:"T"`
	S      string  `json:"s"`
	I      string  `json:"i"`
	O      float64 `json:"o,string"`
	C      float64 `json:"c,string"`
	H      float64 `json:"h,string"`
	L      float64 `json:"l,string"`
	V      float64 `json:"v,string"`
}

// MetaResponse is the meta payload, the listed perpetual universe.
type MetaResponse struct {
	Universe []UniverseEntry `json:"universe"`
}

// UniverseEntry is one listed asset.
type UniverseEntry struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
	IsDelisted bool   `json:"isDelisted"`
}
