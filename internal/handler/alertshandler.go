package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"ig-trading/internal/svc"
	"ig-trading/internal/types"
	"ig-trading/pkg/alert"
)

const maxListLimit = 1000

func RecentAlertsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.RecentAlertsRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		minSeverity := alert.SeverityLow
		if req.Severity != "" {
			sev, err := alert.ParseSeverity(req.Severity)
			if err != nil {
				httpx.ErrorCtx(r.Context(), w, err)
				return
			}
			minSeverity = sev
		}
		events := svcCtx.RecentAlerts.Recent(clampLimit(req.Limit), minSeverity)
		if events == nil {
			events = []alert.Event{}
		}
		httpx.OkJsonCtx(r.Context(), w, &types.RecentAlertsResponse{Alerts: events})
	}
}

func clampLimit(n int) int {
	if n <= 0 || n > maxListLimit {
		return maxListLimit
	}
	return n
}
