package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"ig-trading/internal/svc"
	"ig-trading/internal/types"
)

func HealthHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := &types.HealthResponse{
			Healthy: svcCtx.Health.AllHealthy(),
			Sources: svcCtx.Health.HealthStatus(),
		}
		if !resp.Healthy {
			httpx.WriteJsonCtx(r.Context(), w, http.StatusServiceUnavailable, resp)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, resp)
	}
}

func UnhealthyHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources := svcCtx.Health.UnhealthySources()
		if sources == nil {
			sources = []string{}
		}
		httpx.OkJsonCtx(r.Context(), w, &types.UnhealthyResponse{Sources: sources})
	}
}
