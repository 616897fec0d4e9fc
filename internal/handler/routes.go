package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"ig-trading/internal/svc"
)

func RegisterHandlers(server *rest.Server, serverCtx *svc.ServiceContext) {
	server.AddRoutes(
		[]rest.Route{
			{
				Method:  http.MethodGet,
				Path:    "/health",
				Handler: HealthHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/health/unhealthy",
				Handler: UnhealthyHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/alerts/recent",
				Handler: RecentAlertsHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/runs/recent",
				Handler: RecentRunsHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/store/info",
				Handler: StoreInfoHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/store/range",
				Handler: StoreRangeHandler(serverCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/metrics",
				Handler: MetricsHandler(serverCtx),
			},
		},
	)
}
