package handlers

import (
	"errors"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "dashpulse/internal/db"
)

// MetricsSnapshot serves the most recent value of every metric type.
func MetricsSnapshot(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		metrics, err := store.LatestMetrics()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load metrics")
			return
		}
		jsonResponse(ctx, map[string]any{"metrics": metrics})
	}
}

// ListKPIs serves all tracked KPIs.
func ListKPIs(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		kpis, err := store.ListKPIs()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load KPIs")
			return
		}
		jsonResponse(ctx, map[string]any{"kpis": kpis})
	}
}

// ListCharts serves every chart series with its full point set.
func ListCharts(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		charts, err := store.ListCharts()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load charts")
			return
		}
		jsonResponse(ctx, map[string]any{"charts": charts})
	}
}

// ListAlerts serves alerts newest first with skip/limit paging, plus the
// unread count for the dashboard badge.
func ListAlerts(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		limit, offset := parsePaging(ctx, 50, 200)
		alerts, err := store.ListAlerts(limit, offset)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load alerts")
			return
		}
		unread, err := store.UnreadAlertCount()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to count unread alerts")
			return
		}
		jsonResponse(ctx, map[string]any{"alerts": alerts, "unread": unread})
	}
}

// MarkAlertRead flips one alert's read flag.
func MarkAlertRead(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("id").(string)
		if id == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "missing alert id")
			return
		}
		if err := store.MarkAlertRead(id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				errResponse(ctx, fasthttp.StatusNotFound, "unknown alert")
				return
			}
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to update alert")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "ok"})
	}
}
