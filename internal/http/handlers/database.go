package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"dashpulse/internal/cache"
	"dashpulse/internal/config"
	dbpkg "dashpulse/internal/db"
	"dashpulse/internal/live"
	"dashpulse/internal/overview"
)

const overviewCacheKey = "database:overview"

// DatabaseOverview serves the cached cross-service storage snapshot,
// computing it live on a miss. Cache trouble only costs the acceleration:
// the cache layer falls through to computing.
func DatabaseOverview(insp *overview.Inspector, cch *cache.Cache, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		body, err := cch.GetOrCompute(ctx, overviewCacheKey, cfg.OverviewTTL, func(cctx context.Context) ([]byte, error) {
			return json.Marshal(insp.Snapshot(cctx))
		})
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to build overview")
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	}
}

// ListDatabaseAlerts serves database alerts, optionally filtered by
// resolved state via ?resolved=true|false.
func ListDatabaseAlerts(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var resolved *bool
		switch string(ctx.QueryArgs().Peek("resolved")) {
		case "true":
			v := true
			resolved = &v
		case "false":
			v := false
			resolved = &v
		}
		alerts, err := store.ListDatabaseAlerts(resolved)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load database alerts")
			return
		}
		jsonResponse(ctx, map[string]any{"alerts": alerts})
	}
}

// ResolveDatabaseAlert closes one alert's lifecycle; resolvedAt is set
// exactly once, so resolving twice reports 404.
func ResolveDatabaseAlert(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("id").(string)
		if id == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "missing alert id")
			return
		}
		if err := store.ResolveDatabaseAlert(id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				errResponse(ctx, fasthttp.StatusNotFound, "unknown or already resolved alert")
				return
			}
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to resolve alert")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "resolved"})
	}
}

type databaseUpdatedRequest struct {
	ServiceName    string         `json:"serviceName"`
	DatabaseName   string         `json:"databaseName"`
	CollectionName string         `json:"collectionName"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DatabaseUpdatedSignal is the intake for downstream collaborators'
// "database updated" notifications, fanned out on both live transports.
func DatabaseUpdatedSignal(hub *live.Hub) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req databaseUpdatedRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ServiceName == "" || req.CollectionName == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "serviceName and collectionName are required")
			return
		}

		now := time.Now().UTC()
		hub.Publish(live.Update{
			EventType: live.EventDatabaseUpdated,
			Group:     live.GroupDatabase,
			Timestamp: now,
			Payload: live.DatabaseUpdate{
				EventType:      live.EventDatabaseUpdated,
				ServiceName:    req.ServiceName,
				DatabaseName:   req.DatabaseName,
				CollectionName: req.CollectionName,
				Timestamp:      now,
				Metadata:       req.Metadata,
			},
		})
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		jsonResponse(ctx, map[string]any{"status": "accepted"})
	}
}
