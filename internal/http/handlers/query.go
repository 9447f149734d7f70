package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"dashpulse/internal/config"
	dbpkg "dashpulse/internal/db"
	"dashpulse/internal/overview"
)

// ExecuteQuery runs one ad-hoc read-only query against a downstream
// collection. Every execution, successful or not, is recorded as an
// immutable audit row attributed to the caller.
func ExecuteQuery(insp *overview.Inspector, store *dbpkg.Store, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		claims, ok := MustClaims(ctx)
		if !ok {
			return
		}

		var req overview.QueryRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := insp.ValidateQuery(&req, cfg.QueryRowCap); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}

		result, execErr := insp.ExecuteQuery(ctx, &req)

		audit := &dbpkg.QueryExecution{
			Subject:    claims.Subject,
			Service:    req.Service,
			Collection: req.Collection,
			Operation:  req.Operation,
			Status:     "success",
		}
		if execErr != nil {
			audit.Status = "error"
			audit.Error = execErr.Error()
		} else {
			audit.RowCount = result.RowCount
			audit.DurationMs = result.DurationMs
		}
		if err := store.RecordQueryExecution(audit); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to record query execution")
			return
		}

		if execErr != nil {
			errResponse(ctx, fasthttp.StatusBadGateway, "query failed: "+execErr.Error())
			return
		}
		jsonResponse(ctx, map[string]any{"executionId": audit.ID, "result": result})
	}
}

// QueryHistory serves the query audit log newest first.
func QueryHistory(store *dbpkg.Store) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		limit, offset := parsePaging(ctx, 50, 200)
		executions, err := store.ListQueryExecutions(limit, offset)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load query history")
			return
		}
		jsonResponse(ctx, map[string]any{"executions": executions})
	}
}
