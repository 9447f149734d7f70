package overview

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Query operations accepted by the executor. Anything else is rejected
// before touching downstream storage.
const (
	OpFind      = "find"
	OpCount     = "count"
	OpAggregate = "aggregate"
)

// writeStages are aggregation stages that mutate or export data; a pipeline
// containing any of them is rejected.
var writeStages = map[string]struct{}{
	"$out":   {},
	"$merge": {},
}

// QueryRequest is one ad-hoc read-only query against a downstream collection.
type QueryRequest struct {
	Service    string           `json:"service"`
	Collection string           `json:"collection"`
	Operation  string           `json:"operation"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Skip       int64            `json:"skip,omitempty"`
	Limit      int64            `json:"limit,omitempty"`
}

// QueryResult carries the rows (or count) plus execution bookkeeping.
type QueryResult struct {
	Rows       []bson.M `json:"rows,omitempty"`
	Count      *int64   `json:"count,omitempty"`
	RowCount   int64    `json:"rowCount"`
	DurationMs int64    `json:"durationMs"`
}

// ValidateQuery normalizes the request in place and rejects anything that is
// not a read. The limit is clamped to rowCap; zero means "use the cap".
func (i *Inspector) ValidateQuery(req *QueryRequest, rowCap int) error {
	if _, ok := i.services[req.Service]; !ok {
		return fmt.Errorf("unknown service %q", req.Service)
	}
	if req.Collection == "" {
		return fmt.Errorf("collection is required")
	}

	switch req.Operation {
	case OpFind, OpCount:
	case OpAggregate:
		if len(req.Pipeline) == 0 {
			return fmt.Errorf("aggregate requires a pipeline")
		}
		for _, stage := range req.Pipeline {
			for name := range stage {
				if _, banned := writeStages[name]; banned {
					return fmt.Errorf("pipeline stage %s is not allowed: queries are read-only", name)
				}
			}
		}
	default:
		return fmt.Errorf("unsupported operation %q (find, count, aggregate)", req.Operation)
	}

	if req.Skip < 0 || req.Limit < 0 {
		return fmt.Errorf("skip and limit must be non-negative")
	}
	if req.Limit == 0 || req.Limit > int64(rowCap) {
		req.Limit = int64(rowCap)
	}
	return nil
}

// ExecuteQuery runs a validated request and returns the result. The row cap
// is enforced at the driver level: find via SetLimit, aggregate via an
// appended $limit stage.
func (i *Inspector) ExecuteQuery(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	if i.client == nil {
		return nil, fmt.Errorf("downstream storage not configured")
	}

	coll := i.client.Database(i.services[req.Service]).Collection(req.Collection)
	filter := bson.M(req.Filter)
	if filter == nil {
		filter = bson.M{}
	}

	start := time.Now()
	res := &QueryResult{}

	switch req.Operation {
	case OpFind:
		opts := options.Find().SetSkip(req.Skip).SetLimit(req.Limit)
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, err
		}
		if err := cursor.All(ctx, &res.Rows); err != nil {
			return nil, err
		}
		res.RowCount = int64(len(res.Rows))

	case OpCount:
		count, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, err
		}
		res.Count = &count
		res.RowCount = 1

	case OpAggregate:
		pipeline := make([]bson.M, 0, len(req.Pipeline)+2)
		for _, stage := range req.Pipeline {
			pipeline = append(pipeline, bson.M(stage))
		}
		if req.Skip > 0 {
			pipeline = append(pipeline, bson.M{"$skip": req.Skip})
		}
		pipeline = append(pipeline, bson.M{"$limit": req.Limit})
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		if err := cursor.All(ctx, &res.Rows); err != nil {
			return nil, err
		}
		res.RowCount = int64(len(res.Rows))
	}

	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}
