// Package overview inspects the downstream services' MongoDB storage: the
// point-in-time database overview, abnormal-growth monitoring, and the
// read-only ad-hoc query executor. Nothing here is persisted as history;
// snapshots live only as long as the cache keeps them.
package overview

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CollectionInfo describes one downstream collection at snapshot time.
type CollectionInfo struct {
	Name          string   `json:"name"`
	DocumentCount int64    `json:"documentCount"`
	SizeBytes     int64    `json:"sizeBytes"`
	Indexes       []string `json:"indexes"`
}

// ServiceDatabase is one service's storage shape. Error is set instead of
// Collections when the service's database was unreachable; the rest of the
// overview is unaffected.
type ServiceDatabase struct {
	Service     string           `json:"service"`
	Database    string           `json:"database"`
	Collections []CollectionInfo `json:"collections,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// DatabaseOverview is the aggregate snapshot across every downstream service.
type DatabaseOverview struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Services    []ServiceDatabase `json:"services"`
}

// Inspector reads downstream storage. A nil client is valid and yields
// per-service "not configured" error entries so the read path never fails
// outright.
type Inspector struct {
	client   *mongo.Client
	services map[string]string
}

func NewInspector(client *mongo.Client, services map[string]string) *Inspector {
	return &Inspector{client: client, services: services}
}

// Snapshot walks every configured service database. Per-service failures are
// recorded inline; the aggregate response always covers all services.
func (i *Inspector) Snapshot(ctx context.Context) DatabaseOverview {
	out := DatabaseOverview{GeneratedAt: time.Now().UTC()}

	names := make([]string, 0, len(i.services))
	for svc := range i.services {
		names = append(names, svc)
	}
	sort.Strings(names)

	for _, svc := range names {
		dbName := i.services[svc]
		entry := ServiceDatabase{Service: svc, Database: dbName}
		if i.client == nil {
			entry.Error = "downstream storage not configured"
		} else if cols, err := i.inspectDatabase(ctx, dbName); err != nil {
			entry.Error = err.Error()
		} else {
			entry.Collections = cols
		}
		out.Services = append(out.Services, entry)
	}
	return out
}

func (i *Inspector) inspectDatabase(ctx context.Context, dbName string) ([]CollectionInfo, error) {
	database := i.client.Database(dbName)
	names, err := database.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)

	cols := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		info := CollectionInfo{Name: name}

		count, err := database.Collection(name).CountDocuments(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		info.DocumentCount = count

		var stats struct {
			Size int64 `bson:"size"`
		}
		// collStats can fail on views; treat size as unknown rather than
		// failing the whole service entry.
		if err := database.RunCommand(ctx, bson.D{{Key: "collStats", Value: name}}).Decode(&stats); err == nil {
			info.SizeBytes = stats.Size
		}

		cursor, err := database.Collection(name).Indexes().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list indexes on %s: %w", name, err)
		}
		var specs []struct {
			Name string `bson:"name"`
		}
		if err := cursor.All(ctx, &specs); err != nil {
			return nil, fmt.Errorf("read indexes on %s: %w", name, err)
		}
		for _, s := range specs {
			info.Indexes = append(info.Indexes, s.Name)
		}

		cols = append(cols, info)
	}
	return cols, nil
}

// Counts flattens a snapshot into service/collection document counts, the
// input of growth detection.
func (o DatabaseOverview) Counts() map[string]int64 {
	out := make(map[string]int64)
	for _, svc := range o.Services {
		for _, col := range svc.Collections {
			out[svc.Service+"/"+col.Name] = col.DocumentCount
		}
	}
	return out
}
