package overview

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"dashpulse/internal/db"
	"dashpulse/internal/live"
)

// Growth detection thresholds: a collection must at least double between
// monitor passes, and be past the floor, before it is flagged. The floor
// keeps tiny collections (2 -> 5 documents) from tripping alerts.
const (
	growthFactor   = 2.0
	growthMinDocs  = 1000
	defaultMonitor = 5 * time.Minute
)

// GrowthFinding names one abnormally growing collection.
type GrowthFinding struct {
	Service    string
	Collection string
	Previous   int64
	Current    int64
}

// detectAbnormalGrowth compares two count snapshots. Keys are
// "service/collection"; collections absent from prev are skipped since one
// sample gives no growth rate.
func detectAbnormalGrowth(prev, cur map[string]int64) []GrowthFinding {
	var out []GrowthFinding
	for key, count := range cur {
		before, seen := prev[key]
		if !seen || before <= 0 {
			continue
		}
		if count < growthMinDocs {
			continue
		}
		if float64(count) < float64(before)*growthFactor {
			continue
		}
		svc, col, _ := strings.Cut(key, "/")
		out = append(out, GrowthFinding{Service: svc, Collection: col, Previous: before, Current: count})
	}
	return out
}

// AlertStore is the slice of the aggregation store the monitor writes to.
type AlertStore interface {
	CreateDatabaseAlert(a *db.DatabaseAlert) (bool, error)
}

// Publisher is the fan-out side; *live.Hub satisfies it.
type Publisher interface {
	Publish(u live.Update)
}

// Monitor samples downstream collection counts periodically and raises
// database alerts on abnormal growth.
type Monitor struct {
	inspector *Inspector
	store     AlertStore
	hub       Publisher
	interval  time.Duration

	prev map[string]int64
}

func NewMonitor(inspector *Inspector, store AlertStore, hub Publisher) *Monitor {
	return &Monitor{inspector: inspector, store: store, hub: hub, interval: defaultMonitor}
}

// Run blocks until ctx is cancelled, sampling once per interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	snapshot := m.inspector.Snapshot(ctx)
	counts := snapshot.Counts()
	defer func() { m.prev = counts }()

	if m.prev == nil {
		return
	}

	for _, f := range detectAbnormalGrowth(m.prev, counts) {
		alert := &db.DatabaseAlert{
			Service:    f.Service,
			Database:   m.databaseName(f.Service),
			Collection: f.Collection,
			Kind:       "abnormal_growth",
			Message: fmt.Sprintf("collection %s grew from %d to %d documents within one monitor interval",
				f.Collection, f.Previous, f.Current),
		}
		created, err := m.store.CreateDatabaseAlert(alert)
		if err != nil {
			log.Printf("overview monitor: recording alert for %s/%s: %v", f.Service, f.Collection, err)
			continue
		}
		if !created {
			// An unresolved alert already covers this condition.
			continue
		}
		m.hub.Publish(live.Update{
			EventType: live.EventDatabaseAlert,
			Group:     live.GroupDatabase,
			Timestamp: alert.CreatedAt,
			Payload: live.DatabaseUpdate{
				EventType:      live.EventDatabaseAlert,
				ServiceName:    f.Service,
				DatabaseName:   alert.Database,
				CollectionName: f.Collection,
				Timestamp:      alert.CreatedAt,
				Metadata: map[string]any{
					"previousCount": f.Previous,
					"currentCount":  f.Current,
				},
			},
		})
	}
}

func (m *Monitor) databaseName(service string) string {
	return m.inspector.services[service]
}
