package ingest

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"dashpulse/internal/db"
	"dashpulse/internal/live"
)

// Chart series names served by the dashboard.
const (
	ChartRevenueTrend = "revenue-trend"
	ChartOrdersTrend  = "orders-trend"
)

// chartWindow is how far back the trend charts reach.
const chartWindow = 14 * 24 * time.Hour

// regenerateChart rebuilds the named chart from metric history. Charts are
// derived from already-persisted state, so a failure here is logged and the
// event is still considered handled; the next relevant event or the chart
// worker will rebuild the series.
func (r *Router) regenerateChart(t db.MetricType, name string) {
	if err := rebuildTrendChart(r.store, t, name); err != nil {
		log.Printf("ingest: chart %s rebuild failed: %v", name, err)
		return
	}
	r.hub.Publish(live.Update{
		EventType: live.EventChartUpdated,
		Group:     live.GroupMetrics,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"name": name},
	})
}

// rebuildTrendChart regenerates the series wholesale: one point per day,
// carrying the day's closing value of the metric.
func rebuildTrendChart(store Store, t db.MetricType, name string) error {
	since := time.Now().UTC().Add(-chartWindow).Truncate(24 * time.Hour)
	history, err := store.MetricHistory(t, since)
	if err != nil {
		return err
	}

	// History is ordered oldest first, so the last write per day wins.
	byDay := make(map[string]db.ChartPoint)
	for _, m := range history {
		day := m.CreatedAt.UTC().Truncate(24 * time.Hour)
		label := day.Format("2006-01-02")
		ts := day
		byDay[label] = db.ChartPoint{Label: label, Value: m.Value, Timestamp: &ts}
	}

	points := make([]db.ChartPoint, 0, len(byDay))
	for _, p := range byDay {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Label < points[j].Label })

	encoded, err := json.Marshal(points)
	if err != nil {
		return err
	}
	return store.ReplaceChart(name, encoded)
}

// StartChartWorker rebuilds the trend charts at startup and then hourly, so
// the series stay current through quiet periods and day rollovers. The
// worker stops when ctx is cancelled.
func StartChartWorker(ctx context.Context, store Store) {
	go chartWorker(ctx, store)
}

func chartWorker(ctx context.Context, store Store) {
	rebuildAll(store)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rebuildAll(store)
		}
	}
}

func rebuildAll(store Store) {
	if err := rebuildTrendChart(store, db.MetricRevenue, ChartRevenueTrend); err != nil {
		log.Printf("chart worker: %s rebuild failed: %v", ChartRevenueTrend, err)
	}
	if err := rebuildTrendChart(store, db.MetricOrderCount, ChartOrdersTrend); err != nil {
		log.Printf("chart worker: %s rebuild failed: %v", ChartOrdersTrend, err)
	}
}
