// Package ingest turns decoded broker events into aggregation-store
// mutations and fan-out notifications. The router owns per-message failure
// isolation: malformed payloads are dropped for good, store failures are
// surfaced so the broker layer withholds the offset commit.
package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"dashpulse/internal/db"
	"dashpulse/internal/events"
	"dashpulse/internal/live"
)

// Store is the slice of the aggregation store the handlers mutate.
// *db.Store satisfies it; tests substitute an in-memory double.
type Store interface {
	AppendMetric(m *db.Metric) error
	MetricHistory(t db.MetricType, since time.Time) ([]db.Metric, error)
	SetKPICurrent(name string, current float64) (*db.KPI, error)
	SetKPITarget(name string, target float64) (*db.KPI, error)
	ApplyFinancialDelta(eventType, businessID string, t db.MetricType, kpiName string, amount float64, at time.Time) (*db.DeltaOutcome, error)
	CreateAlert(a *db.Alert) error
	ReplaceChart(name string, points []byte) error
}

// Publisher is the fan-out side; *live.Hub satisfies it.
type Publisher interface {
	Publish(u live.Update)
}

// Router dispatches decoded events to the aggregation handlers.
type Router struct {
	store Store
	hub   Publisher
}

func NewRouter(store Store, hub Publisher) *Router {
	return &Router{store: store, hub: hub}
}

// HandleMessage processes one raw broker message. A nil return means the
// message is done with, including permanently malformed ones, and its offset
// may be committed. A non-nil return means a transient failure; the offset
// must not advance so the message is redelivered.
func (r *Router) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	ev, err := events.Decode(topic, payload)
	if err != nil {
		var de *events.DecodeError
		if errors.As(err, &de) {
			// A malformed message will never become well-formed; drop it.
			log.Printf("ingest: dropping malformed message on %s: %s (payload %q)", topic, de.Reason, truncate(payload, 256))
			return nil
		}
		return err
	}

	if ev.Kind == events.KindIgnored {
		return nil
	}

	return r.dispatch(ev)
}

// dispatch is the single exhaustive switch over known event kinds.
func (r *Router) dispatch(ev events.Event) error {
	switch ev.Kind {
	case events.KindUserCreated, events.KindUserUpdated, events.KindUserDeleted:
		return r.handleUser(ev)
	case events.KindCustomerCreated:
		return r.handleCustomer(ev)
	case events.KindProductCreated, events.KindProductUpdated, events.KindProductDeleted:
		return r.handleProduct(ev)
	case events.KindStockLow, events.KindStockReplenished:
		return r.handleStock(ev)
	case events.KindOrderCreated:
		return r.handleOrder(ev)
	case events.KindOrderStatusChanged:
		return r.handleOrderStatus(ev)
	case events.KindInvoiceCreated, events.KindInvoicePaid:
		return r.handleInvoice(ev)
	case events.KindTransactionCreated:
		return r.handleTransaction(ev)
	case events.KindBudgetUpdated, events.KindBudgetExceeded:
		return r.handleBudget(ev)
	case events.KindAccountCreated, events.KindAccountBalanceUpdated:
		return r.handleAccount(ev)
	default:
		log.Printf("ingest: no handler for event kind %d (%s), ignoring", ev.Kind, ev.Type)
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
