package ingest

import (
	"log"

	"gorm.io/datatypes"

	"dashpulse/internal/db"
	"dashpulse/internal/events"
	"dashpulse/internal/live"
)

// Handlers follow one shape: mutate the store, then publish. Events that
// carry absolute values are applied as replacements so redelivery is
// harmless; delta-carrying events apply through a store transaction that
// covers the processed-event claim, so a redelivered delta is skipped and
// a failed one leaves no claim behind.

func (r *Router) handleUser(ev events.Event) error {
	p := ev.User
	m, err := r.appendMetric(ev, db.MetricUserCount, p.TotalUsers, p.UserID, nil)
	if err != nil {
		return err
	}
	r.publishMetric(m)
	return nil
}

func (r *Router) handleCustomer(ev events.Event) error {
	p := ev.Customer
	m, err := r.appendMetric(ev, db.MetricCustomerCount, p.TotalCustomers, p.CustomerID, nil)
	if err != nil {
		return err
	}
	kpi, err := r.store.SetKPICurrent(db.KPICustomerGrowth, p.TotalCustomers)
	if err != nil {
		return err
	}
	r.publishMetric(m)
	r.publishKPI(kpi)
	return nil
}

func (r *Router) handleProduct(ev events.Event) error {
	p := ev.Product
	m, err := r.appendMetric(ev, db.MetricProductCount, p.TotalProducts, p.ProductID, nil)
	if err != nil {
		return err
	}
	r.publishMetric(m)

	if p.InventoryValue != nil {
		inv, err := r.appendMetric(ev, db.MetricInventoryValue, *p.InventoryValue, p.ProductID, nil)
		if err != nil {
			return err
		}
		r.publishMetric(inv)
	}
	return nil
}

func (r *Router) handleStock(ev events.Event) error {
	p := ev.Stock

	if ev.Kind == events.KindStockLow {
		severity := db.SeverityWarning
		if p.StockLevel <= 0 {
			severity = db.SeverityCritical
		}
		alert := &db.Alert{
			Severity: severity,
			Title:    "Low stock",
			Message:  stockMessage(p),
			Metadata: datatypes.JSONMap{
				"productId":  p.ProductID,
				"stockLevel": p.StockLevel,
			},
		}
		if err := r.store.CreateAlert(alert); err != nil {
			return err
		}
		r.publishAlert(alert)
	}

	// Both low and replenished events may carry the absolute low-stock
	// total; only then does the metric move.
	if p.TotalLowStock != nil {
		m, err := r.appendMetric(ev, db.MetricLowStockCount, *p.TotalLowStock, p.ProductID, nil)
		if err != nil {
			return err
		}
		r.publishMetric(m)
	}
	return nil
}

func stockMessage(p *events.StockPayload) string {
	name := p.ProductName
	if name == "" {
		name = p.ProductID
	}
	if p.StockLevel <= 0 {
		return "Product " + name + " is out of stock"
	}
	return "Product " + name + " is running low on stock"
}

func (r *Router) handleOrder(ev events.Event) error {
	p := ev.Order

	m, err := r.appendMetric(ev, db.MetricOrderCount, p.TotalOrders, p.OrderID, nil)
	if err != nil {
		return err
	}
	r.publishMetric(m)

	if p.OrdersToday != nil {
		today, err := r.appendMetric(ev, db.MetricOrdersToday, *p.OrdersToday, p.OrderID, nil)
		if err != nil {
			return err
		}
		r.publishMetric(today)
	}

	kpi, err := r.store.SetKPICurrent(db.KPITotalOrders, p.TotalOrders)
	if err != nil {
		return err
	}
	r.publishKPI(kpi)

	r.regenerateChart(db.MetricOrderCount, ChartOrdersTrend)
	return nil
}

func (r *Router) handleOrderStatus(ev events.Event) error {
	p := ev.OrderStatus
	if p.Status != "cancelled" {
		return nil
	}
	alert := &db.Alert{
		Severity: db.SeverityInfo,
		Title:    "Order cancelled",
		Message:  "Order " + p.OrderID + " was cancelled",
		Metadata: datatypes.JSONMap{"orderId": p.OrderID},
	}
	if err := r.store.CreateAlert(alert); err != nil {
		return err
	}
	r.publishAlert(alert)
	return nil
}

func (r *Router) handleInvoice(ev events.Event) error {
	if ev.Kind != events.KindInvoicePaid {
		return nil
	}
	p := ev.Invoice
	return r.applyRevenueDelta(ev, p.InvoiceID, p.Amount)
}

func (r *Router) handleTransaction(ev events.Event) error {
	p := ev.Transaction
	if p.Type == "debit" {
		return r.applyExpenseDelta(ev, p.TransactionID, p.Amount)
	}
	return r.applyRevenueDelta(ev, p.TransactionID, p.Amount)
}

// applyRevenueDelta increments the revenue metric and KPI by amount, then
// refreshes net income and the revenue chart.
func (r *Router) applyRevenueDelta(ev events.Event, businessID string, amount float64) error {
	return r.applyDelta(ev, businessID, amount, db.MetricRevenue, db.KPIMonthlyRevenue, ChartRevenueTrend)
}

// applyExpenseDelta mirrors applyRevenueDelta for the debit side.
func (r *Router) applyExpenseDelta(ev events.Event, businessID string, amount float64) error {
	return r.applyDelta(ev, businessID, amount, db.MetricExpenses, db.KPIOperatingExpenses, "")
}

// applyDelta runs the store's transactional delta application, so the
// idempotency claim and the mutations commit or roll back together, then
// fans out what actually changed. A transient store failure surfaces with
// no claim recorded; redelivery applies the delta in full.
func (r *Router) applyDelta(ev events.Event, businessID string, amount float64, t db.MetricType, kpiName, chart string) error {
	out, err := r.store.ApplyFinancialDelta(ev.Type, businessID, t, kpiName, amount, ev.Timestamp)
	if err != nil {
		return err
	}
	if !out.Applied {
		log.Printf("ingest: skipping redelivered %s (%s)", ev.Type, businessID)
		return nil
	}

	r.publishMetric(out.Metric)
	r.publishKPI(out.KPI)
	r.publishMetric(out.Net)
	if chart != "" {
		r.regenerateChart(t, chart)
	}
	return nil
}

func (r *Router) handleBudget(ev events.Event) error {
	p := ev.Budget

	if ev.Kind == events.KindBudgetExceeded {
		alert := &db.Alert{
			Severity: db.SeverityCritical,
			Title:    "Budget exceeded",
			Message:  "Budget " + p.Category + " exceeded its limit",
			Metadata: datatypes.JSONMap{
				"budgetId": p.BudgetID,
				"category": p.Category,
				"limit":    p.Limit,
				"spent":    p.Spent,
			},
		}
		if err := r.store.CreateAlert(alert); err != nil {
			return err
		}
		r.publishAlert(alert)
		return nil
	}

	// Budget updates carry absolute spent/limit; the expenses KPI tracks them.
	if _, err := r.store.SetKPITarget(db.KPIOperatingExpenses, p.Limit); err != nil {
		return err
	}
	kpi, err := r.store.SetKPICurrent(db.KPIOperatingExpenses, p.Spent)
	if err != nil {
		return err
	}
	r.publishKPI(kpi)
	return nil
}

func (r *Router) handleAccount(ev events.Event) error {
	p := ev.Account
	if p.Balance >= 0 {
		return nil
	}
	alert := &db.Alert{
		Severity: db.SeverityWarning,
		Title:    "Account overdrawn",
		Message:  "Account " + accountLabel(p) + " has a negative balance",
		Metadata: datatypes.JSONMap{
			"accountId": p.AccountID,
			"balance":   p.Balance,
		},
	}
	if err := r.store.CreateAlert(alert); err != nil {
		return err
	}
	r.publishAlert(alert)
	return nil
}

func accountLabel(p *events.AccountPayload) string {
	if p.Name != "" {
		return p.Name
	}
	return p.AccountID
}

// appendMetric writes one absolute metric row stamped with the event time.
func (r *Router) appendMetric(ev events.Event, t db.MetricType, value float64, sourceID string, metadata datatypes.JSONMap) (*db.Metric, error) {
	m := &db.Metric{
		CreatedAt:     ev.Timestamp,
		Type:          t,
		Value:         value,
		SourceEventID: sourceID,
		Metadata:      metadata,
	}
	if err := r.store.AppendMetric(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Router) publishMetric(m *db.Metric) {
	r.hub.Publish(live.Update{
		EventType: live.EventMetricsUpdated,
		Group:     live.GroupMetrics,
		Timestamp: m.CreatedAt,
		Payload:   m,
	})
}

func (r *Router) publishKPI(k *db.KPI) {
	r.hub.Publish(live.Update{
		EventType: live.EventKPIUpdated,
		Group:     live.GroupMetrics,
		Timestamp: k.UpdatedAt,
		Payload:   k,
	})
}

func (r *Router) publishAlert(a *db.Alert) {
	r.hub.Publish(live.Update{
		EventType: live.EventAlertCreated,
		Group:     live.GroupAlerts,
		Timestamp: a.CreatedAt,
		Payload:   a,
	})
}
