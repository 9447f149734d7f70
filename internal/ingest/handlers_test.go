package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashpulse/internal/db"
	"dashpulse/internal/events"
	"dashpulse/internal/live"
)

// memStore is an in-memory double of the aggregation store, mirroring its
// replace/append/ledger semantics so handler behavior is testable without
// PostgreSQL.
type memStore struct {
	metrics   []db.Metric
	kpis      map[string]*db.KPI
	processed map[string]struct{}
	alerts    []db.Alert
	charts    map[string][]byte

	failAppend error
}

func newMemStore() *memStore {
	return &memStore{
		kpis: map[string]*db.KPI{
			db.KPIMonthlyRevenue:    {Name: db.KPIMonthlyRevenue, TargetValue: 100000},
			db.KPITotalOrders:       {Name: db.KPITotalOrders, TargetValue: 1000},
			db.KPICustomerGrowth:    {Name: db.KPICustomerGrowth, TargetValue: 500},
			db.KPIOperatingExpenses: {Name: db.KPIOperatingExpenses, TargetValue: 50000, LowerIsBetter: true},
		},
		processed: make(map[string]struct{}),
		charts:    make(map[string][]byte),
	}
}

func (s *memStore) AppendMetric(m *db.Metric) error {
	if s.failAppend != nil {
		return s.failAppend
	}
	m.ID = uint(len(s.metrics) + 1)
	s.metrics = append(s.metrics, *m)
	return nil
}

func (s *memStore) LatestMetric(t db.MetricType) (*db.Metric, error) {
	for i := len(s.metrics) - 1; i >= 0; i-- {
		if s.metrics[i].Type == t {
			m := s.metrics[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) MetricHistory(t db.MetricType, since time.Time) ([]db.Metric, error) {
	var out []db.Metric
	for _, m := range s.metrics {
		if m.Type == t && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) SetKPICurrent(name string, current float64) (*db.KPI, error) {
	return s.mutateKPI(name, func(k *db.KPI) { k.CurrentValue = current })
}

func (s *memStore) AdjustKPICurrent(name string, delta float64) (*db.KPI, error) {
	return s.mutateKPI(name, func(k *db.KPI) { k.CurrentValue += delta })
}

func (s *memStore) SetKPITarget(name string, target float64) (*db.KPI, error) {
	k, ok := s.kpis[name]
	if !ok {
		return nil, fmt.Errorf("unknown KPI %s", name)
	}
	k.TargetValue = target
	k.Status = db.DeriveKPIStatus(k.CurrentValue, k.TargetValue, k.LowerIsBetter)
	out := *k
	return &out, nil
}

func (s *memStore) mutateKPI(name string, apply func(*db.KPI)) (*db.KPI, error) {
	k, ok := s.kpis[name]
	if !ok {
		return nil, fmt.Errorf("unknown KPI %s", name)
	}
	previous := k.CurrentValue
	apply(k)
	k.PreviousValue = previous
	k.PercentageChange = db.PercentageChange(k.CurrentValue, previous)
	k.Status = db.DeriveKPIStatus(k.CurrentValue, k.TargetValue, k.LowerIsBetter)
	k.UpdatedAt = time.Now().UTC()
	out := *k
	return &out, nil
}

// ApplyFinancialDelta mirrors the store's all-or-nothing transaction: the
// failure check runs before any state is touched, and the idempotency claim
// is only recorded once every mutation succeeded.
func (s *memStore) ApplyFinancialDelta(eventType, businessID string, t db.MetricType, kpiName string, amount float64, at time.Time) (*db.DeltaOutcome, error) {
	key := eventType + "|" + businessID
	if businessID != "" {
		if _, dup := s.processed[key]; dup {
			return &db.DeltaOutcome{}, nil
		}
	}
	if s.failAppend != nil {
		return nil, s.failAppend
	}

	latest, _ := s.LatestMetric(t)
	value := amount
	if latest != nil {
		value += latest.Value
	}
	m := &db.Metric{CreatedAt: at, Type: t, Value: value, SourceEventID: businessID}
	if err := s.AppendMetric(m); err != nil {
		return nil, err
	}

	kpi, err := s.AdjustKPICurrent(kpiName, amount)
	if err != nil {
		return nil, err
	}

	revenue, _ := s.LatestMetric(db.MetricRevenue)
	expenses, _ := s.LatestMetric(db.MetricExpenses)
	var net float64
	if revenue != nil {
		net += revenue.Value
	}
	if expenses != nil {
		net -= expenses.Value
	}
	nm := &db.Metric{CreatedAt: at, Type: db.MetricNetIncome, Value: net, SourceEventID: businessID}
	if err := s.AppendMetric(nm); err != nil {
		return nil, err
	}

	if businessID != "" {
		s.processed[key] = struct{}{}
	}
	return &db.DeltaOutcome{Applied: true, Metric: m, KPI: kpi, Net: nm}, nil
}

func (s *memStore) CreateAlert(a *db.Alert) error {
	a.ID = fmt.Sprintf("alert-%d", len(s.alerts)+1)
	a.CreatedAt = time.Now().UTC()
	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *memStore) ReplaceChart(name string, points []byte) error {
	s.charts[name] = points
	return nil
}

func (s *memStore) metricCount(t db.MetricType) int {
	n := 0
	for _, m := range s.metrics {
		if m.Type == t {
			n++
		}
	}
	return n
}

// pubRecorder captures every published update.
type pubRecorder struct {
	updates []live.Update
}

func (p *pubRecorder) Publish(u live.Update) {
	p.updates = append(p.updates, u)
}

func (p *pubRecorder) byType(eventType string) []live.Update {
	var out []live.Update
	for _, u := range p.updates {
		if u.EventType == eventType {
			out = append(out, u)
		}
	}
	return out
}

func newTestRouter() (*Router, *memStore, *pubRecorder) {
	store := newMemStore()
	pub := &pubRecorder{}
	return NewRouter(store, pub), store, pub
}

func ingestMessage(t *testing.T, r *Router, topic, payload string) {
	t.Helper()
	require.Nil(t, r.HandleMessage(context.Background(), topic, []byte(payload)))
}

func TestOrderCreatedIsIdempotent(t *testing.T) {
	r, store, _ := newTestRouter()
	payload := `{"eventType":"sales.order.created","data":{"orderId":"O1","amount":50,"totalOrders":24}}`

	ingestMessage(t, r, events.TopicOrderEvents, payload)
	first, err := store.LatestMetric(db.MetricOrderCount)
	require.Nil(t, err)
	require.NotNil(t, first)

	// Redelivery after a crash-and-redeliver: the absolute value replaces,
	// it never increments.
	ingestMessage(t, r, events.TopicOrderEvents, payload)
	second, err := store.LatestMetric(db.MetricOrderCount)
	require.Nil(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, 24.0, second.Value)

	kpi := store.kpis[db.KPITotalOrders]
	assert.Equal(t, 24.0, kpi.CurrentValue)
}

func TestSameEntityLastWriteWins(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicOrderEvents,
		`{"eventType":"sales.order.created","data":{"orderId":"O1","amount":50,"totalOrders":10}}`)
	ingestMessage(t, r, events.TopicOrderEvents,
		`{"eventType":"sales.order.created","data":{"orderId":"O2","amount":50,"totalOrders":11}}`)

	latest, err := store.LatestMetric(db.MetricOrderCount)
	require.Nil(t, err)
	assert.Equal(t, 11.0, latest.Value)
}

func TestStockLowCreatesAlertWithoutTouchingProductCount(t *testing.T) {
	r, store, pub := newTestRouter()
	ingestMessage(t, r, events.TopicStockEvents,
		`{"eventType":"inventory.stock.low","data":{"productId":"P1","stockLevel":3}}`)

	require.Len(t, store.alerts, 1)
	alert := store.alerts[0]
	assert.Equal(t, db.SeverityWarning, alert.Severity)
	assert.Equal(t, "P1", alert.Metadata["productId"])

	assert.Zero(t, store.metricCount(db.MetricProductCount))

	published := pub.byType(live.EventAlertCreated)
	require.Len(t, published, 1)
	assert.Equal(t, live.GroupAlerts, published[0].Group)
}

func TestStockOutIsCritical(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicStockEvents,
		`{"eventType":"inventory.stock.low","data":{"productId":"P1","stockLevel":0}}`)

	require.Len(t, store.alerts, 1)
	assert.Equal(t, db.SeverityCritical, store.alerts[0].Severity)
}

func TestTransactionsAccumulateRevenue(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicTransactionEvents,
		`{"eventType":"financial.transaction.created","data":{"amount":500}}`)
	ingestMessage(t, r, events.TopicTransactionEvents,
		`{"eventType":"financial.transaction.created","data":{"amount":300}}`)

	revenue, err := store.LatestMetric(db.MetricRevenue)
	require.Nil(t, err)
	assert.Equal(t, 800.0, revenue.Value)

	kpi := store.kpis[db.KPIMonthlyRevenue]
	assert.Equal(t, 800.0, kpi.CurrentValue)
	assert.Equal(t, 500.0, kpi.PreviousValue)
	assert.InDelta(t, 60.0, kpi.PercentageChange, 1e-9, "percentageChange recomputed against prior value")

	net, err := store.LatestMetric(db.MetricNetIncome)
	require.Nil(t, err)
	assert.Equal(t, 800.0, net.Value)
}

func TestTransactionRedeliveryIsSkipped(t *testing.T) {
	r, store, _ := newTestRouter()
	payload := `{"eventType":"financial.transaction.created","data":{"transactionId":"T1","amount":500}}`

	ingestMessage(t, r, events.TopicTransactionEvents, payload)
	ingestMessage(t, r, events.TopicTransactionEvents, payload)

	revenue, err := store.LatestMetric(db.MetricRevenue)
	require.Nil(t, err)
	assert.Equal(t, 500.0, revenue.Value, "replayed delta must not double count")
	assert.Equal(t, 500.0, store.kpis[db.KPIMonthlyRevenue].CurrentValue)
}

func TestFailedDeltaLeavesNoIdempotencyClaim(t *testing.T) {
	r, store, _ := newTestRouter()
	payload := `{"eventType":"financial.transaction.created","data":{"transactionId":"T1","amount":500}}`

	// The store fails mid-apply. The error must surface (offset withheld)
	// and, because claim and apply are one transaction, no claim may remain.
	store.failAppend = errors.New("connection reset")
	err := r.HandleMessage(context.Background(), events.TopicTransactionEvents, []byte(payload))
	require.NotNil(t, err)
	assert.Empty(t, store.processed)

	// The redelivery, with the store healthy again, applies the delta in full.
	store.failAppend = nil
	ingestMessage(t, r, events.TopicTransactionEvents, payload)

	revenue, err := store.LatestMetric(db.MetricRevenue)
	require.Nil(t, err)
	require.NotNil(t, revenue, "the delta must not be lost to the failed first delivery")
	assert.Equal(t, 500.0, revenue.Value)
	assert.Equal(t, 500.0, store.kpis[db.KPIMonthlyRevenue].CurrentValue)

	// A further redelivery is still deduplicated.
	ingestMessage(t, r, events.TopicTransactionEvents, payload)
	revenue, err = store.LatestMetric(db.MetricRevenue)
	require.Nil(t, err)
	assert.Equal(t, 500.0, revenue.Value)
}

func TestDebitTransactionTracksExpensesAndNetIncome(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicTransactionEvents,
		`{"eventType":"financial.transaction.created","data":{"transactionId":"T1","amount":1000}}`)
	ingestMessage(t, r, events.TopicTransactionEvents,
		`{"eventType":"financial.transaction.created","data":{"transactionId":"T2","amount":400,"transactionType":"debit"}}`)

	expenses, err := store.LatestMetric(db.MetricExpenses)
	require.Nil(t, err)
	assert.Equal(t, 400.0, expenses.Value)
	assert.Equal(t, 400.0, store.kpis[db.KPIOperatingExpenses].CurrentValue)

	net, err := store.LatestMetric(db.MetricNetIncome)
	require.Nil(t, err)
	assert.Equal(t, 600.0, net.Value)
}

func TestInvoicePaidCountsAsRevenue(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicInvoiceEvents,
		`{"eventType":"financial.invoice.paid","data":{"invoiceId":"I1","amount":250,"status":"paid"}}`)
	ingestMessage(t, r, events.TopicInvoiceEvents,
		`{"eventType":"financial.invoice.paid","data":{"invoiceId":"I1","amount":250,"status":"paid"}}`)

	revenue, err := store.LatestMetric(db.MetricRevenue)
	require.Nil(t, err)
	assert.Equal(t, 250.0, revenue.Value)
}

func TestBudgetExceededAlwaysCreatesCriticalAlert(t *testing.T) {
	r, store, pub := newTestRouter()
	ingestMessage(t, r, events.TopicBudgetEvents,
		`{"eventType":"financial.budget.exceeded","data":{"budgetId":"B1","category":"marketing","limit":1000,"spent":1200}}`)

	require.Len(t, store.alerts, 1)
	assert.Equal(t, db.SeverityCritical, store.alerts[0].Severity)
	require.Len(t, pub.byType(live.EventAlertCreated), 1)
}

func TestBudgetUpdatedDrivesExpensesKPI(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicBudgetEvents,
		`{"eventType":"financial.budget.updated","data":{"budgetId":"B1","category":"ops","limit":2000,"spent":1500}}`)

	kpi := store.kpis[db.KPIOperatingExpenses]
	assert.Equal(t, 2000.0, kpi.TargetValue)
	assert.Equal(t, 1500.0, kpi.CurrentValue)
	assert.Equal(t, db.KPIOnTrack, kpi.Status)
}

func TestKPIFirstUpdateFromZeroPrevious(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicCustomerEvents,
		`{"eventType":"identity.customer.created","data":{"customerId":"C1","totalCustomers":120}}`)

	kpi := store.kpis[db.KPICustomerGrowth]
	assert.Equal(t, 120.0, kpi.CurrentValue)
	assert.Equal(t, 0.0, kpi.PreviousValue)
	assert.Equal(t, 0.0, kpi.PercentageChange, "previous of 0 yields 0, not a division error")
}

func TestAccountOverdrawnAlert(t *testing.T) {
	r, store, _ := newTestRouter()
	ingestMessage(t, r, events.TopicAccountEvents,
		`{"eventType":"financial.account.balance_updated","data":{"accountId":"A1","balance":-42.5}}`)

	require.Len(t, store.alerts, 1)
	assert.Equal(t, db.SeverityWarning, store.alerts[0].Severity)

	// A healthy balance raises nothing.
	ingestMessage(t, r, events.TopicAccountEvents,
		`{"eventType":"financial.account.balance_updated","data":{"accountId":"A1","balance":10}}`)
	assert.Len(t, store.alerts, 1)
}

func TestOrderEventPublishesOnBothShapes(t *testing.T) {
	r, _, pub := newTestRouter()
	ingestMessage(t, r, events.TopicOrderEvents,
		`{"eventType":"sales.order.created","data":{"orderId":"O1","amount":50,"totalOrders":5}}`)

	metrics := pub.byType(live.EventMetricsUpdated)
	require.NotEmpty(t, metrics)
	assert.Equal(t, live.GroupMetrics, metrics[0].Group)

	kpis := pub.byType(live.EventKPIUpdated)
	require.Len(t, kpis, 1)
	assert.Equal(t, live.GroupMetrics, kpis[0].Group)
}

func TestStoreFailureIsRetryable(t *testing.T) {
	r, store, _ := newTestRouter()
	store.failAppend = errors.New("connection reset")

	err := r.HandleMessage(context.Background(),
		events.TopicUserEvents,
		[]byte(`{"eventType":"identity.user.created","data":{"userId":"U1","totalUsers":3}}`))
	require.NotNil(t, err, "store failures must surface so the offset is withheld")
}
