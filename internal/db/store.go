package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps the GORM handle with the aggregation operations the ingestion
// handlers and the query surface need. It is the only writer of derived state.
type Store struct {
	gdb *gorm.DB
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{gdb: gdb}
}

// AppendMetric inserts a new metric row. Metrics are append-only; the latest
// row per type is the current value.
func (s *Store) AppendMetric(m *Metric) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.gdb.Create(m).Error
}

// LatestMetric returns the most recent metric of the given type, or nil when
// none has been recorded yet.
func (s *Store) LatestMetric(t MetricType) (*Metric, error) {
	return latestMetric(s.gdb, t)
}

func latestMetric(tx *gorm.DB, t MetricType) (*Metric, error) {
	var m Metric
	err := tx.Where("type = ?", t).Order("created_at DESC, id DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestMetrics returns the most recent row of every metric type, the
// dashboard's snapshot view.
func (s *Store) LatestMetrics() ([]Metric, error) {
	var out []Metric
	err := s.gdb.Raw(
		`SELECT DISTINCT ON (type) * FROM metrics ORDER BY type, created_at DESC, id DESC`,
	).Scan(&out).Error
	return out, err
}

// MetricHistory returns metric rows of one type since the cutoff, oldest first.
func (s *Store) MetricHistory(t MetricType, since time.Time) ([]Metric, error) {
	var out []Metric
	err := s.gdb.Where("type = ? AND created_at >= ?", t, since).
		Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// SetKPICurrent replaces a KPI's current value, rolling the old current into
// PreviousValue and rederiving PercentageChange and Status. The row is locked
// for the duration so concurrent handlers serialize through the database.
func (s *Store) SetKPICurrent(name string, current float64) (*KPI, error) {
	return s.mutateKPI(name, func(k *KPI) { k.CurrentValue = current })
}

// SetKPITarget updates a KPI's target and rederives its status. The current
// value is untouched, so PreviousValue and PercentageChange keep their meaning.
func (s *Store) SetKPITarget(name string, target float64) (*KPI, error) {
	var out *KPI
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var k KPI
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).First(&k).Error; err != nil {
			return err
		}
		k.TargetValue = target
		k.Status = DeriveKPIStatus(k.CurrentValue, k.TargetValue, k.LowerIsBetter)
		out = &k
		return tx.Save(&k).Error
	})
	return out, err
}

func (s *Store) mutateKPI(name string, apply func(*KPI)) (*KPI, error) {
	var out *KPI
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		k, err := mutateKPITx(tx, name, apply)
		out = k
		return err
	})
	return out, err
}

func mutateKPITx(tx *gorm.DB, name string, apply func(*KPI)) (*KPI, error) {
	var k KPI
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", name).First(&k).Error; err != nil {
		return nil, err
	}
	previous := k.CurrentValue
	apply(&k)
	k.PreviousValue = previous
	k.PercentageChange = PercentageChange(k.CurrentValue, previous)
	k.Status = DeriveKPIStatus(k.CurrentValue, k.TargetValue, k.LowerIsBetter)
	return &k, tx.Save(&k).Error
}

// PercentageChange is the KPI change derivation: 0 when previous is 0 rather
// than a division failure.
func PercentageChange(current, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

// DeriveKPIStatus maps achievement toward target onto the three-state status.
// An unset target reads as on-track since there is nothing to miss.
func DeriveKPIStatus(current, target float64, lowerIsBetter bool) KPIStatus {
	if target == 0 {
		return KPIOnTrack
	}
	ratio := current / target
	if lowerIsBetter {
		switch {
		case ratio <= 1.0:
			return KPIOnTrack
		case ratio <= 1.25:
			return KPINeedsAttention
		default:
			return KPICritical
		}
	}
	switch {
	case ratio >= 0.9:
		return KPIOnTrack
	case ratio >= 0.6:
		return KPINeedsAttention
	default:
		return KPICritical
	}
}

// ListKPIs returns all KPIs ordered by name.
func (s *Store) ListKPIs() ([]KPI, error) {
	var out []KPI
	err := s.gdb.Order("name ASC").Find(&out).Error
	return out, err
}

// DeltaOutcome is the result of one financial delta application. Applied is
// false when the idempotency ledger already held the event, in which case the
// other fields are nil.
type DeltaOutcome struct {
	Applied bool
	Metric  *Metric
	KPI     *KPI
	Net     *Metric
}

// ApplyFinancialDelta applies one delta-carrying event in a single
// transaction: the idempotency claim, the metric append, the KPI adjustment
// and the net-income snapshot commit or roll back together. A transient
// failure therefore leaves no claim row behind, so the broker's redelivery
// applies the delta cleanly; a duplicate delivery finds the claim and is a
// no-op. Events without a businessID cannot be deduplicated and always apply.
func (s *Store) ApplyFinancialDelta(eventType, businessID string, t MetricType, kpiName string, amount float64, at time.Time) (*DeltaOutcome, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	out := &DeltaOutcome{}
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		if businessID != "" {
			rec := ProcessedEvent{EventType: eventType, BusinessID: businessID, CreatedAt: time.Now().UTC()}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Redelivery: the ledger already holds this event.
				return nil
			}
		}

		latest, err := latestMetric(tx, t)
		if err != nil {
			return err
		}
		value := amount
		if latest != nil {
			value += latest.Value
		}
		m := &Metric{CreatedAt: at, Type: t, Value: value, SourceEventID: businessID}
		if err := tx.Create(m).Error; err != nil {
			return err
		}

		kpi, err := mutateKPITx(tx, kpiName, func(k *KPI) { k.CurrentValue += amount })
		if err != nil {
			return err
		}

		net, err := netIncomeSnapshot(tx, at, businessID)
		if err != nil {
			return err
		}

		out.Applied = true
		out.Metric, out.KPI, out.Net = m, kpi, net
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// netIncomeSnapshot appends a net-income row derived from the latest revenue
// and expense values as visible inside the transaction.
func netIncomeSnapshot(tx *gorm.DB, at time.Time, sourceID string) (*Metric, error) {
	revenue, err := latestMetric(tx, MetricRevenue)
	if err != nil {
		return nil, err
	}
	expenses, err := latestMetric(tx, MetricExpenses)
	if err != nil {
		return nil, err
	}
	var net float64
	if revenue != nil {
		net += revenue.Value
	}
	if expenses != nil {
		net -= expenses.Value
	}
	m := &Metric{CreatedAt: at, Type: MetricNetIncome, Value: net, SourceEventID: sourceID}
	return m, tx.Create(m).Error
}

// CreateAlert inserts a new alert, assigning an id when the caller left it empty.
func (s *Store) CreateAlert(a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.gdb.Create(a).Error
}

// ListAlerts returns alerts newest first with skip/limit paging.
func (s *Store) ListAlerts(limit, offset int) ([]Alert, error) {
	var out []Alert
	err := s.gdb.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

func (s *Store) UnreadAlertCount() (int64, error) {
	var count int64
	err := s.gdb.Model(&Alert{}).Where("read = ?", false).Count(&count).Error
	return count, err
}

// MarkAlertRead flips the read flag. Unknown ids are reported as
// gorm.ErrRecordNotFound so the caller can 404.
func (s *Store) MarkAlertRead(id string) error {
	res := s.gdb.Model(&Alert{}).Where("id = ?", id).Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReplaceChart overwrites the named chart's full point series.
func (s *Store) ReplaceChart(name string, points []byte) error {
	chart := ChartData{Name: name, Points: points, UpdatedAt: time.Now().UTC()}
	return s.gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"points", "updated_at"}),
	}).Create(&chart).Error
}

func (s *Store) ListCharts() ([]ChartData, error) {
	var out []ChartData
	err := s.gdb.Order("name ASC").Find(&out).Error
	return out, err
}

// RecordQueryExecution appends one immutable query audit row.
func (s *Store) RecordQueryExecution(q *QueryExecution) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	return s.gdb.Create(q).Error
}

func (s *Store) ListQueryExecutions(limit, offset int) ([]QueryExecution, error) {
	var out []QueryExecution
	err := s.gdb.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// CreateDatabaseAlert inserts a new unresolved database alert unless an
// unresolved alert of the same kind already covers the collection, so a
// persisting condition does not pile up duplicates across monitor passes.
func (s *Store) CreateDatabaseAlert(a *DatabaseAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var count int64
	err := s.gdb.Model(&DatabaseAlert{}).
		Where("service = ? AND collection = ? AND kind = ? AND resolved_at IS NULL",
			a.Service, a.Collection, a.Kind).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := s.gdb.Create(a).Error; err != nil {
		return false, err
	}
	return true, nil
}

// ListDatabaseAlerts returns database alerts newest first; resolved filters
// by lifecycle state when non-nil.
func (s *Store) ListDatabaseAlerts(resolved *bool) ([]DatabaseAlert, error) {
	q := s.gdb.Order("created_at DESC")
	if resolved != nil {
		if *resolved {
			q = q.Where("resolved_at IS NOT NULL")
		} else {
			q = q.Where("resolved_at IS NULL")
		}
	}
	var out []DatabaseAlert
	err := q.Find(&out).Error
	return out, err
}

// ResolveDatabaseAlert sets resolvedAt exactly once. Resolving an already
// resolved or unknown alert reports gorm.ErrRecordNotFound.
func (s *Store) ResolveDatabaseAlert(id string) error {
	now := time.Now().UTC()
	res := s.gdb.Model(&DatabaseAlert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
