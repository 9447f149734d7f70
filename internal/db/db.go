package db

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dashpulse/internal/config"
)

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	// Auto-migrate the derived-state tables.
	if err := gdb.AutoMigrate(
		&Metric{},
		&KPI{},
		&ChartData{},
		&Alert{},
		&QueryExecution{},
		&DatabaseAlert{},
		&ProcessedEvent{},
	); err != nil {
		return nil, err
	}

	return gdb, nil
}

// Seed KPI names, referenced by the ingestion handlers.
const (
	KPIMonthlyRevenue    = "Monthly Revenue"
	KPITotalOrders       = "Total Orders"
	KPICustomerGrowth    = "Customer Growth"
	KPIOperatingExpenses = "Operating Expenses"
)

// defaultKPIs is the seed set so dashboards have rows to mutate before the
// first event arrives. Targets are starting points, adjusted by budget events.
var defaultKPIs = []KPI{
	{Name: KPIMonthlyRevenue, TargetValue: 100000, Status: KPICritical},
	{Name: KPITotalOrders, TargetValue: 1000, Status: KPICritical},
	{Name: KPICustomerGrowth, TargetValue: 500, Status: KPICritical},
	{Name: KPIOperatingExpenses, TargetValue: 50000, Status: KPIOnTrack, LowerIsBetter: true},
}

// EnsureDefaultKPIs creates any missing seed KPIs. Existing rows are left
// untouched so restarts never reset tracked values.
func EnsureDefaultKPIs(gdb *gorm.DB) error {
	for _, kpi := range defaultKPIs {
		var count int64
		if err := gdb.Model(&KPI{}).Where("name = ?", kpi.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		k := kpi
		if err := gdb.Create(&k).Error; err != nil {
			return err
		}
	}
	return nil
}
