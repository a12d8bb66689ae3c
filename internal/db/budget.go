package db

import (
	"database/sql"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// BudgetPeriod identifies a budget accounting window.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// BudgetRow is one accounting window's limit and spend.
type BudgetRow struct {
	Period      BudgetPeriod
	PeriodStart time.Time
	BudgetLimit float64
	Spent       float64
}

// PeriodStart returns the canonical start of the window containing t.
// Weekly windows start on Monday.
func PeriodStart(period BudgetPeriod, t time.Time) time.Time {
	t = t.UTC()
	switch period {
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// RecordSpend atomically adds amountUSD to the current daily, weekly, and
// monthly windows, creating rows on first write.
func (d *DB) RecordSpend(amountUSD float64, at time.Time) error {
	for _, period := range []BudgetPeriod{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		start := PeriodStart(period, at)
		_, err := d.Exec(`
			INSERT INTO budget_tracking (period, period_start, budget_limit, spent)
			VALUES (?, ?, 0, ?)
			ON CONFLICT (period, period_start) DO UPDATE SET spent = budget_tracking.spent + excluded.spent`,
			string(period), FormatTime(start), amountUSD)
		if err != nil {
			return fleeterr.ErrStore("record spend", err)
		}
	}
	return nil
}

// SetBudgetLimit sets the limit for the window containing at.
func (d *DB) SetBudgetLimit(period BudgetPeriod, limitUSD float64, at time.Time) error {
	start := PeriodStart(period, at)
	_, err := d.Exec(`
		INSERT INTO budget_tracking (period, period_start, budget_limit, spent)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (period, period_start) DO UPDATE SET budget_limit = excluded.budget_limit`,
		string(period), FormatTime(start), limitUSD)
	if err != nil {
		return fleeterr.ErrStore("set budget limit", err)
	}
	return nil
}

// GetBudget returns the window containing at, or (nil, nil) if no spend or
// limit has been recorded for it.
func (d *DB) GetBudget(period BudgetPeriod, at time.Time) (*BudgetRow, error) {
	start := PeriodStart(period, at)
	var (
		limit, spent float64
	)
	err := d.QueryRow(`
		SELECT budget_limit, spent FROM budget_tracking
		WHERE period = ? AND period_start = ?`,
		string(period), FormatTime(start)).Scan(&limit, &spent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fleeterr.ErrStore("get budget", err)
	}
	return &BudgetRow{Period: period, PeriodStart: start, BudgetLimit: limit, Spent: spent}, nil
}
