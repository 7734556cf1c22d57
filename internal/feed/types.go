// Package feed normalizes an external disaster feed into Alert, Report and
// Stats records. The provider is unreliable; every call may fail transiently.
package feed

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("alert feed unavailable")

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Alert is one normalized disaster alert. The hub relays it unchanged.
type Alert struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Locations []string  `json:"locations"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
}

// Report is a situation report published about a disaster.
type Report struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	Locations []string  `json:"locations"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
}

// Stats aggregates recent alerts.
type Stats struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"bySeverity"`
	ByType     map[string]int   `json:"byType"`
}

// Client is the alert feed boundary.
type Client interface {
	FetchAlerts(ctx context.Context, limit int) ([]Alert, error)
	FetchReports(ctx context.Context, limit int) ([]Report, error)
	FetchStats(ctx context.Context) (Stats, error)
}

// ComputeStats buckets alerts by severity and type.
func ComputeStats(alerts []Alert) Stats {
	st := Stats{
		Total: len(alerts),
		BySeverity: map[Severity]int{
			SeverityHigh:   0,
			SeverityMedium: 0,
			SeverityLow:    0,
		},
		ByType: make(map[string]int),
	}
	for _, a := range alerts {
		st.BySeverity[a.Severity]++
		if a.Type != "" {
			st.ByType[a.Type]++
		}
	}
	return st
}

// NewestAlerts returns up to n alerts, newest first. The input is not modified.
func NewestAlerts(alerts []Alert, n int) []Alert {
	out := make([]Alert, len(alerts))
	copy(out, alerts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// NewestReports returns up to n reports, newest first. The input is not modified.
func NewestReports(reports []Report, n int) []Report {
	out := make([]Report, len(reports))
	copy(out, reports)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
