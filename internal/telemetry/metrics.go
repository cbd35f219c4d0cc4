package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/pledge-admin/pledgegate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Gate metrics
	DecisionsTotal metric.Int64Counter

	// Session resolution metrics
	ResolveDuration      metric.Float64Histogram
	ResolveFailuresTotal metric.Int64Counter
	RefreshTotal         metric.Int64Counter

	// Role store metrics
	RoleLookupsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.DecisionsTotal, _ = meter.Int64Counter(
		"pledge.gate.decisions.total",
		metric.WithDescription("Total number of gate decisions by route class and action"),
		metric.WithUnit("{decision}"),
	)

	m.ResolveDuration, _ = meter.Float64Histogram(
		"pledge.gate.resolve.duration",
		metric.WithDescription("Duration of session resolution including refresh"),
		metric.WithUnit("ms"),
	)

	m.ResolveFailuresTotal, _ = meter.Int64Counter(
		"pledge.gate.resolve.failures.total",
		metric.WithDescription("Total number of session resolutions that failed for a reason other than a missing cookie"),
		metric.WithUnit("{error}"),
	)

	m.RefreshTotal, _ = meter.Int64Counter(
		"pledge.gate.refresh.total",
		metric.WithDescription("Total number of sessions rotated through the refresh endpoint"),
		metric.WithUnit("{session}"),
	)

	m.RoleLookupsTotal, _ = meter.Int64Counter(
		"pledge.gate.role_lookups.total",
		metric.WithDescription("Total number of role lookups against the profile store"),
		metric.WithUnit("{lookup}"),
	)

	return m
}
