package otel

import (
	"context"
	"errors"
	"fmt"

	goState "github.com/MrEthical07/goState"
	"github.com/MrEthical07/goState/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("otel exporter: meter is nil")
	ErrNilSource = errors.New("otel exporter: metrics source is nil")
)

const auditDroppedName = "gostate_audit_dropped_total"

type metricsSource interface {
	MetricsSnapshot() goState.MetricsSnapshot
	AuditDropped() uint64
}

type counterInstrument struct {
	id  goState.MetricID
	ins metric.Int64ObservableCounter
}

// histogramInstruments mirrors one engine histogram as a gauge per cumulative
// bucket plus a total, since the engine keeps bucket counts and no sum.
type histogramInstruments struct {
	id      goState.MetricID
	buckets [8]metric.Int64ObservableGauge
	total   metric.Int64ObservableGauge
}

// OTelExporter publishes engine counters through an OpenTelemetry meter. All
// values are read from one snapshot per collection cycle.
type OTelExporter struct {
	source       metricsSource
	counters     []counterInstrument
	histograms   []histogramInstruments
	auditDropped metric.Int64ObservableCounter
	observables  []metric.Observable
	registration metric.Registration
}

// NewOTelExporter observes a running engine.
func NewOTelExporter(meter metric.Meter, engine *goState.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource creates one observable instrument per exported
// metric and registers a single callback that feeds them.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	if err := e.createCounters(meter); err != nil {
		return nil, err
	}
	if err := e.createHistograms(meter); err != nil {
		return nil, err
	}

	dropped, err := meter.Int64ObservableCounter(
		auditDroppedName,
		metric.WithDescription("Audit events discarded because the dispatcher buffer was full."),
	)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: instrument %s: %w", auditDroppedName, err)
	}
	e.auditDropped = dropped
	e.observables = append(e.observables, dropped)

	reg, err := meter.RegisterCallback(e.observe, e.observables...)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *OTelExporter) createCounters(meter metric.Meter) error {
	e.counters = make([]counterInstrument, 0, len(internaldefs.CounterDefs))
	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return fmt.Errorf("otel exporter: instrument %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, counterInstrument{id: def.ID, ins: ins})
		e.observables = append(e.observables, ins)
	}
	return nil
}

func (e *OTelExporter) createHistograms(meter metric.Meter) error {
	e.histograms = make([]histogramInstruments, 0, len(internaldefs.HistogramDefs))
	for _, def := range internaldefs.HistogramDefs {
		h := histogramInstruments{id: def.ID}
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			name := def.Name + "_bucket_le_" + suffix
			ins, err := meter.Int64ObservableGauge(name,
				metric.WithDescription(def.Help+" Cumulative count at le="+internaldefs.HistogramBounds[i]+"."))
			if err != nil {
				return fmt.Errorf("otel exporter: instrument %s: %w", name, err)
			}
			h.buckets[i] = ins
			e.observables = append(e.observables, ins)
		}

		name := def.Name + "_count"
		total, err := meter.Int64ObservableGauge(name, metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return fmt.Errorf("otel exporter: instrument %s: %w", name, err)
		}
		h.total = total
		e.observables = append(e.observables, total)
		e.histograms = append(e.histograms, h)
	}
	return nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.ins, int64(snap.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[h.id]))
		for i, ins := range h.buckets {
			o.ObserveInt64(ins, int64(cumulative[i]))
		}
		o.ObserveInt64(h.total, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the callback. The instruments stay on the meter but
// report nothing afterwards.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
