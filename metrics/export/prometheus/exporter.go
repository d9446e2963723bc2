package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	goState "github.com/MrEthical07/goState"
	"github.com/MrEthical07/goState/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// auditDroppedDef is not an engine MetricID; the dispatcher counts it.
var auditDroppedDef = internaldefs.CounterDef{
	Name: "gostate_audit_dropped_total",
	Help: "Audit events discarded because the dispatcher buffer was full.",
}

type metricsSource interface {
	MetricsSnapshot() goState.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter serves the rate limiter, session, presence and cache
// counters of an engine as Prometheus text exposition.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from a running engine. Mount Handler on the
// server's /metrics route.
func NewPrometheusExporter(engine *goState.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from anything exposing a snapshot and
// an audit drop count.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render formats one snapshot. An engine built without metrics yields an
// empty body rather than a page of zeros.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snap := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if dropped == 0 && len(snap.Counters) == 0 && len(snap.Histograms) == 0 {
		return ""
	}

	w := &textWriter{}
	w.b.Grow(64 * (len(internaldefs.CounterDefs) + 12))
	for _, def := range internaldefs.CounterDefs {
		w.counter(def, snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		w.histogram(def, internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID])))
	}
	w.counter(auditDroppedDef, dropped)
	return w.b.String()
}

type textWriter struct {
	b strings.Builder
}

func (w *textWriter) header(name, help, kind string) {
	w.b.WriteString("# HELP " + name + " " + escapeHelp(help) + "\n")
	w.b.WriteString("# TYPE " + name + " " + kind + "\n")
}

func (w *textWriter) sample(name, labels string, value uint64) {
	w.b.WriteString(name)
	w.b.WriteString(labels)
	w.b.WriteByte(' ')
	w.b.WriteString(strconv.FormatUint(value, 10))
	w.b.WriteByte('\n')
}

func (w *textWriter) counter(def internaldefs.CounterDef, value uint64) {
	w.header(def.Name, def.Help, "counter")
	w.sample(def.Name, "", value)
}

func (w *textWriter) histogram(def internaldefs.HistogramDef, cumulative [8]uint64) {
	w.header(def.Name, def.Help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		w.sample(def.Name+"_bucket", `{le="`+le+`"}`, cumulative[i])
	}
	w.sample(def.Name+"_count", "", cumulative[len(cumulative)-1])
	// Latencies are bucketed in the engine; the sum is not tracked.
	w.sample(def.Name+"_sum", "", 0)
}

func escapeHelp(help string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(help)
}
