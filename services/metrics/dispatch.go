package metricsvc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trezcool/masomo-notifier/core/dispatch"
)

// DispatchRecorder exports dispatch tick outcomes as prometheus metrics.
type DispatchRecorder struct {
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	running       prometheus.Gauge
	periods       *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	lastTickStamp prometheus.Gauge
}

var _ dispatch.Recorder = (*DispatchRecorder)(nil)

// NewDispatchRecorder registers the dispatcher collectors with reg (prometheus.DefaultRegisterer if nil).
func NewDispatchRecorder(reg prometheus.Registerer) *DispatchRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &DispatchRecorder{
		ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "masomo_dispatcher_ticks_total",
				Help: "Total number of dispatcher ticks by result",
			},
			[]string{"result"},
		),
		tickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "masomo_dispatcher_tick_duration_seconds",
				Help:    "Dispatcher tick duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		running: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "masomo_dispatcher_tick_running",
				Help: "1 while a dispatcher tick is running",
			},
		),
		periods: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "masomo_dispatcher_periods_total",
				Help: "Matched timetable periods by outcome",
			},
			[]string{"outcome"},
		),
		pushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "masomo_dispatcher_pushes_total",
				Help: "Real-time notification pushes by result",
			},
			[]string{"result"},
		),
		lastTickStamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "masomo_dispatcher_last_tick_timestamp_seconds",
				Help: "Unix time of the last completed tick",
			},
		),
	}
}

func (r *DispatchRecorder) SetRunning(running bool) {
	if running {
		r.running.Set(1)
		return
	}
	r.running.Set(0)
}

func (r *DispatchRecorder) ObserveTick(report dispatch.Report, took time.Duration) {
	result := "ok"
	if report.Error != "" {
		result = "scan_error"
	}
	r.ticks.WithLabelValues(result).Inc()
	r.tickDuration.Observe(took.Seconds())
	r.lastTickStamp.Set(float64(report.At.Unix()))

	r.periods.WithLabelValues("created").Add(float64(report.Created))
	r.periods.WithLabelValues("duplicate").Add(float64(report.Duplicates))
	r.periods.WithLabelValues("skipped").Add(float64(report.Skipped))
	r.periods.WithLabelValues("failed").Add(float64(report.Failed))

	r.pushes.WithLabelValues("delivered").Add(float64(report.Pushed))
	r.pushes.WithLabelValues("failed").Add(float64(report.PushFailed))
}

// RegisterConnectionsGauge exports the number of live real-time connections.
func RegisterConnectionsGauge(reg prometheus.Registerer, count func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "masomo_realtime_connections",
			Help: "Number of users with a live real-time connection on this instance",
		},
		func() float64 { return float64(count()) },
	)
}
