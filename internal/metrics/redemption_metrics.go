package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RedemptionMetrics содержит метрики жизненного цикла выкупа наград.
type RedemptionMetrics struct {
	// Счётчики операций
	redemptionsStarted   prometheus.Counter
	redemptionsFulfilled prometheus.Counter
	redemptionsFailed    prometheus.Counter
	codesConsumed        prometheus.Counter
	outOfStock           prometheus.Counter
	stockInconsistent    prometheus.Counter

	// Гистограммы времени выполнения
	initiateDuration prometheus.Histogram
	outcomeDuration  *prometheus.HistogramVec

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для незавершённых выкупов
	pendingRedemptions prometheus.Gauge
}

// NewRedemptionMetrics создаёт новый экземпляр метрик выкупов.
func NewRedemptionMetrics() *RedemptionMetrics {
	return newRedemptionMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newRedemptionMetricsWithRegisterer(registerer prometheus.Registerer) *RedemptionMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RedemptionMetrics{
		redemptionsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_redemptions_started_total",
			Help: "Total number of redemption attempts started",
		}),
		redemptionsFulfilled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_redemptions_fulfilled_total",
			Help: "Total number of redemptions fulfilled with an issued code",
		}),
		redemptionsFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_redemptions_failed_total",
			Help: "Total number of redemptions failed after a declined transaction",
		}),
		codesConsumed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_codes_consumed_total",
			Help: "Total number of redeem codes consumed",
		}),
		outOfStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_out_of_stock_total",
			Help: "Total number of redemption attempts rejected for missing stock",
		}),
		stockInconsistent: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_stock_inconsistent_total",
			Help: "Total number of fatal stock inconsistencies detected during finalization",
		}),
		initiateDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "rewards_redemption_initiate_duration_seconds",
			Help:    "Duration of redemption initiation in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		outcomeDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "rewards_redemption_outcome_duration_seconds",
			Help:    "Duration of transaction outcome handling in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"outcome"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rewards_outbox_events_total",
			Help: "Total number of events enqueued into the outbox",
		}),
		pendingRedemptions: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "rewards_pending_redemptions",
			Help: "Number of redemptions awaiting a transaction outcome",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordRedemptionStarted увеличивает счётчик начатых выкупов и gauge ожидающих.
func (m *RedemptionMetrics) RecordRedemptionStarted() {
	m.redemptionsStarted.Inc()
	m.pendingRedemptions.Inc()
}

// RecordRedemptionFulfilled увеличивает счётчик подтверждённых выкупов.
func (m *RedemptionMetrics) RecordRedemptionFulfilled() {
	m.redemptionsFulfilled.Inc()
	m.pendingRedemptions.Dec()
}

// RecordRedemptionFailed увеличивает счётчик отклонённых выкупов.
func (m *RedemptionMetrics) RecordRedemptionFailed() {
	m.redemptionsFailed.Inc()
	m.pendingRedemptions.Dec()
}

// RecordCodeConsumed увеличивает счётчик погашенных кодов.
func (m *RedemptionMetrics) RecordCodeConsumed() {
	m.codesConsumed.Inc()
}

// RecordOutOfStock увеличивает счётчик отказов из-за недостатка остатка.
func (m *RedemptionMetrics) RecordOutOfStock() {
	m.outOfStock.Inc()
}

// RecordStockInconsistent фиксирует фатальную рассогласованность остатков.
func (m *RedemptionMetrics) RecordStockInconsistent() {
	m.stockInconsistent.Inc()
}

// RecordInitiateDuration записывает время инициации выкупа.
func (m *RedemptionMetrics) RecordInitiateDuration(duration time.Duration) {
	m.initiateDuration.Observe(duration.Seconds())
}

// RecordOutcomeDuration записывает время обработки исхода транзакции.
func (m *RedemptionMetrics) RecordOutcomeDuration(outcome string, duration time.Duration) {
	m.outcomeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *RedemptionMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *RedemptionMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
