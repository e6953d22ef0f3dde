package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Lock holds the collectors of a lock coordinator. A nil *Lock records nothing.
type Lock struct {
	Acquire *prometheus.CounterVec
	Release *prometheus.CounterVec
	Wait    prometheus.Histogram
}

// NewLock registers lock collectors on reg.
func NewLock(reg prometheus.Registerer) *Lock {
	m := &Lock{
		Acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terra_lock_acquire_total",
			Help: "Lock acquisitions by result",
		}, []string{"result"}),
		Release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terra_lock_release_total",
			Help: "Lock releases by result",
		}, []string{"result"}),
		Wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terra_lock_wait_seconds",
			Help:    "Time spent waiting for a lock",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Acquire, m.Release, m.Wait)
	return m
}

// ObserveAcquire records one acquisition attempt.
func (m *Lock) ObserveAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.Acquire.WithLabelValues(result).Inc()
	m.Wait.Observe(waited.Seconds())
}

// ObserveRelease records one release attempt.
func (m *Lock) ObserveRelease(result string) {
	if m == nil {
		return
	}
	m.Release.WithLabelValues(result).Inc()
}

// Batch holds the collectors of one named batch buffer.
type Batch struct {
	Items          *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	DeliveredItems prometheus.Counter
	Pending        prometheus.Gauge
}

// NewBatch registers collectors for the buffer called name on reg.
func NewBatch(reg prometheus.Registerer, name string) *Batch {
	labels := prometheus.Labels{"buffer": name}
	m := &Batch{
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "terra_batch_items_total",
			Help:        "Submitted items by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "terra_batch_flushes_total",
			Help:        "Non-empty flushes by trigger",
			ConstLabels: labels,
		}, []string{"trigger"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "terra_batch_deliveries_total",
			Help:        "Batch deliveries by result",
			ConstLabels: labels,
		}, []string{"result"}),
		DeliveredItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "terra_batch_delivered_items_total",
			Help:        "Items handed to the sink successfully",
			ConstLabels: labels,
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "terra_batch_pending",
			Help:        "Items currently buffered",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.Items, m.Flushes, m.Deliveries, m.DeliveredItems, m.Pending)
	return m
}

// Item records the outcome of one Submit call.
func (m *Batch) Item(outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(outcome).Inc()
}

// Flush records a non-empty flush.
func (m *Batch) Flush(trigger string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(trigger).Inc()
}

// SetPending reports the current buffer size.
func (m *Batch) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

// Delivery records the result of one delivery.
func (m *Batch) Delivery(err error, size int) {
	if m == nil {
		return
	}
	if err != nil {
		m.Deliveries.WithLabelValues("error").Inc()
		return
	}
	m.Deliveries.WithLabelValues("ok").Inc()
	m.DeliveredItems.Add(float64(size))
}

// Pool holds the collectors of one named worker pool.
type Pool struct {
	Tasks  *prometheus.CounterVec
	Active prometheus.Gauge
}

// NewPool registers collectors for the pool called name on reg.
func NewPool(reg prometheus.Registerer, name string) *Pool {
	labels := prometheus.Labels{"pool": name}
	m := &Pool{
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "terra_pool_tasks_total",
			Help:        "Pool tasks by state",
			ConstLabels: labels,
		}, []string{"state"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "terra_pool_active",
			Help:        "Tasks currently running",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.Tasks, m.Active)
	return m
}

// Task records a task state transition.
func (m *Pool) Task(state string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(state).Inc()
}

// AddActive moves the running-task gauge by delta.
func (m *Pool) AddActive(delta float64) {
	if m == nil {
		return
	}
	m.Active.Add(delta)
}
