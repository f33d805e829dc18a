package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liqflow/liqflow/internal/flow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrInvalidConfig = errors.New("metrics: invalid config")

const namespace = "liqflow"

// Metrics turns flow transitions into Prometheus series.
type Metrics struct {
	flowsStarted *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	approvals    prometheus.Counter
	allowanceRds prometheus.Counter
	confirmation prometheus.Histogram

	mu sync.Mutex
	// confirming holds when each flow's primary transaction was broadcast.
	confirming map[string]time.Time
	reads      map[string]int
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, ErrInvalidConfig
	}
	f := promauto.With(reg)
	return &Metrics{
		flowsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_started_total",
			Help:      "Flow instances started, by action.",
		}, []string{"action"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Flow state transitions, by target state.",
		}, []string{"state"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_outcomes_total",
			Help:      "Terminal flow outcomes, by state and failure kind.",
		}, []string{"state", "kind"}),
		approvals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Approval transactions requested from the wallet.",
		}),
		allowanceRds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowance_reads_total",
			Help:      "On-chain allowance reads performed by flows.",
		}),
		confirmation: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "primary_confirmation_seconds",
			Help:      "Time from primary transaction broadcast to confirmation.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		confirming: make(map[string]time.Time),
		reads:      make(map[string]int),
	}, nil
}

func (m *Metrics) ObserveTransition(_ context.Context, tr flow.Transition) {
	s := tr.Snapshot

	m.mu.Lock()
	if d := s.AllowanceReads - m.reads[s.ID]; d > 0 {
		m.allowanceRds.Add(float64(d))
		m.reads[s.ID] = s.AllowanceReads
	}
	m.mu.Unlock()

	if !tr.Changed() {
		return
	}
	if tr.From == flow.StateIdle {
		m.flowsStarted.WithLabelValues(string(s.Intent.Action)).Inc()
	}
	m.transitions.WithLabelValues(tr.To.String()).Inc()

	switch tr.To {
	case flow.StateApproving:
		m.approvals.Inc()
	case flow.StateConfirmingPrimary:
		m.mu.Lock()
		m.confirming[s.ID] = s.UpdatedAt
		m.mu.Unlock()
	}

	if !tr.To.Terminal() {
		return
	}
	kind := ""
	if s.Err != nil {
		kind = s.Err.Kind.String()
	}
	m.outcomes.WithLabelValues(tr.To.String(), kind).Inc()

	m.mu.Lock()
	start, ok := m.confirming[s.ID]
	delete(m.confirming, s.ID)
	delete(m.reads, s.ID)
	m.mu.Unlock()
	if ok && tr.To == flow.StateDone {
		m.confirmation.Observe(s.UpdatedAt.Sub(start).Seconds())
	}
}

var _ flow.Observer = (*Metrics)(nil)
