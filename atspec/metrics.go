package atspec

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the link and the motion
// controller.  A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Exchanges        *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	Polls            *prometheus.CounterVec
	Motions          *prometheus.CounterVec
	Connected        prometheus.Gauge
}

// NewMetrics registers the spectrograph metrics against reg, defaulting to
// the global registry when reg is nil.  Registering twice against the same
// registry returns the collectors already there.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	exchanges, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atspec_exchanges_total",
		Help: "Command/reply exchanges with the spectrograph controller, by command and outcome.",
	}, []string{"cmd", "outcome"}), "atspec_exchanges_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atspec_exchange_duration_seconds",
		Help:    "Time for one command/reply exchange, including the wait for the command token.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"cmd"}), "atspec_exchange_duration_seconds")
	if err != nil {
		return nil, err
	}
	polls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atspec_polls_total",
		Help: "Status polls issued while supervising a move or home, by axis.",
	}, []string{"axis"}), "atspec_polls_total")
	if err != nil {
		return nil, err
	}
	motions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atspec_motions_total",
		Help: "Completed move and home requests, by axis, operation and outcome.",
	}, []string{"axis", "op", "outcome"}), "atspec_motions_total")
	if err != nil {
		return nil, err
	}
	connected, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "atspec_connected",
		Help: "1 when the link to the controller is up.",
	}), "atspec_connected")
	if err != nil {
		return nil, err
	}
	return &Metrics{
		gatherer:         gatherer,
		Exchanges:        exchanges,
		ExchangeDuration: durations,
		Polls:            polls,
		Motions:          motions,
		Connected:        connected,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) exchange(cmd string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(cmd, outcome(err)).Inc()
	m.ExchangeDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
}

func (m *Metrics) poll(a Axis) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(a.String()).Inc()
}

func (m *Metrics) motion(a Axis, op string, err error) {
	if m == nil {
		return
	}
	m.Motions.WithLabelValues(a.String(), op, outcome(err)).Inc()
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch err.(type) {
	case *CommandFailedError, *CommandRejectedError, *NotStationaryError:
		return "rejected"
	case *ProtocolError, *NotReadyError:
		return "protocol"
	case *TimeoutError:
		return "timeout"
	case *DeviceFaultError:
		return "fault"
	default:
		return "error"
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
