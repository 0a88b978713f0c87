package uiface

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is an optional UI implementation exporting
// fstransform_io_bytes_total{direction} and fstransform_flush_total
// counters, for callers that want machine-readable progress alongside
// (or instead of) a human progress bar.
type Prometheus struct {
	bytes *prometheus.CounterVec
	flush prometheus.Counter
}

// NewPrometheus registers the counters on reg and returns a ready UI.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fstransform_io_bytes_total",
			Help: "Bytes moved by the relocation engine, by I/O direction.",
		}, []string{"direction"}),
		flush: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fstransform_flush_total",
			Help: "Number of staging-window flushes issued.",
		}),
	}
	if err := reg.Register(p.bytes); err != nil {
		return nil, err
	}
	if err := reg.Register(p.flush); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Prometheus) ShowIORead(source string, _, length int64) {
	p.bytes.WithLabelValues("read_" + source).Add(float64(length))
}

func (p *Prometheus) ShowIOWrite(target string, _, length int64) {
	p.bytes.WithLabelValues("write_" + target).Add(float64(length))
}

func (p *Prometheus) ShowIOFlush() {
	p.flush.Inc()
}

var _ UI = (*Prometheus)(nil)
