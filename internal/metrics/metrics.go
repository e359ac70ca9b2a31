// Package metrics owns the dedicated Prometheus registry the viewer serves
// when metrics are enabled.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const buildInfoName = "hipsview_build_info"

// BuildInfo labels the constant build info series.
type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

func (b BuildInfo) labels() prometheus.Labels {
	if b.Version == "" {
		b.Version = "dev"
	}
	return prometheus.Labels{
		"version":    b.Version,
		"revision":   b.Revision,
		"branch":     b.Branch,
		"build_date": b.BuildDate,
		"goversion":  runtime.Version(),
	}
}

type Config struct {
	Enabled bool
	// Path is where the server mounts Handler; defaults to /metrics.
	Path  string
	Build BuildInfo
}

type Provider struct {
	reg  *prometheus.Registry
	path string
}

// Init builds a registry with the runtime, process and build info
// collectors already registered.
func Init(cfg Config) *Provider {
	p := &Provider{reg: prometheus.NewRegistry(), path: cfg.Path}
	if p.path == "" {
		p.path = "/metrics"
	}
	p.Register(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        buildInfoName,
			Help:        "Build information of the running binary, always 1.",
			ConstLabels: cfg.Build.labels(),
		}, func() float64 { return 1 }),
	)
	return p
}

func (p *Provider) Path() string { return p.path }

// Handler serves the registry, falling back to the text format for
// scrapers without OpenMetrics support.
func (p *Provider) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(p.reg, promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          p.reg,
	}))
}

// Register panics on duplicate or invalid collectors.
func (p *Provider) Register(cs ...prometheus.Collector) {
	p.reg.MustRegister(cs...)
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }
