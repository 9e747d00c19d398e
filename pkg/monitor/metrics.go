package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges exports the same CPU/RAM samples the broadcast carries as
// Prometheus gauges, so the daemon can be scraped without a GUI client
// attached.
type Gauges struct {
	reg *prometheus.Registry
	cpu prometheus.Gauge
	ram prometheus.Gauge
}

// NewGauges builds a fresh registry with the two self-monitor gauges
// registered.
func NewGauges() *Gauges {
	reg := prometheus.NewRegistry()
	g := &Gauges{
		reg: reg,
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfbridged",
			Subsystem: "monitor",
			Name:      "cpu_percent",
			Help:      "System CPU usage percent as last sampled by the self-monitor.",
		}),
		ram: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfbridged",
			Subsystem: "monitor",
			Name:      "ram_percent",
			Help:      "System RAM usage percent as last sampled by the self-monitor.",
		}),
	}
	reg.MustRegister(g.cpu, g.ram)
	return g
}

// Set updates both gauges with the latest sample.
func (g *Gauges) Set(cpuPct, ramPct float64) {
	g.cpu.Set(cpuPct)
	g.ram.Set(ramPct)
}

// Handler returns the /metrics HTTP handler for this registry.
func (g *Gauges) Handler() http.Handler {
	return promhttp.HandlerFor(g.reg, promhttp.HandlerOpts{})
}
