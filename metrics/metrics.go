// Package metrics exposes the server's Prometheus collectors on a private
// registry.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notes_mcp"

// Metrics holds every collector. Its Observe methods match the observer
// hooks of ssehttp, auth, tokens and mcpservice.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	authFailures  prometheus.Counter
	tokenFetches  *prometheus.CounterVec
	tokenDuration prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
}

// New registers the collectors. openSessions is sampled at scrape time for
// the open sessions gauge.
func New(openSessions func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_posted_total",
			Help:      "POST /message requests by response status.",
		}, []string{"status"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected by the auth gate.",
		}),
		tokenFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_token_fetches_total",
			Help:      "Client-credentials token requests by outcome.",
		}, []string{"outcome"}),
		tokenDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oauth_token_fetch_seconds",
			Help:      "Latency of client-credentials token requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_seconds",
			Help:      "Tool dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages, m.authFailures, m.tokenFetches, m.tokenDuration, m.toolCalls, m.toolDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Currently registered SSE sessions.",
		}, func() float64 { return float64(openSessions()) }),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMessage(status int) {
	m.messages.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) AuthFailed() { m.authFailures.Inc() }

func (m *Metrics) ObserveTokenFetch(outcome string, elapsed time.Duration) {
	m.tokenFetches.WithLabelValues(outcome).Inc()
	m.tokenDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Serve starts a /metrics listener on addr in the background.
func (m *Metrics) Serve(addr string, log *slog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics.serve.fail", slog.String("err", err.Error()))
		}
	}()
	return srv, ln, nil
}
