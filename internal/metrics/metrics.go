package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oidc_rp"

// Collectors groups the relying party's metrics. A nil *Collectors is valid
// and records nothing.
type Collectors struct {
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	logouts         *prometheus.CounterVec
	sseConnections  prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	logoutBroadcast *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func New() *Collectors {
	return &Collectors{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Completed login callbacks by provider and result.",
		}, []string{"provider", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Session refresh attempts by provider and result.",
		}, []string{"provider", "result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Cleared sessions by provider.",
		}, []string{"provider"}),
		sseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_connections",
			Help:      "Open single sign-out event streams.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		logoutBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_broadcasts_total",
			Help:      "Single sign-out events by origin (local or relay).",
		}, []string{"origin"}),
	}
}

// Register adds every collector to reg, ignoring collectors that are already
// registered.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, collector := range []prometheus.Collector{
		c.logins, c.refreshes, c.logouts, c.sseConnections,
		c.httpRequests, c.httpDuration, c.logoutBroadcast,
	} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return nil
}

// Handler serves the registry the collectors were registered on.
func (c *Collectors) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collectors) Login(provider, result string) {
	if c == nil {
		return
	}
	c.logins.WithLabelValues(provider, result).Inc()
}

func (c *Collectors) Refresh(provider, result string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(provider, result).Inc()
}

func (c *Collectors) Logout(provider string) {
	if c == nil {
		return
	}
	c.logouts.WithLabelValues(provider).Inc()
}

func (c *Collectors) LogoutBroadcast(origin string) {
	if c == nil {
		return
	}
	c.logoutBroadcast.WithLabelValues(origin).Inc()
}

// StreamOpened increments the open stream gauge and returns the matching
// decrement.
func (c *Collectors) StreamOpened() func() {
	if c == nil {
		return func() {}
	}
	c.sseConnections.Inc()
	return c.sseConnections.Dec
}

func (c *Collectors) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
