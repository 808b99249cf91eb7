// Package telemetry records request and scoring metrics and serves them in
// the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// series identifies one labeled counter. Labels are name=value pairs in the
// order they were registered.
type series struct {
	name   string
	labels string
}

type counterStore struct {
	mu    sync.RWMutex
	items map[series]*int64
}

func (s *counterStore) add(key series, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key series) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (s *counterStore) snapshot() map[series]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[series]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Gauge is sampled each time /metrics is scraped. The map keys become the
// value of Label.
type Gauge struct {
	Name  string
	Help  string
	Label string
	Read  func() map[string]float64
}

// Metrics is safe for concurrent use.
type Metrics struct {
	counters counterStore
	help     map[string]string

	histMu    sync.RWMutex
	durations map[string]*histogram // key: method|route|status

	active int64

	gaugeMu sync.RWMutex
	gauges  []Gauge
}

func New() *Metrics {
	return &Metrics{
		counters:  counterStore{items: make(map[series]*int64)},
		help:      make(map[string]string),
		durations: make(map[string]*histogram),
	}
}

// Describe sets the HELP text for a counter family.
func (m *Metrics) Describe(name, help string) {
	m.histMu.Lock()
	m.help[name] = help
	m.histMu.Unlock()
}

// Inc adds one to the counter name with the given label pairs, for example
// Inc("feedback_submitted_total", "action", "accept").
func (m *Metrics) Inc(name string, labelPairs ...string) {
	m.counters.add(series{name: name, labels: formatLabels(labelPairs)}, 1)
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string, labelPairs ...string) int64 {
	return m.counters.get(series{name: name, labels: formatLabels(labelPairs)})
}

// RegisterGauge adds a gauge read at scrape time.
func (m *Metrics) RegisterGauge(g Gauge) {
	m.gaugeMu.Lock()
	m.gauges = append(m.gauges, g)
	m.gaugeMu.Unlock()
}

// ActiveRequests is the number of requests currently in flight.
func (m *Metrics) ActiveRequests() int64 { return atomic.LoadInt64(&m.active) }

func (m *Metrics) duration(method, route, status string) *histogram {
	key := method + "|" + route + "|" + status
	m.histMu.RLock()
	h, ok := m.durations[key]
	m.histMu.RUnlock()
	if ok {
		return h
	}
	m.histMu.Lock()
	defer m.histMu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[key] = h
	}
	return h
}

// Middleware records request count and duration by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.active, -1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.duration(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves every metric in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.writeDurations(&b)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.ActiveRequests())

		m.writeCounters(&b)
		m.writeGauges(&b)

		return c.String(http.StatusOK, b.String())
	}
}

func (m *Metrics) writeDurations(b *strings.Builder) {
	const name = "http_server_request_duration_seconds"
	m.histMu.RLock()
	keys := make([]string, 0, len(m.durations))
	for k := range m.durations {
		keys = append(keys, k)
	}
	hists := make(map[string]*histogram, len(keys))
	for _, k := range keys {
		hists[k] = m.durations[k]
	}
	m.histMu.RUnlock()
	sort.Strings(keys)

	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, key := range keys {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(b, name, labels, hists[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func (m *Metrics) writeCounters(b *strings.Builder) {
	snap := m.counters.snapshot()
	byName := make(map[string][]series)
	for k := range snap {
		byName[k.name] = append(byName[k.name], k)
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	m.histMu.RLock()
	defer m.histMu.RUnlock()
	for _, n := range names {
		if help, ok := m.help[n]; ok {
			fmt.Fprintf(b, "# HELP %s %s\n", n, help)
		}
		fmt.Fprintf(b, "# TYPE %s counter\n", n)
		ss := byName[n]
		sort.Slice(ss, func(i, j int) bool { return ss[i].labels < ss[j].labels })
		for _, s := range ss {
			if s.labels == "" {
				fmt.Fprintf(b, "%s %d\n", n, snap[s])
			} else {
				fmt.Fprintf(b, "%s{%s} %d\n", n, s.labels, snap[s])
			}
		}
		b.WriteByte('\n')
	}
}

func (m *Metrics) writeGauges(b *strings.Builder) {
	m.gaugeMu.RLock()
	gauges := append([]Gauge(nil), m.gauges...)
	m.gaugeMu.RUnlock()

	for _, g := range gauges {
		fmt.Fprintf(b, "# HELP %s %s\n", g.Name, g.Help)
		fmt.Fprintf(b, "# TYPE %s gauge\n", g.Name)
		values := g.Read()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if g.Label == "" {
				fmt.Fprintf(b, "%s %g\n", g.Name, values[k])
			} else {
				fmt.Fprintf(b, "%s{%s=%q} %g\n", g.Name, g.Label, k, values[k])
			}
		}
		b.WriteByte('\n')
	}
}

func formatLabels(pairs []string) string {
	if len(pairs) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", pairs[i], pairs[i+1])
	}
	return b.String()
}
