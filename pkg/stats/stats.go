// Package stats tracks proxy counters and recent activity, and renders the
// HTML dashboard served on the proxy-stats path.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/mohsen-ahmadian/httpproxy/pkg/metrics"
)

// Event is one entry in the recent-activity ring.
type Event struct {
	Time   string
	IP     string
	Method string
	URL    string
	Status int
	Result string
}

// Stats holds request counters, the active-connection gauge, and a bounded
// ring of recent events. A single lock covers all reads and writes, matching
// original_source/stats.py's single coarse lock.
type Stats struct {
	mu        sync.Mutex
	startTime time.Time

	totalRequests int
	cacheHits     int
	cacheMisses   int
	blocked       int
	rateLimited   int
	activeConns   int

	events []Event // index 0 = newest

	rateLimitCount  int
	rateLimitPeriod int

	metrics *metrics.Collector

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

const maxEvents = 20

// New returns a Stats tracker. collector may be nil if Prometheus mirroring
// is not wanted.
func New(rateLimitCount, rateLimitPeriodSeconds int, collector *metrics.Collector) *Stats {
	return &Stats{
		startTime:       time.Now(),
		rateLimitCount:  rateLimitCount,
		rateLimitPeriod: rateLimitPeriodSeconds,
		metrics:         collector,
		subscribers:     make(map[chan Event]struct{}),
	}
}

func (s *Stats) RecordReq() {
	s.mu.Lock()
	s.totalRequests++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.TotalRequests.Inc()
	}
}

func (s *Stats) RecordHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
	}
}

func (s *Stats) RecordMiss() {
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}
}

func (s *Stats) RecordBlock() {
	s.mu.Lock()
	s.blocked++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Blocked.Inc()
	}
}

func (s *Stats) RecordLimit() {
	s.mu.Lock()
	s.rateLimited++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RateLimited.Inc()
	}
}

// UpdateConns adjusts the active-connection gauge by delta (+1 on accept,
// -1 on close).
func (s *Stats) UpdateConns(delta int) {
	s.mu.Lock()
	s.activeConns += delta
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveConns.Add(float64(delta))
	}
}

// AddLog records one recent-activity entry, newest first, truncated to 20.
// URLs longer than 60 characters are truncated, matching the dashboard's
// original column width.
func (s *Stats) AddLog(ip, method, url string, status int, result string) {
	if len(url) > 60 {
		url = url[:60]
	}
	event := Event{
		Time:   time.Now().Format("15:04:05"),
		IP:     ip,
		Method: method,
		URL:    url,
		Status: status,
		Result: result,
	}

	s.mu.Lock()
	s.events = append([]Event{event}, s.events...)
	if len(s.events) > maxEvents {
		s.events = s.events[:maxEvents]
	}
	s.mu.Unlock()

	s.broadcast(event)
}

// Snapshot is a point-in-time copy of the counters, for /stats.json.
type Snapshot struct {
	Uptime          string  `json:"uptime"`
	TotalRequests   int     `json:"total_requests"`
	ActiveConns     int     `json:"active_connections"`
	CacheHits       int     `json:"cache_hits"`
	CacheMisses     int     `json:"cache_misses"`
	Blocked         int     `json:"blocked"`
	RateLimited     int     `json:"rate_limited"`
	CacheEfficiency float64 `json:"cache_efficiency_pct"`
	RateLimitCount  int     `json:"rate_limit_count"`
	RateLimitPeriod int     `json:"rate_limit_period_seconds"`
	Events          []Event `json:"recent_events"`
}

// formatUptime renders an elapsed duration as zero-padded HH:MM:SS.
func formatUptime(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// Snapshot returns a consistent point-in-time copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, len(s.events))
	copy(events, s.events)

	totalOps := s.cacheHits + s.cacheMisses
	var ratio float64
	if totalOps > 0 {
		ratio = float64(s.cacheHits) / float64(totalOps) * 100
	}

	return Snapshot{
		Uptime:          formatUptime(time.Since(s.startTime)),
		TotalRequests:   s.totalRequests,
		ActiveConns:     s.activeConns,
		CacheHits:       s.cacheHits,
		CacheMisses:     s.cacheMisses,
		Blocked:         s.blocked,
		RateLimited:     s.rateLimited,
		CacheEfficiency: ratio,
		RateLimitCount:  s.rateLimitCount,
		RateLimitPeriod: s.rateLimitPeriod,
		Events:          events,
	}
}

// Subscribe registers a channel that receives every new Event as it is
// recorded, for the admin server's live websocket feed. Unsubscribe with
// Unsubscribe when done; the channel is never closed by Stats.
func (s *Stats) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (s *Stats) Unsubscribe(ch chan Event) {
	s.subMu.Lock()
	delete(s.subscribers, ch)
	s.subMu.Unlock()
}

func (s *Stats) broadcast(event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// slow subscriber, drop the event rather than block recording
		}
	}
}

type dashboardData struct {
	Uptime          string
	TotalRequests   int
	ActiveConns     int
	CacheHits       int
	CacheMisses     int
	Blocked         int
	CacheEfficiency float64
	RateLimitCount  int
	RateLimitPeriod int
	Rows            []rowData
}

type rowData struct {
	Event
	Color string
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Proxy Dashboard</title>
    <meta http-equiv="refresh" content="5">
    <style>
        body { font-family: sans-serif; background: #f4f7f6; padding: 20px; }
        .card { background: white; padding: 20px; border-radius: 8px; box-shadow: 0 2px 5px rgba(0,0,0,0.05); margin-bottom: 20px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 15px; }
        .stat-box { text-align: center; padding: 15px; background: #f8f9fa; border-radius: 5px; border: 1px solid #e9ecef; }
        .stat-val { font-size: 24px; font-weight: bold; color: #333; }
        .stat-label { color: #666; font-size: 14px; }
        table { width: 100%; border-collapse: collapse; background: white; }
        th { text-align: left; padding: 10px; background: #343a40; color: white; }
    </style>
</head>
<body>
    <div class="card">
        <h2 style="margin-top:0;">&#128640; Proxy Server Monitor</h2>
        <div class="grid">
            <div class="stat-box"><div class="stat-val">{{.Uptime}}</div><div class="stat-label">Uptime</div></div>
            <div class="stat-box"><div class="stat-val">{{.TotalRequests}}</div><div class="stat-label">Total Requests</div></div>
            <div class="stat-box"><div class="stat-val">{{.ActiveConns}}</div><div class="stat-label">Active Threads</div></div>
            <div class="stat-box"><div class="stat-val" style="color:green">{{.CacheHits}}</div><div class="stat-label">Cache Hits</div></div>
            <div class="stat-box"><div class="stat-val" style="color:orange">{{.CacheMisses}}</div><div class="stat-label">Cache Misses</div></div>
            <div class="stat-box"><div class="stat-val" style="color:red">{{.Blocked}}</div><div class="stat-label">Blocked</div></div>
        </div>
        <p style="text-align:center; color:#888; margin-bottom:0;">Cache Efficiency: {{printf "%.1f" .CacheEfficiency}}% | Rate Limit: {{.RateLimitCount}}/{{.RateLimitPeriod}}s</p>
    </div>

    <div class="card">
        <h3>Recent Activity</h3>
        <table>
            <thead><tr><th>Time</th><th>IP</th><th>Method</th><th>URL</th><th>Status</th><th>Result</th></tr></thead>
            <tbody>
                {{range .Rows}}<tr style="border-bottom: 1px solid #eee;">
                    <td style="padding:8px;">{{.Time}}</td>
                    <td style="padding:8px;">{{.IP}}</td>
                    <td style="padding:8px;"><b>{{.Method}}</b></td>
                    <td style="padding:8px; font-family:monospace;">{{.URL}}</td>
                    <td style="padding:8px; color:{{.Color}}; font-weight:bold;">{{.Status}}</td>
                    <td style="padding:8px;">{{.Result}}</td>
                </tr>{{end}}
            </tbody>
        </table>
    </div>
</body>
</html>
`))

// GenerateHTML renders the dashboard page.
func (s *Stats) GenerateHTML() string {
	snap := s.Snapshot()

	rows := make([]rowData, 0, len(snap.Events))
	for _, e := range snap.Events {
		color := "green"
		switch {
		case e.Status == 304:
			color = "blue"
		case e.Status != 200:
			color = "red"
		}
		rows = append(rows, rowData{Event: e, Color: color})
	}

	data := dashboardData{
		Uptime:          snap.Uptime,
		TotalRequests:   snap.TotalRequests,
		ActiveConns:     snap.ActiveConns,
		CacheHits:       snap.CacheHits,
		CacheMisses:     snap.CacheMisses,
		Blocked:         snap.Blocked,
		CacheEfficiency: snap.CacheEfficiency,
		RateLimitCount:  snap.RateLimitCount,
		RateLimitPeriod: snap.RateLimitPeriod,
		Rows:            rows,
	}

	var buf strings.Builder
	if err := dashboardTemplate.Execute(&buf, data); err != nil {
		return fmt.Sprintf("<html><body>dashboard render error: %s</body></html>", err)
	}
	return buf.String()
}

// SetRateLimitParams updates the footer's reported rate-limit parameters,
// for config hot-reload.
func (s *Stats) SetRateLimitParams(count, periodSeconds int) {
	s.mu.Lock()
	s.rateLimitCount = count
	s.rateLimitPeriod = periodSeconds
	s.mu.Unlock()
}
