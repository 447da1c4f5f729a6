package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, channel
// broker traffic, engine notifications and progressive streams. Maps are
// guarded by a RWMutex while the gauges are plain atomics.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	publishes        map[string]uint64
	deliveryFailures map[string]uint64
	engineEvents     map[string]uint64
	streamOutcomes   map[string]uint64
	deliveries       atomic.Uint64
	streamedBytes    atomic.Uint64
	journalErrors    atomic.Uint64
	activeClients    atomic.Int64
	subscriptions    atomic.Int64
	activeStreams    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		publishes:        make(map[string]uint64),
		deliveryFailures: make(map[string]uint64),
		engineEvents:     make(map[string]uint64),
		streamOutcomes:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObservePublish counts a broker publish by message type.
func (r *Recorder) ObservePublish(messageType string) {
	kind := normalizeName(messageType)
	r.mu.Lock()
	r.publishes[kind]++
	r.mu.Unlock()
}

// ObserveDelivery counts a message handed to a client sink.
func (r *Recorder) ObserveDelivery() {
	r.deliveries.Add(1)
}

// ObserveDeliveryFailure counts a message that never reached a client. Reason
// is typically "queue_full", "sink_error" or "pruned".
func (r *Recorder) ObserveDeliveryFailure(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.deliveryFailures[normalized]++
	r.mu.Unlock()
}

// ObserveJournalError counts journal appends that failed or were dropped.
func (r *Recorder) ObserveJournalError() {
	r.journalErrors.Add(1)
}

// ClientAttached increments the attached client gauge.
func (r *Recorder) ClientAttached() {
	r.activeClients.Add(1)
}

// ClientDetached decrements the attached client gauge.
func (r *Recorder) ClientDetached() {
	r.decrementGauge(&r.activeClients)
}

// SubscriptionAdded increments the subscription gauge.
func (r *Recorder) SubscriptionAdded() {
	r.subscriptions.Add(1)
}

// SubscriptionsRemoved decrements the subscription gauge by n.
func (r *Recorder) SubscriptionsRemoved(n int) {
	for i := 0; i < n; i++ {
		r.decrementGauge(&r.subscriptions)
	}
}

// ObserveEngineEvent records an engine notification such as "added",
// "removed" or "result".
func (r *Recorder) ObserveEngineEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.engineEvents[normalized]++
	r.mu.Unlock()
}

// StreamStarted increments the active stream gauge.
func (r *Recorder) StreamStarted() {
	r.activeStreams.Add(1)
}

// StreamFinished records the outcome of a progressive stream and decrements
// the active stream gauge without letting it go negative.
func (r *Recorder) StreamFinished(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.streamOutcomes[normalized]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeStreams)
}

// ObserveStreamOutcome records an outcome for a request that never started
// streaming, such as "not_found".
func (r *Recorder) ObserveStreamOutcome(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.streamOutcomes[normalized]++
	r.mu.Unlock()
}

// AddStreamedBytes accumulates bytes forwarded to streaming clients.
func (r *Recorder) AddStreamedBytes(n int) {
	if n <= 0 {
		return
	}
	r.streamedBytes.Add(uint64(n))
}

// ActiveStreams exposes the current gauge of concurrently active streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ActiveClients exposes the current number of attached push clients.
func (r *Recorder) ActiveClients() int64 {
	return r.activeClients.Load()
}

// Subscriptions exposes the current number of channel subscriptions.
func (r *Recorder) Subscriptions() int64 {
	return r.subscriptions.Load()
}

// StreamOutcomes returns a copy of the stream outcome counters.
func (r *Recorder) StreamOutcomes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.streamOutcomes))
	for k, v := range r.streamOutcomes {
		out[k] = v
	}
	return out
}

// DeliveryFailures returns a copy of the delivery failure counters.
func (r *Recorder) DeliveryFailures() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.deliveryFailures))
	for k, v := range r.deliveryFailures {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.publishes = make(map[string]uint64)
	r.deliveryFailures = make(map[string]uint64)
	r.engineEvents = make(map[string]uint64)
	r.streamOutcomes = make(map[string]uint64)
	r.deliveries.Store(0)
	r.streamedBytes.Store(0)
	r.journalErrors.Store(0)
	r.activeClients.Store(0)
	r.subscriptions.Store(0)
	r.activeStreams.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP peerstream_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE peerstream_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "peerstream_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP peerstream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE peerstream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "peerstream_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP peerstream_broker_publishes_total Messages published on broker channels by type")
	fmt.Fprintln(w, "# TYPE peerstream_broker_publishes_total counter")
	writeCounterMap(w, "peerstream_broker_publishes_total", "type", r.publishes)

	fmt.Fprintln(w, "# HELP peerstream_broker_deliveries_total Messages handed to client sinks")
	fmt.Fprintln(w, "# TYPE peerstream_broker_deliveries_total counter")
	fmt.Fprintf(w, "peerstream_broker_deliveries_total %d\n", r.deliveries.Load())

	fmt.Fprintln(w, "# HELP peerstream_broker_delivery_failures_total Messages that never reached a client by reason")
	fmt.Fprintln(w, "# TYPE peerstream_broker_delivery_failures_total counter")
	writeCounterMap(w, "peerstream_broker_delivery_failures_total", "reason", r.deliveryFailures)

	fmt.Fprintln(w, "# HELP peerstream_broker_clients Currently attached push clients")
	fmt.Fprintln(w, "# TYPE peerstream_broker_clients gauge")
	fmt.Fprintf(w, "peerstream_broker_clients %d\n", r.activeClients.Load())

	fmt.Fprintln(w, "# HELP peerstream_broker_subscriptions Current channel subscriptions")
	fmt.Fprintln(w, "# TYPE peerstream_broker_subscriptions gauge")
	fmt.Fprintf(w, "peerstream_broker_subscriptions %d\n", r.subscriptions.Load())

	fmt.Fprintln(w, "# HELP peerstream_journal_errors_total Journal appends that failed or were dropped")
	fmt.Fprintln(w, "# TYPE peerstream_journal_errors_total counter")
	fmt.Fprintf(w, "peerstream_journal_errors_total %d\n", r.journalErrors.Load())

	fmt.Fprintln(w, "# HELP peerstream_engine_events_total Engine notifications observed by the relay")
	fmt.Fprintln(w, "# TYPE peerstream_engine_events_total counter")
	writeCounterMap(w, "peerstream_engine_events_total", "event", r.engineEvents)

	fmt.Fprintln(w, "# HELP peerstream_active_streams Current number of progressive streams")
	fmt.Fprintln(w, "# TYPE peerstream_active_streams gauge")
	fmt.Fprintf(w, "peerstream_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP peerstream_stream_outcomes_total Progressive stream requests by outcome")
	fmt.Fprintln(w, "# TYPE peerstream_stream_outcomes_total counter")
	writeCounterMap(w, "peerstream_stream_outcomes_total", "outcome", r.streamOutcomes)

	fmt.Fprintln(w, "# HELP peerstream_streamed_bytes_total Bytes forwarded to streaming clients")
	fmt.Fprintln(w, "# TYPE peerstream_streamed_bytes_total counter")
	fmt.Fprintf(w, "peerstream_streamed_bytes_total %d\n", r.streamedBytes.Load())
}

func writeCounterMap(w io.Writer, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, key, values[key])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier folds content ids (urn:btih:..., urn:sha1:...) and
// query uuids into a single label value.
func looksLikeIdentifier(segment string) bool {
	if strings.HasPrefix(segment, "urn:") {
		return true
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
