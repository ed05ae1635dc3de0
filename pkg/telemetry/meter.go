// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package telemetry implements the application-telemetry meter (C12) and
// the reverse WebSocket reporter that answers GET_TELEMETRY requests with
// its encoded report (C13), per spec.md §4.9/§6.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// LatencyKind enumerates the fixed set of latency histograms the telemetry
// collector's contract recognizes (spec.md §6).
type LatencyKind int

const (
	LatencyUnknown LatencyKind = iota
	LatencyKVRetrieval
	LatencyKVMutationNonDurable
	LatencyKVMutationDurable
	LatencyQuery
	LatencySearch
	LatencyAnalytics
	LatencyManagement
	LatencyEventing
)

var latencyKindNames = map[LatencyKind]string{
	LatencyUnknown:              "unknown",
	LatencyKVRetrieval:          "kv_retrieval",
	LatencyKVMutationNonDurable: "kv_mutation_nondurable",
	LatencyKVMutationDurable:    "kv_mutation_durable",
	LatencyQuery:                "query",
	LatencySearch:               "search",
	LatencyAnalytics:            "analytics",
	LatencyManagement:           "management",
	LatencyEventing:             "eventing",
}

// CounterService enumerates the fixed counter dimension (spec.md §6:
// "{timedout, canceled, total} x {kv, query, search, analytics,
// management, eventing}").
type CounterService int

const (
	ServiceKV CounterService = iota
	ServiceQuery
	ServiceSearch
	ServiceAnalytics
	ServiceManagement
	ServiceEventing
)

var counterServiceNames = map[CounterService]string{
	ServiceKV:         "kv",
	ServiceQuery:      "query",
	ServiceSearch:     "search",
	ServiceAnalytics:  "analytics",
	ServiceManagement: "management",
	ServiceEventing:   "eventing",
}

// histogramBounds are the fixed bucket boundaries (milliseconds) used for
// every latency histogram.
var histogramBounds = []float64{1, 10, 50, 100, 500, 1000, 5000, 30000}

type histogram struct {
	bucketCounts []uint64 // len(histogramBounds)+1, last is +Inf
	sum          float64
	count        uint64
}

func newHistogram() *histogram {
	return &histogram{bucketCounts: make([]uint64, len(histogramBounds)+1)}
}

func (h *histogram) observe(ms float64) {
	h.sum += ms
	h.count++
	for i, bound := range histogramBounds {
		if ms <= bound {
			h.bucketCounts[i]++
		}
	}
	h.bucketCounts[len(histogramBounds)]++ // +Inf always counts
}

type counterKey struct {
	kind    string // "timedout", "canceled", "total"
	service CounterService
}

// recorder accumulates metrics for one (node_uuid, bucket_name) pair.
type recorder struct {
	mu         sync.Mutex
	histograms map[LatencyKind]*histogram
	counters   map[counterKey]uint64
}

func newRecorder() *recorder {
	return &recorder{
		histograms: make(map[LatencyKind]*histogram),
		counters:   make(map[counterKey]uint64),
	}
}

func (r *recorder) observeLatency(kind LatencyKind, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[kind]
	if !ok {
		h = newHistogram()
		r.histograms[kind] = h
	}
	h.observe(ms)
}

func (r *recorder) incrCounter(kindName string, service CounterService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[counterKey{kind: kindName, service: service}]++
}

// Meter is the per-cluster-connection metric recorder, keyed by
// (node_uuid, bucket_name) (spec.md §6, C12).
type Meter struct {
	mu        sync.Mutex
	enabled   bool
	recorders map[[2]string]*recorder // [nodeUUID, bucketName]
}

// NewMeter returns a disabled meter; Enable/Disable mirror spec.md §4.9
// point 2 ("if empty, disable the meter; if non-empty, enable it").
func NewMeter() *Meter {
	return &Meter{recorders: make(map[[2]string]*recorder)}
}

func (m *Meter) Enable()  { m.mu.Lock(); m.enabled = true; m.mu.Unlock() }
func (m *Meter) Disable() { m.mu.Lock(); m.enabled = false; m.mu.Unlock() }

func (m *Meter) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Meter) recorderFor(nodeUUID, bucketName string) *recorder {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{nodeUUID, bucketName}
	r, ok := m.recorders[key]
	if !ok {
		r = newRecorder()
		m.recorders[key] = r
	}
	return r
}

// RecordLatency observes one latency sample in milliseconds.
func (m *Meter) RecordLatency(nodeUUID, bucketName string, kind LatencyKind, ms float64) {
	if !m.Enabled() {
		return
	}
	m.recorderFor(nodeUUID, bucketName).observeLatency(kind, ms)
}

// RecordTimedOut increments the timedout counter for service.
func (m *Meter) RecordTimedOut(nodeUUID, bucketName string, service CounterService) {
	if !m.Enabled() {
		return
	}
	m.recorderFor(nodeUUID, bucketName).incrCounter("timedout", service)
}

// RecordCanceled increments the canceled counter for service.
func (m *Meter) RecordCanceled(nodeUUID, bucketName string, service CounterService) {
	if !m.Enabled() {
		return
	}
	m.recorderFor(nodeUUID, bucketName).incrCounter("canceled", service)
}

// RecordTotal increments the total counter for service.
func (m *Meter) RecordTotal(nodeUUID, bucketName string, service CounterService) {
	if !m.Enabled() {
		return
	}
	m.recorderFor(nodeUUID, bucketName).incrCounter("total", service)
}

// Report renders every recorder as an OpenMetrics-style text body
// (spec.md §6, "Telemetry report format").
func (m *Meter) Report() []byte {
	m.mu.Lock()
	keys := make([][2]string, 0, len(m.recorders))
	for k := range m.recorders {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	var b strings.Builder
	for _, k := range keys {
		nodeUUID, bucketName := k[0], k[1]
		r := m.recorderFor(nodeUUID, bucketName)
		r.mu.Lock()
		writeHistograms(&b, nodeUUID, bucketName, r.histograms)
		writeCounters(&b, nodeUUID, bucketName, r.counters)
		r.mu.Unlock()
	}
	return []byte(b.String())
}

func writeHistograms(b *strings.Builder, nodeUUID, bucketName string, histograms map[LatencyKind]*histogram) {
	kinds := make([]LatencyKind, 0, len(histograms))
	for k := range histograms {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		h := histograms[kind]
		labels := fmt.Sprintf(`node_uuid="%s",bucket_name="%s",kind="%s"`, nodeUUID, bucketName, latencyKindNames[kind])
		for i, bound := range histogramBounds {
			fmt.Fprintf(b, "sdk_op_latency_bucket{%s,le=\"%g\"} %d\n", labels, bound, h.bucketCounts[i])
		}
		fmt.Fprintf(b, "sdk_op_latency_bucket{%s,le=\"+Inf\"} %d\n", labels, h.bucketCounts[len(histogramBounds)])
		fmt.Fprintf(b, "sdk_op_latency_sum{%s} %g\n", labels, h.sum)
		fmt.Fprintf(b, "sdk_op_latency_count{%s} %d\n", labels, h.count)
	}
}

func writeCounters(b *strings.Builder, nodeUUID, bucketName string, counters map[counterKey]uint64) {
	keys := make([]counterKey, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].service < keys[j].service
	})
	for _, k := range keys {
		fmt.Fprintf(b, "sdk_op_count{node_uuid=\"%s\",bucket_name=\"%s\",outcome=\"%s\",service=\"%s\"} %d\n",
			nodeUUID, bucketName, k.kind, counterServiceNames[k.service], counters[k])
	}
}
