package recall

import (
	"sync/atomic"
	"time"
)

// Operation names recorded by the service.
const (
	OpAddItem          = "AddItem"
	OpSearchCandidates = "SearchCandidates"
	OpGetMetrics       = "GetMetrics"
	OpFeatureLookup    = "FeatureLookup"
	OpIndexSearch      = "IndexSearch"
)

var operations = []string{OpAddItem, OpSearchCandidates, OpGetMetrics, OpFeatureLookup, OpIndexSearch}

type opCounters struct {
	count   atomic.Int64
	errors  atomic.Int64
	latency atomic.Int64 // cumulative, nanoseconds
}

// counters is one generation of metrics. The op map is filled at creation and
// never written afterwards, so readers need no lock.
type counters struct {
	since time.Time
	ops   map[string]*opCounters
}

func newCounters() *counters {
	c := &counters{since: time.Now(), ops: make(map[string]*opCounters, len(operations))}
	for _, op := range operations {
		c.ops[op] = &opCounters{}
	}
	return c
}

// metrics holds the current counters generation. Reset swaps in a fresh one;
// a sample recorded concurrently lands in whichever generation it loaded.
type metrics struct {
	current atomic.Pointer[counters]
}

func newMetrics() *metrics {
	m := &metrics{}
	m.current.Store(newCounters())
	return m
}

func (m *metrics) record(op string, start time.Time, err error) {
	c, ok := m.current.Load().ops[op]
	if !ok {
		return
	}
	c.count.Add(1)
	c.latency.Add(int64(time.Since(start)))
	if err != nil {
		c.errors.Add(1)
	}
}

func (m *metrics) reset() {
	m.current.Store(newCounters())
}

// OperationReport is the counter state of one operation.
type OperationReport struct {
	Count             int64   `json:"count"`
	Errors            int64   `json:"errors"`
	CumulativeLatency string  `json:"cumulative_latency"`
	MeanLatencyMicros float64 `json:"mean_latency_us"`
}

func (m *metrics) snapshot() (time.Time, map[string]OperationReport) {
	c := m.current.Load()
	out := make(map[string]OperationReport, len(c.ops))
	for name, oc := range c.ops {
		count := oc.count.Load()
		latency := time.Duration(oc.latency.Load())
		r := OperationReport{
			Count:             count,
			Errors:            oc.errors.Load(),
			CumulativeLatency: latency.String(),
		}
		if count > 0 {
			r.MeanLatencyMicros = float64(latency.Microseconds()) / float64(count)
		}
		out[name] = r
	}
	return c.since, out
}
