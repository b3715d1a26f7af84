// Package metrics defines the instrumentation hooks for nearby sessions:
// event counters (sessions started, payloads exchanged, validation
// failures) and operation latencies (payload delivery, confirmation
// polls).
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
