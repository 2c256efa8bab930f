package metrics

import (
	"net/http"
	"sync/atomic"
	"time"
)

var _default atomic.Pointer[Reporter]

func init() {
	_default.Store(NewReporter(true))
}

// Default returns the process wide reporter.
func Default() *Reporter {
	return _default.Load()
}

// SetDefault replaces the process wide reporter, tests use a fresh one.
func SetDefault(r *Reporter) {
	_default.Store(r)
}

// Handler serves the process wide registry.
func Handler() http.Handler {
	return Default().Handler()
}

func IncrCounterWithGroup(group, name string, n Value) {
	Default().IncrCounter(group, name, n, nil)
}

func IncrCounterWithDimGroup(group, name string, n Value, dim Dimension) {
	Default().IncrCounter(group, name, n, dim)
}

func UpdateGaugeWithGroup(group, name string, v Value) {
	Default().UpdateGauge(group, name, v, nil)
}

func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	Default().UpdateGauge(group, name, v, dim)
}

func AddGaugeWithGroup(group, name string, delta Value) {
	Default().AddGauge(group, name, delta, nil)
}

func ObserveWithGroup(group, name string, v Value) {
	Default().Observe(group, name, v, nil)
}

// ObserveSince records the seconds elapsed since start.
func ObserveSince(group, name string, start time.Time) {
	Default().Observe(group, name, Value(time.Since(start).Seconds()), nil)
}

func ObserveWithDimGroup(group, name string, v Value, dim Dimension) {
	Default().Observe(group, name, v, dim)
}
