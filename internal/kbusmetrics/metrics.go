// Package kbusmetrics instruments the switch core with process-local
// counters, using the same lightweight VictoriaMetrics client
// R2Northstar-Atlas wires into its own server counters. It does not
// start an HTTP scrape endpoint; exposing one is left to whatever
// embeds this module.
package kbusmetrics

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Device holds the counters for one switch device, labelled by device
// number so multiple devices in one process don't collide.
type Device struct {
	MessagesRouted    *metrics.Counter
	MessagesDropped   *metrics.Counter
	SyntheticEmitted  *metrics.Counter
	BindEventsSent    *metrics.Counter
	BindEventsDropped *metrics.Counter

	endpointCount int64
	EndpointCount *endpointGauge

	queueDepth int64
	QueueDepth *endpointGauge
}

// endpointGauge adapts an atomically-updated int64 to the Inc/Dec
// style the switch core uses when endpoints open and close, while
// still publishing through a metrics.Gauge (whose value is normally
// driven by a read callback rather than pushed updates).
type endpointGauge struct {
	n *int64
}

func (g *endpointGauge) Inc()          { atomic.AddInt64(g.n, 1) }
func (g *endpointGauge) Dec()          { atomic.AddInt64(g.n, -1) }
func (g *endpointGauge) Add(delta int) { atomic.AddInt64(g.n, int64(delta)) }
func (g *endpointGauge) Get() int64    { return atomic.LoadInt64(g.n) }

// NewDevice registers the counter set for a device number under set,
// so tests creating many short-lived devices don't leak into the
// global default set. Names follow the same "metric_name{label=...}"
// order api0/metrics.go uses — the label block is a suffix of the full
// metric name, not a prefix glued onto it.
func NewDevice(set *metrics.Set, deviceNumber int) *Device {
	label := fmt.Sprintf(`{device="%d"}`, deviceNumber)
	d := &Device{
		MessagesRouted:    set.NewCounter(`kbus_device_messages_routed_total` + label),
		MessagesDropped:   set.NewCounter(`kbus_device_messages_dropped_total` + label),
		SyntheticEmitted:  set.NewCounter(`kbus_device_synthetic_messages_total` + label),
		BindEventsSent:    set.NewCounter(`kbus_device_bind_events_sent_total` + label),
		BindEventsDropped: set.NewCounter(`kbus_device_bind_events_dropped_total` + label),
	}
	d.EndpointCount = &endpointGauge{n: &d.endpointCount}
	set.NewGauge(`kbus_device_endpoints`+label, func() float64 {
		return float64(d.EndpointCount.Get())
	})
	d.QueueDepth = &endpointGauge{n: &d.queueDepth}
	set.NewGauge(`kbus_device_queue_depth`+label, func() float64 {
		return float64(d.QueueDepth.Get())
	})
	return d
}

// NewSet returns a fresh, unregistered metrics.Set, one per switch
// device, so Devices created by tests don't pollute metrics.DefaultSet.
func NewSet() *metrics.Set {
	return metrics.NewSet()
}
