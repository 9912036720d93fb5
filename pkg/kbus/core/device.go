package core

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/kynesim/kbus/internal/kbuslog"
	"github.com/kynesim/kbus/internal/kbusconfig"
	"github.com/kynesim/kbus/internal/kbusmetrics"
)

// DeviceSet is the control-surface factory of spec §6: a process opens
// one DeviceSet and asks it for numbered devices, each an independent
// Switch with its own binding table and endpoint namespace, the
// in-process analogue of /dev/kbus0, /dev/kbus1, ...
type DeviceSet struct {
	mu      sync.Mutex
	log     kbuslog.Logger
	cfg     kbusconfig.SwitchConfig
	devices map[int]*Switch
	next    int
}

// NewDeviceSet creates an empty set. cfg is applied to every device
// created through CreateNewDevice; log is scoped per-device with a
// "device" field.
func NewDeviceSet(cfg kbusconfig.SwitchConfig, log kbuslog.Logger) *DeviceSet {
	return &DeviceSet{
		log:     log,
		cfg:     cfg,
		devices: make(map[int]*Switch),
	}
}

// Device returns the switch for deviceNumber, creating it on first use
// the way opening /dev/kbus<N> for the first time would.
func (ds *DeviceSet) Device(deviceNumber int) *Switch {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if sw, ok := ds.devices[deviceNumber]; ok {
		return sw
	}
	sw := NewSwitch(deviceNumber, ds.cfg, ds.log.With("device", deviceNumber), kbusmetrics.NewDevice(metrics.NewSet(), deviceNumber))
	ds.devices[deviceNumber] = sw
	if deviceNumber >= ds.next {
		ds.next = deviceNumber + 1
	}
	return sw
}

// CreateNewDevice allocates and returns the next never-used device
// number, the "request a new kbus device" control operation of spec
// §6's introspection surface.
func (ds *DeviceSet) CreateNewDevice() *Switch {
	ds.mu.Lock()
	n := ds.next
	ds.next++
	ds.mu.Unlock()
	return ds.Device(n)
}

// Devices returns every currently-open device number.
func (ds *DeviceSet) Devices() []int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]int, 0, len(ds.devices))
	for n := range ds.devices {
		out = append(out, n)
	}
	return out
}

// String renders a line per device listing its binding count, a quick
// diagnostic akin to the teacher's own String()-based test assertions.
func (ds *DeviceSet) String() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := ""
	for n, sw := range ds.devices {
		out += fmt.Sprintf("device %d: %d bindings\n", n, len(sw.ListBindings()))
	}
	return out
}
