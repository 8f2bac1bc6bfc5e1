// Package timing captures per-phase duration metrics for the operations a
// forward attempt goes through: sniffing the Host header off the external
// connection, dialing the origin, and dialing the fresh back-channel to the
// Server.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures the timing of one completed forward attempt.
type Metrics struct {
	// Sniff is the time spent reading and parsing the Host header.
	Sniff time.Duration `json:"sniff"`

	// OriginDial is the time spent connecting to the forward target.
	OriginDial time.Duration `json:"origin_dial"`

	// BackchannelDial is the time spent dialing the fresh back-channel
	// connection to the Server for this forward.
	BackchannelDial time.Duration `json:"backchannel_dial"`

	// Total is the total end-to-end time for the attempt.
	Total time.Duration `json:"total"`
}

// Timer measures the phases of a single forward attempt.
type Timer struct {
	start time.Time

	sniffStart time.Time
	sniffEnd   time.Time

	originStart time.Time
	originEnd   time.Time

	backchannelStart time.Time
	backchannelEnd   time.Time
}

// NewTimer starts a new timing measurement.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartSniff marks the beginning of the Host-header sniff.
func (t *Timer) StartSniff() {
	t.sniffStart = time.Now()
}

// EndSniff marks the end of the Host-header sniff.
func (t *Timer) EndSniff() {
	t.sniffEnd = time.Now()
}

// StartOriginDial marks the beginning of the origin dial.
func (t *Timer) StartOriginDial() {
	t.originStart = time.Now()
}

// EndOriginDial marks the end of the origin dial.
func (t *Timer) EndOriginDial() {
	t.originEnd = time.Now()
}

// StartBackchannelDial marks the beginning of the back-channel dial.
func (t *Timer) StartBackchannelDial() {
	t.backchannelStart = time.Now()
}

// EndBackchannelDial marks the end of the back-channel dial.
func (t *Timer) EndBackchannelDial() {
	t.backchannelEnd = time.Now()
}

// Metrics returns the calculated timing metrics. Phases that were never
// started and ended are reported as zero.
func (t *Timer) Metrics() Metrics {
	m := Metrics{Total: time.Since(t.start)}

	if !t.sniffStart.IsZero() && !t.sniffEnd.IsZero() {
		m.Sniff = t.sniffEnd.Sub(t.sniffStart)
	}
	if !t.originStart.IsZero() && !t.originEnd.IsZero() {
		m.OriginDial = t.originEnd.Sub(t.originStart)
	}
	if !t.backchannelStart.IsZero() && !t.backchannelEnd.IsZero() {
		m.BackchannelDial = t.backchannelEnd.Sub(t.backchannelStart)
	}

	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("sniff: %v, originDial: %v, backchannelDial: %v, total: %v",
		m.Sniff, m.OriginDial, m.BackchannelDial, m.Total)
}
