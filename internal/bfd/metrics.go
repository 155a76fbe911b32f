package bfd

import (
	"net/netip"
	"time"
)

// MetricsReporter decouples the protocol core from any specific metrics
// backend. The production implementation (internal/metrics.Collector)
// exports these as Prometheus series; tests use noopMetrics or a fake.
type MetricsReporter interface {
	// RegisterSession marks a session as active for the given peer/local/type.
	RegisterSession(peer, local netip.Addr, sessionType string)

	// UnregisterSession marks a session as no longer active.
	UnregisterSession(peer, local netip.Addr, sessionType string)

	// IncPacketsSent counts one transmitted Control or echo packet.
	IncPacketsSent(peer, local netip.Addr)

	// IncPacketsReceived counts one successfully demultiplexed packet.
	IncPacketsReceived(peer, local netip.Addr)

	// IncPacketsDropped counts one packet dropped before or during demux.
	IncPacketsDropped(peer, local netip.Addr)

	// IncPacketsMalformed counts one packet rejected by ingress validation
	// (RFC 5880 Section 6.8.6), including the A-bit-set packets this core
	// always rejects since authentication is not implemented.
	IncPacketsMalformed(peer, local netip.Addr)

	// RecordStateTransition counts one FSM transition, labeled by the
	// state names transitioned from and to.
	RecordStateTransition(peer, local netip.Addr, from, to string)

	// RecordSLA reports one periodic SLA sample (Section 4.E).
	RecordSLA(peer, local netip.Addr, latency, jitter time.Duration, lossPct float64)
}

// noopMetrics is the zero-value MetricsReporter used when no reporter is
// configured, so Session and Manager never need a nil check.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(_, _ netip.Addr, _ string)   {}
func (noopMetrics) UnregisterSession(_, _ netip.Addr, _ string) {}
func (noopMetrics) IncPacketsSent(_, _ netip.Addr)              {}
func (noopMetrics) IncPacketsReceived(_, _ netip.Addr)          {}
func (noopMetrics) IncPacketsDropped(_, _ netip.Addr)           {}
func (noopMetrics) IncPacketsMalformed(_, _ netip.Addr)         {}
func (noopMetrics) RecordStateTransition(_, _ netip.Addr, _, _ string) {}
func (noopMetrics) RecordSLA(_, _ netip.Addr, _, _ time.Duration, _ float64) {}
