package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// ErrNoListeners indicates that Run was called without any listeners.
var ErrNoListeners = errors.New("receiver run: no listeners provided")

// Demuxer routes parsed BFD Control packets to the appropriate session.
// This interface decouples the receiver from the bfd.Manager to avoid
// tight coupling between netio and bfd packages.
type Demuxer interface {
	// Demux routes a packet to the matching session. multiHop selects the
	// single-hop or multi-hop registry index when Your Discriminator is
	// zero (RFC 5880 Section 6.8.6).
	Demux(pkt *bfd.ControlPacket, meta bfd.PacketMeta, multiHop bool) error
}

// Receiver reads BFD Control packets from one or more Listeners and
// routes them to sessions via a Demuxer.
//
// The Receiver handles:
//   - Buffer management via bfd.PacketPool
//   - Packet unmarshaling via bfd.UnmarshalControlPacket
//   - Metadata conversion from netio.PacketMeta to bfd.PacketMeta
//   - Context-aware graceful shutdown
type Receiver struct {
	demuxer Demuxer
	metrics bfd.MetricsReporter
	logger  *slog.Logger
}

// NewReceiver creates a Receiver that routes packets to the given Demuxer.
// metrics may be nil, in which case ingress validation failures are logged
// only.
func NewReceiver(demuxer Demuxer, metrics bfd.MetricsReporter, logger *slog.Logger) *Receiver {
	return &Receiver{
		demuxer: demuxer,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads from all listeners concurrently until ctx is cancelled.
// Each listener gets its own goroutine. Run blocks until all listener
// goroutines complete (i.e., until ctx is cancelled and all reads
// return).
//
// Errors from individual packet reads are logged but do not stop the
// receiver. Only context cancellation terminates the loop.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))

	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	// Wait for all goroutines to finish.
	for range len(listeners) {
		<-done
	}

	return nil
}

// recvLoop reads packets from a single Listener in a loop until ctx
// is cancelled. Each received packet is unmarshaled and routed to the
// Demuxer. Errors from individual reads are logged but do not stop the
// loop; only context cancellation terminates it.
func (r *Receiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.recvOne(ctx, ln); err != nil {
			// Context cancellation during read is expected at shutdown.
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-unmarshal-demux cycle. The buffer
// from PacketPool is returned after demux regardless of outcome.
func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, netMeta, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	defer func() {
		full := raw[:cap(raw)]
		bfd.PacketPool.Put(&full)
	}()

	bfdMeta := convertMeta(netMeta, ln.VRF())

	var pkt bfd.ControlPacket
	if err := bfd.UnmarshalControlPacket(raw, &pkt); err != nil {
		r.logger.Debug("invalid BFD packet",
			slog.String("src", bfdMeta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
		if r.metrics != nil {
			r.metrics.IncPacketsMalformed(bfdMeta.SrcAddr, bfdMeta.DstAddr)
		}
		return nil // Drop invalid packets silently per RFC 5880 Section 6.8.6.
	}

	// RFC 5880 Section 6.8.6 rule 6: authentication is not implemented by
	// this core, so any packet declaring the A bit is rejected outright
	// rather than verified.
	if pkt.AuthPresent {
		r.logger.Debug("rejecting packet with auth bit set",
			slog.String("src", bfdMeta.SrcAddr.String()),
		)
		if r.metrics != nil {
			r.metrics.IncPacketsMalformed(bfdMeta.SrcAddr, bfdMeta.DstAddr)
		}
		return nil
	}

	if err := r.demuxer.Demux(&pkt, bfdMeta, ln.MultiHop()); err != nil {
		r.logger.Debug("demux failed",
			slog.String("src", bfdMeta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// convertMeta converts netio.PacketMeta to bfd.PacketMeta, attaching the
// VRF supplied by the listener's configuration (netio performs no VRF
// lookup of its own).
func convertMeta(nm PacketMeta, vrf string) bfd.PacketMeta {
	return bfd.PacketMeta{
		SrcAddr: nm.SrcAddr,
		DstAddr: nm.DstAddr,
		TTL:     nm.TTL,
		IfName:  nm.IfName,
		VRF:     vrf,
	}
}
