package bfd

import "time"

// StateCallback is a function invoked when a BFD session changes state.
//
// External systems register callbacks to react to BFD session events such
// as Up->Down transitions that should trigger route withdrawal.
//
// Callbacks are invoked synchronously by the consumer goroutine. Long-running
// operations should be dispatched asynchronously to avoid blocking the
// notification pipeline.
//
// Usage with Manager.StateChanges():
//
//	go func() {
//	    for change := range mgr.StateChanges() {
//	        for _, cb := range callbacks {
//	            cb(change)
//	        }
//	    }
//	}()
//
// The Manager exposes state change notifications via the StateChanges() channel,
// which is fed while Manager.RunDispatch is running.
// External consumers read from this channel and invoke registered callbacks.
// This decoupled design avoids import cycles between the bfd package and
// any protocol-specific integration.
//
// For BFD flap dampening (RFC 5882 Section 3.2), the callback consumer
// should implement exponential backoff before propagating rapid Down->Up->Down
// oscillations to routing protocols.
type StateCallback func(change StateChange)

// SLAReport carries one periodic SLA sample for a session, delivered each
// time the session's count of received control plus echo packets reaches
// a multiple of DetectMult.
type SLAReport struct {
	LocalDiscr uint32
	Latency    time.Duration // mean time from the session's last transmit to each receive over the window
	Jitter     time.Duration // mean absolute difference between successive such times over the window
	LossPct    float64       // percent of expected packets missed, computed every 100 received packets; zero in other reports
}

// SLACallback is a function invoked when a session emits a periodic SLA
// report. Like StateCallback, it is invoked synchronously by the consumer
// goroutine reading Manager.SLAReports().
type SLACallback func(report SLAReport)
