package bfd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"runtime"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Session Type & Role — RFC 5881 / RFC 5883
// -------------------------------------------------------------------------

// SessionType distinguishes single-hop from multi-hop BFD sessions.
type SessionType uint8

const (
	// SessionTypeSingleHop indicates a single-hop BFD session (RFC 5881).
	SessionTypeSingleHop SessionType = iota + 1

	// SessionTypeMultiHop indicates a multi-hop BFD session (RFC 5883).
	SessionTypeMultiHop
)

// String returns the human-readable name for the session type.
func (st SessionType) String() string {
	switch st {
	case SessionTypeSingleHop:
		return "SingleHop"
	case SessionTypeMultiHop:
		return "MultiHop"
	default:
		return unknownStr
	}
}

// SessionRole determines the initial packet transmission behavior.
type SessionRole uint8

const (
	// RoleActive indicates the system MUST begin sending BFD Control
	// packets regardless of whether any packets have been received
	// (RFC 5880 Section 6.1).
	RoleActive SessionRole = iota + 1

	// RolePassive indicates the system MUST NOT send BFD Control packets
	// until a packet has been received from the remote system
	// (RFC 5880 Section 6.8.7).
	RolePassive
)

// String returns the human-readable name for the session role.
func (sr SessionRole) String() string {
	switch sr {
	case RoleActive:
		return "Active"
	case RolePassive:
		return "Passive"
	default:
		return unknownStr
	}
}

// -------------------------------------------------------------------------
// Poll sequence sub-state (RFC 5880 Section 6.5)
// -------------------------------------------------------------------------

// PollState tracks a session's participation in a Poll Sequence as an
// explicit enumeration rather than a bare boolean, so that tests can
// assert which phase a session occupies.
type PollState uint8

const (
	// PollIdle means no Poll Sequence is in progress.
	PollIdle PollState = iota

	// PollSent means a Poll packet has been (or is about to be)
	// transmitted and staged timer values are pending commit on Final.
	PollSent

	// PollFinalPending is reserved for session variants that must delay
	// applying staged values until an acknowledgement distinct from the
	// Final bit. The base protocol never enters this state: Final
	// commits staged values immediately on receipt (RFC 5880 Section
	// 6.8.6). Kept as a named value so assertions about its absence are
	// explicit rather than implied by omission.
	PollFinalPending
)

// String returns the human-readable name of the poll state.
func (p PollState) String() string {
	switch p {
	case PollIdle:
		return "Idle"
	case PollSent:
		return "PollSent"
	case PollFinalPending:
		return "FinalPending"
	default:
		return unknownStr
	}
}

// -------------------------------------------------------------------------
// Session Configuration & Notification
// -------------------------------------------------------------------------

// SessionConfig contains the parameters needed to create a new BFD session.
type SessionConfig struct {
	// PeerAddr is the remote system's IP address.
	PeerAddr netip.Addr

	// LocalAddr is the local system's IP address used for BFD packets.
	LocalAddr netip.Addr

	// Interface is the network interface name used as the single-hop
	// registry key (RFC 5881). Empty is a valid single-hop key (matched
	// with empty-interface retry by the registry) and is always the case
	// for multi-hop sessions.
	Interface string

	// VRF is the multi-hop registry key's VRF name (RFC 5883). Empty for
	// single-hop sessions. The core treats this as an opaque string
	// supplied by the configuration collaborator; no OS lookup is
	// performed here.
	VRF string

	// Type distinguishes single-hop (RFC 5881) from multi-hop (RFC 5883).
	Type SessionType

	// Role determines whether the session actively initiates or waits passively.
	Role SessionRole

	// DesiredMinTxInterval is the minimum desired TX interval once the
	// session reaches Up ("up_min_tx"). Before Up, RFC 5880 Section 6.8.3
	// forces the wire value to the 1-second slow-start rate regardless of
	// this setting.
	DesiredMinTxInterval time.Duration

	// RequiredMinRxInterval is the minimum acceptable RX interval.
	RequiredMinRxInterval time.Duration

	// DetectMultiplier is the detection time multiplier (RFC 5880 Section 6.8.1).
	// MUST be nonzero.
	DetectMultiplier uint8

	// RequiredMinEchoRxInterval is the minimum interval, in the local
	// advertisement, at which this system can receive looped-back echo
	// packets. Zero disables advertising echo capability.
	RequiredMinEchoRxInterval time.Duration

	// EchoEnabled requests the embedded echo function (RFC 5880 Section
	// 6.4) once the session reaches Up. Ignored for multi-hop sessions.
	EchoEnabled bool

	// TrackSLA enables per-packet latency/jitter/loss accounting and
	// periodic SLACallback reports.
	TrackSLA bool

	// Label is an optional human-readable name, unique across sessions.
	// Collisions fail softly: the session is still created without the
	// label (see Manager.CreateSession).
	Label string

	// Shutdown creates the session directly in AdminDown.
	Shutdown bool

	// Discriminator, if nonzero, requests this exact local discriminator
	// instead of one from the allocator. The registry rejects the create
	// if the value is already in use.
	Discriminator uint32
}

// SessionUpdate carries the subset of SessionConfig that can be changed on
// an existing session without a teardown (RFC 5880 session parameters that
// may be renegotiated via the Poll Sequence).
type SessionUpdate struct {
	DetectMultiplier          uint8
	DesiredMinTxInterval      time.Duration
	RequiredMinRxInterval     time.Duration
	RequiredMinEchoRxInterval time.Duration
	EchoEnabled               bool
	TrackSLA                  bool
	Label                     string
	Shutdown                  bool
}

// StateChange is emitted when a session FSM transitions between states.
type StateChange struct {
	// LocalDiscr is the local discriminator of the session.
	LocalDiscr uint32

	// PeerAddr is the remote system's IP address.
	PeerAddr netip.Addr

	// OldState is the session state before the transition.
	OldState State

	// NewState is the session state after the transition.
	NewState State

	// Diag is the current diagnostic code after the transition.
	Diag Diag

	// Type is the session type, used by consumers that group notifications
	// (e.g., per-VRF metrics) without a registry lookup.
	Type SessionType

	// Interface is the single-hop interface name, empty for multi-hop.
	Interface string

	// Timestamp is when the transition occurred.
	Timestamp time.Time
}

// PacketSender abstracts sending BFD Control or echo packets over the
// network. This interface enables testing without real network I/O.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, addr netip.Addr) error
}

// -------------------------------------------------------------------------
// Session Options — functional options pattern
// -------------------------------------------------------------------------

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithMetrics attaches a MetricsReporter to the session. If mr is nil,
// the default no-op reporter is used.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithEchoSender attaches the PacketSender used for the embedded echo
// function (RFC 5880 Section 6.4), which transmits to UDP port 3785
// rather than the control port. Required for EchoEnabled sessions.
func WithEchoSender(sender PacketSender) SessionOption {
	return func(s *Session) {
		s.echoSender = sender
	}
}

// WithSLACallback attaches the callback invoked with periodic SLA reports
// when the session's TrackSLA flag is set.
func WithSLACallback(cb SLACallback) SessionOption {
	return func(s *Session) {
		s.slaCallback = cb
	}
}

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

// Sentinel errors for Session configuration validation.
var (
	// ErrInvalidDetectMult indicates the detect multiplier is zero.
	ErrInvalidDetectMult = errors.New("detect multiplier must be >= 1")

	// ErrInvalidTxInterval indicates the desired min TX interval is invalid.
	ErrInvalidTxInterval = errors.New("desired min TX interval must be > 0")

	// ErrInvalidSessionType indicates an unknown session type.
	ErrInvalidSessionType = errors.New("invalid session type")

	// ErrInvalidSessionRole indicates an unknown session role.
	ErrInvalidSessionRole = errors.New("invalid session role")

	// ErrInvalidDiscriminator indicates the local discriminator is zero.
	ErrInvalidDiscriminator = errors.New("local discriminator must be nonzero")

	// ErrEchoSenderMissing indicates EchoEnabled was requested without a
	// WithEchoSender option.
	ErrEchoSenderMissing = errors.New("echo enabled but no echo sender configured")
)

// -------------------------------------------------------------------------
// Session Constants
// -------------------------------------------------------------------------

const (
	// slowTxInterval is the minimum TX interval when session is not Up.
	// RFC 5880 Section 6.8.3: "MUST set bfd.DesiredMinTxInterval to a
	// value of not less than one second (1,000,000 microseconds).".
	slowTxInterval = 1 * time.Second

	// recvChSize is the buffer size for the receive channel. Sized to
	// avoid blocking the network listener goroutine.
	recvChSize = 16

	// cmdChSize is the buffer size for the administrative command and
	// update channels.
	cmdChSize = 4

	// initialRemoteMinRx is the initial value of bfd.RemoteMinRxInterval.
	// RFC 5880 Section 6.8.1: "This variable MUST be initialized to 1."
	// The value is 1 microsecond.
	initialRemoteMinRx = 1 * time.Microsecond

	// pktsToConsiderForPktLoss is the sampling window for SLA packet-loss
	// computation, matching original_source/bfd.c's
	// PKTS_TO_CONSIDER_FOR_PKT_LOSS constant.
	pktsToConsiderForPktLoss = 100

	// echoPacketSize is the wire size of the embedded echo payload: a
	// 4-byte discriminator plus a 4-byte sequence number. RFC 5880
	// Section 6.4 does not mandate a format since the peer never parses
	// it; it is only ever interpreted by the originator on loopback.
	echoPacketSize = 8
)

// -------------------------------------------------------------------------
// Session — RFC 5880 Section 6.8.1
// -------------------------------------------------------------------------

// Session implements a single BFD session as described in RFC 5880,
// including the embedded echo function (Section 6.4) as a sub-component
// sharing the session's discriminator rather than a standalone session.
//
// All mutable state is owned by the session goroutine started via Run().
// External reads use atomic operations (State, RemoteState, LocalDiag).
// Incoming packets and administrative commands are delivered through
// buffered channels so the goroutine never needs a mutex over its own
// state.
type Session struct {
	// --- RFC 5880 Section 6.8.1 state variables ---

	state       atomic.Uint32
	remoteState atomic.Uint32
	localDiag   atomic.Uint32

	localDiscr  uint32
	remoteDiscr uint32

	desiredMinTxInterval  time.Duration
	requiredMinRxInterval time.Duration
	remoteMinRxInterval   time.Duration

	remoteDesiredMinTxInterval time.Duration
	remoteDetectMult           uint8
	remoteRequiredMinEcho      time.Duration

	detectMult uint8

	// --- Poll Sequence state (RFC 5880 Section 6.5) ---

	pollState PollState

	// stagedDesiredMinTx/stagedRequiredMinRx are the values to commit when
	// the in-progress Poll Sequence's Final arrives. Zero while pollState
	// is Idle.
	stagedDesiredMinTx   time.Duration
	stagedRequiredMinRx  time.Duration

	// pendingFinal is set when the peer sent a Poll and we owe an
	// immediate reply with Final=1, independent of the Poll Sequence
	// we may ourselves be running.
	pendingFinal bool

	// --- Embedded echo function (RFC 5880 Section 6.4) ---

	echoRequested              bool
	echoActive                 bool
	requiredMinEchoRxInterval  time.Duration
	echoSeq                    atomic.Uint32
	lastEchoSeqSent            uint32
	echoSender                 PacketSender
	echoBuf                    []byte

	// --- SLA accounting (when trackSLA is set) ---

	trackSLA          bool
	lastXmitTS        time.Time
	latSum            int64
	jitSum            int64
	lastLatencyMS     int64
	hasLastLatency    bool
	priorLostSnapshot uint64
	slaCallback       SLACallback

	// --- Session identity ---

	sessionType SessionType
	role        SessionRole
	peerAddr    netip.Addr
	localAddr   netip.Addr
	ifName      string
	vrf         string
	label       string

	// --- Cached packet (FRR bfdd pattern) ---
	cachedPacket    []byte
	cachedPacketLen int

	// --- Per-session atomic counters ---

	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	echoPacketsSent  atomic.Uint64
	echoPacketsRecv  atomic.Uint64
	stateTransitions atomic.Uint64

	lastStateChange atomic.Int64
	lastPacketRecv  atomic.Int64

	// --- Runtime ---

	sender   PacketSender
	metrics  MetricsReporter
	logger   *slog.Logger
	recvCh   chan *ControlPacket
	adminCh  chan Event
	updateCh chan SessionUpdate
	notifyCh chan<- StateChange
}

// -------------------------------------------------------------------------
// Constructor
// -------------------------------------------------------------------------

// NewSession creates a new BFD session with the given configuration.
// The session goroutine is NOT started until Run() is called.
//
// localDiscr must be a unique nonzero discriminator allocated externally.
// sender is the abstraction for sending BFD Control packets on the wire.
// notifyCh may be nil if no state change notifications are needed.
func NewSession(
	cfg SessionConfig,
	localDiscr uint32,
	sender PacketSender,
	notifyCh chan<- StateChange,
	logger *slog.Logger,
	opts ...SessionOption,
) (*Session, error) {
	if err := validateSessionConfig(cfg, localDiscr); err != nil {
		return nil, err
	}

	s := &Session{
		localDiscr:                localDiscr,
		desiredMinTxInterval:       cfg.DesiredMinTxInterval,
		requiredMinRxInterval:      cfg.RequiredMinRxInterval,
		remoteMinRxInterval:        initialRemoteMinRx,
		detectMult:                 cfg.DetectMultiplier,
		requiredMinEchoRxInterval:  cfg.RequiredMinEchoRxInterval,
		echoRequested:              cfg.EchoEnabled,
		trackSLA:                   cfg.TrackSLA,
		sessionType:                cfg.Type,
		role:                       cfg.Role,
		peerAddr:                   cfg.PeerAddr,
		localAddr:                  cfg.LocalAddr,
		ifName:                     cfg.Interface,
		vrf:                        cfg.VRF,
		label:                      cfg.Label,
		sender:                     sender,
		metrics:                    noopMetrics{},
		notifyCh:                   notifyCh,
		recvCh:                     make(chan *ControlPacket, recvChSize),
		adminCh:                    make(chan Event, cmdChSize),
		updateCh:                   make(chan SessionUpdate, cmdChSize),
		cachedPacket:               make([]byte, MaxPacketSize),
		echoBuf:                    make([]byte, echoPacketSize),
		logger: logger.With(
			slog.String("peer", cfg.PeerAddr.String()),
			slog.Uint64("local_discr", uint64(localDiscr)),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.echoRequested && s.echoSender == nil {
		return nil, fmt.Errorf("session for peer %s: %w", cfg.PeerAddr, ErrEchoSenderMissing)
	}

	// RFC 5880 Section 6.8.1: bfd.SessionState MUST be initialized to Down.
	initState := StateDown
	if cfg.Shutdown {
		initState = StateAdminDown
	}
	s.state.Store(uint32(initState))
	// RFC 5880 Section 6.8.1: bfd.RemoteSessionState MUST be initialized to Down.
	s.remoteState.Store(uint32(StateDown))
	if cfg.Shutdown {
		s.localDiag.Store(uint32(DiagAdminDown))
	} else {
		s.localDiag.Store(uint32(DiagNone))
	}

	s.rebuildCachedPacket()

	return s, nil
}

// validateSessionConfig checks all config parameters.
func validateSessionConfig(cfg SessionConfig, localDiscr uint32) error {
	if cfg.DetectMultiplier < 1 {
		return fmt.Errorf("detect multiplier %d: %w", cfg.DetectMultiplier, ErrInvalidDetectMult)
	}
	if cfg.DesiredMinTxInterval <= 0 {
		return fmt.Errorf("desired min TX interval %v: %w", cfg.DesiredMinTxInterval, ErrInvalidTxInterval)
	}
	if cfg.Type != SessionTypeSingleHop && cfg.Type != SessionTypeMultiHop {
		return fmt.Errorf("session type %d: %w", cfg.Type, ErrInvalidSessionType)
	}
	if cfg.Role != RoleActive && cfg.Role != RolePassive {
		return fmt.Errorf("session role %d: %w", cfg.Role, ErrInvalidSessionRole)
	}
	if localDiscr == 0 {
		return fmt.Errorf("local discriminator: %w", ErrInvalidDiscriminator)
	}
	return nil
}

// -------------------------------------------------------------------------
// Public Accessors — Thread-safe via atomic
// -------------------------------------------------------------------------

// LocalDiscriminator returns the session's local discriminator.
func (s *Session) LocalDiscriminator() uint32 { return s.localDiscr }

// State returns the current session state (atomic read).
func (s *Session) State() State {
	return State(s.state.Load()) //nolint:gosec // G115: State is 0-3, fits uint8
}

// RemoteState returns the last reported remote session state (atomic read).
func (s *Session) RemoteState() State {
	return State(s.remoteState.Load()) //nolint:gosec // G115: State is 0-3, fits uint8
}

// LocalDiag returns the current local diagnostic code (atomic read).
func (s *Session) LocalDiag() Diag {
	return Diag(s.localDiag.Load()) //nolint:gosec // G115: Diag is 0-8, fits uint8
}

// RemoteDiscriminator returns the remote discriminator learned from the peer.
// Returns 0 if no packet has been received since the last entry to Down
// (RFC 5880 Section 6.8.1 invariant: remote discriminator clears on Down).
//
// NOTE: updated by the session goroutine, not atomic. Intended for
// snapshot reads where slightly stale values are acceptable.
func (s *Session) RemoteDiscriminator() uint32 { return s.remoteDiscr }

// PeerAddr returns the remote system's IP address.
func (s *Session) PeerAddr() netip.Addr { return s.peerAddr }

// LocalAddr returns the local system's IP address.
func (s *Session) LocalAddr() netip.Addr { return s.localAddr }

// Interface returns the network interface name (empty for multi-hop sessions).
func (s *Session) Interface() string { return s.ifName }

// VRF returns the multi-hop VRF name (empty for single-hop sessions).
func (s *Session) VRF() string { return s.vrf }

// Label returns the session's human-readable label, empty if unset.
func (s *Session) Label() string { return s.label }

// Type returns the session type (single-hop or multi-hop).
func (s *Session) Type() SessionType { return s.sessionType }

// PollState returns the session's current Poll Sequence sub-state.
func (s *Session) PollState() PollState { return s.pollState }

// EchoActive reports whether the embedded echo function is currently
// transmitting and being used for detection.
func (s *Session) EchoActive() bool { return s.echoActive }

// DesiredMinTxInterval returns the configured desired minimum TX interval.
func (s *Session) DesiredMinTxInterval() time.Duration { return s.desiredMinTxInterval }

// RequiredMinRxInterval returns the configured required minimum RX interval.
func (s *Session) RequiredMinRxInterval() time.Duration { return s.requiredMinRxInterval }

// DetectMultiplier returns the configured detection multiplier.
func (s *Session) DetectMultiplier() uint8 { return s.detectMult }

// NegotiatedTxInterval returns the current negotiated TX interval.
// RFC 5880 Section 6.8.7: max(bfd.DesiredMinTxInterval, bfd.RemoteMinRxInterval).
// When state is not Up, the slow rate (1s) is enforced per RFC 5880 Section 6.8.3.
func (s *Session) NegotiatedTxInterval() time.Duration { return s.calcTxInterval() }

// DetectionTime returns the current calculated detection time.
func (s *Session) DetectionTime() time.Duration { return s.calcDetectionTime() }

// PacketsSent returns the total BFD Control packets transmitted (atomic read).
func (s *Session) PacketsSent() uint64 { return s.packetsSent.Load() }

// PacketsReceived returns the total BFD Control packets received (atomic read).
func (s *Session) PacketsReceived() uint64 { return s.packetsReceived.Load() }

// StateTransitions returns the total FSM state transitions (atomic read).
func (s *Session) StateTransitions() uint64 { return s.stateTransitions.Load() }

// LastStateChange returns the timestamp of the most recent FSM state
// transition. Returns zero time.Time if no transition has occurred.
func (s *Session) LastStateChange() time.Time {
	ns := s.lastStateChange.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastPacketReceived returns the timestamp of the most recent valid BFD
// Control packet received. Returns zero time.Time if no packet received.
func (s *Session) LastPacketReceived() time.Time {
	ns := s.lastPacketRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecvPacket delivers a received, already-validated BFD Control packet to
// the session for processing. Safe to call from any goroutine. If the
// receive channel is full, the packet is dropped (logged at debug level
// and counted by IncPacketsDropped).
func (s *Session) RecvPacket(pkt *ControlPacket) {
	select {
	case s.recvCh <- pkt:
	default:
		s.logger.Debug("recv channel full, dropping packet")
		s.metrics.IncPacketsDropped(s.peerAddr, s.localAddr)
	}
}

// RecvEcho delivers a looped-back echo packet payload to the session.
// Safe to call from any goroutine.
func (s *Session) RecvEcho(payload []byte) {
	_, seq, ok := parseEchoPacket(payload)
	if !ok {
		return
	}
	select {
	case s.recvCh <- &ControlPacket{MyDiscriminator: s.localDiscr, DesiredMinTxInterval: seq}:
		// Echo loopback is funneled through recvCh tagged by a sentinel:
		// Version, YourDiscriminator and State all stay zero. A received
		// Control packet always has Version 1 (the codec rejects any
		// other) — see handleRecvPacket's echo branch.
	default:
		s.logger.Debug("recv channel full, dropping echo")
	}
}

// AdminDown requests a transition to AdminDown via the session's own event
// loop, which cancels all timers per the invariant that AdminDown implies
// no armed timers. Safe to call from any goroutine.
func (s *Session) AdminDown() {
	select {
	case s.adminCh <- EventAdminDown:
	default:
		s.logger.Warn("admin channel full, dropping AdminDown request")
	}
}

// AdminUp requests a transition out of AdminDown back to Down, re-arming
// transmit (at the slow-start rate) and detection timers. Safe to call
// from any goroutine.
func (s *Session) AdminUp() {
	select {
	case s.adminCh <- EventAdminUp:
	default:
		s.logger.Warn("admin channel full, dropping AdminUp request")
	}
}

// ApplyUpdate delivers a configuration update to the session's event loop.
// Safe to call from any goroutine.
func (s *Session) ApplyUpdate(u SessionUpdate) {
	select {
	case s.updateCh <- u:
	default:
		s.logger.Warn("update channel full, dropping configuration update")
	}
}

// SetAdminDown is a direct, non-channel transition used only for graceful
// process shutdown (Manager.DrainAllSessions): it sets state and diagnostic
// atomically without waiting on the event loop so that shutdown is not
// gated on a possibly-busy session goroutine, and still lets the session's
// own transmit timer pick up and announce the AdminDown state on its next
// fire before the process exits.
func (s *Session) SetAdminDown() {
	s.localDiag.Store(uint32(DiagAdminDown))
	s.state.Store(uint32(StateAdminDown))
	s.logger.Info("session set to AdminDown for graceful drain")
}

// -------------------------------------------------------------------------
// Main Goroutine — RFC 5880 Session Lifecycle
// -------------------------------------------------------------------------

// Run starts the session event loop. It blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	// Pin the session goroutine to an OS thread for sub-millisecond timer
	// precision. BFD detection intervals can be as low as 50ms; OS thread
	// affinity reduces scheduler-induced jitter on timer wakeups.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txTimer := time.NewTimer(ApplyJitter(s.calcTxInterval(), s.detectMult))
	defer txTimer.Stop()

	detectTimer := time.NewTimer(s.calcDetectionTime())
	defer detectTimer.Stop()

	echoTimer := time.NewTimer(time.Hour)
	echoTimer.Stop()
	defer echoTimer.Stop()

	echoDetectTimer := time.NewTimer(time.Hour)
	echoDetectTimer.Stop()
	defer echoDetectTimer.Stop()

	if s.State() == StateAdminDown {
		drainTimer(txTimer)
		txTimer.Stop()
		drainTimer(detectTimer)
		detectTimer.Stop()
	}

	s.logger.Info("session started",
		slog.String("state", s.State().String()),
	)

	loop := &sessionTimers{tx: txTimer, detect: detectTimer, echoTx: echoTimer, echoDetect: echoDetectTimer}
	s.runLoop(ctx, loop)
}

// sessionTimers bundles the four logical timers of Section 4.C so handler
// methods can reset the ones relevant to them without a long parameter list.
type sessionTimers struct {
	tx         *time.Timer
	detect     *time.Timer
	echoTx     *time.Timer
	echoDetect *time.Timer
}

// runLoop is the core select loop, separated from Run for clarity.
func (s *Session) runLoop(ctx context.Context, t *sessionTimers) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return

		case pkt := <-s.recvCh:
			s.handleRecvPacket(ctx, pkt, t)

		case ev := <-s.adminCh:
			s.handleAdminEvent(ev, t)

		case u := <-s.updateCh:
			s.handleUpdate(u, t)

		case <-t.tx.C:
			s.handleTxTimer(ctx, t.tx)

		case <-t.detect.C:
			s.handleDetectTimer(ctx, t)

		case <-t.echoTx.C:
			s.handleEchoTxTimer(ctx, t.echoTx)

		case <-t.echoDetect.C:
			s.handleEchoDetectTimer(ctx, t)
		}
	}
}

// -------------------------------------------------------------------------
// Administrative Events & Updates
// -------------------------------------------------------------------------

// handleAdminEvent applies a local administrative FSM event and enforces
// the AdminDown/timer invariant: entering AdminDown cancels every timer;
// leaving it re-arms transmit (slow-start) and detection.
func (s *Session) handleAdminEvent(ev Event, t *sessionTimers) {
	s.applyFSMEvent(context.Background(), ev, t)
}

// handleUpdate applies a configuration update in-loop (Section 4.E Update).
func (s *Session) handleUpdate(u SessionUpdate, t *sessionTimers) {
	timersChanged := false

	if u.DetectMultiplier != 0 && u.DetectMultiplier != s.detectMult {
		s.detectMult = u.DetectMultiplier
		timersChanged = true
	}

	stagedTx := s.desiredMinTxInterval
	if u.DesiredMinTxInterval > 0 && u.DesiredMinTxInterval != s.desiredMinTxInterval {
		stagedTx = u.DesiredMinTxInterval
		timersChanged = true
	}

	stagedRx := s.requiredMinRxInterval
	if u.RequiredMinRxInterval > 0 && u.RequiredMinRxInterval != s.requiredMinRxInterval {
		stagedRx = u.RequiredMinRxInterval
		timersChanged = true
	}

	s.requiredMinEchoRxInterval = u.RequiredMinEchoRxInterval
	s.echoRequested = u.EchoEnabled
	s.trackSLA = u.TrackSLA
	s.label = u.Label

	if timersChanged {
		if s.State() == StateUp {
			s.startPollSequence(stagedTx, stagedRx)
		} else {
			s.desiredMinTxInterval = stagedTx
			s.requiredMinRxInterval = stagedRx
		}
	}

	switch {
	case u.Shutdown && s.State() != StateAdminDown:
		s.applyFSMEvent(context.Background(), EventAdminDown, t)
	case !u.Shutdown && s.State() == StateAdminDown:
		s.applyFSMEvent(context.Background(), EventAdminUp, t)
	}

	s.maybeUpdateEchoActivation(t)
	s.rebuildCachedPacket()
}

// -------------------------------------------------------------------------
// TX Timer Handling — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

// handleTxTimer fires on each transmission interval.
func (s *Session) handleTxTimer(ctx context.Context, txTimer *time.Timer) {
	s.maybeSendControl(ctx)
	txTimer.Reset(ApplyJitter(s.calcTxInterval(), s.detectMult))
}

// maybeSendControl checks transmission preconditions and sends if allowed.
func (s *Session) maybeSendControl(ctx context.Context) {
	// RFC 5880 Section 6.8.7: "A system MUST NOT transmit BFD Control
	// packets if bfd.RemoteDiscr is zero and the system is taking the
	// Passive role."
	if s.role == RolePassive && s.remoteDiscr == 0 {
		return
	}
	// RFC 5880 Section 6.8.7: "A system MUST NOT periodically transmit
	// BFD Control packets if bfd.RemoteMinRxInterval is zero."
	if s.remoteMinRxInterval == 0 {
		return
	}
	s.sendControl(ctx)
}

// sendControl serializes and sends a BFD Control packet.
func (s *Session) sendControl(ctx context.Context) {
	s.rebuildCachedPacket()
	if err := s.sender.SendPacket(ctx, s.cachedPacket[:s.cachedPacketLen], s.peerAddr); err != nil {
		s.logger.Warn("failed to send control packet", slog.String("error", err.Error()))
		return
	}
	s.packetsSent.Add(1)
	s.metrics.IncPacketsSent(s.peerAddr, s.localAddr)
	if s.trackSLA {
		s.lastXmitTS = time.Now()
	}
}

// -------------------------------------------------------------------------
// Detection Timer — RFC 5880 Section 6.8.4
// -------------------------------------------------------------------------

// handleDetectTimer fires when the detection time expires without receiving
// a valid packet.
func (s *Session) handleDetectTimer(ctx context.Context, t *sessionTimers) {
	curState := s.State()
	if curState != StateInit && curState != StateUp {
		t.detect.Reset(s.calcDetectionTime())
		return
	}
	s.applyFSMEvent(ctx, EventTimerExpired, t)
}

// -------------------------------------------------------------------------
// Embedded Echo Function — RFC 5880 Section 6.4
// -------------------------------------------------------------------------

// maybeUpdateEchoActivation activates or deactivates the embedded echo
// function based on current state and negotiated parameters (Section 4.D
// "Echo activation"/"Echo deactivation").
func (s *Session) maybeUpdateEchoActivation(t *sessionTimers) {
	shouldBeActive := s.State() == StateUp &&
		s.echoRequested &&
		s.remoteRequiredMinEcho > 0 &&
		s.sessionType == SessionTypeSingleHop

	switch {
	case shouldBeActive && !s.echoActive:
		s.activateEcho(t)
	case !shouldBeActive && s.echoActive:
		s.deactivateEcho(t)
	}
}

// activateEcho arms the echo transmit and detect timers.
func (s *Session) activateEcho(t *sessionTimers) {
	s.echoActive = true
	interval := s.echoInterval()
	t.echoTx.Reset(ApplyJitter(interval, s.detectMult))
	t.echoDetect.Reset(s.echoDetectionTime())
	s.logger.Debug("embedded echo function activated", slog.Duration("interval", interval))
}

// deactivateEcho cancels the echo timers. Called on state leaving Up,
// configuration change removing echo, or (implicitly, via handleEchoDetectTimer)
// echo detect timeout — in that last case the timers are already disarmed
// by the time this runs, which is harmless since Stop/drain are idempotent.
func (s *Session) deactivateEcho(t *sessionTimers) {
	s.echoActive = false
	if !t.echoTx.Stop() {
		drainTimer(t.echoTx)
	}
	if !t.echoDetect.Stop() {
		drainTimer(t.echoDetect)
	}
	s.logger.Debug("embedded echo function deactivated")
}

// echoInterval is the negotiated echo transmit interval (Section 4.D).
func (s *Session) echoInterval() time.Duration {
	return max(s.requiredMinEchoRxInterval, s.remoteRequiredMinEcho)
}

// echoDetectionTime is the echo detect timeout (Section 4.D).
func (s *Session) echoDetectionTime() time.Duration {
	return time.Duration(int64(s.detectMult)) * s.echoInterval()
}

// handleEchoTxTimer transmits an echo packet and re-arms.
func (s *Session) handleEchoTxTimer(ctx context.Context, echoTimer *time.Timer) {
	seq := s.echoSeq.Add(1)
	binary.BigEndian.PutUint32(s.echoBuf[0:4], s.localDiscr)
	binary.BigEndian.PutUint32(s.echoBuf[4:8], seq)

	if err := s.echoSender.SendPacket(ctx, s.echoBuf, s.peerAddr); err != nil {
		s.logger.Warn("failed to send echo packet", slog.String("error", err.Error()))
	} else {
		s.echoPacketsSent.Add(1)
		if s.trackSLA {
			s.lastXmitTS = time.Now()
		}
	}

	echoTimer.Reset(ApplyJitter(s.echoInterval(), s.detectMult))
}

// handleEchoDetectTimer drives the parent session Down on echo loopback
// loss (Section 4.D "Echo function": "A received echo matching the
// session is used as a liveness proof"; absence for echoDetectionTime
// drives the session Down with diag=DetectTime — there is no independent
// echo diagnostic code).
func (s *Session) handleEchoDetectTimer(ctx context.Context, t *sessionTimers) {
	s.deactivateEcho(t)
	s.applyFSMEvent(ctx, EventTimerExpired, t)
}

// parseEchoPacket decodes the fixed 8-byte echo payload.
func parseEchoPacket(buf []byte) (discr, seq uint32, ok bool) {
	if len(buf) < echoPacketSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]), true
}

// -------------------------------------------------------------------------
// Packet Reception — RFC 5880 Section 6.8.6 Steps 8-18
// -------------------------------------------------------------------------

// isEchoLoopback reports whether a recvCh item is the echo-loopback
// sentinel enqueued by RecvEcho rather than a real Control packet. A peer
// may send AdminDown with zero YourDiscriminator, so the tag also requires
// Version 0, which UnmarshalControlPacket never accepts.
func isEchoLoopback(pkt *ControlPacket) bool {
	return pkt.Version == 0 && pkt.YourDiscriminator == 0 && pkt.State == StateAdminDown && pkt.MyDiscriminator != 0
}

// handleRecvPacket processes an incoming BFD Control packet, or the
// echo-loopback sentinel enqueued by RecvEcho.
func (s *Session) handleRecvPacket(ctx context.Context, pkt *ControlPacket, t *sessionTimers) {
	if isEchoLoopback(pkt) {
		s.handleEchoLoopback(t, pkt.DesiredMinTxInterval)
		return
	}

	s.packetsReceived.Add(1)
	s.metrics.IncPacketsReceived(s.peerAddr, s.localAddr)
	s.lastPacketRecv.Store(time.Now().UnixNano())
	s.recordSLASample()

	// Step 13: Set bfd.RemoteDiscr = My Discriminator.
	s.remoteDiscr = pkt.MyDiscriminator
	// Step 14: Set bfd.RemoteState.
	s.remoteState.Store(uint32(pkt.State))
	// Step 16: Set bfd.RemoteMinRxInterval.
	s.remoteMinRxInterval = durationFromMicroseconds(pkt.RequiredMinRxInterval)
	// Step 17: remoteDesiredMinTxInterval + remoteDetectMult.
	s.remoteDesiredMinTxInterval = durationFromMicroseconds(pkt.DesiredMinTxInterval)
	s.remoteDetectMult = pkt.DetectMult
	s.remoteRequiredMinEcho = durationFromMicroseconds(pkt.RequiredMinEchoRxInterval)

	// Poll Sequence: if Final bit set and we are polling, commit staged values.
	if pkt.Final && s.pollState == PollSent {
		s.terminatePollSequence()
	}

	// If the peer's Poll bit is set, we owe an immediate Final reply.
	if pkt.Poll {
		s.pendingFinal = true
	}

	s.resetDetectTimer(t.detect)

	event := RecvStateToEvent(pkt.State)
	s.applyFSMEvent(ctx, event, t)

	s.maybeUpdateEchoActivation(t)

	// RFC 5880 Section 6.5: reply with Final as soon as practicable,
	// independent of the transmit timer.
	if s.pendingFinal {
		s.sendControl(ctx)
		s.resetTxTimer(t.tx)
	}
}

// handleEchoLoopback processes a returned echo packet: refreshes the echo
// detect timer and folds the round-trip into SLA accounting.
func (s *Session) handleEchoLoopback(t *sessionTimers, seq uint32) {
	if !s.echoActive {
		return
	}
	_ = seq // sequence is available for future loss detection; liveness alone suffices here.
	s.echoPacketsRecv.Add(1)
	s.recordSLASample()
	if !t.echoDetect.Stop() {
		drainTimer(t.echoDetect)
	}
	t.echoDetect.Reset(s.echoDetectionTime())
}

// -------------------------------------------------------------------------
// FSM Event Application
// -------------------------------------------------------------------------

// applyFSMEvent runs the FSM and executes resulting actions.
func (s *Session) applyFSMEvent(ctx context.Context, event Event, t *sessionTimers) {
	result := ApplyEvent(s.State(), event)
	s.executeFSMActions(ctx, result, t)
}

// executeFSMActions processes the FSMResult and performs side-effects.
//
// Diag-setting actions run before logStateChange so the StateChange
// notification and log line carry the diagnostic this transition actually
// set, not whatever was left over from the previous one.
func (s *Session) executeFSMActions(ctx context.Context, result FSMResult, t *sessionTimers) {
	for _, action := range result.Actions {
		if isDiagAction(action) {
			s.executeAction(ctx, action, t)
		}
	}

	if result.Changed {
		s.state.Store(uint32(result.NewState))
		s.logStateChange(result)

		switch {
		case result.NewState == StateAdminDown:
			// Invariant: AdminDown implies all four timers disarmed.
			s.cancelAllTimers(t)
		case result.OldState == StateAdminDown:
			// Leaving AdminDown re-arms at slow-start, not at whatever
			// rate was negotiated before shutdown.
			s.desiredMinTxInterval = max(s.desiredMinTxInterval, 0)
			t.tx.Reset(ApplyJitter(slowTxInterval, s.detectMult))
			t.detect.Reset(s.calcDetectionTime())
		case result.NewState == StateUp:
			// Section 4.D: every state change to Up starts a one-shot
			// Poll Sequence to (re-)negotiate the operational timers.
			s.startPollSequence(s.desiredMinTxInterval, s.requiredMinRxInterval)
		}
	}

	for _, action := range result.Actions {
		if isDiagAction(action) {
			continue
		}
		s.executeAction(ctx, action, t)
	}
}

// isDiagAction reports whether action sets s.localDiag.
func isDiagAction(action Action) bool {
	switch action {
	case ActionSetDiagTimeExpired, ActionSetDiagNeighborDown, ActionSetDiagAdminDown:
		return true
	default:
		return false
	}
}

// cancelAllTimers stops every timer, matching the AdminDown invariant.
func (s *Session) cancelAllTimers(t *sessionTimers) {
	if !t.tx.Stop() {
		drainTimer(t.tx)
	}
	if !t.detect.Stop() {
		drainTimer(t.detect)
	}
	if s.echoActive {
		s.echoActive = false
	}
	if !t.echoTx.Stop() {
		drainTimer(t.echoTx)
	}
	if !t.echoDetect.Stop() {
		drainTimer(t.echoDetect)
	}
}

// logStateChange logs the FSM transition, updates counters, and emits a
// StateChange notification.
func (s *Session) logStateChange(result FSMResult) {
	s.logger.Info("session state changed",
		slog.String("old_state", result.OldState.String()),
		slog.String("new_state", result.NewState.String()),
		slog.String("diag", s.LocalDiag().String()),
	)
	s.stateTransitions.Add(1)
	s.lastStateChange.Store(time.Now().UnixNano())
	s.metrics.RecordStateTransition(
		s.peerAddr, s.localAddr,
		result.OldState.String(), result.NewState.String(),
	)
	if result.NewState == StateDown {
		// RFC 5880 Section 6.8.1 invariant: remote discriminator clears
		// on every entry to Down.
		s.remoteDiscr = 0
	}
	s.emitNotification(result)
}

// executeAction dispatches a single FSM action.
func (s *Session) executeAction(ctx context.Context, action Action, t *sessionTimers) {
	switch action {
	case ActionSendControl:
		s.sendControl(ctx)
		s.resetTxTimer(t.tx)
	case ActionNotifyUp:
		s.resetTxTimer(t.tx)
		s.resetDetectTimer(t.detect)
	case ActionNotifyDown:
		s.resetTxTimer(t.tx)
		s.resetDetectTimer(t.detect)
	case ActionSetDiagTimeExpired:
		s.localDiag.Store(uint32(DiagControlTimeExpired))
	case ActionSetDiagNeighborDown:
		s.localDiag.Store(uint32(DiagNeighborDown))
	case ActionSetDiagAdminDown:
		s.localDiag.Store(uint32(DiagAdminDown))
	default:
		s.logger.Warn("unknown FSM action", slog.Int("action", int(action)))
	}
}

// emitNotification sends a StateChange to the notification channel if set.
func (s *Session) emitNotification(result FSMResult) {
	if s.notifyCh == nil {
		return
	}
	sc := StateChange{
		LocalDiscr: s.localDiscr,
		PeerAddr:   s.peerAddr,
		OldState:   result.OldState,
		NewState:   result.NewState,
		Diag:       s.LocalDiag(),
		Type:       s.sessionType,
		Interface:  s.ifName,
		Timestamp:  time.Now(),
	}
	select {
	case s.notifyCh <- sc:
	default:
		s.logger.Warn("notification channel full, dropping state change")
	}
}

// -------------------------------------------------------------------------
// Timer Negotiation — RFC 5880 Sections 6.8.2-6.8.4
// -------------------------------------------------------------------------

// calcTxInterval returns the negotiated TX interval.
func (s *Session) calcTxInterval() time.Duration {
	desired := s.desiredMinTxInterval
	if s.State() != StateUp && desired < slowTxInterval {
		desired = slowTxInterval
	}
	return max(desired, s.remoteMinRxInterval)
}

// calcDetectionTime returns the detection timeout.
func (s *Session) calcDetectionTime() time.Duration {
	if s.echoActive {
		return time.Duration(int64(s.detectMult)) * s.requiredMinEchoRxInterval
	}
	if s.remoteDetectMult == 0 {
		txInterval := s.calcTxInterval()
		return time.Duration(int64(txInterval) * int64(s.detectMult))
	}
	agreedInterval := max(s.requiredMinRxInterval, s.remoteDesiredMinTxInterval)
	return time.Duration(int64(agreedInterval) * int64(s.remoteDetectMult))
}

// resetTxTimer resets the TX timer with jittered negotiated interval.
func (s *Session) resetTxTimer(txTimer *time.Timer) {
	interval := s.calcTxInterval()
	if !txTimer.Stop() {
		drainTimer(txTimer)
	}
	txTimer.Reset(ApplyJitter(interval, s.detectMult))
}

// resetDetectTimer resets the detection timer with the calculated timeout.
func (s *Session) resetDetectTimer(detectTimer *time.Timer) {
	detectTime := s.calcDetectionTime()
	if !detectTimer.Stop() {
		drainTimer(detectTimer)
	}
	detectTimer.Reset(detectTime)
}

// drainTimer non-blockingly drains the timer channel.
func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// -------------------------------------------------------------------------
// Jitter — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

// ApplyJitter applies random jitter to the transmission interval.
//
// RFC 5880 Section 6.8.7:
//   - The interval MUST be reduced by a random value of 0 to 25%.
//   - If bfd.DetectMult == 1: interval MUST be between 75% and 90%.
//   - Otherwise: interval MUST be between 75% and 100%.
//
// Uses math/rand/v2 for non-cryptographic randomness (jitter is not
// security-sensitive; using crypto/rand would add unnecessary overhead
// on the hot path).
func ApplyJitter(interval time.Duration, detectMult uint8) time.Duration {
	if interval <= 0 {
		return interval
	}

	var jitterPercent int
	if detectMult == 1 {
		// 10 + rand(0..15) = reduction of 10-25%.
		jitterPercent = 10 + rand.IntN(16) //nolint:gosec // G404: jitter does not require cryptographic randomness
	} else {
		// rand(0..25) = reduction of 0-25%.
		jitterPercent = rand.IntN(26) //nolint:gosec // G404: jitter does not require cryptographic randomness
	}

	reduction := time.Duration(int64(interval) * int64(jitterPercent) / 100)

	return interval - reduction
}

// -------------------------------------------------------------------------
// Poll Sequence — RFC 5880 Section 6.5
// -------------------------------------------------------------------------

// startPollSequence begins a new Poll Sequence, staging the timer values to
// commit once Final is received.
func (s *Session) startPollSequence(stagedTx, stagedRx time.Duration) {
	s.pollState = PollSent
	s.stagedDesiredMinTx = stagedTx
	s.stagedRequiredMinRx = stagedRx
	s.rebuildCachedPacket()
}

// terminatePollSequence ends the Poll Sequence and applies pending changes.
// RFC 5880 Section 6.5: "When the system sending the Poll Sequence
// receives a packet with Final, the Poll Sequence is terminated."
func (s *Session) terminatePollSequence() {
	s.pollState = PollIdle
	if s.stagedDesiredMinTx > 0 {
		s.desiredMinTxInterval = s.stagedDesiredMinTx
	}
	if s.stagedRequiredMinRx > 0 {
		s.requiredMinRxInterval = s.stagedRequiredMinRx
	}
	s.stagedDesiredMinTx = 0
	s.stagedRequiredMinRx = 0
	s.rebuildCachedPacket()
	s.logger.Debug("poll sequence terminated")
}

// -------------------------------------------------------------------------
// SLA Sampling — original_source/bfd.c ptm_bfd_send_sla_update
// -------------------------------------------------------------------------

// recordSLASample folds one received packet's round-trip timing into the
// rolling SLA accumulators and emits a report every DetectMult packets.
func (s *Session) recordSLASample() {
	if !s.trackSLA || s.lastXmitTS.IsZero() {
		return
	}

	elapsedMS := time.Since(s.lastXmitTS).Milliseconds()
	s.latSum += elapsedMS
	if s.hasLastLatency {
		diff := elapsedMS - s.lastLatencyMS
		if diff < 0 {
			diff = -diff
		}
		s.jitSum += diff
	}
	s.lastLatencyMS = elapsedMS
	s.hasLastLatency = true

	total := s.packetsReceived.Load() + s.echoPacketsRecv.Load()
	if s.detectMult == 0 || total%uint64(s.detectMult) != 0 {
		return
	}

	s.emitSLAReport(total)
}

// emitSLAReport computes one periodic report and resets the rolling sums.
func (s *Session) emitSLAReport(totalRx uint64) {
	latencyMS := s.latSum / int64(s.detectMult)

	var jitterMS int64
	if s.detectMult > 1 {
		jitterMS = s.jitSum / int64(s.detectMult-1)
	}
	// detectMult == 1: exactly one sample per report period, nothing to
	// diff against — report zero jitter rather than dividing by zero.

	var lossPct float64
	if totalRx%pktsToConsiderForPktLoss == 0 {
		totalTx := s.packetsSent.Load() + s.echoPacketsSent.Load()
		lost := totalTx - totalRx
		delta := lost - s.priorLostSnapshot
		lossPct = float64(delta) / float64(pktsToConsiderForPktLoss) * 100
		s.priorLostSnapshot = lost
	}

	latency := time.Duration(latencyMS) * time.Millisecond
	jitter := time.Duration(jitterMS) * time.Millisecond

	s.metrics.RecordSLA(s.peerAddr, s.localAddr, latency, jitter, lossPct)

	if s.slaCallback != nil {
		s.slaCallback(SLAReport{
			LocalDiscr: s.localDiscr,
			Latency:    latency,
			Jitter:     jitter,
			LossPct:    lossPct,
		})
	}

	s.latSum = 0
	s.jitSum = 0
	s.hasLastLatency = false
}

// -------------------------------------------------------------------------
// Cached Packet — FRR bfdd pattern
// -------------------------------------------------------------------------

// rebuildCachedPacket pre-serializes the BFD Control packet for transmission.
// This avoids per-packet allocation on the hot path. The packet is rebuilt
// only when parameters or state change.
func (s *Session) rebuildCachedPacket() {
	pkt := s.buildControlPacket()
	n, err := MarshalControlPacket(&pkt, s.cachedPacket)
	if err != nil {
		s.logger.Error("failed to marshal cached packet", slog.String("error", err.Error()))
		return
	}
	s.cachedPacketLen = n
}

// buildControlPacket constructs a ControlPacket from current session state.
// RFC 5880 Section 6.8.7: field-by-field specification of transmitted packets.
func (s *Session) buildControlPacket() ControlPacket {
	// RFC 5880 Section 6.8.3: the wire value reflects slow-start until Up,
	// even though the live desiredMinTxInterval field already holds the
	// faster post-Up target ("up_min_tx").
	wireTxInterval := s.desiredMinTxInterval
	if s.State() != StateUp && wireTxInterval < slowTxInterval {
		wireTxInterval = slowTxInterval
	}

	pkt := ControlPacket{
		Version:                   Version,
		Diag:                      s.LocalDiag(),
		State:                     s.State(),
		Poll:                      s.pollState == PollSent,
		Final:                     s.pendingFinal,
		ControlPlaneIndependent:   false,
		AuthPresent:               false,
		Demand:                    false,
		Multipoint:                false,
		DetectMult:                s.detectMult,
		MyDiscriminator:           s.localDiscr,
		YourDiscriminator:         s.remoteDiscr,
		DesiredMinTxInterval:      microsecondsFromDuration(wireTxInterval),
		RequiredMinRxInterval:     microsecondsFromDuration(s.requiredMinRxInterval),
		RequiredMinEchoRxInterval: microsecondsFromDuration(s.requiredMinEchoRxInterval),
	}

	// Clear pendingFinal after building packet (it was consumed).
	s.pendingFinal = false

	return pkt
}

// -------------------------------------------------------------------------
// Duration <-> Microseconds conversion
// -------------------------------------------------------------------------

// durationFromMicroseconds converts a BFD wire-format microsecond value
// to time.Duration. RFC 5880: all interval fields are in microseconds.
func durationFromMicroseconds(us uint32) time.Duration {
	return time.Duration(int64(us) * int64(time.Microsecond))
}

// microsecondsFromDuration converts time.Duration to BFD wire-format
// microseconds (uint32). Values are truncated, not rounded.
func microsecondsFromDuration(d time.Duration) uint32 {
	return uint32(d / time.Microsecond) //nolint:gosec // G115: intentional truncation for BFD wire format
}
