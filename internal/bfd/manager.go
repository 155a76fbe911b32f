package bfd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrSessionNotFound indicates no session exists for the given discriminator.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDemuxNoMatch indicates no session matched the incoming packet during
	// demultiplexing (RFC 5880 Section 6.8.6).
	ErrDemuxNoMatch = errors.New("no matching session for incoming packet")

	// ErrInvalidPeerAddr indicates the peer address is not valid.
	ErrInvalidPeerAddr = errors.New("peer address must be valid")

	// ErrLabelConflict indicates the requested label is already in use by
	// another session. Unlike ErrRegistryConflict, this is a soft failure:
	// CreateSession still creates the session, just without the label.
	ErrLabelConflict = errors.New("label already in use")
)

// createSessionErrPrefix is the common error prefix for session creation failures.
const createSessionErrPrefix = "create session"

// -------------------------------------------------------------------------
// PacketMeta — transport metadata for demultiplexing
// -------------------------------------------------------------------------

// PacketMeta contains the transport-layer metadata needed for BFD session
// demultiplexing. This is a BFD-package-local type to avoid import cycles
// between bfd and netio. The listener layer converts netio.PacketMeta to
// bfd.PacketMeta before calling Manager.Demux.
type PacketMeta struct {
	// SrcAddr is the source IP address from the received packet.
	SrcAddr netip.Addr

	// DstAddr is the destination IP address from the received packet.
	DstAddr netip.Addr

	// TTL is the Time-to-Live / Hop Limit from the IP header.
	TTL uint8

	// IfName is the interface name on which the packet was received.
	// Empty for multi-hop listeners.
	IfName string

	// VRF is the VRF the receiving socket is bound in, supplied by the
	// listener (the core performs no OS-level VRF lookup itself). Empty
	// for single-hop listeners.
	VRF string
}

// -------------------------------------------------------------------------
// Session Snapshot — read-only view for external consumers
// -------------------------------------------------------------------------

// SessionSnapshot is a read-only view of a session's state at a point in time.
// Used by monitoring interfaces. All fields are copied from the session; no
// references to mutable state are held.
type SessionSnapshot struct {
	// LocalDiscr is the local discriminator (RFC 5880 Section 6.8.1).
	LocalDiscr uint32

	// RemoteDiscr is the remote discriminator learned from the peer.
	RemoteDiscr uint32

	// PeerAddr is the remote system's IP address.
	PeerAddr netip.Addr

	// LocalAddr is the local system's IP address.
	LocalAddr netip.Addr

	// Interface is the network interface name (empty for multi-hop).
	Interface string

	// VRF is the multi-hop VRF name (empty for single-hop).
	VRF string

	// Label is the session's human-readable name, empty if unset.
	Label string

	// Type is the session type (single-hop or multi-hop).
	Type SessionType

	// State is the current session FSM state (atomic snapshot).
	State State

	// RemoteState is the last reported remote session state (atomic snapshot).
	RemoteState State

	// LocalDiag is the current local diagnostic code (atomic snapshot).
	LocalDiag Diag

	// PollState is the session's Poll Sequence sub-state.
	PollState PollState

	// EchoActive reports whether the embedded echo function is running.
	EchoActive bool

	// DesiredMinTx is the configured desired minimum TX interval.
	DesiredMinTx time.Duration

	// RequiredMinRx is the configured required minimum RX interval.
	RequiredMinRx time.Duration

	// DetectMultiplier is the configured detection multiplier.
	DetectMultiplier uint8

	// NegotiatedTxInterval is the actual TX interval after negotiation.
	// RFC 5880 Section 6.8.7: max(bfd.DesiredMinTxInterval, bfd.RemoteMinRxInterval).
	NegotiatedTxInterval time.Duration

	// DetectionTime is the calculated detection time.
	DetectionTime time.Duration

	// LastStateChange is the timestamp of the most recent FSM state transition.
	// Zero value means no transition has occurred since session creation.
	LastStateChange time.Time

	// LastPacketReceived is the timestamp of the most recent valid BFD
	// Control packet received from the peer. Zero value means no packet
	// has been received yet.
	LastPacketReceived time.Time

	// Counters contains per-session packet and state transition counters.
	Counters SessionCounters
}

// SessionCounters holds per-session atomic counter snapshots.
// These are monotonically increasing counters for the lifetime of the session.
type SessionCounters struct {
	// PacketsSent is the total BFD Control packets transmitted.
	PacketsSent uint64

	// PacketsReceived is the total BFD Control packets received.
	PacketsReceived uint64

	// StateTransitions is the total FSM state transitions.
	StateTransitions uint64
}

// -------------------------------------------------------------------------
// Notify Channel Size
// -------------------------------------------------------------------------

const (
	// notifyChSize is the buffer size for the aggregated state change channel.
	// Sized to handle bursts of state transitions across multiple sessions
	// without blocking session goroutines. 64 is sufficient for typical
	// deployments (hundreds of sessions with rare simultaneous transitions).
	notifyChSize = 64

	// slaChSize is the buffer size for the aggregated SLA report channel.
	slaChSize = 64
)

// -------------------------------------------------------------------------
// Manager — BFD Session Manager
// -------------------------------------------------------------------------

// Manager owns all BFD sessions, handles demultiplexing of incoming packets,
// and provides the CRUD API for session lifecycle (Section 4.E).
//
// Demultiplexing delegates to registry.sessionForPacket, which implements
// RFC 5880 Section 6.8.6's lookup rule with the corrected peer-address
// check described on registry.go.
type Manager struct {
	reg *registry

	// labels maps an in-use session label to its local discriminator.
	// Label uniqueness is enforced softly: a colliding CreateSession still
	// creates the session, just without the label (Section 4.E).
	labelMu sync.Mutex
	labels  map[string]uint32

	discriminators *DiscriminatorAllocator

	// metrics is the optional metrics reporter. Never nil -- uses noopMetrics
	// when no collector is configured.
	metrics MetricsReporter

	// rawNotifyCh receives state changes from all sessions.
	// RunDispatch reads from this channel and forwards to publicNotifyCh.
	rawNotifyCh chan StateChange

	// publicNotifyCh is the fan-out channel exposed via StateChanges().
	publicNotifyCh chan StateChange

	// slaCh is the fan-out channel exposed via SLAReports(), fed by each
	// session's WithSLACallback.
	slaCh chan SLAReport

	// echoSender is used for sessions created with EchoEnabled when the
	// caller does not supply a per-session echo sender. nil if embedded
	// echo was never configured.
	echoSender PacketSender

	logger *slog.Logger
}

// sessionEntry holds a session and its cancellation function.
// The cancel function is used by DestroySession to stop the session goroutine.
type sessionEntry struct {
	session *Session
	cancel  context.CancelFunc
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter for the manager and all
// sessions it creates. If mr is nil, a no-op reporter is used.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithManagerEchoSender sets the default PacketSender used for the
// embedded echo function (RFC 5880 Section 6.4) across sessions that
// request EchoEnabled without their own sender.
func WithManagerEchoSender(sender PacketSender) ManagerOption {
	return func(m *Manager) {
		m.echoSender = sender
	}
}

// NewManager creates a new BFD session manager.
//
// The manager allocates local discriminators (RFC 5880 Section 6.8.1),
// manages session lifecycle, and provides demultiplexing for incoming
// BFD Control packets via the three-index registry (Section 4.B).
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		reg:            newRegistry(),
		labels:         make(map[string]uint32),
		discriminators: NewDiscriminatorAllocator(),
		metrics:        noopMetrics{},
		rawNotifyCh:    make(chan StateChange, notifyChSize),
		publicNotifyCh: make(chan StateChange, notifyChSize),
		slaCh:          make(chan SLAReport, slaChSize),
		logger:         logger.With(slog.String("component", "bfd.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// -------------------------------------------------------------------------
// Session CRUD — Create (Section 4.E)
// -------------------------------------------------------------------------

// CreateSession creates a new BFD session with the given configuration.
//
// The session is registered in the registry (by discriminator, and by
// single-hop or multi-hop key) and its Run goroutine is started. The
// session begins in Down state, or AdminDown if cfg.Shutdown is set
// (RFC 5880 Section 6.8.1).
//
// If cfg.Discriminator is nonzero, that exact value is reserved instead of
// allocating one; ErrRegistryConflict is returned if it is already in use,
// distinctly from a colliding single-hop/multi-hop key.
func (m *Manager) CreateSession(
	ctx context.Context,
	cfg SessionConfig,
	sender PacketSender,
) (*Session, error) {
	if !cfg.PeerAddr.IsValid() {
		return nil, fmt.Errorf("%s: %w", createSessionErrPrefix, ErrInvalidPeerAddr)
	}

	discr, err := m.reserveDiscriminator(cfg.Discriminator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", createSessionErrPrefix, err)
	}

	sess, err := m.buildSession(cfg, discr, sender)
	if err != nil {
		m.discriminators.Release(discr)
		return nil, fmt.Errorf("%s: %w", createSessionErrPrefix, err)
	}

	entry := &sessionEntry{session: sess}
	if err := m.reg.insert(entry); err != nil {
		m.discriminators.Release(discr)
		return nil, fmt.Errorf("%s for peer %s: %w", createSessionErrPrefix, cfg.PeerAddr, err)
	}

	m.applyLabel(cfg.Label, discr)
	m.startSession(ctx, entry)
	m.logSessionCreated(cfg, discr)

	return sess, nil
}

// reserveDiscriminator returns the requested discriminator if nonzero
// (reserving it exactly), or allocates the next free one.
func (m *Manager) reserveDiscriminator(requested uint32) (uint32, error) {
	if requested == 0 {
		return m.discriminators.Allocate()
	}
	if !m.discriminators.Reserve(requested) {
		return 0, fmt.Errorf("discriminator %d: %w", requested, ErrRegistryConflict)
	}
	return requested, nil
}

// buildSession constructs the Session for cfg, wiring metrics, the SLA fan-in,
// and the echo sender (falling back to the manager-wide default).
func (m *Manager) buildSession(cfg SessionConfig, discr uint32, sender PacketSender) (*Session, error) {
	opts := []SessionOption{
		WithMetrics(m.metrics),
		WithSLACallback(func(r SLAReport) {
			select {
			case m.slaCh <- r:
			default:
				m.logger.Warn("SLA report channel full, dropping report",
					slog.Uint64("local_discr", uint64(r.LocalDiscr)))
			}
		}),
	}
	if cfg.EchoEnabled && m.echoSender != nil {
		opts = append(opts, WithEchoSender(m.echoSender))
	}

	return NewSession(cfg, discr, sender, m.rawNotifyCh, m.logger, opts...)
}

// applyLabel records cfg's label if nonempty and not already in use.
// A collision is logged and the session is left unlabeled (Section 4.E:
// label uniqueness is a soft constraint).
func (m *Manager) applyLabel(label string, discr uint32) {
	if label == "" {
		return
	}
	m.labelMu.Lock()
	defer m.labelMu.Unlock()

	if _, exists := m.labels[label]; exists {
		m.logger.Warn("label already in use, session created without it",
			slog.String("label", label),
			slog.Uint64("local_discr", uint64(discr)),
			slog.Any("reason", ErrLabelConflict),
		)
		return
	}
	m.labels[label] = discr
}

// startSession starts the session goroutine with a context decoupled from
// ctx's cancellation, so that a SIGTERM-triggered context cancellation does
// not immediately kill session goroutines -- graceful shutdown first calls
// DrainAllSessions, then Close cancels each session explicitly.
func (m *Manager) startSession(ctx context.Context, entry *sessionEntry) {
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry.cancel = cancel
	go entry.session.Run(sessCtx)
}

// logSessionCreated logs the successful creation of a BFD session and
// registers it in the metrics collector.
func (m *Manager) logSessionCreated(cfg SessionConfig, discr uint32) {
	m.metrics.RegisterSession(cfg.PeerAddr, cfg.LocalAddr, cfg.Type.String())

	m.logger.Info("session created",
		slog.String("peer", cfg.PeerAddr.String()),
		slog.String("local", cfg.LocalAddr.String()),
		slog.String("interface", cfg.Interface),
		slog.String("vrf", cfg.VRF),
		slog.String("type", cfg.Type.String()),
		slog.String("role", cfg.Role.String()),
		slog.Uint64("local_discr", uint64(discr)),
		slog.Duration("desired_min_tx", cfg.DesiredMinTxInterval),
		slog.Duration("required_min_rx", cfg.RequiredMinRxInterval),
		slog.Uint64("detect_mult", uint64(cfg.DetectMultiplier)),
	)
}

// -------------------------------------------------------------------------
// Session CRUD — Update (Section 4.E)
// -------------------------------------------------------------------------

// UpdateSession delivers a configuration update to the running session
// identified by localDiscr. The update is applied asynchronously by the
// session's own event loop (ApplyUpdate); this call returns once it has
// been enqueued, not once it has taken effect.
//
// Returns ErrSessionNotFound if no session exists with the given discriminator.
//
// u.Label replaces the session's label outright (including clearing it to
// ""); the manager's label index is re-keyed to match before the update is
// handed to the session, so CreateSession-style soft-collision handling
// applies to renames too.
func (m *Manager) UpdateSession(localDiscr uint32, u SessionUpdate) error {
	entry, ok := m.reg.findByDiscr(localDiscr)
	if !ok {
		return fmt.Errorf("update session with discriminator %d: %w", localDiscr, ErrSessionNotFound)
	}

	u.Label = m.rekeyLabel(entry.session.Label(), u.Label, localDiscr)

	entry.session.ApplyUpdate(u)
	return nil
}

// rekeyLabel moves discr's entry in m.labels from oldLabel to newLabel so
// the manager's name->session index stays in sync with the rename the
// session applies to itself in handleUpdate. A newLabel already in use by
// a different discriminator is rejected softly: the session keeps its
// previous label, mirroring CreateSession's soft-collision handling.
func (m *Manager) rekeyLabel(oldLabel, newLabel string, discr uint32) string {
	if newLabel == oldLabel {
		return newLabel
	}

	m.labelMu.Lock()
	defer m.labelMu.Unlock()

	if newLabel != "" {
		if owner, exists := m.labels[newLabel]; exists && owner != discr {
			m.logger.Warn("label already in use, session keeps its previous label",
				slog.String("label", newLabel),
				slog.Uint64("local_discr", uint64(discr)),
				slog.Any("reason", ErrLabelConflict),
			)
			return oldLabel
		}
		m.labels[newLabel] = discr
	}

	if oldLabel != "" {
		delete(m.labels, oldLabel)
	}

	return newLabel
}

// -------------------------------------------------------------------------
// Session CRUD — Destroy
// -------------------------------------------------------------------------

// DestroySession stops and removes the session identified by localDiscr.
//
// The session goroutine is cancelled, the session is removed from the
// registry, its label (if any) is freed, and the discriminator is
// released for reuse.
//
// Returns ErrSessionNotFound if no session exists with the given discriminator.
func (m *Manager) DestroySession(_ context.Context, localDiscr uint32) error {
	entry, ok := m.reg.findByDiscr(localDiscr)
	if !ok {
		return fmt.Errorf(
			"destroy session with discriminator %d: %w",
			localDiscr, ErrSessionNotFound,
		)
	}

	m.reg.remove(localDiscr)
	m.freeLabel(entry.session.Label())

	entry.cancel()
	m.discriminators.Release(localDiscr)

	m.metrics.UnregisterSession(
		entry.session.PeerAddr(),
		entry.session.LocalAddr(),
		entry.session.Type().String(),
	)

	m.logger.Info("session destroyed",
		slog.String("peer", entry.session.PeerAddr().String()),
		slog.Uint64("local_discr", uint64(localDiscr)),
	)

	return nil
}

// freeLabel removes label from the label index if present.
func (m *Manager) freeLabel(label string) {
	if label == "" {
		return
	}
	m.labelMu.Lock()
	delete(m.labels, label)
	m.labelMu.Unlock()
}

// -------------------------------------------------------------------------
// Lookup
// -------------------------------------------------------------------------

// LookupByDiscriminator returns the session with the given local discriminator.
func (m *Manager) LookupByDiscriminator(discr uint32) (*Session, bool) {
	entry, ok := m.reg.findByDiscr(discr)
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// LookupBySingleHopKey returns the single-hop session matching
// (peer, local, interface), retrying with an empty interface on miss.
func (m *Manager) LookupBySingleHopKey(peerAddr, localAddr netip.Addr, ifName string) (*Session, bool) {
	entry, ok := m.reg.findByShop(peerAddr, localAddr, ifName)
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// LookupByMultiHopKey returns the multi-hop session matching (peer, local, VRF).
func (m *Manager) LookupByMultiHopKey(peerAddr, localAddr netip.Addr, vrf string) (*Session, bool) {
	entry, ok := m.reg.findByMhop(peerAddr, localAddr, vrf)
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// -------------------------------------------------------------------------
// Demux — RFC 5880 Section 6.8.6
// -------------------------------------------------------------------------

// Demux routes an incoming BFD Control packet to the appropriate session.
// multiHop selects between the single-hop and multi-hop key indices when
// Your Discriminator is zero; meta.VRF is only consulted in that case.
//
// Returns ErrDemuxNoMatch if no session matches. The caller (listener loop)
// should count the drop and discard the packet.
func (m *Manager) Demux(pkt *ControlPacket, meta PacketMeta, multiHop bool) error {
	entry, ok := m.reg.sessionForPacket(pkt, meta, multiHop, meta.VRF)
	if !ok {
		m.metrics.IncPacketsDropped(meta.SrcAddr, meta.DstAddr)
		return fmt.Errorf(
			"demux: no session for peer %s -> %s (iface=%s vrf=%s your_discr=%d): %w",
			meta.SrcAddr, meta.DstAddr, meta.IfName, meta.VRF, pkt.YourDiscriminator, ErrDemuxNoMatch,
		)
	}

	entry.session.RecvPacket(pkt)
	return nil
}

// DemuxEcho routes a returned embedded-echo packet to the session sharing
// its discriminator (Section 4.D: echo shares the parent session's
// discriminator rather than using a separate index).
func (m *Manager) DemuxEcho(payload []byte) error {
	if len(payload) < echoPacketSize {
		return fmt.Errorf("echo demux: payload too short (%d bytes): %w", len(payload), ErrDemuxNoMatch)
	}
	discr, _, ok := parseEchoPacket(payload)
	if !ok {
		return fmt.Errorf("echo demux: malformed payload: %w", ErrDemuxNoMatch)
	}

	entry, ok := m.reg.findByDiscr(discr)
	if !ok {
		return fmt.Errorf("echo demux: discriminator %d not found: %w", discr, ErrDemuxNoMatch)
	}

	entry.session.RecvEcho(payload)
	return nil
}

// -------------------------------------------------------------------------
// Snapshot — read-only session listing
// -------------------------------------------------------------------------

// Sessions returns a snapshot of all active sessions. The returned slice
// contains copies of session state; no references to mutable data are held.
func (m *Manager) Sessions() []SessionSnapshot {
	entries := m.reg.snapshot()
	snapshots := make([]SessionSnapshot, 0, len(entries))

	for _, entry := range entries {
		s := entry.session
		snapshots = append(snapshots, SessionSnapshot{
			LocalDiscr:           s.LocalDiscriminator(),
			RemoteDiscr:          s.RemoteDiscriminator(),
			PeerAddr:             s.PeerAddr(),
			LocalAddr:            s.LocalAddr(),
			Interface:            s.Interface(),
			VRF:                  s.VRF(),
			Label:                s.Label(),
			Type:                 s.Type(),
			State:                s.State(),
			RemoteState:          s.RemoteState(),
			LocalDiag:            s.LocalDiag(),
			PollState:            s.PollState(),
			EchoActive:           s.EchoActive(),
			DesiredMinTx:         s.DesiredMinTxInterval(),
			RequiredMinRx:        s.RequiredMinRxInterval(),
			DetectMultiplier:     s.DetectMultiplier(),
			NegotiatedTxInterval: s.NegotiatedTxInterval(),
			DetectionTime:        s.DetectionTime(),
			LastStateChange:      s.LastStateChange(),
			LastPacketReceived:   s.LastPacketReceived(),
			Counters: SessionCounters{
				PacketsSent:      s.PacketsSent(),
				PacketsReceived:  s.PacketsReceived(),
				StateTransitions: s.StateTransitions(),
			},
		})
	}

	return snapshots
}

// -------------------------------------------------------------------------
// State Change & SLA Notifications
// -------------------------------------------------------------------------

// StateChanges returns a read-only channel that receives state change
// notifications from all sessions.
//
// Notifications reach this channel only while RunDispatch is running. The
// channel is buffered (64 entries). If the consumer falls behind,
// RunDispatch drops notifications (logged at warn level).
func (m *Manager) StateChanges() <-chan StateChange {
	return m.publicNotifyCh
}

// SLAReports returns a read-only channel that receives periodic SLA
// samples from every session with TrackSLA enabled (Section 4.E).
func (m *Manager) SLAReports() <-chan SLAReport {
	return m.slaCh
}

// RunDispatch forwards raw session state changes to the public channel
// until ctx is cancelled.
func (m *Manager) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-m.rawNotifyCh:
			select {
			case m.publicNotifyCh <- sc:
			default:
				m.logger.Warn("public notification channel full, dropping state change",
					slog.Uint64("local_discr", uint64(sc.LocalDiscr)),
					slog.String("new_state", sc.NewState.String()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Session Reconciliation — SIGHUP reload
// -------------------------------------------------------------------------

// ReconcileConfig describes a desired BFD session for reconciliation.
// The Manager creates sessions that are missing and destroys sessions
// that no longer appear in the desired set.
type ReconcileConfig struct {
	// Key uniquely identifies the session for diffing purposes. It must use
	// the layout sessionKeySet derives from running sessions,
	// "peer|local|interface|vrf" (as config.SessionConfig.SessionKey builds
	// it), with an empty field for an unset local address, interface or VRF.
	Key string

	// SessionConfig is the BFD session configuration to create if missing.
	SessionConfig SessionConfig

	// Sender provides the packet sending capability for new sessions.
	Sender PacketSender
}

// ReconcileSessions diffs the desired session set against the current sessions.
// Sessions present in desired but absent are created. Sessions present in
// current but absent from desired are destroyed. Existing sessions are left
// untouched (parameter changes go through UpdateSession instead).
//
// Returns the number of sessions created and destroyed, and any errors
// encountered. Partial failures are logged and accumulated; reconciliation
// continues for all sessions.
func (m *Manager) ReconcileSessions(
	ctx context.Context,
	desired []ReconcileConfig,
) (int, int, error) {
	desiredKeys := make(map[string]ReconcileConfig, len(desired))
	for _, rc := range desired {
		desiredKeys[rc.Key] = rc
	}

	currentKeys := m.sessionKeySet()

	var destroyMu, createMu sync.Mutex
	var destroyed, created int
	var errs []error

	dg, dCtx := errgroup.WithContext(ctx)
	for key, discr := range currentKeys {
		if _, want := desiredKeys[key]; want {
			continue
		}
		key, discr := key, discr
		dg.Go(func() error {
			m.logger.Info("reconcile: destroying removed session",
				slog.String("key", key),
				slog.Uint64("local_discr", uint64(discr)),
			)
			if dErr := m.DestroySession(dCtx, discr); dErr != nil {
				destroyMu.Lock()
				errs = append(errs, fmt.Errorf("reconcile destroy %s: %w", key, dErr))
				destroyMu.Unlock()
				return nil
			}
			destroyMu.Lock()
			destroyed++
			destroyMu.Unlock()
			return nil
		})
	}
	_ = dg.Wait()

	cg, cCtx := errgroup.WithContext(ctx)
	for key, rc := range desiredKeys {
		if _, exists := currentKeys[key]; exists {
			continue
		}
		key, rc := key, rc
		cg.Go(func() error {
			m.logger.Info("reconcile: creating new session",
				slog.String("key", key),
			)
			if _, cErr := m.CreateSession(cCtx, rc.SessionConfig, rc.Sender); cErr != nil {
				createMu.Lock()
				errs = append(errs, fmt.Errorf("reconcile create %s: %w", key, cErr))
				createMu.Unlock()
				return nil
			}
			createMu.Lock()
			created++
			createMu.Unlock()
			return nil
		})
	}
	_ = cg.Wait()

	var err error
	if len(errs) > 0 {
		err = errors.Join(errs...)
	}

	m.logger.Info("session reconciliation complete",
		slog.Int("created", created),
		slog.Int("destroyed", destroyed),
	)

	return created, destroyed, err
}

// sessionKeySet returns a map of session key -> local discriminator for all
// currently active sessions.
func (m *Manager) sessionKeySet() map[string]uint32 {
	entries := m.reg.snapshot()
	keys := make(map[string]uint32, len(entries))

	for _, entry := range entries {
		s := entry.session
		local := ""
		if s.LocalAddr().IsValid() {
			local = s.LocalAddr().String()
		}
		key := s.PeerAddr().String() + "|" + local + "|" + s.Interface() + "|" + s.VRF()
		keys[key] = s.LocalDiscriminator()
	}

	return keys
}

// -------------------------------------------------------------------------
// Graceful Drain — RFC 5880 Section 6.8.16
// -------------------------------------------------------------------------

// DrainAllSessions transitions all sessions to AdminDown with
// DiagAdminDown (RFC 5880 Section 6.8.16). This signals peers that the
// shutdown is intentional, not a failure. The caller should wait briefly
// for the final AdminDown packets to be transmitted before closing.
func (m *Manager) DrainAllSessions() {
	entries := m.reg.snapshot()
	for _, entry := range entries {
		entry.session.SetAdminDown()
	}

	m.logger.Info("all sessions set to AdminDown for graceful drain",
		slog.Int("count", len(entries)),
	)
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Close cancels all session goroutines, removes them from the registry,
// releases their discriminators and clears the label index. Close does not
// stop later CreateSession calls from creating new sessions.
func (m *Manager) Close() {
	entries := m.reg.snapshot()

	var g errgroup.Group
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			discr := entry.session.LocalDiscriminator()
			m.reg.remove(discr)
			entry.cancel()
			m.discriminators.Release(discr)
			return nil
		})
	}
	_ = g.Wait()

	m.labelMu.Lock()
	m.labels = make(map[string]uint32)
	m.labelMu.Unlock()

	m.logger.Info("manager closed", slog.Int("sessions_closed", len(entries)))
}
