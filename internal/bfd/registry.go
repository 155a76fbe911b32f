package bfd

import (
	"errors"
	"net/netip"
	"slices"
	"sync"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

var (
	// ErrRegistryConflict indicates the local discriminator or the
	// single-hop/multi-hop key requested for a new session is already
	// in use by another session.
	ErrRegistryConflict = errors.New("discriminator or session key already registered")
)

// -------------------------------------------------------------------------
// Registry Keys
// -------------------------------------------------------------------------

// shopKey is the single-hop registry key (RFC 5881 Section 3): sessions are
// matched by (peer address, local address, interface). A session registered with an
// empty interface matches any interface lookup that otherwise misses —
// this lets a session created before its interface was resolved still
// demultiplex incoming packets.
type shopKey struct {
	peerAddr  netip.Addr
	localAddr netip.Addr
	ifName    string
}

// mhopKey is the multi-hop registry key (RFC 5883): sessions are matched by
// (peer address, local address, VRF).
type mhopKey struct {
	peerAddr  netip.Addr
	localAddr netip.Addr
	vrf       string
}

// -------------------------------------------------------------------------
// Registry — RFC 5880 Section 6.8.6 session lookup
// -------------------------------------------------------------------------

// registry holds the three lookup indices described for session demultiplexing:
// by local discriminator (primary key, used once Your Discriminator is known),
// by single-hop key, and by multi-hop key (used for the initial packet of a
// session, before either side has learned the other's discriminator).
//
// All three indices point at the same *sessionEntry; registry.insert keeps
// them consistent, and registry.remove tears all three down together.
type registry struct {
	mu sync.RWMutex

	byDiscr map[uint32]*sessionEntry
	byShop  map[shopKey]*sessionEntry
	byMhop  map[mhopKey]*sessionEntry
}

// newRegistry creates an empty registry.
func newRegistry() *registry {
	return &registry{
		byDiscr: make(map[uint32]*sessionEntry),
		byShop:  make(map[shopKey]*sessionEntry),
		byMhop:  make(map[mhopKey]*sessionEntry),
	}
}

// shopKeyFor derives the single-hop key from a session entry.
func shopKeyFor(e *sessionEntry) shopKey {
	return shopKey{
		peerAddr:  e.session.PeerAddr(),
		localAddr: e.session.LocalAddr(),
		ifName:    e.session.Interface(),
	}
}

// mhopKeyFor derives the multi-hop key from a session entry.
func mhopKeyFor(e *sessionEntry) mhopKey {
	return mhopKey{
		peerAddr:  e.session.PeerAddr(),
		localAddr: e.session.LocalAddr(),
		vrf:       e.session.VRF(),
	}
}

// insert adds e to all applicable indices. Returns ErrRegistryConflict if
// the discriminator or the type-appropriate key is already registered;
// in that case no index is modified.
func (r *registry) insert(e *sessionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	discr := e.session.LocalDiscriminator()
	if _, exists := r.byDiscr[discr]; exists {
		return ErrRegistryConflict
	}

	switch e.session.Type() {
	case SessionTypeSingleHop:
		key := shopKeyFor(e)
		if _, exists := r.byShop[key]; exists {
			return ErrRegistryConflict
		}
		r.byShop[key] = e
	case SessionTypeMultiHop:
		key := mhopKeyFor(e)
		if _, exists := r.byMhop[key]; exists {
			return ErrRegistryConflict
		}
		r.byMhop[key] = e
	}

	r.byDiscr[discr] = e
	return nil
}

// remove deletes the entry for discr from all indices. No-op if not found.
func (r *registry) remove(discr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byDiscr[discr]
	if !ok {
		return
	}
	delete(r.byDiscr, discr)

	switch e.session.Type() {
	case SessionTypeSingleHop:
		delete(r.byShop, shopKeyFor(e))
	case SessionTypeMultiHop:
		delete(r.byMhop, mhopKeyFor(e))
	}
}

// findByDiscr looks up a session by local discriminator.
func (r *registry) findByDiscr(discr uint32) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byDiscr[discr]
	return e, ok
}

// findByShop looks up a single-hop session by (peer, local, interface),
// retrying with an empty interface on an exact-key miss.
func (r *registry) findByShop(peerAddr, localAddr netip.Addr, ifName string) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := shopKey{peerAddr: peerAddr, localAddr: localAddr, ifName: ifName}
	if e, ok := r.byShop[key]; ok {
		return e, true
	}
	if ifName == "" {
		return nil, false
	}
	key.ifName = ""
	e, ok := r.byShop[key]
	return e, ok
}

// findByMhop looks up a multi-hop session by (peer, local, VRF).
func (r *registry) findByMhop(peerAddr, localAddr netip.Addr, vrf string) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byMhop[mhopKey{peerAddr: peerAddr, localAddr: localAddr, vrf: vrf}]
	return e, ok
}

// sessionForPacket implements the demultiplexing rule of RFC 5880 Section
// 6.8.6 Step 3-5, corrected for the dead peer-verification check found in
// common C implementations' discriminator-keyed lookup path (e.g. FRR
// bfdd's bfd_find_disc): if Your Discriminator is nonzero, the session is
// resolved by discriminator AND the stored peer address is always checked
// against the packet's source address, even though the discriminator
// alone is already believed unique. If Your Discriminator is zero, the
// packet is only accepted when it also declares Down or AdminDown state,
// and resolution falls back to the peer-key indices; any other zero-discr
// packet is unresolved.
func (r *registry) sessionForPacket(pkt *ControlPacket, meta PacketMeta, multiHop bool, vrf string) (*sessionEntry, bool) {
	if pkt.YourDiscriminator != 0 {
		e, ok := r.findByDiscr(pkt.YourDiscriminator)
		if !ok {
			return nil, false
		}
		if e.session.PeerAddr() != meta.SrcAddr {
			return nil, false
		}
		return e, true
	}

	if pkt.State != StateDown && pkt.State != StateAdminDown {
		return nil, false
	}

	if multiHop {
		return r.findByMhop(meta.SrcAddr, meta.DstAddr, vrf)
	}
	return r.findByShop(meta.SrcAddr, meta.DstAddr, meta.IfName)
}

// snapshot returns all registered entries, ordered by discriminator for
// deterministic iteration (used by Manager.Sessions and reconciliation).
func (r *registry) snapshot() []*sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*sessionEntry, 0, len(r.byDiscr))
	for _, e := range r.byDiscr {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *sessionEntry) int {
		return int(a.session.LocalDiscriminator()) - int(b.session.LocalDiscriminator())
	})
	return entries
}

// len returns the number of registered sessions.
func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDiscr)
}
