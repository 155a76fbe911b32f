// Package bfd implements the core BFD protocol (RFC 5880/5881/5883).
//
// This includes the FSM (Section 6.8), the session registry (three indices:
// by local discriminator, by single-hop key, by multi-hop key), the timer
// engine (jittered transmit, detection, and embedded-echo timers), the
// packet codec, and discriminator allocation. Authentication (Section 6.7)
// is not implemented: any received packet with the A bit set is rejected as
// malformed rather than verified.
package bfd
