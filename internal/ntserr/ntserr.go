// Package ntserr defines the shared error taxonomy used across the wire
// codec, cookie subsystem, key-rotation engine, NTS-KE protocol and the
// NTP/NTS responder. Errors on the wire-codec, cookie, rotation-cache,
// NTS-KE policy and configuration paths wrap one of these sentinels so
// callers can classify them with errors.Is. Not every error does: NTS-KE
// record decoding errors and the NTS-KE client's own errors (such as
// ntske.ErrRecordAfterEnd) wrap none of them.
package ntserr

import "errors"

var (
	// Malformed means the wire bytes did not parse. Policy: drop (UDP)
	// or close (TCP); never reply with details about why.
	Malformed = errors.New("ntserr: malformed")

	// AuthFailed means an AEAD tag mismatch or an unrecoverable cookie.
	// Policy: NTP replies with a kiss-of-death, NTS-KE closes.
	AuthFailed = errors.New("ntserr: authentication failed")

	// PolicyReject means the request violated a protocol policy (mode
	// not Client, unsupported AEAD, unsupported next-protocol).
	PolicyReject = errors.New("ntserr: policy reject")

	// Transient means a retryable condition (cache miss, EAGAIN). NTP
	// in-request lookups treat this the same as AuthFailed.
	Transient = errors.New("ntserr: transient")

	// ConfigFatal means bad TLS material, a bad master key, or a bind
	// failure. The process aborts rather than continuing in a
	// half-configured state.
	ConfigFatal = errors.New("ntserr: fatal configuration error")
)
