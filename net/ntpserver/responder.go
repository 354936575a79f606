// Package ntpserver implements the UDP-facing NTP/NTS responder: it
// classifies inbound datagrams and replies with a plain NTP response,
// an NTS-authenticated response carrying a replacement cookie, or a
// kiss-of-death.
package ntpserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/thekuwayama/cfnts/net/aead"
	"github.com/thekuwayama/cfnts/net/cookie"
	"github.com/thekuwayama/cfnts/net/ntp"
	"github.com/thekuwayama/cfnts/net/rotation"
)

// BufSize is the fixed receive buffer size: anything larger risks IP
// fragmentation.
const BufSize = 1280

// referenceIDKissOfDeath is the ASCII "NTSN" reference id used on every
// kiss-of-death reply.
const referenceIDKissOfDeath = 0x4e54534e

// State is the server's fixed identity used to stamp every response
// header: leap/stratum/poll/precision and the root-delay/dispersion and
// reference-id/timestamp a stratum-1-style responder advertises.
type State struct {
	Leap           ntp.LeapIndicator
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	ReferenceStamp uint64
}

// Responder answers NTP and NTS-protected NTP requests.
type Responder struct {
	Log      *zap.Logger
	Rotation *rotation.Engine
	State    State
	Metrics  *Metrics
}

func (r *Responder) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// kissOfDeath builds the minimal rejection reply from the request
// header: stratum 0, reference id "NTSN", origin echoing the request's
// transmit timestamp, and the request's unique identifier echoed back
// if present.
func kissOfDeath(query ntp.Packet) []byte {
	header := ntp.Header{
		LeapIndicator: ntp.UnknownLeap,
		Version:       ntp.Version,
		Mode:          ntp.Server,
		Stratum:       0,
		ReferenceID:   referenceIDKissOfDeath,
		Origin:        query.Header.Transmit,
	}
	resp := ntp.Packet{Header: header}
	if ext, ok := ntp.ExtractExtension(query, ntp.UniqueIdentifier); ok {
		resp.Extensions = append(resp.Extensions, ext)
	}
	return ntp.Serialize(resp)
}

func (r *Responder) responseHeader(query ntp.Header, now time.Time) ntp.Header {
	ts := ntp.TimestampFromUnix(now.Unix(), int64(now.Nanosecond()))
	return ntp.Header{
		LeapIndicator:  r.State.Leap,
		Version:        ntp.Version,
		Mode:           ntp.Server,
		Stratum:        r.State.Stratum,
		Poll:           r.State.Poll,
		Precision:      r.State.Precision,
		RootDelay:      r.State.RootDelay,
		RootDispersion: r.State.RootDispersion,
		ReferenceID:    r.State.ReferenceID,
		Reference:      r.State.ReferenceStamp,
		Origin:         query.Transmit,
		Receive:        ts,
		Transmit:       ts,
	}
}

// HandleDatagram classifies and answers a single inbound datagram. It
// never returns an error for protocol-level problems: those collapse
// into a kiss-of-death or (for a malformed query) a nil result, for
// which no reply is sent,
// matching the error taxonomy's "never leak internal state onto the
// network" policy. now is the receive timestamp to stamp into the
// reply.
func (r *Responder) HandleDatagram(query []byte, now time.Time) []byte {
	start := time.Now()
	defer func() { r.metrics().observeLatency(time.Since(start)) }()

	plain, err := ntp.Parse(query)
	if err != nil {
		r.metrics().dropped("malformed")
		return nil
	}

	if plain.Header.Mode != ntp.Client {
		r.metrics().kod("mode")
		return kissOfDeath(plain)
	}

	if !ntp.IsNTSPacket(plain) {
		r.metrics().plainReply()
		return ntp.Serialize(ntp.Packet{Header: r.responseHeader(plain.Header, now)})
	}

	resp, ok := r.handleNTS(query, plain, now)
	if !ok {
		r.metrics().kod("nts")
		return kissOfDeath(plain)
	}
	r.metrics().ntsReply()
	return resp
}

func (r *Responder) handleNTS(raw []byte, plain ntp.Packet, now time.Time) ([]byte, bool) {
	cookieExt, ok := ntp.ExtractExtension(plain, ntp.NTSCookie)
	if !ok {
		return nil, false
	}
	keyID, ok := cookie.KeyIDOf(cookieExt.Contents)
	if !ok {
		return nil, false
	}
	masterKey, ok := r.Rotation.Lookup(keyID)
	if !ok {
		r.metrics().authFailure("cookie")
		return nil, false
	}
	keys, err := cookie.Eat(cookieExt.Contents, masterKey)
	if err != nil {
		r.metrics().authFailure("cookie")
		return nil, false
	}
	r.metrics().cookieConsumed()

	recvAEAD, err := aead.New(keys.C2S[:])
	if err != nil {
		r.metrics().authFailure("aead")
		return nil, false
	}
	query, err := ntp.ParseNTS(raw, recvAEAD)
	if err != nil {
		r.metrics().authFailure("aead")
		return nil, false
	}

	sendAEAD, err := aead.New(keys.S2C[:])
	if err != nil {
		return nil, false
	}

	respHeader := r.responseHeader(plain.Header, now)
	respPacket := ntp.NTSPacket{Header: respHeader}

	for _, ext := range query.AuthExts {
		if ext.Type == ntp.UniqueIdentifier {
			respPacket.AuthExts = append(respPacket.AuthExts, ext)
		}
	}

	for _, ext := range query.AuthEncExts {
		if ext.Type != ntp.NTSCookiePlaceholder {
			continue
		}
		// Anti-amplification: a placeholder shorter than our real
		// cookie size would let a spoofed request solicit a larger
		// reply than it sent; drop it instead of minting a cookie.
		if len(ext.Contents) < cookie.Size {
			continue
		}
		c, err := r.mintCookie(keys)
		if err != nil {
			return nil, false
		}
		respPacket.AuthEncExts = append(respPacket.AuthEncExts, ntp.Extension{Type: ntp.NTSCookie, Contents: c})
	}

	// One more cookie replaces the one this request consumed.
	replacement, err := r.mintCookie(keys)
	if err != nil {
		return nil, false
	}
	respPacket.AuthEncExts = append(respPacket.AuthEncExts, ntp.Extension{Type: ntp.NTSCookie, Contents: replacement})

	wire, err := ntp.SerializeNTS(respPacket, sendAEAD)
	if err != nil {
		return nil, false
	}
	return wire, true
}

func (r *Responder) mintCookie(keys cookie.Keys) ([]byte, error) {
	keyID, masterKey := r.Rotation.Latest()
	return cookie.Make(keys, masterKey, keyID)
}

// ListenAndServe runs numWorkers goroutines draining conn, each
// answering datagrams independently with no ordering requirement
// between them, until ctx is canceled.
func (r *Responder) ListenAndServe(ctx context.Context, conn *net.UDPConn, numWorkers int) error {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	errs := make(chan error, numWorkers)
	for i := 0; i < numWorkers; i++ {
		go r.worker(conn, errs)
	}

	select {
	case <-done:
		return ctx.Err()
	case err := <-errs:
		return err
	}
}

func (r *Responder) worker(conn *net.UDPConn, errs chan<- error) {
	buf := make([]byte, BufSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			errs <- err
			return
		}
		now := time.Now()
		resp := r.HandleDatagram(buf[:n], now)
		if resp == nil {
			continue
		}
		if _, err := conn.WriteToUDP(resp, peer); err != nil {
			r.log().Warn("ntpserver: failed to send reply", zap.Error(err), zap.Stringer("peer", peer))
		}
	}
}
