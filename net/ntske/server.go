/*
Copyright 2018--2019 Michael Cardell Widerkrantz, Martin Samuelsson,
Daniel Lublin

Permission to use, copy, modify, and/or distribute this software for
any purpose with or without fee is hereby granted, provided that the
above copyright notice and this permission notice appear in all
copies.

THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL
DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR
PROFITS, WHETHER IN AN ACTION OF CONTRACT, NEGLIGENCE OR OTHER
TORTIOUS ACTION, ARISING OUT OF OR IN CONNECTION WITH THE USE OR
PERFORMANCE OF THIS SOFTWARE.
*/

package ntske

import (
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"github.com/thekuwayama/cfnts/internal/metrics"
	"github.com/thekuwayama/cfnts/internal/ntserr"
	"github.com/thekuwayama/cfnts/net/cookie"
	"github.com/thekuwayama/cfnts/net/rotation"
)

// exporterLabel is the RFC 5705 key-exporter label mandated by the
// NTS-for-NTP draft. Implementers targeting the final RFC 8915 should
// confirm this and the context byte ordering below against that text;
// this implementation follows the pre-RFC draft -18/-19 values, as
// does the historical implementation it is grounded on.
const exporterLabel = "EXPORTER-network-time-security"

const (
	directionC2S = 0x00
	directionS2C = 0x01
)

// Server handles the NTS-KE side of key establishment: one TLS
// connection in, one record exchange, a batch of fresh cookies out.
type Server struct {
	Log        *zap.Logger
	Rotation   *rotation.Engine
	Metrics    *metrics.Metrics
	NumCookies int
	NextPort   uint16
	NextServer string
}

func exporterContext(aeadID uint16, direction byte) []byte {
	return []byte{0x00, 0x00, byte(aeadID >> 8), byte(aeadID), direction}
}

// exportKeys derives the per-session c2s/s2c keys from the TLS
// session's key exporter. This is the sole source of NTS keying
// material: nothing else may leak into a cookie.
func exportKeys(cs tls.ConnectionState, aeadID uint16) (cookie.Keys, error) {
	var keys cookie.Keys
	c2s, err := cs.ExportKeyingMaterial(exporterLabel, exporterContext(aeadID, directionC2S), 32)
	if err != nil {
		return keys, fmt.Errorf("ntske: exporting c2s key: %w", err)
	}
	s2c, err := cs.ExportKeyingMaterial(exporterLabel, exporterContext(aeadID, directionS2C), 32)
	if err != nil {
		return keys, fmt.Errorf("ntske: exporting s2c key: %w", err)
	}
	copy(keys.C2S[:], c2s)
	copy(keys.S2C[:], s2c)
	return keys, nil
}

// clientRequest is what the server needs from the client's opening
// record batch.
type clientRequest struct {
	nextProtocols []uint16
	aeadIDs       []uint16
}

func (s *Server) readRequest(conn *tls.Conn) (clientRequest, error) {
	var req clientRequest
	err := readRecords(conn, func(rec Record) (bool, error) {
		switch rec.Type {
		case EndOfMessage:
			return true, nil
		case NextProtocolNegotiation:
			vals, err := DecodeU16Slice(rec.Contents)
			if err != nil {
				return false, err
			}
			req.nextProtocols = vals
		case AEADAlgorithmNegotiation:
			vals, err := DecodeU16Slice(rec.Contents)
			if err != nil {
				return false, err
			}
			req.aeadIDs = vals
		case WarningRecord:
			// ignored
		case ErrorRecord:
			return false, fmt.Errorf("ntske: client sent an error record: %w", ntserr.PolicyReject)
		}
		return false, nil
	})
	return req, err
}

func contains(vals []uint16, want uint16) bool {
	for _, v := range vals {
		if v == want {
			return true
		}
	}
	return false
}

// HandleConnection runs one NTS-KE session to completion: validates
// ALPN, reads the client's request, checks it proposes NTPv4 and
// AES-SIV-CMAC-256, derives session keys, mints cookies, and replies.
// Any protocol violation replies with an Error record (where a record
// stream is still viable) and returns a PolicyReject-wrapped error;
// the caller is expected to close the connection regardless.
func (s *Server) HandleConnection(conn *tls.Conn) error {
	if err := conn.Handshake(); err != nil {
		s.Metrics.RecordKESessionHandshakeFailed()
		return fmt.Errorf("ntske: TLS handshake: %w", err)
	}
	cs := conn.ConnectionState()
	if cs.NegotiatedProtocol != ALPN {
		s.Metrics.RecordKESessionPolicyReject()
		return fmt.Errorf("ntske: peer did not negotiate %s: %w", ALPN, ntserr.PolicyReject)
	}

	req, err := s.readRequest(conn)
	if err != nil {
		return err
	}

	if !contains(req.nextProtocols, NTPv4NextProtocol) || !contains(req.aeadIDs, AESSIVCMAC256) {
		s.writeError(conn)
		s.Metrics.RecordKESessionPolicyReject()
		return fmt.Errorf("ntske: client did not negotiate NTPv4/AES-SIV-CMAC-256: %w", ntserr.PolicyReject)
	}

	keys, err := exportKeys(cs, AESSIVCMAC256)
	if err != nil {
		return err
	}

	numCookies := s.NumCookies
	if numCookies == 0 {
		numCookies = 8
	}
	keyID, masterKey := s.Rotation.Latest()
	if masterKey == nil {
		return fmt.Errorf("ntske: no current master key available: %w", ntserr.ConfigFatal)
	}

	records := []Record{
		{Critical: true, Type: NextProtocolNegotiation, Contents: EncodeU16(NTPv4NextProtocol)},
		{Critical: true, Type: AEADAlgorithmNegotiation, Contents: EncodeU16(AESSIVCMAC256)},
	}
	if s.NextPort != 0 {
		records = append(records, Record{Type: PortNegotiation, Contents: EncodeU16(s.NextPort)})
	}
	if s.NextServer != "" {
		records = append(records, Record{Type: ServerNegotiation, Contents: []byte(s.NextServer)})
	}
	for i := 0; i < numCookies; i++ {
		c, err := cookie.Make(keys, masterKey, keyID)
		if err != nil {
			return fmt.Errorf("ntske: minting cookie: %w", err)
		}
		records = append(records, Record{Type: NewCookie, Contents: c})
	}
	records = append(records, Record{Critical: true, Type: EndOfMessage})

	for _, rec := range records {
		if _, err := conn.Write(Serialize(rec)); err != nil {
			return fmt.Errorf("ntske: writing response: %w", err)
		}
	}
	s.Metrics.RecordCookiesIssued(numCookies)
	s.Metrics.RecordKESessionOK()
	return nil
}

func (s *Server) writeError(conn *tls.Conn) {
	rec := Record{Critical: true, Type: ErrorRecord, Contents: EncodeU16(0)}
	eom := Record{Critical: true, Type: EndOfMessage}
	_, _ = conn.Write(Serialize(rec))
	_, _ = conn.Write(Serialize(eom))
}
