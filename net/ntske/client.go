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
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/thekuwayama/cfnts/net/cookie"
)

// DefaultKEPort and DefaultNTPPort are the NTS-KE and NTP default ports
// used when a client's configuration does not override them.
const (
	DefaultKEPort  = 1234
	DefaultNTPPort = 123
)

// connectTimeout bounds both the TLS connect and every subsequent
// read/write on the NTS-KE connection.
const connectTimeout = 15 * time.Second

// ClientConfig configures one NTS-KE client exchange.
type ClientConfig struct {
	Host string
	Port uint16

	// TrustedCert, if set, is used instead of the platform trust
	// store.
	TrustedCert *x509.Certificate

	// UseIPv4/UseIPv6: at most one should be set. If neither is set,
	// the first resolved address is used regardless of family.
	UseIPv4 *bool
	UseIPv6 *bool
}

// Result is what a successful NTS-KE exchange yields: the session keys,
// the initial cookie batch, and the negotiated next-hop for the NTP
// leg of the protocol.
type Result struct {
	Keys          cookie.Keys
	Cookies       [][]byte
	NextProtocols []uint16
	AEADScheme    uint16
	NextServer    string
	NextPort      uint16

	// UseIPv4 echoes the input preference unchanged, for the caller's
	// own address-family filtering when it connects to NextServer.
	UseIPv4 *bool
}

// ErrRecordAfterEnd, ErrNoIPv4AddrFound, ErrNoIPv6AddrFound, and
// ErrInvalidRecord are the client-specific failure modes from the
// error taxonomy; they are returned to the caller rather than absorbed,
// since the NTS-KE client has no network peer to protect from detail
// leakage the way a UDP responder does.
var (
	ErrRecordAfterEnd  = errors.New("ntske: record received after EndOfMessage")
	ErrNoIPv4AddrFound = errors.New("ntske: no IPv4 address found for host")
	ErrNoIPv6AddrFound = errors.New("ntske: no IPv6 address found for host")
	ErrInvalidRecord   = errors.New("ntske: invalid record")
)

func resolveAddr(cfg ClientConfig) (string, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultKEPort
	}
	addrs, err := net.DefaultResolver.LookupHost(context.Background(), cfg.Host)
	if err != nil {
		return "", fmt.Errorf("ntske: resolving %s: %w", cfg.Host, err)
	}

	switch {
	case cfg.UseIPv4 != nil && *cfg.UseIPv4:
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
				return net.JoinHostPort(a, strconv.Itoa(int(port))), nil
			}
		}
		return "", ErrNoIPv4AddrFound
	case cfg.UseIPv6 != nil && *cfg.UseIPv6:
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() == nil {
				return net.JoinHostPort(a, strconv.Itoa(int(port))), nil
			}
		}
		return "", ErrNoIPv6AddrFound
	default:
		if len(addrs) == 0 {
			return "", fmt.Errorf("ntske: no addresses found for %s", cfg.Host)
		}
		return net.JoinHostPort(addrs[0], strconv.Itoa(int(port))), nil
	}
}

func tlsConfig(cfg ClientConfig) *tls.Config {
	tc := &tls.Config{
		ServerName: cfg.Host,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	if cfg.TrustedCert != nil {
		pool := x509.NewCertPool()
		pool.AddCert(cfg.TrustedCert)
		tc.RootCAs = pool
	}
	return tc
}

// clientState accumulates the record stream as it is processed. It
// mirrors the historical cfnts client's ClientState machine.
type clientState struct {
	finished      bool
	cookies       [][]byte
	nextProtocols []uint16
	aeadScheme    uint16
	nextPort      uint16
	nextServer    string
}

func (st *clientState) process(rec Record) error {
	if st.finished {
		return ErrRecordAfterEnd
	}
	switch rec.Type {
	case EndOfMessage:
		st.finished = true
	case NextProtocolNegotiation:
		vals, err := DecodeU16Slice(rec.Contents)
		if err != nil {
			return err
		}
		st.nextProtocols = vals
	case ErrorRecord:
		return fmt.Errorf("ntske: server returned an error record")
	case WarningRecord:
		// ignored
	case AEADAlgorithmNegotiation:
		vals, err := DecodeU16Slice(rec.Contents)
		if err != nil {
			return err
		}
		if len(vals) != 1 {
			return ErrInvalidRecord
		}
		st.aeadScheme = vals[0]
	case NewCookie:
		st.cookies = append(st.cookies, rec.Contents)
	case ServerNegotiation:
		st.nextServer = string(rec.Contents)
	case PortNegotiation:
		port, err := DecodeU16(rec.Contents)
		if err != nil {
			return err
		}
		st.nextPort = port
	}
	return nil
}

// Exchange connects to the server in cfg, performs the NTS-KE record
// exchange, and returns the session keys and initial cookie batch.
func Exchange(cfg ClientConfig) (*Result, error) {
	addr, err := resolveAddr(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ntske: dialing %s: %w", addr, err)
	}
	deadline := time.Now().Add(connectTimeout)
	_ = rawConn.SetDeadline(deadline)

	conn := tls.Client(rawConn, tlsConfig(cfg))
	defer conn.Close()

	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("ntske: TLS handshake: %w", err)
	}
	if conn.ConnectionState().NegotiatedProtocol != ALPN {
		return nil, fmt.Errorf("ntske: server did not negotiate %s", ALPN)
	}

	request := []Record{
		{Critical: true, Type: NextProtocolNegotiation, Contents: EncodeU16(NTPv4NextProtocol)},
		{Critical: false, Type: AEADAlgorithmNegotiation, Contents: EncodeU16(AESSIVCMAC256)},
		{Critical: true, Type: EndOfMessage},
	}
	for _, rec := range request {
		if _, err := conn.Write(Serialize(rec)); err != nil {
			return nil, fmt.Errorf("ntske: sending request: %w", err)
		}
	}

	keys, err := exportKeys(conn.ConnectionState(), AESSIVCMAC256)
	if err != nil {
		return nil, err
	}

	st := &clientState{nextServer: cfg.Host, nextPort: DefaultNTPPort}
	if err := readRecords(conn, func(rec Record) (bool, error) {
		if err := st.process(rec); err != nil {
			return false, err
		}
		return st.finished, nil
	}); err != nil {
		return nil, err
	}

	return &Result{
		Keys:          keys,
		Cookies:       st.cookies,
		NextProtocols: st.nextProtocols,
		AEADScheme:    st.aeadScheme,
		NextServer:    st.nextServer,
		NextPort:      st.nextPort,
		UseIPv4:       cfg.UseIPv4,
	}, nil
}
