package radio

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshpay/internal/debuglog"
)

const (
	quicProto    = "meshpay-quic"
	maxWireFrame = 1 << 20
	dialTimeout  = 8 * time.Second

	frameIdent = 0x01
	frameData  = 0x02
)

// QUICTransport carries frames over QUIC, one stream per frame. It stands in
// for the short-range bearer on commodity hardware: peers are addressable by
// a static directory instead of over-the-air advertisements.
type QUICTransport struct {
	localID string
	addr    string
	mtu     int

	mu       sync.Mutex
	dir      map[string]Discovery
	accept   AcceptHandler
	listener *quic.Listener
	closed   bool
}

func NewQUIC(localID, listenAddr string, mtu int) (*QUICTransport, error) {
	if localID == "" || listenAddr == "" {
		return nil, fmt.Errorf("radio: missing local id or listen addr")
	}
	if mtu <= 0 {
		mtu = 512
	}
	return &QUICTransport{
		localID: localID,
		addr:    listenAddr,
		mtu:     mtu,
		dir:     make(map[string]Discovery),
	}, nil
}

// AddPeer registers a reachable peer in the static directory.
func (t *QUICTransport) AddPeer(d Discovery) {
	t.mu.Lock()
	t.dir[d.ID] = d
	t.mu.Unlock()
}

func (t *QUICTransport) SetAcceptHandler(h AcceptHandler) {
	t.mu.Lock()
	t.accept = h
	t.mu.Unlock()
}

// Scan replays the directory as a discovery stream.
func (t *QUICTransport) Scan(ctx context.Context, filter ScanFilter) (<-chan Discovery, error) {
	t.mu.Lock()
	entries := make([]Discovery, 0, len(t.dir))
	for _, d := range t.dir {
		if filter.MinRSSI != 0 && d.RSSI < filter.MinRSSI {
			continue
		}
		entries = append(entries, d)
	}
	t.mu.Unlock()
	ch := make(chan Discovery, len(entries)+1)
	for _, d := range entries {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// Serve accepts inbound connections until ctx is cancelled.
func (t *QUICTransport) Serve(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(t.addr, tlsConf, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go t.handleConn(ctx, conn)
	}
}

func (t *QUICTransport) handleConn(ctx context.Context, conn *quic.Conn) {
	qc := &quicConn{conn: conn, mtu: t.mtu}
	peerID := ""
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			qc.markClosed()
			return
		}
		kind, body, err := readFrame(stream)
		_ = stream.Close()
		if err != nil {
			debuglog.RateLimitedf("quic-bad-frame", time.Second, "quic: dropping malformed frame: %v", err)
			continue
		}
		switch kind {
		case frameIdent:
			if peerID != "" {
				continue
			}
			peerID = string(body)
			debuglog.Debugf("quic: inbound connection identified as %s", peerID)
			t.mu.Lock()
			accept := t.accept
			t.mu.Unlock()
			if accept == nil {
				_ = conn.CloseWithError(0, "no accept handler")
				return
			}
			accept(peerID, qc)
		case frameData:
			if peerID == "" {
				continue
			}
			qc.deliver(body)
		}
	}
}

func (t *QUICTransport) Connect(ctx context.Context, peerID string) (Conn, error) {
	t.mu.Lock()
	d, ok := t.dir[peerID]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrConnClosed
	}
	if !ok || d.Addr == "" {
		return nil, ErrPeerUnreachable
	}
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, d.Addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	qc := &quicConn{conn: conn, mtu: t.mtu}
	if err := qc.writeFrame(frameIdent, []byte(t.localID)); err != nil {
		_ = conn.CloseWithError(0, "ident failed")
		return nil, err
	}
	go qc.readLoop(ctx)
	return qc, nil
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	listener := t.listener
	t.mu.Unlock()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

type quicConn struct {
	conn   *quic.Conn
	mtu    int
	mu     sync.Mutex
	notify func([]byte)
	closed bool
}

func (c *quicConn) Write(p []byte) error {
	if len(p) > c.mtu {
		return ErrFrameTooLarge
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	return c.writeFrame(frameData, p)
}

func (c *quicConn) writeFrame(kind byte, body []byte) error {
	stream, err := c.conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	defer stream.Close()
	return writeFrame(stream, kind, body)
}

// readLoop serves outbound-initiated connections, where the remote pushes
// frames back on streams it opens.
func (c *quicConn) readLoop(ctx context.Context) {
	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			c.markClosed()
			return
		}
		kind, body, err := readFrame(stream)
		_ = stream.Close()
		if err != nil || kind != frameData {
			debuglog.RateLimitedf("quic-conn-bad-frame", time.Second, "quic: ignoring frame kind=%d err=%v", kind, err)
			continue
		}
		c.deliver(body)
	}
}

func (c *quicConn) deliver(body []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(body)
	}
}

func (c *quicConn) SetNotifyHandler(fn func([]byte)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *quicConn) MTU() int { return c.mtu }

func (c *quicConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *quicConn) Close() error {
	c.markClosed()
	return c.conn.CloseWithError(0, "closed")
}

func writeFrame(w io.Writer, kind byte, body []byte) error {
	if len(body)+1 > maxWireFrame {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)+1))
	hdr[4] = kind
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxWireFrame {
		return 0, nil, errors.New("radio: invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return payload[0], payload[1:], nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Peers on the
// link authenticate each other at the session layer, not via PKI.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshpay-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicProto},
	}, nil
}
