package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"bitmesh/internal/protocol"
)

const quicALPN = "bitmesh-link"

// QUICLink carries mesh frames over QUIC streams, one stream per frame.
// It exists for the dev runner and integration tests, where it stands in
// for a BLE adapter behind the same Link interface. A short hello frame
// carrying the sender's peer id opens every connection.
type QUICLink struct {
	localID    string
	listenAddr string
	log        *zap.Logger

	mu      sync.Mutex
	handler Handler
	conns   map[string]*quic.Conn
	addrs   map[string]string
	cancel  context.CancelFunc
	ctx     context.Context
}

func NewQUICLink(localID, listenAddr string, log *zap.Logger) *QUICLink {
	if log == nil {
		log = zap.NewNop()
	}
	return &QUICLink{
		localID:    localID,
		listenAddr: listenAddr,
		log:        log,
		conns:      make(map[string]*quic.Conn),
		addrs:      make(map[string]string),
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("bitmesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
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
	return &tls.Config{RootCAs: pool, NextProtos: []string{quicALPN}}, nil
}

func (l *QUICLink) Subscribe(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *QUICLink) Start(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.ctx = ctx
	l.mu.Unlock()

	if l.listenAddr == "" {
		return nil
	}
	listener, err := quic.ListenAddr(l.listenAddr, tlsConf, nil)
	if err != nil {
		cancel()
		return err
	}
	l.log.Info("quic link listening", zap.String("addr", l.listenAddr))
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			go l.serveConn(ctx, conn)
		}
	}()
	return nil
}

func (l *QUICLink) Stop() error {
	l.mu.Lock()
	cancel := l.cancel
	conns := l.conns
	l.cancel = nil
	l.conns = make(map[string]*quic.Conn)
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		c.CloseWithError(0, "shutdown")
	}
	return nil
}

// serveConn registers the remote peer from its hello stream, then treats
// every further stream as one frame.
func (l *QUICLink) serveConn(ctx context.Context, conn *quic.Conn) {
	peer, err := l.readHello(ctx, conn)
	if err != nil {
		l.log.Debug("quic hello failed", zap.Error(err))
		conn.CloseWithError(1, "bad hello")
		return
	}
	l.mu.Lock()
	l.conns[peer] = conn
	l.mu.Unlock()
	l.log.Debug("quic peer connected", zap.String("peer", peer))
	l.readLoop(ctx, peer, conn)
}

func (l *QUICLink) readHello(ctx context.Context, conn *quic.Conn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	payload, err := protocol.ReadFrame(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	peer := string(payload)
	if len(peer) != 16 {
		return "", errors.New("bad hello peer id")
	}
	return peer, nil
}

func (l *QUICLink) readLoop(ctx context.Context, peer string, conn *quic.Conn) {
	defer func() {
		l.mu.Lock()
		if l.conns[peer] == conn {
			delete(l.conns, peer)
		}
		l.mu.Unlock()
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			data, err := io.ReadAll(s)
			if err != nil || len(data) == 0 {
				return
			}
			frame, err := protocol.ReadFrame(bytes.NewReader(data))
			if err != nil {
				l.log.Debug("quic bad frame", zap.Error(err))
				return
			}
			l.mu.Lock()
			h := l.handler
			l.mu.Unlock()
			if h != nil {
				h(peer, frame)
			}
		}(stream)
	}
}

// Dial connects out to a neighbor's listen address and binds it to the
// given peer id.
func (l *QUICLink) Dial(peer, addr string) error {
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		return ErrTransportUnavailable
	}
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	hello, err := protocol.EncodeFrame([]byte(l.localID))
	if err != nil {
		conn.CloseWithError(1, "hello")
		return err
	}
	if err := l.writeStream(ctx, conn, hello); err != nil {
		conn.CloseWithError(1, "hello")
		return err
	}
	l.mu.Lock()
	l.conns[peer] = conn
	l.addrs[peer] = addr
	l.mu.Unlock()
	go l.readLoop(ctx, peer, conn)
	return nil
}

func (l *QUICLink) writeStream(ctx context.Context, conn *quic.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write(data); err != nil {
		stream.Close()
		return err
	}
	return stream.Close()
}

func (l *QUICLink) Send(peer string, frame []byte) error {
	l.mu.Lock()
	conn, ok := l.conns[peer]
	ctx := l.ctx
	l.mu.Unlock()
	if !ok || ctx == nil {
		return ErrPeerUnreachable
	}
	framed, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := l.writeStream(ctx, conn, framed); err != nil {
		l.mu.Lock()
		delete(l.conns, peer)
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *QUICLink) Broadcast(frame []byte) error {
	var firstErr error
	for _, peer := range l.Peers() {
		if err := l.Send(peer, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *QUICLink) Close(peer string) error {
	l.mu.Lock()
	conn, ok := l.conns[peer]
	delete(l.conns, peer)
	delete(l.addrs, peer)
	l.mu.Unlock()
	if ok {
		return conn.CloseWithError(0, "closed")
	}
	return nil
}

func (l *QUICLink) Peers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.conns))
	for p := range l.conns {
		out = append(out, p)
	}
	return out
}
