package imapserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/corvid-mail/imapd/backend"
	"github.com/corvid-mail/imapd/connio"
	"github.com/corvid-mail/imapd/metrics"
	"github.com/corvid-mail/imapd/mlog"
	"github.com/corvid-mail/imapd/ratelimit"
)

// ListenerConfig is the subset of a listener's static configuration the
// engine needs to accept and dispatch connections on it. Populated by
// config.Config (C12); kept separate from that package so imapserver has no
// import-time dependency on sconf.
type ListenerConfig struct {
	Name              string
	Addr              string // host:port, or a unix socket path if Network is "unix".
	Network           string // "tcp" (default) or "unix".
	TLSConfig         *tls.Config
	ImplicitTLS       bool // Listener expects a TLS ClientHello immediately (IMAPS, port 993).
	ProxyProtocol     bool
	NoRequireSTARTTLS bool // Allow plaintext AUTHENTICATE/LOGIN; for tests and trusted networks only.
}

// Listener accepts connections for one or more ListenerConfigs and runs the
// session engine on each, grounded on the teacher's Listen/listen1/Serve.
type Listener struct {
	Backend     backend.Server
	Log         mlog.Log
	ConnRate    *ratelimit.Limiter
	AuthFailure *ratelimit.Limiter
	DeliverFilter func([]byte) ([]byte, error)

	// ShutdownGrace bounds how long Serve waits, after ctx is canceled, for
	// already-accepted connections to finish on their own before their
	// sockets are force-closed. Zero means the 5s default.
	ShutdownGrace time.Duration

	cidgen func() int64
	conns  *connections
}

// connections tracks accepted sockets so Serve can force-close whichever
// ones are still open once the shutdown grace period elapses, grounded on
// the teacher's connections type (mox-/lifecycle.go): register on accept,
// unregister on cleanup, Shutdown sets an immediate i/o deadline on every
// socket still registered, Done reports when the last one has gone away.
type connections struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	dones []chan struct{}
}

func newConnections() *connections {
	return &connections{conns: map[net.Conn]struct{}{}}
}

func (c *connections) register(nc net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[nc] = struct{}{}
}

func (c *connections) unregister(nc net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, nc)
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// done returns a channel that fires once no sockets are registered, possibly
// immediately.
func (c *connections) done() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}

// shutdown aborts every registered socket's in-flight read or write by
// setting an immediate deadline, so a connection blocked in readline0 or
// cmdIdle's wait loop (neither of which can otherwise observe ctx directly)
// unwinds through its own i/o-error recover path.
func (c *connections) shutdown() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for nc := range c.conns {
		nc.SetDeadline(now)
	}
}

// Serve accepts connections on every configured listener until ctx is
// canceled. On cancellation, listeners are closed (refusing new accepts) and
// every already-accepted connection is given ShutdownGrace to finish on its
// own (an IDLE session sees ctx.Done() directly and sends BYE immediately; a
// connection between commands sees it the next time serve's loop checks).
// Whatever is still open once the grace period elapses is force-closed via
// connections.shutdown, matching the teacher's Connections.Shutdown.
func (l *Listener) Serve(ctx context.Context, configs []ListenerConfig) error {
	if l.cidgen == nil {
		var n int64
		l.cidgen = func() int64 { n++; return n }
	}
	if l.conns == nil {
		l.conns = newConnections()
	}

	var lns []net.Listener
	for _, cfg := range configs {
		network := cfg.Network
		if network == "" {
			network = "tcp"
		}
		ln, err := net.Listen(network, cfg.Addr)
		if err != nil {
			for _, o := range lns {
				o.Close()
			}
			return fmt.Errorf("listening on %s: %w", cfg.Addr, err)
		}
		lns = append(lns, ln)
		go l.acceptLoop(ctx, ln, cfg)
	}

	<-ctx.Done()
	for _, ln := range lns {
		ln.Close()
	}

	grace := l.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := l.conns.done()
	select {
	case <-done:
	case <-time.After(grace):
		l.conns.shutdown()
		<-done
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, cfg ListenerConfig) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.Log.Errorx("accept", err, slog.String("listener", cfg.Name))
				continue
			}
		}
		metrics.Connections.WithLabelValues(cfg.Name).Inc()
		go l.serve(ctx, cfg, nc)
	}
}

// serve runs the session engine for one accepted connection, grounded on the
// teacher's serve(): PROXY header consumption, TLS wrapping, rate limiting,
// the greeting, and the main command loop with panic/recover cleanup.
func (l *Listener) serve(ctx context.Context, cfg ListenerConfig, nc net.Conn) {
	cid := l.cidgen()
	remoteIP := remoteIPOf(nc)

	log := l.Log.Fields(slog.Int64("cid", cid), slog.String("listener", cfg.Name), slog.String("remoteip", remoteIP.String()))

	l.conns.register(nc)

	defer func() {
		x := recover()
		l.conns.unregister(nc)
		nc.Close()
		if x == nil || x == cleanClose {
			log.Debug("connection closed")
			return
		}
		if err, ok := x.(error); ok && isClosed(err) {
			log.Infox("connection closed", err)
			return
		}
		log.Error("unhandled panic in connection", slog.Any("panic", x))
		metrics.PanicInc("imapserver")
	}()

	if l.ConnRate != nil && !l.ConnRate.Add(remoteIP, time.Now(), 1) {
		log.Info("connection rate limit exceeded")
		return
	}

	var underlying net.Conn = nc
	if cfg.ProxyProtocol {
		pnc, proxiedIP, err := readProxyHeader(nc)
		if err != nil {
			log.Infox("reading proxy protocol header", err)
			return
		}
		underlying = pnc
		if proxiedIP != nil {
			remoteIP = proxiedIP
		}
	}

	xtls := cfg.ImplicitTLS
	if cfg.ImplicitTLS {
		if cfg.TLSConfig == nil {
			log.Error("implicit tls listener without tls config")
			return
		}
		underlying = tls.Server(underlying, cfg.TLSConfig)
	}

	c := &conn{
		cid:               cid,
		ctx:               ctx,
		log:               log,
		conn:              underlying,
		tls:               xtls,
		tlsConf:           cfg.TLSConfig,
		remoteIP:          remoteIP,
		noRequireSTARTTLS: cfg.NoRequireSTARTTLS,
		listenerName:      cfg.Name,
		enabled:           map[capability]bool{},
		deliverFilter:      l.DeliverFilter,
		backendServer:      l.Backend,
		authFailureLimiter: l.AuthFailure,
	}
	c.tr = connio.NewTraceReader(log, "C: ", c.conn)
	c.tw = connio.NewTraceWriter(log, "S: ", c.conn)
	c.br = bufio.NewReaderSize(c.tr, 16*1024)
	c.bw = bufio.NewWriterSize(c.tw, 16*1024)

	defer func() {
		if c.mailbox != nil {
			c.mailbox.Close()
		}
		if c.comm != nil {
			c.comm.Unregister()
		}
		if c.user != nil {
			c.user.Close()
		}
	}()

	select {
	case <-ctx.Done():
		c.writelinef("* BYE shutting down")
		c.xflush()
		return
	default:
	}

	c.writelinef("* OK [CAPABILITY %s] imapd ready", c.capabilities())
	c.xflush()

	for {
		select {
		case <-ctx.Done():
			c.writelinef("* BYE shutting down")
			c.xflush()
			return
		default:
		}
		c.command()
	}
}

func remoteIPOf(nc net.Conn) net.IP {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return net.IPv4(127, 0, 0, 10)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return net.IPv4(127, 0, 0, 10)
	}
	return ip
}

// readProxyHeader consumes a PROXY protocol v1 or v2 header (per the HAProxy
// PROXY protocol specification) from the front of nc, returning a net.Conn
// that replays any bytes read past the header and the original client IP the
// header announces. No example in the retrieved pack vendors a PROXY
// protocol parser, so this is written directly from the spec text (see
// DESIGN.md).
func readProxyHeader(nc net.Conn) (net.Conn, net.IP, error) {
	br := bufio.NewReaderSize(nc, 4096)
	prefix, err := br.Peek(12)
	if err != nil {
		return nil, nil, fmt.Errorf("peeking for proxy header: %w", err)
	}

	v2sig := []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}
	if bytes.Equal(prefix, v2sig) {
		return readProxyV2(br, nc)
	}
	if bytes.HasPrefix(prefix, []byte("PROXY ")) {
		return readProxyV1(br, nc)
	}
	// No PROXY header: not a protocol violation by itself here, callers only
	// reach this when proxy-protocol is enabled for the listener, so treat an
	// absent header as an error rather than silently trusting the peer address.
	return nil, nil, errors.New("missing PROXY protocol header")
}

func readProxyV1(br *bufio.Reader, nc net.Conn) (net.Conn, net.IP, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading proxy v1 header: %w", err)
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, nil, fmt.Errorf("malformed proxy v1 header %q", line)
	}
	var ip net.IP
	if fields[1] != "UNKNOWN" && len(fields) >= 3 {
		ip = net.ParseIP(fields[2])
	}
	return &connio.PrefixConn{PrefixReader: br, Conn: nc}, ip, nil
}

func readProxyV2(br *bufio.Reader, nc net.Conn) (net.Conn, net.IP, error) {
	hdr := make([]byte, 16)
	if _, err := readFullFrom(br, hdr); err != nil {
		return nil, nil, fmt.Errorf("reading proxy v2 header: %w", err)
	}
	verCmd := hdr[12]
	if verCmd>>4 != 2 {
		return nil, nil, fmt.Errorf("unsupported proxy protocol version %d", verCmd>>4)
	}
	cmd := verCmd & 0x0f
	famProto := hdr[13]
	fam := famProto >> 4
	length := int(hdr[14])<<8 | int(hdr[15])

	addr := make([]byte, length)
	if length > 0 {
		if _, err := readFullFrom(br, addr); err != nil {
			return nil, nil, fmt.Errorf("reading proxy v2 address block: %w", err)
		}
	}

	wrapped := &connio.PrefixConn{PrefixReader: br, Conn: nc}

	if cmd == 0x0 {
		// LOCAL command: connection from the proxy itself (health check etc); no
		// address rewriting.
		return wrapped, nil, nil
	}

	var ip net.IP
	switch fam {
	case 0x1: // AF_INET
		if length >= 4 {
			ip = net.IPv4(addr[0], addr[1], addr[2], addr[3])
		}
	case 0x2: // AF_INET6
		if length >= 16 {
			ip = net.IP(append([]byte{}, addr[:16]...))
		}
	}
	return wrapped, ip, nil
}

func readFullFrom(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
