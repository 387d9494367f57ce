package imapserver

import (
	"bufio"
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvid-mail/imapd/auth"
	"github.com/corvid-mail/imapd/connio"
	"github.com/corvid-mail/imapd/metrics"
	"github.com/corvid-mail/imapd/mlog"
)

func init() {
	commands["starttls"] = (*conn).cmdStarttls
	commands["authenticate"] = (*conn).cmdAuthenticate
	commands["login"] = (*conn).cmdLogin
	commands["enable"] = (*conn).cmdEnable
	commands["compress"] = (*conn).cmdCompress
}

// authFailDelay grows with repeated failed authentication attempts on a
// connection, grounded on the teacher's authFailDelay/setSlow.
const authFailDelay = 300 * time.Millisecond

// xcheckAuthRate refuses an AUTHENTICATE/LOGIN attempt outright once the
// listener's shared authFailureLimiter considers the remote network to have
// exhausted its failed-attempt budget, ahead of running any credential
// check, grounded on the teacher's limiter checks in serve() but applied per
// command instead of only at accept time since failures accumulate across a
// connection's lifetime here.
func (c *conn) xcheckAuthRate() {
	if c.authFailureLimiter == nil {
		return
	}
	if !c.authFailureLimiter.CanAdd(c.remoteIP, time.Now(), 1) {
		xusercodeErrorf("AUTHENTICATIONFAILED", "too many failed authentication attempts from your network, try again later")
	}
}

// recordAuthRate feeds an AUTHENTICATE/LOGIN outcome back into the shared
// limiter: failures count against the remote network's budget, a success
// clears it.
func (c *conn) recordAuthRate(result string) {
	if c.authFailureLimiter == nil {
		return
	}
	if result == "ok" {
		c.authFailureLimiter.Reset(c.remoteIP, time.Now())
		return
	}
	if result == "badcreds" {
		c.authFailureLimiter.Add(c.remoteIP, time.Now(), 1)
	}
}

// STARTTLS upgrades the plaintext connection to TLS. RFC 9051 requires any
// data already buffered past the STARTTLS line be discarded (a client may
// not pipeline commands after STARTTLS in case a man in the middle injected
// them), so we refuse rather than replay it.
//
// State: not authenticated.
func (c *conn) cmdStarttls(tag, cmd string, p *parser) {
	p.xempty()

	if c.tls {
		xsyntaxErrorf("tls already active")
	}
	if c.br.Buffered() > 0 {
		xsyntaxErrorf("client sent data before server response, possible plaintext command injection")
	}

	c.bwriteresultf("%s OK %s begin", tag, cmd)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tlsConn := tls.Server(c.conn, c.tlsConf)
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	tlsversion, ciphersuite := connio.TLSInfo(tlsConn)
	c.log.Debug("tls server handshake done", slog.String("tls", tlsversion), slog.String("ciphersuite", ciphersuite))

	c.conn = tlsConn
	c.tls = true
	c.tr = connio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = connio.NewTraceWriter(c.log, "S: ", c.conn)
	c.br = bufio.NewReaderSize(c.tr, 16*1024)
	c.bw = bufio.NewWriterSize(c.tw, 16*1024)
}

// AUTHENTICATE runs a SASL mechanism exchange. PLAIN and EXTERNAL are driven
// inline since they are single-shot; CRAM-MD5 and SCRAM-SHA-1/256 are driven
// through the auth package's Mechanism continuation loop.
//
// State: not authenticated.
func (c *conn) cmdAuthenticate(tag, cmd string, p *parser) {
	c.xcheckAuthRate()
	if c.authFailed > 3 {
		time.Sleep(time.Duration(c.authFailed-3) * authFailDelay)
	}
	c.authFailed++

	var mechanism string
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc(mechanism, authResult)
		c.recordAuthRate(authResult)
	}()

	p.xspace()
	authType := strings.ToUpper(p.xatom())
	mechanism = strings.ToLower(authType)

	xreadInitial := func() []byte {
		var line string
		if p.empty() {
			c.writelinef("+ ")
			c.xflush()
			line = c.readline(false)
		} else {
			p.xspace()
			line = p.remainder()
			if line == "=" {
				line = ""
			}
		}
		if line == "*" {
			authResult = "aborted"
			xsyntaxErrorf("authenticate aborted by client")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("parsing base64: %v", err)
		}
		return buf
	}

	xreadContinuation := func() []byte {
		line := c.readline(false)
		if line == "*" {
			authResult = "aborted"
			xsyntaxErrorf("authenticate aborted by client")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("parsing base64: %v", err)
		}
		return buf
	}

	lookup := func(username string) (auth.Secrets, error) {
		s, err := c.backendServer.Lookup(context.Background(), username)
		if err != nil {
			return auth.Secrets{}, err
		}
		return auth.Secrets{
			Username:        s.Username,
			Password:        s.Password,
			SCRAMSalt:       s.SCRAMSalt,
			SCRAMIterations: s.SCRAMIterations,
		}, nil
	}

	var username string

	switch authType {
	case "PLAIN":
		if !c.noRequireSTARTTLS && !c.tls {
			xusercodeErrorf("PRIVACYREQUIRED", "tls required for authentication")
		}
		restore := c.xtrace(mlog.LevelTraceauth)
		buf := xreadInitial()
		restore()
		parts := bytes.Split(buf, []byte{0})
		if len(parts) != 3 {
			xsyntaxErrorf("malformed plain auth data, expected 3 nul-separated fields")
		}
		authz, authc, password := string(parts[0]), string(parts[1]), string(parts[2])
		if authz != "" && authz != authc {
			xusercodeErrorf("AUTHORIZATIONFAILED", "cannot assume role")
		}
		secrets, err := c.backendServer.Lookup(context.Background(), authc)
		if err != nil || secrets.Password != password {
			authResult = "badcreds"
			c.log.Info("failed authentication attempt", slog.String("username", authc))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		username = authc

	case "EXTERNAL":
		if !c.tls {
			xusercodeErrorf("PRIVACYREQUIRED", "tls required for authentication")
		}
		buf := xreadInitial()
		authz := string(buf)
		if authz == "" {
			xuserErrorf("external authentication requires an authorization identity")
		}
		if _, err := c.backendServer.Lookup(context.Background(), authz); err != nil {
			authResult = "badcreds"
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		username = authz

	case "CRAM-MD5":
		p.xempty()
		chal := fmt.Sprintf("<%d.%d@imapd>", c.cid, time.Now().UnixNano())
		mech := auth.NewCRAMMD5(chal, lookup)
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString(mech.Challenge()))
		c.xflush()
		resp := xreadContinuation()
		if _, _, err := mech.Next(resp); err != nil {
			authResult = "badcreds"
			c.log.Info("failed authentication attempt")
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		username = mech.Username()

	case "SCRAM-SHA-1", "SCRAM-SHA-256":
		mech := auth.NewSCRAM(authType == "SCRAM-SHA-256", lookup)
		c0 := xreadInitial()
		s1, _, err := mech.Next(c0)
		if err != nil {
			authResult = "badcreds"
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString(s1))
		c.xflush()
		c2 := xreadContinuation()
		s3, done, err := mech.Next(c2)
		if len(s3) > 0 {
			c.writelinef("+ %s", base64.StdEncoding.EncodeToString(s3))
			c.xflush()
		}
		if err != nil {
			c.readline(false) // Client must still send "*" to cancel.
			authResult = "badcreds"
			c.log.Info("failed authentication attempt")
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		if !done {
			final := xreadContinuation() // Client's closing, empty response.
			if _, _, err := mech.Next(final); err != nil {
				authResult = "badcreds"
				xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
			}
		}
		username = mech.Username()

	default:
		xuserErrorf("mechanism not supported")
	}

	c.xfinishAuth(tag, cmd, username)
	authResult = "ok"
}

// LOGIN authenticates with a plaintext username and password in a single
// command, RFC 3501's original (now deprecated in favor of AUTHENTICATE)
// mechanism.
//
// State: not authenticated.
func (c *conn) cmdLogin(tag, cmd string, p *parser) {
	c.xcheckAuthRate()
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("login", authResult)
		c.recordAuthRate(authResult)
	}()

	p.xspace()
	userid := p.xastring()
	p.xspace()
	password := p.xastring()
	p.xempty()

	if !c.noRequireSTARTTLS && !c.tls {
		xusercodeErrorf("PRIVACYREQUIRED", "tls required for login")
	}
	if c.authFailed > 3 {
		time.Sleep(time.Duration(c.authFailed-3) * authFailDelay)
	}
	c.authFailed++

	secrets, err := c.backendServer.Lookup(context.Background(), userid)
	if err != nil || secrets.Password != password {
		authResult = "badcreds"
		c.log.Info("failed authentication attempt", slog.String("username", userid))
		xusercodeErrorf("AUTHENTICATIONFAILED", "login failed")
	}

	c.xfinishAuth(tag, cmd, userid)
	authResult = "ok"
}

// xfinishAuth opens the backend session for username and transitions the
// connection into the authenticated state, shared by AUTHENTICATE and LOGIN.
func (c *conn) xfinishAuth(tag, cmd, username string) {
	user, err := c.backendServer.Open(context.Background(), username)
	xcheckf(err, "opening session")
	c.user = user
	c.username = username
	c.comm = user.Comm()
	c.authFailed = 0
	c.state = stateAuthenticated
	c.bwriteresultf("%s OK [CAPABILITY %s] %s done", tag, c.capabilities(), cmd)
}

// ENABLE opts in to extensions that change response syntax, currently only
// UTF8=ACCEPT.
//
// State: authenticated and selected.
func (c *conn) cmdEnable(tag, cmd string, p *parser) {
	p.xspace()
	caps := []string{p.xatom()}
	for !p.empty() {
		p.xspace()
		caps = append(caps, p.xatom())
	}

	var enabled string
	for _, s := range caps {
		cap := capability(strings.ToUpper(s))
		if cap == capUTF8Accept {
			c.enabled[cap] = true
			enabled += " " + s
		}
	}

	c.bwritelinef("* ENABLED%s", enabled)
	c.ok(tag, cmd)
}

// COMPRESS wraps the connection in DEFLATE compression, RFC 4978. Allowed
// once per connection.
//
// State: authenticated and selected.
func (c *conn) cmdCompress(tag, cmd string, p *parser) {
	p.xspace()
	mechanism := p.xatom()
	p.xempty()
	if strings.ToUpper(mechanism) != "DEFLATE" {
		xsyntaxErrorf("unsupported compression mechanism %q", mechanism)
	}
	if c.compressed {
		xusercodeErrorf("COMPRESSIONACTIVE", "deflate already active")
	}

	c.bwriteresultf("%s OK %s active", tag, cmd)

	fw, _ := flate.NewWriter(c.tw, flate.DefaultCompression)
	c.bw = bufio.NewWriterSize(connio.NewFlateWriter(fw), 16*1024)
	c.br = bufio.NewReaderSize(flate.NewReader(c.tr), 16*1024)
	c.compressed = true
}
