package imapserver

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/corvid-mail/imapd/memback"
	"github.com/corvid-mail/imapd/mlog"
)

func init() {
	sanityChecks = true
}

// testSession wires a conn directly to one end of a net.Pipe and drives its
// command loop in a background goroutine, the way listener.go's serve does
// for a real accepted connection, grounded on the teacher's server_test.go
// approach of exercising conn.command() end to end rather than mocking it.
type testSession struct {
	t      *testing.T
	client net.Conn
	r      *bufio.Reader
}

func newTestSession(t *testing.T, backendServer *memback.Server) *testSession {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	c := &conn{
		log:           mlog.New("imapserver", nil),
		conn:          serverSide,
		remoteIP:      net.ParseIP("127.0.0.1"),
		enabled:       map[capability]bool{},
		backendServer: backendServer,
		// Plaintext AUTHENTICATE/LOGIN is only reachable in tests; a real
		// listener requires STARTTLS first unless explicitly configured not to.
		noRequireSTARTTLS: true,
	}
	c.br = bufio.NewReaderSize(c.conn, 16*1024)
	c.bw = bufio.NewWriterSize(c.conn, 16*1024)

	go func() {
		c.writelinef("* OK [CAPABILITY %s] imapd ready", c.capabilities())
		c.xflush()
		for {
			stop := func() (stop bool) {
				defer func() {
					// A clean LOGOUT or a closed/broken connection unwinds command()
					// via panic; either way this session is done.
					if recover() != nil {
						stop = true
					}
				}()
				c.command()
				return false
			}()
			if stop {
				return
			}
		}
	}()

	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	return &testSession{t: t, client: clientSide, r: bufio.NewReader(clientSide)}
}

func (s *testSession) send(line string) {
	s.t.Helper()
	s.sendRaw(line + "\r\n")
}

// sendRaw writes buf as-is, without appending a line terminator; used to
// control exactly what lands in a single underlying Write, e.g. two command
// lines sent back to back to exercise pipelining.
func (s *testSession) sendRaw(buf string) {
	s.t.Helper()
	if err := s.client.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.t.Fatalf("set write deadline: %v", err)
	}
	if _, err := s.client.Write([]byte(buf)); err != nil {
		s.t.Fatalf("write %q: %v", buf, err)
	}
}

func (s *testSession) readLine() string {
	s.t.Helper()
	if err := s.client.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.t.Fatalf("set read deadline: %v", err)
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readUntilTagged reads and discards untagged lines until it sees one
// starting with tag, returning that tagged line.
func (s *testSession) readUntilTagged(tag string) string {
	s.t.Helper()
	for i := 0; i < 100; i++ {
		line := s.readLine()
		if strings.HasPrefix(line, tag+" ") {
			return line
		}
	}
	s.t.Fatalf("did not see tagged response for %q", tag)
	return ""
}

func TestGreetingAndCapability(t *testing.T) {
	s := newTestSession(t, memback.New())

	greeting := s.readLine()
	if !strings.HasPrefix(greeting, "* OK") || !strings.Contains(greeting, "IMAP4rev1") {
		t.Fatalf("unexpected greeting %q", greeting)
	}

	s.send("a1 CAPABILITY")
	untagged := s.readLine()
	if !strings.HasPrefix(untagged, "* CAPABILITY") || !strings.Contains(untagged, "IMAP4rev1") {
		t.Fatalf("unexpected capability line %q", untagged)
	}
	tagged := s.readUntilTagged("a1")
	if !strings.Contains(tagged, "OK") {
		t.Fatalf("expected OK, got %q", tagged)
	}
}

func TestLoginAndSelect(t *testing.T) {
	backendServer := memback.New()
	backendServer.AddAccount("mjl", "test1234")
	s := newTestSession(t, backendServer)
	s.readLine() // greeting

	s.send(`a1 LOGIN mjl test1234`)
	tagged := s.readUntilTagged("a1")
	if !strings.Contains(tagged, "OK") {
		t.Fatalf("login failed: %q", tagged)
	}

	s.send(`a2 SELECT INBOX`)
	tagged = s.readUntilTagged("a2")
	if !strings.Contains(tagged, "OK") {
		t.Fatalf("select failed: %q", tagged)
	}

	s.send("a3 LOGOUT")
	bye := s.readLine()
	if !strings.HasPrefix(bye, "* BYE") {
		t.Fatalf("expected bye, got %q", bye)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	backendServer := memback.New()
	backendServer.AddAccount("mjl", "test1234")
	s := newTestSession(t, backendServer)
	s.readLine() // greeting

	s.send(`a1 LOGIN mjl wrongpassword`)
	tagged := s.readUntilTagged("a1")
	if !strings.Contains(tagged, "NO") {
		t.Fatalf("expected login to be rejected, got %q", tagged)
	}
}

func TestCommandNotAllowedInState(t *testing.T) {
	s := newTestSession(t, memback.New())
	s.readLine() // greeting

	// SELECT requires at least the authenticated state.
	s.send("a1 SELECT INBOX")
	tagged := s.readUntilTagged("a1")
	if !strings.Contains(tagged, "NO") {
		t.Fatalf("expected select before login to be rejected, got %q", tagged)
	}
}

func TestUnknownCommandIsBadSyntax(t *testing.T) {
	s := newTestSession(t, memback.New())
	s.readLine() // greeting

	// A first bad line is treated as "not speaking imap" and hangs up instead
	// of replying BAD, so warm the connection up with one valid command first.
	s.send("a1 NOOP")
	s.readUntilTagged("a1")

	s.send("a2 BOGUSCOMMAND")
	tagged := s.readUntilTagged("a2")
	if !strings.Contains(tagged, "BAD") {
		t.Fatalf("expected BAD for unknown command, got %q", tagged)
	}
}

// TestStarttlsRejectsPipelinedBytes checks that a STARTTLS sharing a single
// write with a following command line is rejected: a client isn't allowed
// to assume STARTTLS will succeed and queue plaintext commands ahead of the
// TLS handshake, since a MITM could otherwise inject and have them executed
// once encryption starts (the well-known STARTTLS command-injection class).
func TestStarttlsRejectsPipelinedBytes(t *testing.T) {
	s := newTestSession(t, memback.New())
	s.readLine() // greeting

	s.sendRaw("a1 STARTTLS\r\na2 NOOP\r\n")
	tagged := s.readUntilTagged("a1")
	if !strings.Contains(tagged, "BAD") {
		t.Fatalf("expected pipelined STARTTLS to be rejected, got %q", tagged)
	}
}

// TestLoginWithNonSynchronizingLiteral checks the LITERAL+ "{n+}" form: no
// "+ " continuation is written by the server, the client just sends the
// literal bytes right after the command line.
func TestLoginWithNonSynchronizingLiteral(t *testing.T) {
	backendServer := memback.New()
	backendServer.AddAccount("mjl", "test1234")
	s := newTestSession(t, backendServer)
	s.readLine() // greeting

	s.sendRaw("a1 LOGIN {3+}\r\nmjl {8+}\r\ntest1234\r\n")
	tagged := s.readUntilTagged("a1")
	if !strings.Contains(tagged, "OK") {
		t.Fatalf("login with non-synchronizing literals failed: %q", tagged)
	}
}
