package imapserver

import (
	"strings"
	"testing"

	"github.com/corvid-mail/imapd/memback"
)

// TestIdleSeesConcurrentAppend drives two sessions against the same
// account: one sits in IDLE on the selected mailbox while the other
// appends a message, and checks the idling session gets the untagged
// EXISTS/FETCH pair before DONE, including a \Recent flag on the new
// message (nobody has fetched it yet).
func TestIdleSeesConcurrentAppend(t *testing.T) {
	backendServer := memback.New()
	backendServer.AddAccount("mjl", "test1234")

	idler := newTestSession(t, backendServer)
	idler.readLine() // greeting
	idler.send(`a1 LOGIN mjl test1234`)
	if tagged := idler.readUntilTagged("a1"); !strings.Contains(tagged, "OK") {
		t.Fatalf("idler login failed: %q", tagged)
	}
	idler.send(`a2 SELECT INBOX`)
	if tagged := idler.readUntilTagged("a2"); !strings.Contains(tagged, "OK") {
		t.Fatalf("idler select failed: %q", tagged)
	}

	idler.send("a3 IDLE")
	cont := idler.readLine()
	if !strings.HasPrefix(cont, "+") {
		t.Fatalf("expected idle continuation, got %q", cont)
	}

	appender := newTestSession(t, backendServer)
	appender.readLine() // greeting
	appender.send(`b1 LOGIN mjl test1234`)
	if tagged := appender.readUntilTagged("b1"); !strings.Contains(tagged, "OK") {
		t.Fatalf("appender login failed: %q", tagged)
	}
	appender.send("b2 APPEND INBOX {11}")
	cont = appender.readLine()
	if !strings.HasPrefix(cont, "+") {
		t.Fatalf("expected append continuation, got %q", cont)
	}
	appender.sendRaw("hello world\r\n")
	if tagged := appender.readUntilTagged("b2"); !strings.Contains(tagged, "OK") {
		t.Fatalf("append failed: %q", tagged)
	}

	exists := idler.readLine()
	if exists != "* 1 EXISTS" {
		t.Fatalf("expected untagged EXISTS while idling, got %q", exists)
	}
	fetch := idler.readLine()
	if !strings.Contains(fetch, "* 1 FETCH") || !strings.Contains(fetch, `\Recent`) {
		t.Fatalf("expected FETCH with \\Recent while idling, got %q", fetch)
	}

	idler.send("DONE")
	if tagged := idler.readUntilTagged("a3"); !strings.Contains(tagged, "OK") {
		t.Fatalf("idle done failed: %q", tagged)
	}
}

// TestIdleSeesConcurrentExpunge drives two sessions against the same
// account: one sits in IDLE on the selected mailbox while the other stores
// \Deleted on a message and expunges it, and checks the idling session gets
// the untagged EXPUNGE line (after the FETCH reporting the flag change)
// before DONE.
func TestIdleSeesConcurrentExpunge(t *testing.T) {
	backendServer := memback.New()
	backendServer.AddAccount("mjl", "test1234")

	mutator := newTestSession(t, backendServer)
	mutator.readLine() // greeting
	mutator.send(`a1 LOGIN mjl test1234`)
	if tagged := mutator.readUntilTagged("a1"); !strings.Contains(tagged, "OK") {
		t.Fatalf("mutator login failed: %q", tagged)
	}
	mutator.send(`a2 SELECT INBOX`)
	if tagged := mutator.readUntilTagged("a2"); !strings.Contains(tagged, "OK") {
		t.Fatalf("mutator select failed: %q", tagged)
	}
	mutator.send("a3 APPEND INBOX {11}")
	cont := mutator.readLine()
	if !strings.HasPrefix(cont, "+") {
		t.Fatalf("expected append continuation, got %q", cont)
	}
	mutator.sendRaw("hello world\r\n")
	if tagged := mutator.readUntilTagged("a3"); !strings.Contains(tagged, "OK") {
		t.Fatalf("append failed: %q", tagged)
	}

	idler := newTestSession(t, backendServer)
	idler.readLine() // greeting
	idler.send(`b1 LOGIN mjl test1234`)
	if tagged := idler.readUntilTagged("b1"); !strings.Contains(tagged, "OK") {
		t.Fatalf("idler login failed: %q", tagged)
	}
	idler.send(`b2 SELECT INBOX`)
	if tagged := idler.readUntilTagged("b2"); !strings.Contains(tagged, "OK") {
		t.Fatalf("idler select failed: %q", tagged)
	}

	idler.send("b3 IDLE")
	cont = idler.readLine()
	if !strings.HasPrefix(cont, "+") {
		t.Fatalf("expected idle continuation, got %q", cont)
	}

	mutator.send(`a4 STORE 1 +FLAGS (\Deleted)`)
	if tagged := mutator.readUntilTagged("a4"); !strings.Contains(tagged, "OK") {
		t.Fatalf("store deleted failed: %q", tagged)
	}
	mutator.send("a5 EXPUNGE")
	if tagged := mutator.readUntilTagged("a5"); !strings.Contains(tagged, "OK") {
		t.Fatalf("expunge failed: %q", tagged)
	}

	expunge := idler.readLine()
	if strings.HasPrefix(expunge, "* 1 FETCH") {
		// The STORE above is reported first, as a flags update.
		expunge = idler.readLine()
	}
	if expunge != "* 1 EXPUNGE" {
		t.Fatalf("expected untagged EXPUNGE while idling, got %q", expunge)
	}

	idler.send("DONE")
	if tagged := idler.readUntilTagged("b3"); !strings.Contains(tagged, "OK") {
		t.Fatalf("idle done failed: %q", tagged)
	}
}
