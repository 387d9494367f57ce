package imapserver

import (
	"strings"
	"testing"
)

// TestAstringPacksAtomWhenPossible checks astring picks the cheapest valid
// representation: a bare atom when every character is atom-safe, otherwise
// falling back to string0's quoted/literal choice.
func TestAstringPacksAtomWhenPossible(t *testing.T) {
	c := &conn{enabled: map[capability]bool{}}

	if got := astring("INBOX").pack(c); got != "INBOX" {
		t.Fatalf("got %q, want bare atom", got)
	}
	if got := astring("").pack(c); got != `""` {
		t.Fatalf("empty astring: got %q", got)
	}
	if got := astring("has space").pack(c); got != `"has space"` {
		t.Fatalf("astring with space: got %q", got)
	}
	if got := astring("a\"b").pack(c); got != `"a\"b"` {
		t.Fatalf("astring needing escape: got %q", got)
	}
}

// TestString0ChoosesLiteralForBinaryContent checks string0 falls back to a
// synchronizing literal whenever the content can't be safely quoted (a NUL,
// bare CR/LF, or non-ASCII without UTF8=ACCEPT negotiated).
func TestString0ChoosesLiteralForBinaryContent(t *testing.T) {
	c := &conn{enabled: map[capability]bool{}}

	if got := string0("plain text").pack(c); got != `"plain text"` {
		t.Fatalf("plain string0: got %q", got)
	}
	got := string0("line1\r\nline2").pack(c)
	if !strings.HasPrefix(got, "{12}\r\n") || !strings.HasSuffix(got, "line1\r\nline2") {
		t.Fatalf("string0 with crlf should become a literal, got %q", got)
	}

	// Non-ASCII without UTF8=ACCEPT falls back to a literal too.
	got = string0("café").pack(c)
	if !strings.HasPrefix(got, "{") {
		t.Fatalf("non-ascii string0 without utf8accept should be a literal, got %q", got)
	}

	// The same content, with UTF8=ACCEPT enabled, is quoted directly.
	c.enabled[capUTF8Accept] = true
	if got := string0("café").pack(c); got != `"café"` {
		t.Fatalf("non-ascii string0 with utf8accept: got %q", got)
	}
}

// TestMailboxtEncodesUTF7UnlessUTF8Accept checks mailboxt defers to the
// connection's negotiated UTF8=ACCEPT state the same way conn.encodeMailbox
// does for untagged LIST/FETCH responses.
func TestMailboxtEncodesUTF7UnlessUTF8Accept(t *testing.T) {
	c := &conn{enabled: map[capability]bool{}}
	encoded := utf7encode("Entwürfe")
	got := mailboxt("Entwürfe").pack(c)
	if got != encoded {
		t.Fatalf("mailboxt without utf8accept: got %q, want bare atom %q", got, encoded)
	}
	if dec, err := utf7decode(got); err != nil || dec != "Entwürfe" {
		t.Fatalf("packed mailbox name does not decode back: %q, %v, %v", got, dec, err)
	}

	c.enabled[capUTF8Accept] = true
	if got := mailboxt("Entwürfe").pack(c); got != `"Entwürfe"` {
		t.Fatalf("mailboxt with utf8accept: got %q", got)
	}
}

// TestListspaceAndConcatspacePack checks the two container tokens join their
// elements with the right delimiters.
func TestListspaceAndConcatspacePack(t *testing.T) {
	c := &conn{enabled: map[capability]bool{}}

	l := listspace{bare(`\Seen`), bare(`\Answered`)}
	if got := l.pack(c); got != `(\Seen \Answered)` {
		t.Fatalf("listspace: got %q", got)
	}

	cs := concatspace{bare("UID"), number(7)}
	if got := cs.pack(c); got != "UID 7" {
		t.Fatalf("concatspace: got %q", got)
	}

	if got := nilOrString(nil).pack(c); got != "NIL" {
		t.Fatalf("nilOrString(nil): got %q", got)
	}
	s := "x"
	if got := nilOrString(&s).pack(c); got != `"x"` {
		t.Fatalf("nilOrString(&x): got %q", got)
	}
}
