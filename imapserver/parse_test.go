package imapserver

import (
	"reflect"
	"testing"

	"github.com/corvid-mail/imapd/backend"
)

// TestNumSetParseRoundTrip checks that parsing a sequence-set/UID-set and
// formatting it back with numSet.String reproduces the original text,
// across the edge cases RFC 3501/9051 call out: bare numbers, ranges,
// multiple ranges, "*" (highest numbered message) alone and at either end
// of a range, and "$" (the saved search result).
func TestNumSetParseRoundTrip(t *testing.T) {
	check := func(s string) {
		t.Helper()
		p := newParser(s, &conn{})
		ns := p.xnumSet()
		p.xempty()
		if got := ns.String(); got != s {
			t.Fatalf("parse(%q).String() = %q", s, got)
		}
	}

	check("1")
	check("1:3")
	check("1,3,5")
	check("1:3,5,7:9")
	check("*")
	check("2:*")
	check("*:2")
	check("$")
}

// TestXNumSetUIDsSequenceEdges resolves sequence-sets and UID-sets against a
// fixed selected view, covering the edge cases the engine must get right:
// "*" meaning the highest sequence number or UID, open-ended ranges, and
// multiple comma-separated ranges evaluated in the order given rather than
// sorted.
func TestXNumSetUIDsSequenceEdges(t *testing.T) {
	uids := []backend.UID{10, 20, 30, 40}

	parse := func(s string) numSet {
		p := newParser(s, &conn{})
		ns := p.xnumSet()
		p.xempty()
		return ns
	}

	seqCases := []struct {
		set  string
		want []backend.UID
	}{
		{"1:3", []backend.UID{10, 20, 30}},
		{"2:*", []backend.UID{20, 30, 40}},
		{"*", []backend.UID{40}},
		{"4,1", []backend.UID{40, 10}},
	}
	for _, tc := range seqCases {
		c := &conn{uids: append([]backend.UID{}, uids...)}
		got := c.xnumSetUIDs(false, parse(tc.set))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("seqset %q: got %v, want %v", tc.set, got, tc.want)
		}
	}

	uidCases := []struct {
		set  string
		want []backend.UID
	}{
		{"10:30", []backend.UID{10, 20, 30}},
		{"25:*", []backend.UID{30, 40}},
		{"*", []backend.UID{40}},
	}
	for _, tc := range uidCases {
		c := &conn{uids: append([]backend.UID{}, uids...)}
		got := c.xnumSetUIDs(true, parse(tc.set))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("uidset %q: got %v, want %v", tc.set, got, tc.want)
		}
	}

	// "$" resolves against the saved search result, filtered to UIDs still
	// present in the selected view.
	c := &conn{uids: append([]backend.UID{}, uids...), searchResult: []backend.UID{20, 40, 99}}
	got := c.xnumSetUIDs(true, parse("$"))
	if want := []backend.UID{20, 40}; !reflect.DeepEqual(got, want) {
		t.Fatalf("$: got %v, want %v", got, want)
	}

	// A bare "*" sequence number on an empty mailbox is a syntax error, not
	// an empty result: there is no message to mean "the last one".
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic resolving * on empty mailbox")
			}
		}()
		c := &conn{}
		c.xnumSetUIDs(false, parse("*"))
	}()
}
