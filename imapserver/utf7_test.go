package imapserver

import (
	"errors"
	"testing"
)

func TestUTF7(t *testing.T) {
	check := func(input, output string, expErr error) {
		t.Helper()
		r, err := utf7decode(input)
		if r != output {
			t.Fatalf("got %q, expected %q (err %v), for input %q", r, output, err, input)
		}
		if (expErr == nil) != (err == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected %v", err, expErr)
		}
		if expErr == nil {
			if enc := utf7encode(output); enc != input {
				t.Fatalf("round trip: encoding %q gave %q, expected %q", output, enc, input)
			}
		}
	}

	check("plain", "plain", nil)
	check("&-", "&", nil)
	check("~peter/mail/&U,BTFw-/&ZeVnLIqe-", "~peter/mail/台北/日本語", nil)
	check("&Jjo-", "☺", nil)
	check("test&Jjo-test", "test☺test", nil)
	check("&Jjo", "", errUTF7UnfinishedShift)
	check("&Jjo-&-", "", errUTF7SuperfluousShift)
	check("&AGE-", "", errUTF7UnneededShift) // just 'a', didn't need shifting.
	check("&YQ-", "", errUTF7OddSized)       // single byte, not a whole UTF-16 unit.

	// Mailbox names outside the basic multilingual plane round trip through a
	// UTF-16 surrogate pair.
	if enc := utf7encode("𝔘𝔫𝔦𝔠𝔬𝔡𝔢"); enc == "" {
		t.Fatalf("expected non-empty encoding for astral-plane runes")
	} else if dec, err := utf7decode(enc); err != nil || dec != "𝔘𝔫𝔦𝔠𝔬𝔡𝔢" {
		t.Fatalf("round trip through surrogate pairs: got %q, %v", dec, err)
	}
}

func TestUTF7RoundTripMailboxNames(t *testing.T) {
	names := []string{
		"INBOX",
		"INBOX/Sent",
		"Entwürfe",
		"お知らせ",
		"a&b",
		"",
	}
	for _, name := range names {
		enc := utf7encode(name)
		dec, err := utf7decode(enc)
		if err != nil {
			t.Fatalf("decode(encode(%q)) = %q: %v", name, enc, err)
		}
		if dec != name {
			t.Fatalf("round trip %q -> %q -> %q", name, enc, dec)
		}
	}
}
