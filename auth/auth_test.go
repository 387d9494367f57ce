package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/corvid-mail/imapd/scram"
)

func TestSCRAMRoundTrip(t *testing.T) {
	secrets := Secrets{Username: "mjl", Password: "test1234", SCRAMSalt: scram.MakeRandom(), SCRAMIterations: 4096}
	lookup := func(username string) (Secrets, error) {
		if username != secrets.Username {
			t.Fatalf("unexpected lookup for %q", username)
		}
		return secrets, nil
	}

	client := scram.NewClient(sha256.New, secrets.Username, "", false, nil)
	clientFirst, err := client.ClientFirst()
	if err != nil {
		t.Fatalf("client first: %v", err)
	}

	mech := NewSCRAM(true, lookup)
	challenge, done, err := mech.Next([]byte(clientFirst))
	if err != nil || done {
		t.Fatalf("server step 1: challenge=%q done=%v err=%v", challenge, done, err)
	}

	clientFinal, err := client.ServerFirst(challenge, secrets.Password)
	if err != nil {
		t.Fatalf("client server-first: %v", err)
	}

	serverFinal, done, err := mech.Next([]byte(clientFinal))
	if err != nil || done {
		t.Fatalf("server step 2: serverFinal=%q done=%v err=%v", serverFinal, done, err)
	}
	if err := client.ServerFinal(serverFinal); err != nil {
		t.Fatalf("client verifying server: %v", err)
	}

	_, done, err = mech.Next(nil)
	if err != nil || !done {
		t.Fatalf("server step 3: done=%v err=%v", done, err)
	}
	if mech.Username() != "mjl" {
		t.Fatalf("got username %q, want mjl", mech.Username())
	}
}

func TestCRAMMD5RoundTrip(t *testing.T) {
	secrets := Secrets{Username: "user@example.org", Password: "hunter2"}
	lookup := func(username string) (Secrets, error) { return secrets, nil }

	mech := NewCRAMMD5("<123.456@example.org>", lookup)
	chal := mech.Challenge()
	if string(chal) != "<123.456@example.org>" {
		t.Fatalf("unexpected challenge %q", chal)
	}

	mac := hmac.New(md5.New, []byte(secrets.Password))
	mac.Write(chal)
	digest := fmt.Sprintf("%x", mac.Sum(nil))
	resp := []byte(secrets.Username + " " + digest)

	_, done, err := mech.Next(resp)
	if err != nil || !done {
		t.Fatalf("next: done=%v err=%v", done, err)
	}
	if mech.Username() != secrets.Username {
		t.Fatalf("got username %q", mech.Username())
	}
}
