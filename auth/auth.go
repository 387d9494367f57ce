// Package auth implements the server side of the SASL mechanisms the
// engine's AUTHENTICATE command supports, grounded on the inline mechanism
// handling in the teacher's imapserver/server.go cmdAuthenticate. PLAIN and
// EXTERNAL are driven directly by the engine (a single request/response,
// no challenge state); CRAM-MD5 and SCRAM-SHA-1/256 are multi-step and
// implemented here as a small Mechanism state machine so the engine's
// continuation loop stays mechanism-agnostic.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/corvid-mail/imapd/scram"
)

// ErrAborted is returned when the client sends "*" to cancel an
// authentication exchange in progress.
var ErrAborted = errors.New("authentication aborted by client")

// ErrFailed is returned when a mechanism's verification step does not
// accept the client's credentials.
var ErrFailed = errors.New("authentication failed")

// Secrets is the subset of backend.Secrets a Mechanism needs to verify a
// client. Mirrored here (rather than imported) to keep this package free of
// a dependency on the backend package; the engine adapts backend.Secrets to
// this type at the call site.
type Secrets struct {
	Username        string
	Password        string
	SCRAMSalt       []byte
	SCRAMIterations int
}

// Mechanism drives one multi-step SASL exchange. Next is called with each
// decoded client response in turn, the first being the client's initial
// response or its reply to the Challenge message; it returns the next
// challenge to send (nil if none), whether the exchange is finished, and an
// error if verification failed.
type Mechanism interface {
	Name() string
	// Challenge returns the first message the server must send before
	// reading anything from the client, or nil if the mechanism expects the
	// client to speak first.
	Challenge() []byte
	// Next advances the exchange given the client's latest response.
	Next(response []byte) (challenge []byte, done bool, err error)
	// Username is valid only once Next has returned done=true without error.
	Username() string
}

// Lookup is called by multi-step mechanisms to fetch stored secrets for a
// username extracted from the protocol exchange itself (CRAM-MD5, SCRAM),
// as opposed to PLAIN/LOGIN where the engine already has the password in
// hand and can call backend.Server.Open directly after comparing.
type Lookup func(username string) (Secrets, error)

// NewCRAMMD5 returns a CRAM-MD5 (RFC 2195) server mechanism. challengeTag is
// included in the challenge to make it unique and non-replayable, normally
// something like "<random.timestamp@hostname>".
func NewCRAMMD5(challengeTag string, lookup Lookup) Mechanism {
	return &crammd5{challenge: []byte(challengeTag), lookup: lookup}
}

type crammd5 struct {
	challenge []byte
	lookup    Lookup
	username  string
	done      bool
}

func (m *crammd5) Name() string      { return "CRAM-MD5" }
func (m *crammd5) Challenge() []byte { return m.challenge }
func (m *crammd5) Username() string  { return m.username }

func (m *crammd5) Next(response []byte) ([]byte, bool, error) {
	if m.done {
		return nil, true, nil
	}
	var addr, digest string
	if n, _ := fmt.Sscanf(string(response), "%s %s", &addr, &digest); n != 2 || len(digest) != 2*md5.Size {
		return nil, false, fmt.Errorf("%w: malformed cram-md5 response", ErrFailed)
	}
	secrets, err := m.lookup(addr)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	mac := hmac.New(md5.New, []byte(secrets.Password))
	mac.Write(m.challenge)
	want := fmt.Sprintf("%x", mac.Sum(nil))
	if want != digest {
		return nil, false, ErrFailed
	}
	m.username = addr
	m.done = true
	return nil, true, nil
}

// NewSCRAM returns a SCRAM-SHA-1 or SCRAM-SHA-256 (RFC 5802/7677) server
// mechanism, without the channel-binding "-PLUS" variant. lookup is called once the client's first message reveals the username.
func NewSCRAM(sha256Variant bool, lookup Lookup) Mechanism {
	return &scramMech{sha256Variant: sha256Variant, lookup: lookup}
}

type scramMech struct {
	sha256Variant bool
	lookup        Lookup
	server        *scram.Server
	secrets       Secrets
	step          int
	username      string
}

func (m *scramMech) Name() string {
	if m.sha256Variant {
		return "SCRAM-SHA-256"
	}
	return "SCRAM-SHA-1"
}

func (m *scramMech) Challenge() []byte { return nil }
func (m *scramMech) Username() string  { return m.username }

func (m *scramMech) Next(response []byte) ([]byte, bool, error) {
	h := sha1.New
	if m.sha256Variant {
		h = sha256.New
	}
	switch m.step {
	case 0:
		ss, err := scram.NewServer(h, response, nil, false)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		secrets, err := m.lookup(ss.Authentication)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		m.server = ss
		m.secrets = secrets
		m.username = ss.Authentication
		s1, err := ss.ServerFirst(secrets.SCRAMIterations, secrets.SCRAMSalt)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		m.step = 1
		return []byte(s1), false, nil
	case 1:
		saltedPassword := scram.SaltPassword(h, m.secrets.Password, m.secrets.SCRAMSalt, m.secrets.SCRAMIterations)
		s3, err := m.server.Finish(response, saltedPassword)
		if err != nil {
			if len(s3) > 0 {
				return []byte(s3), false, fmt.Errorf("%w: %v", ErrFailed, err)
			}
			return nil, false, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		m.step = 2
		return []byte(s3), false, nil
	default:
		return nil, true, nil
	}
}
