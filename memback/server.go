// Package memback is an in-memory implementation of the backend contract,
// used by the session engine's test suite and by the minimal cmd/imapd
// entry point when no persistent backend is configured. It exists to
// exercise real concurrency — goroutines selecting the same mailbox from
// different sessions, IDLE racing STORE/EXPUNGE — without pulling in a
// storage engine, grounded on the teacher's store package (store/account.go,
// store/state.go) with bstore persistence stripped out entirely.
package memback

import (
	"context"
	"sync"

	"github.com/corvid-mail/imapd/backend"
)

// Server is the in-memory backend.Server. The zero value is not usable; use
// New.
type Server struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// New returns an empty Server with no accounts.
func New() *Server {
	return &Server{accounts: map[string]*account{}}
}

// AddAccount registers a test/demo account with a plaintext password. Real
// backends would read credentials from durable storage instead.
func (s *Server) AddAccount(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = newAccount(username, password)
}

func (s *Server) Lookup(ctx context.Context, username string) (backend.Secrets, error) {
	s.mu.Lock()
	acc, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok {
		return backend.Secrets{}, backend.ErrNotFound
	}
	return backend.Secrets{
		Username:        acc.name,
		Password:        acc.password,
		SCRAMSalt:       acc.scramSalt,
		SCRAMIterations: acc.scramIterations,
	}, nil
}

func (s *Server) Open(ctx context.Context, username string) (backend.User, error) {
	s.mu.Lock()
	acc, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &userHandle{acc: acc, comm: acc.hub.Register()}, nil
}
