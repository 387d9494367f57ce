package memback

import (
	"context"
	"testing"
	"time"

	"github.com/corvid-mail/imapd/backend"
)

func TestAppendFetchSearch(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddAccount("user@example.org", "secret1234")

	u, err := s.Open(ctx, "user@example.org")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer u.Close()

	uv, uid, err := u.Append(ctx, "INBOX", backend.Flags{}, time.Now(), []byte("Subject: hi\r\n\r\nbody\r\n"), nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if uid != 1 {
		t.Fatalf("got uid %d, want 1", uid)
	}
	_ = uv

	mb, res, err := u.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Messages != 1 {
		t.Fatalf("got %d messages, want 1", res.Messages)
	}

	rows, err := mb.Fetch(ctx, []backend.UID{1}, backend.FetchAttrs{Flags: true, Full: true})
	if err != nil || len(rows) != 1 {
		t.Fatalf("fetch: rows=%v err=%v", rows, err)
	}
	if string(rows[0].Data) != "Subject: hi\r\n\r\nbody\r\n" {
		t.Fatalf("unexpected data %q", rows[0].Data)
	}

	uids, err := mb.Search(ctx, backend.SearchKey{Op: backend.SearchSubject, Text: "hi"})
	if err != nil || len(uids) != 1 || uids[0] != 1 {
		t.Fatalf("search: uids=%v err=%v", uids, err)
	}
}

func TestStoreAndExpunge(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddAccount("user@example.org", "secret1234")
	u, _ := s.Open(ctx, "user@example.org")
	defer u.Close()

	for i := 0; i < 3; i++ {
		u.Append(ctx, "INBOX", backend.Flags{}, time.Now(), []byte("x"), nil)
	}
	mb, _, _ := u.Select(ctx, "INBOX", false)

	rows, err := mb.Store(ctx, []backend.UID{2}, backend.StoreAdd, backend.Flags{Deleted: true}, false)
	if err != nil || len(rows) != 1 || !rows[0].Flags.Deleted {
		t.Fatalf("store: rows=%v err=%v", rows, err)
	}

	expunged, err := mb.Expunge(ctx, nil)
	if err != nil || len(expunged) != 1 || expunged[0].UID != 2 {
		t.Fatalf("expunge: got %v err=%v", expunged, err)
	}

	_, res, _ := u.Select(ctx, "INBOX", false)
	if res.Messages != 2 {
		t.Fatalf("got %d messages after expunge, want 2", res.Messages)
	}
}

func TestCommBroadcast(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddAccount("user@example.org", "secret1234")

	u1, _ := s.Open(ctx, "user@example.org")
	defer u1.Close()
	u2, _ := s.Open(ctx, "user@example.org")
	defer u2.Close()

	mb1, _, _ := u1.Select(ctx, "INBOX", false)
	u2.Append(ctx, "INBOX", backend.Flags{}, time.Now(), []byte("x"), nil)

	select {
	case <-u1.Comm().Pending():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	changes := u1.Comm().Get()
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if _, ok := changes[0].(backend.ChangeExists); !ok {
		t.Fatalf("got change %T, want ChangeExists", changes[0])
	}
	_ = mb1
}
