package memback

import (
	"context"
	cryptorand "crypto/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corvid-mail/imapd/backend"
)

// account holds one user's mailboxes and credentials. All mailbox mutation
// is serialized with mu, matching §5's "writes are serialized by the
// backend" assumption.
type account struct {
	name            string
	password        string
	scramSalt       []byte
	scramIterations int

	hub *hub

	mu            sync.Mutex
	mailboxes     map[string]*mbox
	nextValidity  uint32
	subscriptions map[string]bool
}

func newAccount(name, password string) *account {
	a := &account{
		name:            name,
		password:        password,
		scramSalt:       makeSalt(),
		scramIterations: 4096,
		hub:             newHub(),
		mailboxes:       map[string]*mbox{},
		subscriptions:   map[string]bool{},
	}
	a.nextValidity = 1
	a.createLocked("INBOX")
	a.subscriptions["INBOX"] = true
	return a
}

func (a *account) createLocked(name string) *mbox {
	uv := a.nextValidity
	a.nextValidity++
	mb := &mbox{name: name, uidValidity: uv, uidNext: 1}
	a.mailboxes[name] = mb
	return mb
}

// userHandle is the backend.User session for an authenticated account.
type userHandle struct {
	acc  *account
	comm backend.Comm
}

func (u *userHandle) Username() string { return u.acc.name }

func (u *userHandle) List(ctx context.Context, ref, pattern string, subscribedOnly bool) ([]backend.MailboxInfo, error) {
	u.acc.mu.Lock()
	defer u.acc.mu.Unlock()
	var names []string
	for name := range u.acc.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	full := strings.TrimSuffix(ref, "/") + "/" + strings.TrimPrefix(pattern, "/")
	full = strings.TrimPrefix(full, "/")
	var out []backend.MailboxInfo
	for _, name := range names {
		if !matchListPattern(full, name) {
			continue
		}
		sub := u.acc.subscriptions[name]
		if subscribedOnly && !sub {
			continue
		}
		out = append(out, backend.MailboxInfo{
			Name:       name,
			Delimiter:  '/',
			Subscribed: sub,
		})
	}
	return out, nil
}

// matchListPattern implements the IMAP LIST wildcard rules (* matches
// anything including hierarchy separators, % matches anything except the
// separator), grounded on the teacher's listMatch in imapserver/list.go.
func matchListPattern(pattern, name string) bool {
	return listMatch(pattern, name)
}

func listMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if listMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if name[:i] != "" && strings.Contains(name[:i], "/") {
				break
			}
			if listMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	default:
		if name == "" || name[0] != pattern[0] {
			return false
		}
		return listMatch(pattern[1:], name[1:])
	}
}

func (u *userHandle) Status(ctx context.Context, name string, items []backend.StatusItem) (backend.StatusInfo, error) {
	u.acc.mu.Lock()
	defer u.acc.mu.Unlock()
	mb, ok := u.acc.mailboxes[name]
	if !ok {
		return backend.StatusInfo{}, backend.ErrNotFound
	}
	return mb.status(), nil
}

func (u *userHandle) Select(ctx context.Context, name string, readOnly bool) (backend.Mailbox, backend.SelectResult, error) {
	u.acc.mu.Lock()
	defer u.acc.mu.Unlock()
	mb, ok := u.acc.mailboxes[name]
	if !ok {
		return nil, backend.SelectResult{}, backend.ErrNotFound
	}
	res := backend.SelectResult{
		UIDValidity:    mb.uidValidity,
		UIDNext:        mb.uidNext,
		Messages:       uint32(len(mb.messages)),
		Recent:         mb.recentCount(),
		PermanentFlags: []string{"\\Answered", "\\Flagged", "\\Deleted", "\\Seen", "\\Draft", "\\*"},
		ReadOnly:       readOnly,
	}
	return &mailboxHandle{acc: u.acc, name: name}, res, nil
}

func (u *userHandle) Create(ctx context.Context, name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "//") {
		return backend.ErrBadName
	}
	u.acc.mu.Lock()
	defer u.acc.mu.Unlock()
	if _, ok := u.acc.mailboxes[name]; ok {
		return backend.ErrAlreadyExists
	}
	u.acc.createLocked(name)
	u.acc.hub.Broadcast([]backend.Change{backend.ChangeMailboxAdded{Name: name}})
	return nil
}

func (u *userHandle) Delete(ctx context.Context, name string) error {
	if strings.EqualFold(name, "INBOX") {
		return backend.ErrBadName
	}
	u.acc.mu.Lock()
	if _, ok := u.acc.mailboxes[name]; !ok {
		u.acc.mu.Unlock()
		return backend.ErrNotFound
	}
	delete(u.acc.mailboxes, name)
	delete(u.acc.subscriptions, name)
	u.acc.mu.Unlock()
	u.acc.hub.Broadcast([]backend.Change{backend.ChangeMailboxRemoved{Name: name}})
	return nil
}

func (u *userHandle) Rename(ctx context.Context, oldName, newName string) error {
	u.acc.mu.Lock()
	mb, ok := u.acc.mailboxes[oldName]
	if !ok {
		u.acc.mu.Unlock()
		return backend.ErrNotFound
	}
	if _, ok := u.acc.mailboxes[newName]; ok {
		u.acc.mu.Unlock()
		return backend.ErrAlreadyExists
	}
	delete(u.acc.mailboxes, oldName)
	mb.name = newName
	u.acc.mailboxes[newName] = mb
	if strings.EqualFold(oldName, "INBOX") {
		u.acc.createLocked("INBOX")
	}
	u.acc.mu.Unlock()
	u.acc.hub.Broadcast([]backend.Change{backend.ChangeMailboxRenamed{OldName: oldName, NewName: newName}})
	return nil
}

func (u *userHandle) Subscribe(ctx context.Context, name string) error {
	u.acc.mu.Lock()
	if _, ok := u.acc.mailboxes[name]; !ok {
		u.acc.mu.Unlock()
		return backend.ErrNotFound
	}
	u.acc.subscriptions[name] = true
	u.acc.mu.Unlock()
	u.acc.hub.Broadcast([]backend.Change{backend.ChangeSubscription{Name: name, Subscribe: true}})
	return nil
}

func (u *userHandle) Unsubscribe(ctx context.Context, name string) error {
	u.acc.mu.Lock()
	u.acc.subscriptions[name] = false
	u.acc.mu.Unlock()
	u.acc.hub.Broadcast([]backend.Change{backend.ChangeSubscription{Name: name, Subscribe: false}})
	return nil
}

func (u *userHandle) Append(ctx context.Context, name string, flags backend.Flags, internalDate time.Time, data []byte, deliverFilter func([]byte) ([]byte, error)) (uint32, backend.UID, error) {
	if deliverFilter != nil {
		filtered, err := deliverFilter(data)
		if err != nil {
			return 0, 0, err
		}
		data = filtered
	}
	u.acc.mu.Lock()
	mb, ok := u.acc.mailboxes[name]
	if !ok {
		u.acc.mu.Unlock()
		return 0, 0, backend.ErrNotFound
	}
	uid := mb.uidNext
	mb.uidNext++
	msg := &message{uid: uid, flags: flags, internalDate: internalDate, data: data}
	mb.messages = append(mb.messages, msg)
	uidValidity := mb.uidValidity
	broadcastFlags := msg.flagsView() // Still under acc.mu: msg is reachable via mb.messages already.
	u.acc.mu.Unlock()

	u.acc.hub.Broadcast([]backend.Change{backend.ChangeExists{MailboxName: name, UID: uid, Flags: broadcastFlags}})
	return uidValidity, uid, nil
}

func (u *userHandle) Comm() backend.Comm {
	return u.comm
}

func (u *userHandle) Close() error {
	if u.comm != nil {
		u.comm.Unregister()
	}
	return nil
}

func (a *account) copyOrMove(srcName string, uids []backend.UID, destName string, move bool) ([]backend.CopyRow, error) {
	a.mu.Lock()
	src, ok := a.mailboxes[srcName]
	if !ok {
		a.mu.Unlock()
		return nil, backend.ErrNotFound
	}
	dst, ok := a.mailboxes[destName]
	if !ok {
		a.mu.Unlock()
		return nil, backend.ErrNotFound
	}
	var rows []backend.CopyRow
	var expunged []backend.UID
	var remaining []*message
	wantExpunge := map[backend.UID]bool{}
	copiedFlags := map[backend.UID]backend.Flags{}
	for _, srcUID := range uids {
		i, found := src.find(srcUID)
		if !found {
			continue
		}
		msg := src.messages[i]
		dstUID := dst.uidNext
		dst.uidNext++
		copied := &message{uid: dstUID, flags: msg.flags, internalDate: msg.internalDate, data: append([]byte{}, msg.data...)}
		dst.messages = append(dst.messages, copied)
		rows = append(rows, backend.CopyRow{SrcUID: srcUID, DstUID: dstUID})
		copiedFlags[dstUID] = copied.flagsView()
		if move {
			wantExpunge[srcUID] = true
			expunged = append(expunged, srcUID)
		}
	}
	if move {
		for _, msg := range src.messages {
			if !wantExpunge[msg.uid] {
				remaining = append(remaining, msg)
			}
		}
		src.messages = remaining
	}
	destUIDValidity := dst.uidValidity
	a.mu.Unlock()
	_ = destUIDValidity

	var changes []backend.Change
	for _, r := range rows {
		changes = append(changes, backend.ChangeExists{MailboxName: destName, UID: r.DstUID, Flags: copiedFlags[r.DstUID]})
	}
	if move && len(expunged) > 0 {
		changes = append(changes, backend.ChangeExpunge{MailboxName: srcName, UIDs: expunged})
	}
	a.hub.Broadcast(changes)
	return rows, nil
}

func makeSalt() []byte {
	buf := make([]byte, 12)
	if _, err := cryptorand.Read(buf); err != nil {
		panic("generate salt: " + err.Error())
	}
	return buf
}
