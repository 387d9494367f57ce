package memback

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/corvid-mail/imapd/backend"
)

// message is one stored message. Data is immutable once appended; flags and
// keywords are mutated in place under the owning account's lock.
type message struct {
	uid          backend.UID
	flags        backend.Flags
	internalDate time.Time
	data         []byte
	recentSeen   bool // \Recent has already been reported to one session.
}

// mbox is one mailbox's state. All mutation goes through account.mu.
type mbox struct {
	name        string
	uidValidity uint32
	uidNext     backend.UID
	messages    []*message // Sorted ascending by uid.
	subscribed  bool
}

// flagsView returns msg's flags with Recent filled in from recentSeen,
// without consuming it: used wherever flags are reported as a side effect
// of something other than an explicit FETCH (STORE's own response, a
// broadcast Change), so \Recent survives until a session actually fetches
// the message.
func (msg *message) flagsView() backend.Flags {
	f := msg.flags
	f.Recent = !msg.recentSeen
	return f
}

// flagsReported is like flagsView but also marks the message as having had
// its \Recent status reported, the way an explicit FETCH of FLAGS does.
func (msg *message) flagsReported() backend.Flags {
	f := msg.flagsView()
	msg.recentSeen = true
	return f
}

func (m *mbox) find(uid backend.UID) (int, bool) {
	i := sort.Search(len(m.messages), func(i int) bool { return m.messages[i].uid >= uid })
	if i < len(m.messages) && m.messages[i].uid == uid {
		return i, true
	}
	return i, false
}

func (m *mbox) status() backend.StatusInfo {
	var unseen uint32
	var size int64
	for _, msg := range m.messages {
		if !msg.flags.Seen {
			unseen++
		}
		size += int64(len(msg.data))
	}
	return backend.StatusInfo{
		Messages:    uint32(len(m.messages)),
		Recent:      m.recentCount(),
		UIDNext:     m.uidNext,
		UIDValidity: m.uidValidity,
		Unseen:      unseen,
		Size:        size,
	}
}

func (m *mbox) recentCount() uint32 {
	var n uint32
	for _, msg := range m.messages {
		if !msg.recentSeen {
			n++
		}
	}
	return n
}

// mailboxHandle is the backend.Mailbox returned by Select; it holds a
// reference to the account so operations can take the account lock.
type mailboxHandle struct {
	acc  *account
	name string
}

func (h *mailboxHandle) Name() string { return h.name }

func (h *mailboxHandle) Close() error { return nil }

func (h *mailboxHandle) Fetch(ctx context.Context, uids []backend.UID, attrs backend.FetchAttrs) ([]backend.FetchRow, error) {
	h.acc.mu.Lock()
	defer h.acc.mu.Unlock()
	mb, ok := h.acc.mailboxes[h.name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	var rows []backend.FetchRow
	for _, uid := range uids {
		i, found := mb.find(uid)
		if !found {
			continue
		}
		msg := mb.messages[i]
		row := backend.FetchRow{UID: msg.uid}
		if attrs.Flags {
			// Reporting FLAGS is what consumes \Recent: a FETCH of only e.g.
			// RFC822.SIZE must not make a later FLAGS fetch see the message as
			// no longer recent.
			row.Flags = msg.flagsReported()
		}
		if attrs.InternalDate {
			row.InternalDate = msg.internalDate
		}
		if attrs.Size {
			row.Size = int64(len(msg.data))
		}
		if attrs.Full {
			row.Data = msg.data
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (h *mailboxHandle) Store(ctx context.Context, uids []backend.UID, op backend.StoreOp, flags backend.Flags, silent bool) ([]backend.StoreRow, error) {
	h.acc.mu.Lock()
	mb, ok := h.acc.mailboxes[h.name]
	if !ok {
		h.acc.mu.Unlock()
		return nil, backend.ErrNotFound
	}
	var rows []backend.StoreRow
	var changes []backend.Change
	for _, uid := range uids {
		i, found := mb.find(uid)
		if !found {
			continue
		}
		msg := mb.messages[i]
		switch op {
		case backend.StoreSet:
			msg.flags = flags
		case backend.StoreAdd:
			msg.flags = orFlags(msg.flags, flags)
		case backend.StoreRemove:
			msg.flags = subFlags(msg.flags, flags)
		}
		if !silent {
			rows = append(rows, backend.StoreRow{UID: msg.uid, Flags: msg.flagsView()})
		}
		changes = append(changes, backend.ChangeFlags{MailboxName: h.name, UID: msg.uid, Flags: msg.flagsView()})
	}
	h.acc.mu.Unlock()
	h.acc.hub.Broadcast(changes)
	return rows, nil
}

func (h *mailboxHandle) Copy(ctx context.Context, uids []backend.UID, destName string) ([]backend.CopyRow, error) {
	return h.acc.copyOrMove(h.name, uids, destName, false)
}

func (h *mailboxHandle) Move(ctx context.Context, uids []backend.UID, destName string) ([]backend.CopyRow, error) {
	return h.acc.copyOrMove(h.name, uids, destName, true)
}

func (h *mailboxHandle) Expunge(ctx context.Context, uids []backend.UID) ([]backend.ExpungeRow, error) {
	h.acc.mu.Lock()
	mb, ok := h.acc.mailboxes[h.name]
	if !ok {
		h.acc.mu.Unlock()
		return nil, backend.ErrNotFound
	}
	var want map[backend.UID]bool
	if uids != nil {
		want = map[backend.UID]bool{}
		for _, u := range uids {
			want[u] = true
		}
	}
	var removed []backend.ExpungeRow
	var remaining []*message
	for _, msg := range mb.messages {
		if msg.flags.Deleted && (want == nil || want[msg.uid]) {
			removed = append(removed, backend.ExpungeRow{UID: msg.uid})
			continue
		}
		remaining = append(remaining, msg)
	}
	mb.messages = remaining
	h.acc.mu.Unlock()

	if len(removed) > 0 {
		uidsRemoved := make([]backend.UID, len(removed))
		for i, r := range removed {
			uidsRemoved[i] = r.UID
		}
		h.acc.hub.Broadcast([]backend.Change{backend.ChangeExpunge{MailboxName: h.name, UIDs: uidsRemoved}})
	}
	return removed, nil
}

func (h *mailboxHandle) Search(ctx context.Context, key backend.SearchKey) ([]backend.UID, error) {
	h.acc.mu.Lock()
	defer h.acc.mu.Unlock()
	mb, ok := h.acc.mailboxes[h.name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	var out []backend.UID
	for _, msg := range mb.messages {
		if matchSearch(key, msg) {
			out = append(out, msg.uid)
		}
	}
	return out, nil
}

func orFlags(a, b backend.Flags) backend.Flags {
	a.Answered = a.Answered || b.Answered
	a.Flagged = a.Flagged || b.Flagged
	a.Deleted = a.Deleted || b.Deleted
	a.Seen = a.Seen || b.Seen
	a.Draft = a.Draft || b.Draft
	a.Keywords = unionKeywords(a.Keywords, b.Keywords)
	return a
}

func subFlags(a, b backend.Flags) backend.Flags {
	if b.Answered {
		a.Answered = false
	}
	if b.Flagged {
		a.Flagged = false
	}
	if b.Deleted {
		a.Deleted = false
	}
	if b.Seen {
		a.Seen = false
	}
	if b.Draft {
		a.Draft = false
	}
	a.Keywords = subtractKeywords(a.Keywords, b.Keywords)
	return a
}

func unionKeywords(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range append(append([]string{}, a...), b...) {
		lk := strings.ToLower(k)
		if !seen[lk] {
			seen[lk] = true
			out = append(out, k)
		}
	}
	return out
}

func subtractKeywords(a, b []string) []string {
	rm := map[string]bool{}
	for _, k := range b {
		rm[strings.ToLower(k)] = true
	}
	var out []string
	for _, k := range a {
		if !rm[strings.ToLower(k)] {
			out = append(out, k)
		}
	}
	return out
}

// matchSearch evaluates a SearchKey tree against a message, grounded on the
// teacher's searchKey evaluation in imapserver/search.go but simplified to
// operate directly on in-memory message state instead of a bstore query.
func matchSearch(key backend.SearchKey, msg *message) bool {
	switch key.Op {
	case backend.SearchAll:
		return true
	case backend.SearchUID:
		for _, u := range key.UIDs {
			if u == msg.uid {
				return true
			}
		}
		return false
	case backend.SearchAnswered:
		return msg.flags.Answered
	case backend.SearchFlagged:
		return msg.flags.Flagged
	case backend.SearchDeleted:
		return msg.flags.Deleted
	case backend.SearchSeen:
		return msg.flags.Seen
	case backend.SearchDraft:
		return msg.flags.Draft
	case backend.SearchRecent, backend.SearchNew:
		return !msg.recentSeen
	case backend.SearchOld:
		return msg.recentSeen
	case backend.SearchKeyword:
		return hasKeyword(msg.flags.Keywords, key.Text)
	case backend.SearchUnkeyword:
		return !hasKeyword(msg.flags.Keywords, key.Text)
	case backend.SearchBefore:
		return msg.internalDate.Before(key.Date)
	case backend.SearchOn:
		return sameDay(msg.internalDate, key.Date)
	case backend.SearchSince:
		return !msg.internalDate.Before(key.Date)
	case backend.SearchSentBefore, backend.SearchSentOn, backend.SearchSentSince:
		// Reference backend has no parsed Date header; treat as internal date.
		return matchSearch(backend.SearchKey{Op: key.Op - (backend.SearchSentBefore - backend.SearchBefore), Date: key.Date}, msg)
	case backend.SearchFrom, backend.SearchTo, backend.SearchCc, backend.SearchBcc, backend.SearchSubject, backend.SearchHeader:
		return containsHeader(msg.data, headerFieldFor(key), key.Text)
	case backend.SearchBody, backend.SearchText:
		return strings.Contains(strings.ToLower(string(msg.data)), strings.ToLower(key.Text))
	case backend.SearchLarger:
		return int64(len(msg.data)) > key.Size
	case backend.SearchSmaller:
		return int64(len(msg.data)) < key.Size
	case backend.SearchNot:
		return key.Child != nil && !matchSearch(*key.Child, msg)
	case backend.SearchOr:
		return (key.Left != nil && matchSearch(*key.Left, msg)) || (key.Right != nil && matchSearch(*key.Right, msg))
	case backend.SearchAnd:
		for _, c := range key.Children {
			if !matchSearch(c, msg) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func headerFieldFor(key backend.SearchKey) string {
	switch key.Op {
	case backend.SearchFrom:
		return "from"
	case backend.SearchTo:
		return "to"
	case backend.SearchCc:
		return "cc"
	case backend.SearchBcc:
		return "bcc"
	case backend.SearchSubject:
		return "subject"
	default:
		return strings.ToLower(key.HeaderField)
	}
}

func containsHeader(data []byte, field, substr string) bool {
	headerEnd := strings.Index(string(data), "\r\n\r\n")
	header := string(data)
	if headerEnd >= 0 {
		header = header[:headerEnd]
	}
	needle := strings.ToLower(field) + ":"
	substr = strings.ToLower(substr)
	for _, line := range strings.Split(header, "\r\n") {
		ll := strings.ToLower(line)
		if strings.HasPrefix(ll, needle) && strings.Contains(ll, substr) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func hasKeyword(keywords []string, k string) bool {
	k = strings.ToLower(k)
	for _, kw := range keywords {
		if strings.ToLower(kw) == k {
			return true
		}
	}
	return false
}
