// Package backend defines the contract between the imap session engine and a
// mailbox store. It is expressed entirely as Go interfaces so the engine can
// run against any implementation; the memback package provides the in-memory
// reference implementation used by the test suite.
package backend

import (
	"context"
	"errors"
	"time"
)

// UID is a message's unique identifier within a mailbox. Never reused within
// a mailbox's lifetime (until UIDVALIDITY changes).
type UID uint32

// Typed backend errors. The engine maps these to IMAP response codes; see
// imapserver/error.go.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrReadOnly      = errors.New("mailbox is read-only")
	ErrOverQuota     = errors.New("over quota")
	ErrBadName       = errors.New("invalid mailbox name")
	ErrClosed        = errors.New("account or mailbox closed")
	ErrTransient     = errors.New("temporary backend error")
)

// Flags holds the system flags defined by RFC 3501, plus any additional
// keywords (custom labels, case-insensitively compared by callers). Recent
// is not settable through STORE; a backend fills it in on each FetchRow and
// Change it hands to the engine, reflecting whether this is the first time
// the message's flags have been reported to any session (RFC 3501 §2.3.2).
type Flags struct {
	Answered bool
	Flagged  bool
	Deleted  bool
	Seen     bool
	Draft    bool
	Recent   bool
	Keywords []string
}

// Secrets is what a backend reveals about an account's stored credentials so
// the auth package can run a challenge/response SASL mechanism without the
// engine ever touching backend storage directly. Password is held in the
// clear in the reference backend; a persistent backend could instead return
// only the derived material a mechanism needs (see DESIGN.md).
type Secrets struct {
	Username        string
	Password        string
	SCRAMSalt       []byte
	SCRAMIterations int
}

// Server is the top-level backend handle, typically one per running daemon.
type Server interface {
	// Lookup returns the stored secrets for username, for SASL mechanisms
	// (CRAM-MD5, SCRAM-*) that must run a cryptographic challenge before a
	// session can be opened. It does not by itself grant access.
	Lookup(ctx context.Context, username string) (Secrets, error)

	// Open returns an authenticated session for username. Called only after
	// the engine (directly for PLAIN/LOGIN, or via the auth package for other
	// mechanisms) has independently verified the credentials.
	Open(ctx context.Context, username string) (User, error)
}

// StatusItem identifies one piece of requested mailbox status information.
type StatusItem int

const (
	StatusMessages StatusItem = iota
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
	StatusSize
)

// MailboxInfo is one row of a LIST/LSUB response.
type MailboxInfo struct {
	Name        string
	Delimiter   byte
	NoSelect    bool
	NoInferiors bool
	HasChildren bool
	Subscribed  bool
	SpecialUse  string // e.g. "\Sent", "\Drafts"; empty if none.
}

// StatusInfo answers a STATUS command for the items that were requested;
// fields not requested are left at their zero value.
type StatusInfo struct {
	Messages    uint32
	Recent      uint32
	UIDNext     UID
	UIDValidity uint32
	Unseen      uint32
	Size        int64
}

// SelectResult is returned by User.Select, giving the engine everything it
// needs to build the untagged SELECT/EXAMINE response set.
type SelectResult struct {
	UIDValidity    uint32
	UIDNext        UID
	Messages       uint32
	Recent         uint32
	PermanentFlags []string // includes "\*" if keywords may be created.
	ReadOnly       bool
}

// FetchRow is one message's data as returned by Mailbox.Fetch, holding only
// the attributes the engine actually requested (Attrs).
type FetchRow struct {
	UID          UID
	Flags        Flags
	InternalDate time.Time
	Size         int64
	Data         []byte // Full RFC 5322 message, for BODY/BODY.PEEK/RFC822 extraction.
}

// FetchAttrs selects which fields of FetchRow the backend must populate.
// Extraction of specific BODY sections from Data is done by the engine, not
// the backend, so the contract stays narrow.
type FetchAttrs struct {
	Flags        bool
	InternalDate bool
	Size         bool
	Full         bool // Data must hold the full message.
}

// StoreOp is the kind of FLAGS update requested by STORE.
type StoreOp int

const (
	StoreSet StoreOp = iota
	StoreAdd
	StoreRemove
)

// StoreRow is one message's resulting flags after a STORE, returned unless
// STORE was silent.
type StoreRow struct {
	UID   UID
	Flags Flags
}

// CopyRow relates a source UID in the selected mailbox to its new UID in the
// destination mailbox, for COPYUID/MOVE responses.
type CopyRow struct {
	SrcUID UID
	DstUID UID
}

// ExpungeRow is one message removed by EXPUNGE, identified by UID alone; the
// engine derives the sequence number from its own view as it renumbers.
type ExpungeRow struct {
	UID UID
}

// SearchOp discriminates the kind of node in a SearchKey tree. Grounded on
// the teacher's parser.searchKey, generalized into the backend contract so a
// backend can evaluate criteria without depending on imap parsing types.
type SearchOp int

const (
	SearchAll SearchOp = iota
	SearchUID                  // UIDs field holds the set.
	SearchAnswered
	SearchFlagged
	SearchDeleted
	SearchSeen
	SearchDraft
	SearchRecent
	SearchNew
	SearchOld
	SearchKeyword   // Text holds the keyword.
	SearchUnkeyword // Text holds the keyword.
	SearchBefore    // Date holds the bound, exclusive.
	SearchOn        // Date holds the exact internal date (day granularity).
	SearchSince     // Date holds the bound, inclusive.
	SearchSentBefore
	SearchSentOn
	SearchSentSince
	SearchFrom // Text holds the substring.
	SearchTo
	SearchCc
	SearchBcc
	SearchSubject
	SearchBody
	SearchText
	SearchHeader // Text holds "field: value", field chosen by HeaderField.
	SearchLarger // Size holds the bound, exclusive.
	SearchSmaller
	SearchNot  // Child holds the negated key.
	SearchOr   // Left/Right hold the two alternatives.
	SearchAnd  // Children holds the conjuncts (used for the implicit top-level list).
)

// SearchKey is one node of a SEARCH criteria tree.
type SearchKey struct {
	Op          SearchOp
	UIDs        []UID
	Text        string
	HeaderField string
	Date        time.Time
	Size        int64
	Child       *SearchKey
	Left, Right *SearchKey
	Children    []SearchKey
}

// User is an authenticated account session.
type User interface {
	Username() string

	List(ctx context.Context, ref, pattern string, subscribedOnly bool) ([]MailboxInfo, error)
	Status(ctx context.Context, name string, items []StatusItem) (StatusInfo, error)
	Select(ctx context.Context, name string, readOnly bool) (Mailbox, SelectResult, error)

	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error

	// Append stores a new message, running deliverFilter (if not nil) over the
	// raw bytes first. deliverFilter may rewrite the message (e.g. a future
	// Sieve integration) or reject it.
	Append(ctx context.Context, name string, flags Flags, internalDate time.Time, data []byte, deliverFilter func([]byte) ([]byte, error)) (uidValidity uint32, uid UID, err error)

	// Comm registers this session's interest in changes broadcast for the
	// account. The caller must call Comm.Unregister when done.
	Comm() Comm

	Close() error
}

// Mailbox is a selected mailbox view's backend-side handle. It is held by
// exactly one session at a time for writes; reads may be concurrent across
// sessions, as required by §5 of the session-engine contract.
type Mailbox interface {
	Name() string

	Fetch(ctx context.Context, uids []UID, attrs FetchAttrs) ([]FetchRow, error)
	Store(ctx context.Context, uids []UID, op StoreOp, flags Flags, silent bool) ([]StoreRow, error)
	Copy(ctx context.Context, uids []UID, destName string) ([]CopyRow, error)
	Move(ctx context.Context, uids []UID, destName string) ([]CopyRow, error)

	// Expunge removes messages with \Deleted set. If uids is non-nil, only
	// those UIDs are considered (UID EXPUNGE).
	Expunge(ctx context.Context, uids []UID) ([]ExpungeRow, error)

	Search(ctx context.Context, key SearchKey) ([]UID, error)

	Close() error
}

// Change is a notification of a mutation to an account's mailboxes,
// messages, or subscriptions. It is one of the Change* types below.
type Change any

// ChangeExists is sent when a new message is added to a mailbox (APPEND,
// COPY, MOVE-as-destination).
type ChangeExists struct {
	MailboxName string
	UID         UID
	Flags       Flags
}

// ChangeExpunge is sent when messages are removed from a mailbox.
type ChangeExpunge struct {
	MailboxName string
	UIDs        []UID // Ascending order.
}

// ChangeFlags is sent when a message's flags change.
type ChangeFlags struct {
	MailboxName string
	UID         UID
	Flags       Flags
}

// ChangeMailboxAdded is sent when a mailbox is created.
type ChangeMailboxAdded struct {
	Name string
}

// ChangeMailboxRemoved is sent when a mailbox is deleted.
type ChangeMailboxRemoved struct {
	Name string
}

// ChangeMailboxRenamed is sent when a mailbox is renamed.
type ChangeMailboxRenamed struct {
	OldName, NewName string
}

// ChangeSubscription is sent when a mailbox's subscription state changes.
type ChangeSubscription struct {
	Name      string
	Subscribe bool
}

// Comm is a per-session handle for receiving Change values broadcast by
// other sessions on the same account, grounded on the teacher's store.Comm
// register/unregister/broadcast channel-actor.
type Comm interface {
	// Pending is readable whenever changes may be available; the engine
	// selects on it during IDLE and drains with Get.
	Pending() <-chan struct{}
	Get() []Change
	Unregister()
}
