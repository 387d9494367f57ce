package imapserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/corvid-mail/imapd/backend"
)

func init() {
	commands["select"] = (*conn).cmdSelect
	commands["examine"] = (*conn).cmdExamine
	commands["create"] = (*conn).cmdCreate
	commands["delete"] = (*conn).cmdDelete
	commands["rename"] = (*conn).cmdRename
	commands["subscribe"] = (*conn).cmdSubscribe
	commands["unsubscribe"] = (*conn).cmdUnsubscribe
	commands["list"] = (*conn).cmdList
	commands["lsub"] = (*conn).cmdLsub
	commands["namespace"] = (*conn).cmdNamespace
	commands["status"] = (*conn).cmdStatus
	commands["append"] = (*conn).cmdAppend
}

// xmapBackendErr classifies a backend error into the right IMAP response,
// grounded on the teacher's xcheckf/xuserErrorf split but against our
// smaller backend.Err* vocabulary instead of bstore-specific errors.
func xmapBackendErr(err error, what string) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, backend.ErrNotFound):
		xusercodeErrorf("NONEXISTENT", "%s: mailbox does not exist", what)
	case errors.Is(err, backend.ErrAlreadyExists):
		xuserErrorf("%s: mailbox already exists", what)
	case errors.Is(err, backend.ErrBadName):
		xsyntaxErrorf("%s: invalid mailbox name", what)
	case errors.Is(err, backend.ErrOverQuota):
		xusercodeErrorf("OVERQUOTA", "%s: over quota", what)
	case errors.Is(err, backend.ErrReadOnly):
		xusercodeErrorf("READ-ONLY", "%s: mailbox is read-only", what)
	case errors.Is(err, backend.ErrTransient):
		xserverErrorf("%s: temporary backend error: %v", what, err)
	case errors.Is(err, backend.ErrClosed):
		xserverErrorf("%s: backend closed: %v", what, err)
	default:
		xcheckf(err, "%s", what)
	}
}

// xcheckmailboxname rejects structurally invalid names before they ever
// reach the backend; mirrors the teacher's xcheckmailboxname but without
// the Inbox-casing special cases this backend doesn't need.
func xcheckmailboxname(name string) string {
	name = strings.TrimRight(name, "/")
	if name == "" {
		xuserErrorf("invalid empty mailbox name")
	}
	if strings.Contains(name, "//") {
		xuserErrorf("invalid mailbox name with multiple consecutive slashes")
	}
	if strings.HasPrefix(name, "/") {
		xuserErrorf("invalid mailbox name starting with slash")
	}
	return name
}

// SELECT and EXAMINE open a mailbox for read-write or read-only access
// respectively, grounded on the teacher's cmdSelectExamine, rewritten
// against backend.User.Select instead of QRESYNC/CONDSTORE-aware bstore
// queries since this engine does not implement those extensions.
func (c *conn) cmdSelect(tag, cmd string, p *parser) { c.cmdSelectExamine(true, tag, cmd, p) }
func (c *conn) cmdExamine(tag, cmd string, p *parser) { c.cmdSelectExamine(false, tag, cmd, p) }

func (c *conn) cmdSelectExamine(isselect bool, tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	if c.state == stateSelected {
		c.bwritelinef("* OK [CLOSED] closing previously selected mailbox")
		c.unselect()
	}

	name = xcheckmailboxname(name)

	mailbox, res, err := c.user.Select(context.Background(), name, !isselect)
	xmapBackendErr(err, "select")

	c.mailbox = mailbox
	c.mailboxName = name
	allUIDs, err := mailbox.Search(context.Background(), backend.SearchKey{Op: backend.SearchAll})
	xcheckf(err, "listing messages")
	sortUIDs(allUIDs)
	c.uids = allUIDs
	c.state = stateSelected
	c.searchResult = nil

	c.bwritelinef(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.bwritelinef(`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] x`)
	c.bwritelinef(`* %d RECENT`, res.Recent)
	c.bwritelinef(`* %d EXISTS`, len(c.uids))
	c.bwritelinef(`* OK [UIDVALIDITY %d] x`, res.UIDValidity)
	c.bwritelinef(`* OK [UIDNEXT %d] x`, res.UIDNext)
	c.bwritelinef(`* LIST () "/" %s`, astring(c.encodeMailbox(name)).pack(c))

	if isselect {
		c.readonly = false
		c.bwriteresultf("%s OK [READ-WRITE] %s done", tag, cmd)
	} else {
		c.readonly = true
		c.bwriteresultf("%s OK [READ-ONLY] %s done", tag, cmd)
	}
}

// CREATE makes a new, empty mailbox.
//
// State: authenticated and selected.
func (c *conn) cmdCreate(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name)
	err := c.user.Create(context.Background(), name)
	xmapBackendErr(err, "create")

	c.bwritelinef(`* LIST (\Subscribed) "/" %s`, astring(c.encodeMailbox(name)).pack(c))
	c.ok(tag, cmd)
}

// DELETE removes a mailbox and all its messages. Inbox cannot be removed.
//
// State: authenticated and selected.
func (c *conn) cmdDelete(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name)
	if strings.EqualFold(name, "Inbox") {
		xuserErrorf("cannot delete Inbox")
	}
	err := c.user.Delete(context.Background(), name)
	xmapBackendErr(err, "delete")
	c.ok(tag, cmd)
}

// RENAME renames a mailbox, including its hierarchy of children.
//
// State: authenticated and selected.
func (c *conn) cmdRename(tag, cmd string, p *parser) {
	p.xspace()
	oldName := p.xmailbox()
	p.xspace()
	newName := p.xmailbox()
	p.xempty()

	oldName = xcheckmailboxname(oldName)
	newName = xcheckmailboxname(newName)
	err := c.user.Rename(context.Background(), oldName, newName)
	xmapBackendErr(err, "rename")
	c.ok(tag, cmd)
}

// SUBSCRIBE and UNSUBSCRIBE toggle the mailbox's subscription flag, used by
// LSUB.
//
// State: authenticated and selected.
func (c *conn) cmdSubscribe(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()
	name = xcheckmailboxname(name)
	err := c.user.Subscribe(context.Background(), name)
	xmapBackendErr(err, "subscribe")
	c.ok(tag, cmd)
}

func (c *conn) cmdUnsubscribe(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()
	name = xcheckmailboxname(name)
	err := c.user.Unsubscribe(context.Background(), name)
	xmapBackendErr(err, "unsubscribe")
	c.ok(tag, cmd)
}

// LIST lists mailboxes matching a reference name and pattern. Only the basic
// RFC 3501 form is implemented, not RFC 5258's extended SELECT/RETURN
// options: the spec's required-extensions list does not include extended
// LIST, and the backend's User.List already does the wildcard matching
// directly.
//
// State: authenticated and selected.
func (c *conn) cmdList(tag, cmd string, p *parser) {
	p.xspace()
	ref := p.xmailbox()
	p.xspace()
	pattern := p.xlistMailbox()
	p.xempty()

	if pattern == "" {
		// ../rfc/3501:2301: empty pattern means "return the hierarchy delimiter and
		// the root name of ref, without listing its contents".
		c.bwritelinef(`* LIST (\Noselect) "/" %s`, astring(c.encodeMailbox(ref)).pack(c))
		c.ok(tag, cmd)
		return
	}

	infos, err := c.user.List(context.Background(), ref, pattern, false)
	xcheckf(err, "listing mailboxes")
	for _, info := range infos {
		c.bwritelinef("* LIST %s %s", packMailboxFlags(info), astring(c.encodeMailbox(info.Name)).pack(c))
	}
	c.ok(tag, cmd)
}

// LSUB lists subscribed mailboxes; removed in IMAP4rev2 but kept here since
// only IMAP4rev1 is implemented.
//
// State: authenticated and selected.
func (c *conn) cmdLsub(tag, cmd string, p *parser) {
	p.xspace()
	ref := p.xmailbox()
	p.xspace()
	pattern := p.xlistMailbox()
	p.xempty()

	infos, err := c.user.List(context.Background(), ref, pattern, true)
	xcheckf(err, "listing subscriptions")
	for _, info := range infos {
		c.bwritelinef(`* LSUB () "/" %s`, astring(c.encodeMailbox(info.Name)).pack(c))
	}
	c.ok(tag, cmd)
}

func packMailboxFlags(info backend.MailboxInfo) string {
	var l []string
	if info.NoSelect {
		l = append(l, `\Noselect`)
	}
	if info.NoInferiors {
		l = append(l, `\Noinferiors`)
	}
	if info.HasChildren {
		l = append(l, `\HasChildren`)
	} else {
		l = append(l, `\HasNoChildren`)
	}
	if info.Subscribed {
		l = append(l, `\Subscribed`)
	}
	if info.SpecialUse != "" {
		l = append(l, info.SpecialUse)
	}
	return `(` + strings.Join(l, " ") + `) "/"`
}

// NAMESPACE reports the mailbox hierarchy's path separator. Only a single
// personal namespace is supported; no shared or other-users namespaces.
//
// State: authenticated and selected.
func (c *conn) cmdNamespace(tag, cmd string, p *parser) {
	p.xempty()
	c.bwritelinef(`* NAMESPACE (("" "/")) NIL NIL`)
	c.ok(tag, cmd)
}

// STATUS reports mailbox metadata without selecting it.
//
// State: authenticated and selected.
func (c *conn) cmdStatus(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	words := []string{p.xstatusAtt()}
	for !p.take(")") {
		p.xspace()
		words = append(words, p.xstatusAtt())
	}
	p.xempty()

	name = xcheckmailboxname(name)

	items, attrNames := xstatusItems(words)
	info, err := c.user.Status(context.Background(), name, items)
	xmapBackendErr(err, "status")

	var parts []string
	for i, it := range items {
		parts = append(parts, attrNames[i], statusValue(it, info))
	}
	c.bwritelinef("* STATUS %s (%s)", astring(c.encodeMailbox(name)).pack(c), strings.Join(parts, " "))
	c.ok(tag, cmd)
}

func xstatusItems(words []string) ([]backend.StatusItem, []string) {
	var items []backend.StatusItem
	var names []string
	for _, w := range words {
		switch strings.ToUpper(w) {
		case "MESSAGES":
			items = append(items, backend.StatusMessages)
		case "RECENT":
			items = append(items, backend.StatusRecent)
		case "UIDNEXT":
			items = append(items, backend.StatusUIDNext)
		case "UIDVALIDITY":
			items = append(items, backend.StatusUIDValidity)
		case "UNSEEN":
			items = append(items, backend.StatusUnseen)
		case "SIZE":
			items = append(items, backend.StatusSize)
		default:
			xsyntaxErrorf("unknown status attribute %q", w)
		}
		names = append(names, strings.ToUpper(w))
	}
	return items, names
}

func statusValue(item backend.StatusItem, info backend.StatusInfo) string {
	switch item {
	case backend.StatusMessages:
		return fmt.Sprintf("%d", info.Messages)
	case backend.StatusRecent:
		return fmt.Sprintf("%d", info.Recent)
	case backend.StatusUIDNext:
		return fmt.Sprintf("%d", info.UIDNext)
	case backend.StatusUIDValidity:
		return fmt.Sprintf("%d", info.UIDValidity)
	case backend.StatusUnseen:
		return fmt.Sprintf("%d", info.Unseen)
	case backend.StatusSize:
		return fmt.Sprintf("%d", info.Size)
	}
	return "0"
}

// APPEND stores a new message in a mailbox, creating it first is not done
// automatically: TRYCREATE tells the client to CREATE and retry, per RFC
// 3501. Grounded on the teacher's cmdAppend, simplified to hold the literal
// in memory instead of spooling to a temp file first, since FetchRow.Data
// is an in-memory []byte throughout this backend contract.
//
// State: authenticated and selected.
func (c *conn) cmdAppend(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()

	var flags backend.Flags
	if p.hasPrefix("(") {
		flags = flagsFromList(p.xflagList())
		p.xspace()
	}

	var tm time.Time
	if p.hasPrefix(`"`) {
		tm = p.xdateTime()
		p.xspace()
	} else {
		tm = time.Now()
	}

	utf8 := p.take("UTF8 (")
	size, sync := p.xliteralSize(0, utf8)

	name = xcheckmailboxname(name)
	if sync {
		c.writelinef("+ ")
		c.xflush()
	}

	buf := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.br, buf); err != nil {
			panic(fmt.Errorf("%w: reading literal message: %v", errIO, err))
		}
	}

	if utf8 {
		line := c.readline(false)
		np := newParser(line, c)
		np.xtake(")")
		np.xempty()
	} else {
		line := c.readline(false)
		np := newParser(line, c)
		np.xempty()
	}
	p.xempty()

	uidValidity, uid, err := c.user.Append(context.Background(), name, flags, tm, buf, c.deliverFilter)
	if err != nil && errors.Is(err, backend.ErrNotFound) {
		xusercodeErrorf("TRYCREATE", "append: mailbox does not exist")
	}
	xmapBackendErr(err, "append")

	if c.comm != nil {
		c.applyChanges(c.comm.Get(), false)
	}
	if c.state == stateSelected && c.mailboxName == name {
		c.uidAppend(uid)
		c.bwritelinef("* %d EXISTS", len(c.uids))
	}

	c.bwriteresultf("%s OK [APPENDUID %d %d] appended", tag, uidValidity, uid)
}
