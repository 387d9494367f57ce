package imapserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/corvid-mail/imapd/backend"
)

func init() {
	commands["check"] = (*conn).cmdCheck
	commands["close"] = (*conn).cmdClose
	commands["unselect"] = (*conn).cmdUnselect
	commands["expunge"] = (*conn).cmdExpunge
	commands["uid expunge"] = (*conn).cmdUIDExpunge
	commands["search"] = (*conn).cmdSearch
	commands["uid search"] = (*conn).cmdUIDSearch
	commands["fetch"] = (*conn).cmdFetch
	commands["uid fetch"] = (*conn).cmdUIDFetch
	commands["store"] = (*conn).cmdStore
	commands["uid store"] = (*conn).cmdUIDStore
	commands["copy"] = (*conn).cmdCopy
	commands["uid copy"] = (*conn).cmdUIDCopy
	commands["move"] = (*conn).cmdMove
	commands["uid move"] = (*conn).cmdUIDMove
	commands["idle"] = (*conn).cmdIdle
}

// CHECK is a deprecated no-op: consistency checking of the mailbox is always
// up to date in this engine, so there's nothing to trigger.
//
// State: Selected
func (c *conn) cmdCheck(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// CLOSE undoes SELECT/EXAMINE, expunging \Deleted messages first unless the
// mailbox was opened read-only (EXAMINE).
//
// State: Selected
func (c *conn) cmdClose(tag, cmd string, p *parser) {
	p.xempty()
	if !c.readonly {
		c.xexpungeDeleted(nil, false)
	}
	c.unselect()
	c.ok(tag, cmd)
}

// UNSELECT is like CLOSE but never expunges, RFC 3691.
//
// State: Selected
func (c *conn) cmdUnselect(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.ok(tag, cmd)
}

// EXPUNGE permanently removes messages marked \Deleted in the selected
// mailbox.
//
// State: Selected
func (c *conn) cmdExpunge(tag, cmd string, p *parser) {
	p.xempty()
	if c.readonly {
		xuserErrorf("mailbox open in read-only mode")
	}
	c.xexpungeDeleted(nil, true)
	c.ok(tag, cmd)
}

// UID EXPUNGE is EXPUNGE restricted to a UID set, RFC 4315.
//
// State: Selected
func (c *conn) cmdUIDExpunge(tag, cmd string, p *parser) {
	p.xspace()
	uidSet := p.xnumSet()
	p.xempty()
	if c.readonly {
		xuserErrorf("mailbox open in read-only mode")
	}
	uids := c.xnumSetUIDs(true, uidSet)
	c.xexpungeDeleted(uids, true)
	c.ok(tag, cmd)
}

// xexpungeDeleted expunges messages marked \Deleted, restricted to only (if
// non-nil) the given uids, writing an untagged EXPUNGE per removed message
// unless writeResponses is false (CLOSE discards its own EXPUNGE sequence,
// per RFC 9051's CLOSE semantics).
func (c *conn) xexpungeDeleted(uids []backend.UID, writeResponses bool) {
	rows, err := c.mailbox.Expunge(context.Background(), uids)
	xcheckf(err, "expunge")

	sort.Slice(rows, func(i, j int) bool { return rows[i].UID < rows[j].UID })
	for _, row := range rows {
		seq := c.xsequence(row.UID)
		c.sequenceRemove(seq, row.UID)
		if writeResponses {
			c.bwritelinef("* %d EXPUNGE", seq)
		}
	}
}

// SEARCH finds messages in the selected mailbox matching a set of criteria.
//
// State: Selected
func (c *conn) cmdSearch(tag, cmd string, p *parser) { c.cmdxSearch(false, tag, cmd, p) }

// UID SEARCH is SEARCH with UIDs in the response instead of sequence numbers.
//
// State: Selected
func (c *conn) cmdUIDSearch(tag, cmd string, p *parser) { c.cmdxSearch(true, tag, cmd, p) }

func (c *conn) cmdxSearch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	// RFC 4731 result options (e.g. "RETURN (...)") are not supported; only
	// the classic "* SEARCH <numbers>" response form is.
	if p.take("CHARSET") {
		p.xspace()
		p.xastring() // Charset name; everything is matched as UTF-8/ASCII, so ignored.
		p.xspace()
	}
	sk := p.xsearchKey()
	for !p.empty() {
		p.xspace()
		other := p.xsearchKey()
		sk = &searchKey{searchKeys: []searchKey{*sk, *other}}
	}
	p.xempty()

	key := c.xsearchKeyBackend(sk)
	uids, err := c.mailbox.Search(context.Background(), key)
	xcheckf(err, "search")
	sortUIDs(uids)
	c.searchResult = append([]backend.UID{}, uids...)

	var sb strings.Builder
	sb.WriteString("* SEARCH")
	for _, uid := range uids {
		if isUID {
			fmt.Fprintf(&sb, " %d", uid)
		} else {
			fmt.Fprintf(&sb, " %d", c.xsequence(uid))
		}
	}
	c.bwritelinef("%s", sb.String())
	c.ok(tag, cmd)
}

// FETCH returns message data (flags, envelope, body parts, ...).
//
// State: Selected
func (c *conn) cmdFetch(tag, cmd string, p *parser) { c.cmdxFetch(false, tag, cmd, p) }

// UID FETCH is FETCH with UIDs instead of sequence numbers in the request
// and response.
//
// State: Selected
func (c *conn) cmdUIDFetch(tag, cmd string, p *parser) { c.cmdxFetch(true, tag, cmd, p) }

func (c *conn) cmdxFetch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts(isUID)
	p.xempty()

	uids := c.xnumSetUIDs(isUID, nums)
	attrs := xfetchAttrs(atts)

	rows, err := c.mailbox.Fetch(context.Background(), uids, attrs)
	xcheckf(err, "fetch")

	rowByUID := map[backend.UID]backend.FetchRow{}
	for _, row := range rows {
		rowByUID[row.UID] = row
	}

	needSeen := !c.readonly && fetchNeedsSeen(atts)
	var seenUIDs []backend.UID
	if needSeen {
		for _, uid := range uids {
			row, ok := rowByUID[uid]
			if ok && !row.Flags.Seen {
				seenUIDs = append(seenUIDs, uid)
			}
		}
	}
	if len(seenUIDs) > 0 {
		storeRows, err := c.mailbox.Store(context.Background(), seenUIDs, backend.StoreAdd, backend.Flags{Seen: true}, false)
		xcheckf(err, "marking fetched messages seen")
		for _, sr := range storeRows {
			row := rowByUID[sr.UID]
			row.Flags = sr.Flags
			rowByUID[sr.UID] = row
		}
	}

	hasFlags := false
	for _, a := range atts {
		if a.field == "FLAGS" {
			hasFlags = true
		}
	}

	for _, uid := range uids {
		row, ok := rowByUID[uid]
		if !ok {
			continue
		}
		seq := c.xsequence(uid)
		fields := make([]token, 0, len(atts)+1)
		for _, a := range atts {
			name, tok := c.xprocessAtt(row, a)
			fields = append(fields, bare(name), tok)
		}
		if needSeen && !hasFlags {
			fields = append(fields, bare("FLAGS"), bare(packFlags(row.Flags)))
		}
		c.bwritelinef("* %d FETCH %s", seq, listspace(fields).pack(c))
	}
	c.ok(tag, cmd)
}

// xfetchAttrs determines which backend.FetchRow fields must be populated to
// answer the requested fetch attributes.
func xfetchAttrs(atts []fetchAtt) backend.FetchAttrs {
	var attrs backend.FetchAttrs
	for _, a := range atts {
		switch a.field {
		case "FLAGS":
			attrs.Flags = true
		case "INTERNALDATE":
			attrs.InternalDate = true
		case "RFC822.SIZE":
			attrs.Size = true
		case "ENVELOPE", "BODY", "BODYSTRUCTURE", "RFC822", "RFC822.HEADER", "RFC822.TEXT", "BINARY", "BINARY.SIZE":
			attrs.Full = true
		}
	}
	return attrs
}

// fetchNeedsSeen reports whether any requested attribute implicitly sets
// \Seen, i.e. a non-peeking content fetch, per RFC 9051's BODY/BODY.PEEK
// distinction.
func fetchNeedsSeen(atts []fetchAtt) bool {
	for _, a := range atts {
		if a.peek {
			continue
		}
		switch a.field {
		case "BODY":
			if a.section != nil {
				return true
			}
		case "RFC822", "RFC822.TEXT":
			return true
		}
	}
	return false
}

// xprocessAtt builds the response field name and value token for one fetch
// attribute against one message row. Grounded on the teacher's
// fetchCmd.xprocessAtt, simplified to operate on backend.FetchRow.Data
// directly instead of a parsed message.Part tree.
func (c *conn) xprocessAtt(row backend.FetchRow, a fetchAtt) (string, token) {
	switch a.field {
	case "FLAGS":
		return "FLAGS", bare(packFlags(row.Flags))
	case "UID":
		return "UID", number(row.UID)
	case "INTERNALDATE":
		return "INTERNALDATE", string0(row.InternalDate.Format("02-Jan-2006 15:04:05 -0700"))
	case "RFC822.SIZE":
		return "RFC822.SIZE", number(row.Size)
	case "ENVELOPE":
		return "ENVELOPE", xenvelope(row.Data)
	case "BODYSTRUCTURE":
		return "BODYSTRUCTURE", xbodystructure(row.Data)
	case "BODY":
		if a.section == nil {
			return "BODY", xbodystructure(row.Data)
		}
		data := xpartial(xfetchSection(row.Data, a.section), a.partial)
		return sectionRespField(c, a), syncliteral(data)
	case "RFC822":
		return "RFC822", syncliteral(row.Data)
	case "RFC822.HEADER":
		header, _ := splitMessage(row.Data)
		return "RFC822.HEADER", syncliteral(header)
	case "RFC822.TEXT":
		_, body := splitMessage(row.Data)
		return "RFC822.TEXT", syncliteral(body)
	case "BINARY":
		data := xpartial(data0(row.Data, a.sectionBinary), a.partial)
		return sectionRespField(c, a), syncliteral(data)
	case "BINARY.SIZE":
		data := data0(row.Data, a.sectionBinary)
		return sectionRespField(c, a), number(len(data))
	}
	xserverErrorf("missing case for fetch attribute %q (%w)", a.field, errProtocol)
	panic("unreachable")
}

// data0 resolves a BINARY section-binary part path against a flat,
// non-multipart message: BINARY[] is the whole raw message, BINARY[1] is the
// message body without headers (the only body part a non-multipart message
// has); any deeper path is nested addressing, unsupported consistent with
// xbodystructure's flat view.
func data0(data []byte, parts []uint32) []byte {
	switch len(parts) {
	case 0:
		return data
	case 1:
		_, body := splitMessage(data)
		return body
	default:
		xsyntaxErrorf("nested body part addressing not supported")
		panic("unreachable")
	}
}

// STORE changes the flags of messages in the selected mailbox.
//
// State: Selected
func (c *conn) cmdStore(tag, cmd string, p *parser) { c.cmdxStore(false, tag, cmd, p) }

// UID STORE is STORE with UIDs instead of sequence numbers.
//
// State: Selected
func (c *conn) cmdUIDStore(tag, cmd string, p *parser) { c.cmdxStore(true, tag, cmd, p) }

func (c *conn) cmdxStore(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()

	var op backend.StoreOp
	switch {
	case p.take("+"):
		op = backend.StoreAdd
	case p.take("-"):
		op = backend.StoreRemove
	default:
		op = backend.StoreSet
	}
	p.xtake("FLAGS")
	silent := p.take(".SILENT")
	p.xspace()
	var flagstrs []string
	if p.hasPrefix("(") {
		flagstrs = p.xflagList()
	} else {
		flagstrs = append(flagstrs, p.xflag())
		for p.space() {
			flagstrs = append(flagstrs, p.xflag())
		}
	}
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox open in read-only mode")
	}

	flags := flagsFromList(flagstrs)
	uids := c.xnumSetUIDs(isUID, nums)

	rows, err := c.mailbox.Store(context.Background(), uids, op, flags, silent)
	xcheckf(err, "store")

	if !silent {
		for _, row := range rows {
			seq := c.xsequence(row.UID)
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", seq, row.UID, packFlags(row.Flags))
		}
	}
	c.ok(tag, cmd)
}

// COPY copies messages from the selected mailbox to another mailbox.
//
// State: Selected
func (c *conn) cmdCopy(tag, cmd string, p *parser) { c.cmdxCopy(false, tag, cmd, p) }

// UID COPY is COPY with UIDs instead of sequence numbers.
//
// State: Selected
func (c *conn) cmdUIDCopy(tag, cmd string, p *parser) { c.cmdxCopy(true, tag, cmd, p) }

func (c *conn) cmdxCopy(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name)
	uids := c.xnumSetUIDs(isUID, nums)
	if len(uids) == 0 {
		xuserErrorf("no matching messages to copy")
	}

	rows, err := c.mailbox.Copy(context.Background(), uids, name)
	if err != nil && errors.Is(err, backend.ErrNotFound) {
		xusercodeErrorf("TRYCREATE", "copy: destination mailbox does not exist")
	}
	xmapBackendErr(err, "copy")

	sort.Slice(rows, func(i, j int) bool { return rows[i].SrcUID < rows[j].SrcUID })
	srcUIDs := make([]backend.UID, len(rows))
	dstUIDs := make([]backend.UID, len(rows))
	for i, r := range rows {
		srcUIDs[i], dstUIDs[i] = r.SrcUID, r.DstUID
	}

	uidValidity := c.xdestUIDValidity(name)
	c.bwriteresultf("%s OK [COPYUID %d %s %s] %s done",
		tag, uidValidity, compactUIDSet(srcUIDs).String(), compactUIDSet(dstUIDs).String(), cmd)
}

// xdestUIDValidity looks up the UIDVALIDITY of a copy/move destination
// mailbox, for the COPYUID response code. The backend contract's Copy/Move
// report only per-message UID pairs (a session never has that mailbox
// selected), so this is a separate Status call rather than part of the
// Copy/Move result.
func (c *conn) xdestUIDValidity(name string) uint32 {
	info, err := c.user.Status(context.Background(), name, []backend.StatusItem{backend.StatusUIDValidity})
	xcheckf(err, "looking up destination uidvalidity")
	return info.UIDValidity
}

// MOVE moves messages from the selected mailbox to another mailbox,
// expunging them from the source, RFC 6851.
//
// State: Selected
func (c *conn) cmdMove(tag, cmd string, p *parser) { c.cmdxMove(false, tag, cmd, p) }

// UID MOVE is MOVE with UIDs instead of sequence numbers.
//
// State: Selected
func (c *conn) cmdUIDMove(tag, cmd string, p *parser) { c.cmdxMove(true, tag, cmd, p) }

func (c *conn) cmdxMove(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name)
	uids := c.xnumSetUIDs(isUID, nums)
	if len(uids) == 0 {
		xuserErrorf("no matching messages to move")
	}

	rows, err := c.mailbox.Move(context.Background(), uids, name)
	if err != nil && errors.Is(err, backend.ErrNotFound) {
		xusercodeErrorf("TRYCREATE", "move: destination mailbox does not exist")
	}
	xmapBackendErr(err, "move")

	sort.Slice(rows, func(i, j int) bool { return rows[i].SrcUID < rows[j].SrcUID })
	srcUIDs := make([]backend.UID, len(rows))
	dstUIDs := make([]backend.UID, len(rows))
	for i, r := range rows {
		srcUIDs[i], dstUIDs[i] = r.SrcUID, r.DstUID
	}

	// ../rfc/9051:4708 ../rfc/6851:254 — report COPYUID, then expunge the
	// moved messages from the source's sequence space, same as CLOSE/EXPUNGE.
	uidValidity := c.xdestUIDValidity(name)
	c.bwritelinef("* OK [COPYUID %d %s %s] moved", uidValidity, compactUIDSet(srcUIDs).String(), compactUIDSet(dstUIDs).String())
	for _, uid := range srcUIDs {
		seq := c.xsequence(uid)
		c.sequenceRemove(seq, uid)
		c.bwritelinef("* %d EXPUNGE", seq)
	}
	c.ok(tag, cmd)
}

// IDLE lets the client receive untagged updates without issuing further
// commands, until it sends a line with just "DONE", RFC 2177.
//
// State: authenticated and selected.
func (c *conn) cmdIdle(tag, cmd string, p *parser) {
	p.xempty()

	c.writelinef("+ idling")
	c.xflush()

	c.startReadingLine()

	var line string
wait:
	for {
		var pending <-chan struct{}
		if c.comm != nil {
			pending = c.comm.Pending()
		}
		var shutdown <-chan struct{}
		if c.ctx != nil {
			shutdown = c.ctx.Done()
		}
		select {
		case le := <-c.lineChan():
			c.line = nil
			if le.err != nil {
				panic(le.err)
			}
			line = le.line
			break wait
		case <-pending:
			c.applyChanges(c.comm.Get(), false)
			c.xflush()
		case <-shutdown:
			c.writelinef("* BYE shutting down")
			c.xflush()
			panic(cleanClose)
		}
	}

	xcheckf(c.conn.SetWriteDeadline(time.Now().Add(5*time.Minute)), "setting write deadline")

	if strings.ToUpper(strings.TrimSpace(line)) != "DONE" {
		panic(fmt.Errorf("%w: in IDLE, expected DONE", errIO))
	}
	c.ok(tag, cmd)
}
