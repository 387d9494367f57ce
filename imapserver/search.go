package imapserver

import (
	"github.com/corvid-mail/imapd/backend"
)

// xsearchKeyBackend translates a parsed searchKey tree into a
// backend.SearchKey tree the backend can evaluate, resolving any sequence
// set against the connection's current selected-view uids. Grounded on the
// teacher's cmdxSearch, which walks the same searchKey tree directly against
// its bstore query instead of a separate backend contract.
func (c *conn) xsearchKeyBackend(sk *searchKey) backend.SearchKey {
	if len(sk.searchKeys) > 0 {
		children := make([]backend.SearchKey, len(sk.searchKeys))
		for i := range sk.searchKeys {
			children[i] = c.xsearchKeyBackend(&sk.searchKeys[i])
		}
		if len(children) == 1 {
			return children[0]
		}
		return backend.SearchKey{Op: backend.SearchAnd, Children: children}
	}

	if sk.seqSet != nil {
		return backend.SearchKey{Op: backend.SearchUID, UIDs: c.xnumSetUIDs(false, *sk.seqSet)}
	}

	switch sk.op {
	case "ALL":
		return backend.SearchKey{Op: backend.SearchAll}
	case "ANSWERED":
		return backend.SearchKey{Op: backend.SearchAnswered}
	case "UNANSWERED":
		return negate(backend.SearchKey{Op: backend.SearchAnswered})
	case "FLAGGED":
		return backend.SearchKey{Op: backend.SearchFlagged}
	case "UNFLAGGED":
		return negate(backend.SearchKey{Op: backend.SearchFlagged})
	case "DELETED":
		return backend.SearchKey{Op: backend.SearchDeleted}
	case "UNDELETED":
		return negate(backend.SearchKey{Op: backend.SearchDeleted})
	case "SEEN":
		return backend.SearchKey{Op: backend.SearchSeen}
	case "UNSEEN":
		return negate(backend.SearchKey{Op: backend.SearchSeen})
	case "DRAFT":
		return backend.SearchKey{Op: backend.SearchDraft}
	case "UNDRAFT":
		return negate(backend.SearchKey{Op: backend.SearchDraft})
	case "RECENT":
		return backend.SearchKey{Op: backend.SearchRecent}
	case "NEW":
		return backend.SearchKey{Op: backend.SearchNew}
	case "OLD":
		return backend.SearchKey{Op: backend.SearchOld}
	case "KEYWORD":
		return backend.SearchKey{Op: backend.SearchKeyword, Text: sk.atom}
	case "UNKEYWORD":
		return backend.SearchKey{Op: backend.SearchUnkeyword, Text: sk.atom}
	case "BEFORE":
		return backend.SearchKey{Op: backend.SearchBefore, Date: sk.date}
	case "ON":
		return backend.SearchKey{Op: backend.SearchOn, Date: sk.date}
	case "SINCE":
		return backend.SearchKey{Op: backend.SearchSince, Date: sk.date}
	case "SENTBEFORE":
		return backend.SearchKey{Op: backend.SearchSentBefore, Date: sk.date}
	case "SENTON":
		return backend.SearchKey{Op: backend.SearchSentOn, Date: sk.date}
	case "SENTSINCE":
		return backend.SearchKey{Op: backend.SearchSentSince, Date: sk.date}
	case "FROM":
		return backend.SearchKey{Op: backend.SearchFrom, Text: sk.astring}
	case "TO":
		return backend.SearchKey{Op: backend.SearchTo, Text: sk.astring}
	case "CC":
		return backend.SearchKey{Op: backend.SearchCc, Text: sk.astring}
	case "BCC":
		return backend.SearchKey{Op: backend.SearchBcc, Text: sk.astring}
	case "SUBJECT":
		return backend.SearchKey{Op: backend.SearchSubject, Text: sk.astring}
	case "BODY":
		return backend.SearchKey{Op: backend.SearchBody, Text: sk.astring}
	case "TEXT":
		return backend.SearchKey{Op: backend.SearchText, Text: sk.astring}
	case "HEADER":
		return backend.SearchKey{Op: backend.SearchHeader, HeaderField: sk.headerField, Text: sk.astring}
	case "LARGER":
		return backend.SearchKey{Op: backend.SearchLarger, Size: sk.number}
	case "SMALLER":
		return backend.SearchKey{Op: backend.SearchSmaller, Size: sk.number}
	case "NOT":
		child := c.xsearchKeyBackend(sk.searchKey)
		return backend.SearchKey{Op: backend.SearchNot, Child: &child}
	case "OR":
		left := c.xsearchKeyBackend(sk.searchKey)
		right := c.xsearchKeyBackend(sk.searchKey2)
		return backend.SearchKey{Op: backend.SearchOr, Left: &left, Right: &right}
	case "UID":
		return backend.SearchKey{Op: backend.SearchUID, UIDs: c.xnumSetUIDs(true, sk.uidSet)}
	}
	xserverErrorf("missing case for search op %q (%w)", sk.op, errProtocol)
	panic("unreachable")
}

func negate(k backend.SearchKey) backend.SearchKey {
	return backend.SearchKey{Op: backend.SearchNot, Child: &k}
}
