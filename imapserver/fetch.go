package imapserver

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
)

// splitMessage divides a raw RFC 5322 message into its header block (with
// the terminating blank line) and body, the split BODY[]/BODY[HEADER]/
// BODY[TEXT] sections are built from. Grounded on the teacher's
// message.Part.HeaderReader/RawReader, simplified to operate directly on an
// in-memory []byte instead of a parsed, offset-indexed message.Part tree.
func splitMessage(data []byte) (header, body []byte) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i+4], data[i+4:]
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i+2], data[i+2:]
	}
	return data, nil
}

func parseHeader(header []byte) textproto.MIMEHeader {
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(header)))
	h, _ := tr.ReadMIMEHeader()
	return h
}

// xenvelope builds a FETCH ENVELOPE response value from a message's raw
// bytes, grounded on the teacher's xenvelope but driven off net/mail instead
// of the teacher's own message.Envelope parser, since this engine doesn't
// carry a MIME tree.
func xenvelope(data []byte) token {
	m, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return listspace{nilt, nilt, nilt, nilt, nilt, nilt, nilt, nilt, nilt, nilt}
	}
	h := m.Header

	var date token = nilt
	if t, err := h.Date(); err == nil {
		date = string0(t.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	var subject token = nilt
	if s := h.Get("Subject"); s != "" {
		subject = string0(s)
	}
	var inReplyTo token = nilt
	if s := h.Get("In-Reply-To"); s != "" {
		inReplyTo = string0(s)
	}
	var messageID token = nilt
	if s := h.Get("Message-Id"); s != "" {
		messageID = string0(s)
	}

	addresses := func(key string) token {
		l, _ := h.AddressList(key)
		if len(l) == 0 {
			return nilt
		}
		r := listspace{}
		for _, a := range l {
			var name token = nilt
			if a.Name != "" {
				name = string0(a.Name)
			}
			user, host := a.Address, ""
			if i := strings.LastIndex(a.Address, "@"); i >= 0 {
				user, host = a.Address[:i], a.Address[i+1:]
			}
			var hostt token = nilt
			if host != "" {
				hostt = string0(host)
			}
			r = append(r, listspace{name, nilt, string0(user), hostt})
		}
		return r
	}

	from := addresses("From")
	sender := addresses("Sender")
	if sender == nilt {
		sender = from
	}
	replyTo := addresses("Reply-To")
	if replyTo == nilt {
		replyTo = from
	}

	return listspace{
		date,
		subject,
		from,
		sender,
		replyTo,
		addresses("To"),
		addresses("Cc"),
		addresses("Bcc"),
		inReplyTo,
		messageID,
	}
}

func bodyFldParams(params map[string]string) token {
	if len(params) == 0 {
		return nilt
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l := make(listspace, 0, 2*len(keys))
	for _, k := range keys {
		l = append(l, string0(strings.ToUpper(k)), string0(params[k]))
	}
	return l
}

func bodyFldEnc(s string) token {
	up := strings.ToUpper(s)
	switch up {
	case "7BIT", "8BIT", "BINARY", "BASE64", "QUOTED-PRINTABLE":
		return bare(`"` + up + `"`)
	}
	return string0(s)
}

// xbodystructure builds a FETCH BODYSTRUCTURE/BODY response value, flattened
// to a single non-multipart body: the backend contract hands the engine a
// whole message as opaque bytes rather than a parsed MIME tree, so a nested
// multipart structure isn't available to report (see DESIGN.md).
func xbodystructure(data []byte) token {
	header, body := splitMessage(data)
	h := parseHeader(header)

	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}
	typ, subtype := "TEXT", "PLAIN"
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		typ, subtype = strings.ToUpper(mediaType[:i]), strings.ToUpper(mediaType[i+1:])
	}

	enc := h.Get("Content-Transfer-Encoding")
	if enc == "" {
		enc = "7BIT"
	}

	var id token = nilt
	if s := h.Get("Content-Id"); s != "" {
		id = string0(s)
	}
	var descr token = nilt
	if s := h.Get("Content-Description"); s != "" {
		descr = string0(s)
	}

	var media token
	switch typ {
	case "APPLICATION", "AUDIO", "IMAGE", "FONT", "MESSAGE", "MODEL", "VIDEO":
		media = bare(`"` + typ + `"`)
	default:
		media = string0(typ)
	}

	fields := listspace{
		media, string0(subtype),
		bodyFldParams(params),
		id,
		descr,
		bodyFldEnc(enc),
		number(len(body)),
	}
	if typ == "TEXT" {
		fields = append(fields, number(bytes.Count(body, []byte("\n"))))
	}
	return fields
}

// xfetchSection extracts the bytes a BODY[section]<partial> or
// BINARY[section] fetch attribute selects from a message's raw bytes.
// Nested-part addressing ("BODY[1.1]") isn't supported, consistent with
// xbodystructure's flat, non-multipart view.
func xfetchSection(data []byte, section *sectionSpec) []byte {
	if section == nil || (section.msgtext == nil && section.part == nil) {
		return data
	}
	if section.part != nil {
		xsyntaxErrorf("nested body part addressing not supported")
	}
	header, body := splitMessage(data)
	switch section.msgtext.s {
	case "HEADER":
		return header
	case "TEXT":
		return body
	case "HEADER.FIELDS":
		return filterHeaderFields(header, section.msgtext.headers, false)
	case "HEADER.FIELDS.NOT":
		return filterHeaderFields(header, section.msgtext.headers, true)
	}
	xserverErrorf("missing case for section %q (%w)", section.msgtext.s, errProtocol)
	panic("unreachable")
}

// filterHeaderFields rebuilds a header block keeping only (or, if not is
// true, excluding) the named fields, matched case-insensitively.
func filterHeaderFields(header []byte, fields []string, not bool) []byte {
	want := map[string]bool{}
	for _, f := range fields {
		want[strings.ToUpper(f)] = true
	}
	h := parseHeader(header)

	var keys []string
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		match := want[strings.ToUpper(k)]
		if match == not {
			continue
		}
		for _, v := range h[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// xpartial slices body according to a BODY[...]<offset.count> partial spec.
func xpartial(body []byte, p *partial) []byte {
	if p == nil {
		return body
	}
	if int(p.offset) >= len(body) {
		return nil
	}
	body = body[p.offset:]
	if int(p.count) < len(body) {
		body = body[:p.count]
	}
	return body
}

// sectionRespField formats the "BODY[...]" label preceding a section's
// literal in a FETCH response.
func sectionRespField(c *conn, a fetchAtt) string {
	s := a.field + "["
	switch {
	case len(a.sectionBinary) > 0:
		parts := make([]string, len(a.sectionBinary))
		for i, v := range a.sectionBinary {
			parts[i] = fmt.Sprintf("%d", v)
		}
		s += strings.Join(parts, ".")
	case a.section != nil && a.section.msgtext != nil:
		s += sectionMsgtextName(c, a.section.msgtext)
	}
	s += "]"
	if a.field != "BINARY" && a.partial != nil {
		s += fmt.Sprintf("<%d>", a.partial.offset)
	}
	return s
}

func sectionMsgtextName(c *conn, smt *sectionMsgtext) string {
	s := smt.s
	if strings.HasPrefix(smt.s, "HEADER.FIELDS") {
		l := make(listspace, len(smt.headers))
		for i, f := range smt.headers {
			l[i] = astring(f)
		}
		s += " " + l.pack(c)
	}
	return s
}
