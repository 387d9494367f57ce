package imapserver

func init() {
	commands["capability"] = (*conn).cmdCapability
	commands["noop"] = (*conn).cmdNoop
	commands["logout"] = (*conn).cmdLogout
	commands["id"] = (*conn).cmdID
}

// CAPABILITY lists the capabilities available in the connection's current
// state.
//
// State: any
func (c *conn) cmdCapability(tag, cmd string, p *parser) {
	p.xempty()
	c.bwritelinef("* CAPABILITY %s", c.capabilities())
	c.ok(tag, cmd)
}

// NOOP does nothing but gives the engine a chance to flush pending backend
// changes as untagged responses, e.g. for message delivery that happened
// since the last command.
//
// State: any
func (c *conn) cmdNoop(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// LOGOUT closes the session cleanly.
//
// State: any
func (c *conn) cmdLogout(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	if c.comm != nil {
		c.comm.Unregister()
		c.comm = nil
	}
	if c.user != nil {
		c.user.Close()
		c.user = nil
	}
	c.bwritelinef("* BYE logging out")
	c.writelinef("%s OK %s done", tag, cmd)
	c.xflush()
	panic(cleanClose)
}

// ID exchanges free-form client/server identification, RFC 2971. We don't
// retain anything the client sends; we report a fixed identity.
//
// State: any
func (c *conn) cmdID(tag, cmd string, p *parser) {
	p.xspace()
	if !p.take("NIL") {
		p.xtake("(")
		first := true
		for !p.take(")") {
			if !first {
				p.xspace()
			}
			first = false
			p.xstring()
			p.xspace()
			p.xnilString()
		}
	}
	p.xempty()
	c.bwritelinef(`* ID ("name" "imapd" "version" "1.0")`)
	c.ok(tag, cmd)
}
