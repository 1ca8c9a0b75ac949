package sbnc

import (
	"regexp"
	"strings"
	"time"
)

// maxLineLen is the advisory IRC line length limit, CRLF included.
// Longer lines are transmitted as-is and left for the peer to reject.
const maxLineLen = 512

var hostmaskRegexp = regexp.MustCompile(`^(.*)!(.*)@(.*)$`)

// parseMessage splits a raw IRC line (CR/LF already stripped) into an
// optional prefix, a command and its parameters. Tokens are separated
// by single spaces; empty tokens become empty parameters. The first
// parameter token starting with ":" marks the trailing parameter,
// which consumes the rest of the line with the colon stripped.
func parseMessage(line string) (prefix, command string, params []string) {
	tokens := strings.Split(line, " ")

	if strings.HasPrefix(tokens[0], ":") {
		prefix = tokens[0][1:]
		tokens = tokens[1:]
	}

	if len(tokens) == 0 {
		return prefix, "", nil
	}

	command = tokens[0]

	for i := 1; i < len(tokens); i++ {
		if strings.HasPrefix(tokens[i], ":") {
			trailing := strings.Join(tokens[i:], " ")
			params = append(params, trailing[1:])
			break
		}
		params = append(params, tokens[i])
	}

	return prefix, command, params
}

// formatMessage renders a message to wire form without the trailing
// CRLF. The last parameter is sent as a trailing parameter when it
// contains a space or is empty.
func formatMessage(prefix, command string, params ...string) string {
	var sb strings.Builder

	if prefix != "" {
		sb.WriteByte(':')
		sb.WriteString(prefix)
		sb.WriteByte(' ')
	}

	sb.WriteString(command)

	for i, param := range params {
		sb.WriteByte(' ')
		if i == len(params)-1 && (param == "" || strings.Contains(param, " ")) {
			sb.WriteByte(':')
		}
		sb.WriteString(param)
	}

	return sb.String()
}

// parseHostmask splits "nick!user@host" into its parts. A hostmask
// without both "!" and "@" yields the whole string as the nick.
func parseHostmask(hostmask string) (nick, user, host string) {
	m := hostmaskRegexp.FindStringSubmatch(hostmask)
	if m == nil {
		return hostmask, "", ""
	}
	return m[1], m[2], m[3]
}

// splitPrefixSpec splits an ISUPPORT PREFIX value of the form
// "(modes)prefixes" into its two positional halves.
func splitPrefixSpec(spec string) (modes, prefixes string, ok bool) {
	if !strings.HasPrefix(spec, "(") {
		return "", "", false
	}
	end := strings.IndexByte(spec, ')')
	if end < 0 {
		return "", "", false
	}
	return spec[1:end], spec[end+1:], true
}

// prefixToMode maps a membership prefix character such as '@' to its
// channel mode letter using the positional PREFIX correspondence.
func prefixToMode(spec string, prefix byte) (byte, bool) {
	modes, prefixes, ok := splitPrefixSpec(spec)
	if !ok {
		return 0, false
	}
	i := strings.IndexByte(prefixes, prefix)
	if i < 0 || i >= len(modes) {
		return 0, false
	}
	return modes[i], true
}

// modeToPrefix is the inverse of prefixToMode.
func modeToPrefix(spec string, mode byte) (byte, bool) {
	modes, prefixes, ok := splitPrefixSpec(spec)
	if !ok {
		return 0, false
	}
	i := strings.IndexByte(modes, mode)
	if i < 0 || i >= len(prefixes) {
		return 0, false
	}
	return prefixes[i], true
}

// Nick is one known IRC identity as seen by a single connection. The
// user and host parts are upgraded lazily as fuller hostmasks arrive.
type Nick struct {
	Nick string
	User string
	Host string

	Realname string
	Away     bool

	// memberships counts channels this nick is currently on; the
	// owning connection evicts index entries when it drops to zero.
	memberships int
}

func newNick(hostmask string) *Nick {
	n := &Nick{}
	n.Nick, n.User, n.Host = parseHostmask(hostmask)
	return n
}

// String renders the full hostmask when user and host are known,
// otherwise just the nick.
func (n *Nick) String() string {
	if n.User == "" || n.Host == "" {
		return n.Nick
	}
	return n.Nick + "!" + n.User + "@" + n.Host
}

func (n *Nick) updateHostmask(user, host string) {
	if user != "" && n.User != user {
		n.User = user
	}
	if host != "" && n.Host != host {
		n.Host = host
	}
}

// clone snapshots a nick for topic attribution so later renames do not
// rewrite history.
func (n *Nick) clone() *Nick {
	c := &Nick{}
	c.Nick, c.User, c.Host = n.Nick, n.User, n.Host
	return c
}

// Membership is one nick's presence on one channel.
type Membership struct {
	Nick    *Nick
	Channel *Channel

	// Modes holds the membership mode letters, e.g. "o" for ops.
	Modes string

	JoinTime  time.Time
	IdleSince time.Time
}

func (m *Membership) HasMode(mode byte) bool {
	return strings.IndexByte(m.Modes, mode) >= 0
}

func (m *Membership) IsOpped() bool {
	return m.HasMode('o')
}

func (m *Membership) IsVoiced() bool {
	return m.HasMode('v')
}

// prefixes renders the visible prefix characters for this membership
// under the given PREFIX spec, in membership mode order.
func (m *Membership) prefixes(spec string) string {
	var sb strings.Builder
	for i := 0; i < len(m.Modes); i++ {
		if p, ok := modeToPrefix(spec, m.Modes[i]); ok {
			sb.WriteByte(p)
		}
	}
	return sb.String()
}

// Channel tracks the bouncer's view of one upstream channel. The
// HasNames, HasTopic and HasModes flags record which facets have been
// fully learned from the server; queries about unlearned facets are
// forwarded upstream instead of answered from the mirror.
type Channel struct {
	Name string

	Modes    string
	HasModes bool

	JoinTime     time.Time
	CreationTime time.Time

	// TopicSet distinguishes an empty topic from an unset one; it is
	// only meaningful once HasTopic is true.
	TopicText string
	TopicNick *Nick
	TopicTime time.Time
	TopicSet  bool
	HasTopic  bool

	HasNames bool

	conn    *conn
	members map[*Nick]*Membership
	order   []*Nick
}

func newChannel(c *conn, name string) *Channel {
	return &Channel{
		Name:     name,
		JoinTime: time.Now(),
		conn:     c,
		members:  make(map[*Nick]*Membership),
	}
}

// AddNick adds a membership for the nick, retaining it in the owning
// connection's nick index. Adding an existing member returns the
// current membership unchanged.
func (ch *Channel) AddNick(n *Nick) *Membership {
	if m, ok := ch.members[n]; ok {
		return m
	}
	now := time.Now()
	m := &Membership{
		Nick:      n,
		Channel:   ch,
		JoinTime:  now,
		IdleSince: now,
	}
	ch.members[n] = m
	ch.order = append(ch.order, n)
	if ch.conn != nil {
		ch.conn.retainNick(n)
	}
	return m
}

// RemoveNick drops the nick's membership and releases its index
// reference. Unknown nicks are a no-op.
func (ch *Channel) RemoveNick(n *Nick) {
	if _, ok := ch.members[n]; !ok {
		return
	}
	delete(ch.members, n)
	for i, o := range ch.order {
		if o == n {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
	if ch.conn != nil {
		ch.conn.releaseNick(n)
	}
}

// Member returns the membership for the nick, or nil.
func (ch *Channel) Member(n *Nick) *Membership {
	return ch.members[n]
}

func (ch *Channel) HasNick(n *Nick) bool {
	_, ok := ch.members[n]
	return ok
}

// Members lists memberships in join order.
func (ch *Channel) Members() []*Membership {
	ms := make([]*Membership, 0, len(ch.order))
	for _, n := range ch.order {
		ms = append(ms, ch.members[n])
	}
	return ms
}

func (ch *Channel) NumMembers() int {
	return len(ch.members)
}
