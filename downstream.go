package sbnc

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const defaultServername = "server.shroudbnc.info"

// numericReply describes one server reply: its three-digit numeric and
// an optional trailing text template.
type numericReply struct {
	numeric string
	text    string
	hasText bool
}

// See https://www.alien.net.au/irc/irc2numerics.html for details.
var downstreamReplies = map[string]numericReply{
	"RPL_WELCOME":          {"001", "Welcome to the Internet Relay Network %s", true},
	"RPL_ISUPPORT":         {"005", "are supported by this server", true},
	"RPL_NOTOPIC":          {"331", "No topic is set", true},
	"RPL_TOPIC":            {"332", "", false},
	"RPL_TOPICWHOTIME":     {"333", "", false},
	"RPL_NAMREPLY":         {"353", "", false},
	"RPL_ENDOFNAMES":       {"366", "End of NAMES list", true},
	"RPL_MOTDSTART":        {"375", "- %s Message of the day -", true},
	"RPL_MOTD":             {"372", "- %s", true},
	"RPL_ENDMOTD":          {"376", "End of MOTD command", true},
	"ERR_NOTEXTTOSEND":     {"412", "No text to send", true},
	"ERR_UNKNOWNCOMMAND":   {"421", "Unknown command", true},
	"ERR_NOMOTD":           {"422", "MOTD File is missing", true},
	"ERR_NONICKNAMEGIVEN":  {"431", "No nickname given", true},
	"ERR_ERRONEUSNICKNAME": {"432", "Erroneous nickname", true},
	"ERR_NEEDMOREPARAMS":   {"461", "Not enough parameters.", true},
	"ERR_ALREADYREGISTRED": {"462", "Unauthorized command (already registered)", true},
}

// downstreamConn is a user's IRC client connected to the bouncer. It
// performs the server side of the registration handshake, answers
// state queries from the mirrored upstream view and hands everything
// else to the owning session.
type downstreamConn struct {
	*conn

	// Authentication fires once per registration attempt with the
	// username and password supplied by the client; a handler claims
	// the connection by setting owner.
	Authentication *Event

	password string
}

func newDownstreamFactory(logger Logger) *ConnectionFactory {
	f := newConnectionFactory(logger, func(f *ConnectionFactory, netConn net.Conn, addr string) ircConn {
		dc := &downstreamConn{
			conn: newConn(f, netConn, addr, downstreamRegistrationTimeout, &prefixLogger{logger, fmt.Sprintf("downstream %q: ", addr)}),
		}
		dc.conn.handler = dc
		dc.me.Host = peerHost(netConn, addr)
		dc.server.Nick = defaultServername

		dc.Authentication = NewEvent()
		dc.Authentication.Bind(f.Authentication, MatchSource(dc))

		return dc
	})
	registerDownstreamHandlers(f)
	return f
}

func peerHost(netConn net.Conn, addr string) string {
	if netConn != nil {
		addr = netConn.RemoteAddr().String()
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// sendReply emits a numeric reply prefixed by the bouncer's server
// name. The target is the client's nick, or "*" before one is known;
// the reply's text template, if any, is rendered as the trailing
// parameter.
func (dc *downstreamConn) sendReply(name string, params []string, formatArgs ...interface{}) {
	r, ok := downstreamReplies[name]
	if !ok {
		panic(fmt.Sprintf("sbnc: unknown reply %q", name))
	}

	nick := dc.me.Nick
	if nick == "" {
		nick = "*"
	}

	all := append([]string{nick}, params...)
	if r.hasText {
		all = append(all, fmt.Sprintf(r.text, formatArgs...))
	}

	dc.SendMessage(dc.server.Nick, r.numeric, all...)
}

func (dc *downstreamConn) handleConnectionMade() {
	dc.startRegistrationTimer()

	dc.SendMessage("", "NOTICE", "AUTH", "*** sbncng 0.1 - (c) 2011 Gunnar Beutner")
	dc.SendMessage("", "NOTICE", "AUTH", "*** Welcome to the brave new world.")

	dc.SendMessage("", "NOTICE", "AUTH", "*** Looking up your hostname")

	found := false
	if ip := net.ParseIP(dc.me.Host); ip != nil {
		if names, err := net.LookupAddr(dc.me.Host); err == nil && len(names) > 0 {
			dc.me.Host = strings.TrimSuffix(names[0], ".")
			found = true
		}
	}

	if found {
		dc.SendMessage("", "NOTICE", "AUTH", fmt.Sprintf("*** Found your hostname (%s)", dc.me.Host))
	} else {
		dc.SendMessage("", "NOTICE", "AUTH", fmt.Sprintf("*** Couldn't look up your hostname, using your IP address instead (%s)", dc.me.Host))
	}
}

// Close sends an ERROR with the given message before shutting the
// connection down.
func (dc *downstreamConn) Close(message string) {
	if !dc.isClosed() {
		dc.SendMessage("", "ERROR", message)
	}
	dc.conn.Close(message)
}

func (dc *downstreamConn) handleUnknownCommand(nickobj *Nick, command string, params []string) {
	dc.sendReply("ERR_UNKNOWNCOMMAND", []string{command})
}

// registerUser attempts registration once nick, user and password have
// all arrived. Authentication runs on this connection's read loop; on
// success the owning session finishes the handshake on its own
// goroutine via completeRegistration.
func (dc *downstreamConn) registerUser() {
	if dc.registered || dc.me.Nick == "" || dc.me.User == "" {
		return
	}

	if dc.password == "" {
		dc.SendMessage("", "NOTICE", "AUTH", "*** Your client did not send a password, please use /QUOTE PASS <password> to send one now.")
		return
	}

	dc.factory.Authentication.Invoke(dc.handler, dc.me.User, dc.password)
	dc.password = ""

	if dc.owner == nil {
		authenticationFailuresTotal.Inc()
		dc.Close("Authentication failed: Invalid user credentials.")
		return
	}

	dc.owner.events <- eventDownstreamRegistered{dc}
}

// completeRegistration runs on the session goroutine. Firing the base
// registration event lets the session attach and mirror state before
// the welcome burst; replaying VERSION and MOTD through the regular
// dispatch path then emits ISUPPORT and the MOTD from the mirror.
func (dc *downstreamConn) completeRegistration() {
	dc.conn.registerUser()

	dc.sendReply("RPL_WELCOME", nil, dc.me.String())

	dc.processLine("VERSION")
	dc.processLine("MOTD")
}

func registerDownstreamHandlers(f *ConnectionFactory) {
	handler := func(command string, h func(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult) {
		f.CommandReceived.AddListener(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
			nickobj, params := commandArgs(args)
			return h(sender.(*downstreamConn), nickobj, params)
		}, Handler, MatchCommand(command), false)
	}

	handler("USER", downstreamUSER)
	handler("NICK", downstreamNICK)
	handler("PASS", downstreamPASS)
	handler("QUIT", downstreamQUIT)
	handler("VERSION", downstreamVERSION)
	handler("MOTD", downstreamMOTD)
	handler("NAMES", downstreamNAMES)
	handler("TOPIC", downstreamTOPIC)
}

// USER shroud * 0 :Gunnar Beutner
func downstreamUSER(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) < 4 {
		dc.sendReply("ERR_NEEDMOREPARAMS", []string{"USER"})
		return Handled
	}

	if dc.registered {
		dc.sendReply("ERR_ALREADYREGISTRED", nil)
		return Handled
	}

	dc.me.User = params[0]
	dc.me.Realname = params[3]

	dc.registerUser()

	return Handled
}

// NICK shroud_
func downstreamNICK(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) < 1 {
		dc.sendReply("ERR_NONICKNAMEGIVEN", []string{"NICK"})
		return Handled
	}

	nick := params[0]

	if nick == dc.me.Nick {
		return Handled
	}

	if strings.Contains(nick, " ") {
		dc.sendReply("ERR_ERRONEUSNICKNAME", []string{nick})
		return Handled
	}

	if !dc.registered {
		dc.me.Nick = nick
		dc.registerUser()
		return Handled
	}

	dc.SendMessage(dc.me.String(), "NICK", nick)
	dc.me.Nick = nick

	// Fall through so the session can notify the upstream.
	return Continue
}

// PASS topsecret
func downstreamPASS(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) < 1 {
		dc.sendReply("ERR_NEEDMOREPARAMS", []string{"PASS"})
		return Handled
	}

	if dc.registered {
		dc.sendReply("ERR_ALREADYREGISTRED", nil)
		return Handled
	}

	dc.password = params[0]

	dc.registerUser()

	return Handled
}

func downstreamQUIT(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	dc.Close("Goodbye.")

	return Handled
}

// VERSION
func downstreamVERSION(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) > 0 || !dc.registered {
		return Continue
	}

	keys := make([]string, 0, len(dc.isupport))
	for key := range dc.isupport {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var attribs []string
	length := 0

	for _, key := range keys {
		attrib := key
		if value := dc.isupport[key]; value != "" {
			attrib = key + "=" + value
		}

		if length+len(attrib) > 300 && len(attribs) > 0 {
			dc.sendReply("RPL_ISUPPORT", attribs)
			attribs = nil
			length = 0
		}

		attribs = append(attribs, attrib)
		length += len(attrib)
	}

	if len(attribs) > 0 {
		dc.sendReply("RPL_ISUPPORT", attribs)
	}

	return Handled
}

// MOTD
func downstreamMOTD(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if !dc.registered {
		return Continue
	}

	if len(dc.motd) > 0 {
		dc.sendReply("RPL_MOTDSTART", nil, dc.server.Nick)

		for _, line := range dc.motd {
			dc.sendReply("RPL_MOTD", nil, line)
		}

		dc.sendReply("RPL_ENDMOTD", nil)
	} else {
		dc.sendReply("ERR_NOMOTD", nil)
	}

	return Handled
}

// NAMES #sbncng
func downstreamNAMES(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) != 1 || strings.Contains(params[0], ",") || !dc.registered {
		return Continue
	}

	channel := params[0]

	channelobj, ok := dc.channels[channel]
	if !ok || !channelobj.HasNames {
		return Continue
	}

	chantype := "="
	if channelobj.HasModes {
		if strings.Contains(channelobj.Modes, "s") {
			chantype = "@"
		} else if strings.Contains(channelobj.Modes, "p") {
			chantype = "*"
		}
	}

	prefixSpec := dc.isupport["PREFIX"]

	var nicklist []string
	length := 0

	for _, membership := range channelobj.Members() {
		token := membership.prefixes(prefixSpec) + membership.Nick.Nick

		if length+len(token) > 300 && len(nicklist) > 0 {
			dc.sendReply("RPL_NAMREPLY", []string{chantype, channel, strings.Join(nicklist, " ")})
			nicklist = nil
			length = 0
		}

		nicklist = append(nicklist, token)
		length += len(token)
	}

	if len(nicklist) > 0 {
		dc.sendReply("RPL_NAMREPLY", []string{chantype, channel, strings.Join(nicklist, " ")})
	}

	dc.sendReply("RPL_ENDOFNAMES", []string{channel})

	return Handled
}

// TOPIC #sbncng
func downstreamTOPIC(dc *downstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) != 1 || !dc.registered {
		return Continue
	}

	channel := params[0]

	channelobj, ok := dc.channels[channel]
	if !ok || !channelobj.HasTopic {
		return Continue
	}

	if !channelobj.TopicSet {
		dc.sendReply("RPL_NOTOPIC", []string{channel})
	} else {
		dc.sendReply("RPL_TOPIC", []string{channel, channelobj.TopicText})

		topicNick := ""
		if channelobj.TopicNick != nil {
			topicNick = channelobj.TopicNick.String()
		}
		dc.sendReply("RPL_TOPICWHOTIME", []string{channel, topicNick, strconv.FormatInt(channelobj.TopicTime.Unix(), 10)})
	}

	return Handled
}
