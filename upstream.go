package sbnc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// upstreamConn is the bouncer's connection to a real IRC network. It
// performs the client side of the registration handshake and keeps
// the authoritative channel/nick/topic state that downstream
// connections mirror.
type upstreamConn struct {
	*conn

	regNickname string
	regUsername string
	regRealname string
	regPassword string
}

func newUpstreamFactory(logger Logger) *ConnectionFactory {
	f := newConnectionFactory(logger, func(f *ConnectionFactory, netConn net.Conn, addr string) ircConn {
		uc := &upstreamConn{
			conn: newConn(f, netConn, addr, upstreamRegistrationTimeout, &prefixLogger{logger, fmt.Sprintf("upstream %q: ", addr)}),
		}
		uc.conn.handler = uc
		return uc
	})
	registerUpstreamHandlers(f)
	return f
}

func (uc *upstreamConn) handleConnectionMade() {
	uc.startRegistrationTimer()

	if uc.regNickname == "" || uc.regUsername == "" || uc.regRealname == "" {
		uc.logger.Printf("missing registration credentials, closing")
		uc.Close("")
		return
	}

	if uc.regPassword != "" {
		uc.SendMessage("", "PASS", uc.regPassword)
	}

	uc.SendMessage("", "USER", uc.regUsername, "0", "*", uc.regRealname)
	uc.SendMessage("", "NICK", uc.regNickname)
}

// Close sends a QUIT with the given message, if any, before shutting
// the connection down.
func (uc *upstreamConn) Close(message string) {
	if message != "" && !uc.isClosed() {
		uc.SendMessage("", "QUIT", message)
	}
	uc.conn.Close(message)
}

func (uc *upstreamConn) handleUnknownCommand(nickobj *Nick, command string, params []string) {
	uc.logger.Printf("unhandled command %q with params %v", command, params)
}

// registerUpstreamHandlers installs the built-in protocol handlers on
// the factory's command event. PING and ERROR are Handlers so nothing
// else, the session forwarder included, sees them; state bookkeeping
// runs as pre-observers so it happens whether or not a handler claims
// the command.
func registerUpstreamHandlers(f *ConnectionFactory) {
	handler := func(command string, h func(uc *upstreamConn, nickobj *Nick, params []string) HandlerResult) {
		f.CommandReceived.AddListener(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
			nickobj, params := commandArgs(args)
			return h(sender.(*upstreamConn), nickobj, params)
		}, Handler, MatchCommand(command), false)
	}
	observer := func(command string, h func(uc *upstreamConn, nickobj *Nick, params []string)) {
		f.CommandReceived.AddListener(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
			nickobj, params := commandArgs(args)
			h(sender.(*upstreamConn), nickobj, params)
			return Continue
		}, PreObserver, MatchCommand(command), false)
	}

	handler("PING", upstreamPING)
	handler("ERROR", upstreamERROR)
	observer("001", upstream001)
	observer("005", upstream005)
	observer("305", upstream305)
	observer("306", upstream306)
	observer("375", upstream375)
	observer("372", upstream372)
	observer("NICK", upstreamNICK)
	observer("JOIN", upstreamJOIN)
	observer("PART", upstreamPART)
	observer("KICK", upstreamKICK)
	observer("QUIT", upstreamQUIT)
	observer("353", upstream353)
	observer("366", upstream366)
	observer("433", upstream433)
	observer("331", upstream331)
	observer("332", upstream332)
	observer("333", upstream333)
	observer("TOPIC", upstreamTOPIC)
	observer("329", upstream329)
}

// commandArgs unpacks the (command, nickobj, params) dispatch
// arguments, dropping the command which the filter already matched.
func commandArgs(args []interface{}) (*Nick, []string) {
	nickobj, _ := args[1].(*Nick)
	params, _ := args[2].([]string)
	return nickobj, params
}

// PING :wineasy1.se.quakenet.org
func upstreamPING(uc *upstreamConn, nickobj *Nick, params []string) HandlerResult {
	if len(params) < 1 {
		return Continue
	}

	uc.SendMessage("", "PONG", params[0])

	return Handled
}

// ERROR :Closing Link: (Ping timeout)
func upstreamERROR(uc *upstreamConn, nickobj *Nick, params []string) HandlerResult {
	uc.conn.Close("")

	return Handled
}

// :wineasy1.se.quakenet.org 001 shroud_ :Welcome to the QuakeNet IRC Network, shroud_
func upstream001(uc *upstreamConn, nickobj *Nick, params []string) {
	uc.me.Nick = uc.regNickname
	uc.server = nickobj

	uc.registerUser()
}

// :wineasy1.se.quakenet.org 005 shroud_ WHOX SILENCE=15 MODES=6 NICKLEN=15 :are supported by this server
func upstream005(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 3 {
		return
	}

	for _, attrib := range params[1 : len(params)-1] {
		key, value, _ := strings.Cut(attrib, "=")
		uc.isupport[key] = value
	}
}

func upstream305(uc *upstreamConn, nickobj *Nick, params []string) {
	uc.me.Away = false
}

func upstream306(uc *upstreamConn, nickobj *Nick, params []string) {
	uc.me.Away = true
}

// :wineasy1.se.quakenet.org 375 shroud_ :- wineasy1.se.quakenet.org Message of the Day -
func upstream375(uc *upstreamConn, nickobj *Nick, params []string) {
	uc.motd = uc.motd[:0]
}

// :wineasy1.se.quakenet.org 372 shroud_ :- ** [ wineasy.se.quakenet.org ] ****
func upstream372(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 2 {
		return
	}

	uc.motd = append(uc.motd, strings.TrimPrefix(params[1], "- "))
}

// :shroud_!~shroud@example.net NICK :shroud__
func upstreamNICK(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 1 || nickobj == nil {
		return
	}

	if nickobj == uc.me {
		uc.me.Nick = params[0]
		return
	}

	uc.renameNick(nickobj, params[0])
}

// :shroud_!~shroud@example.net JOIN #sbncng
func upstreamJOIN(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 1 {
		return
	}

	channel := params[0]

	var channelobj *Channel
	if nickobj == uc.me {
		channelobj = newChannel(uc.conn, channel)
		uc.channels[channel] = channelobj
	} else {
		var ok bool
		if channelobj, ok = uc.channels[channel]; !ok {
			return
		}
	}

	channelobj.AddNick(nickobj)
}

// :shroud_!~shroud@example.net PART #sbncng
func upstreamPART(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 1 {
		return
	}

	channelobj, ok := uc.channels[params[0]]
	if !ok {
		return
	}

	if nickobj == uc.me {
		uc.removeChannel(params[0])
	} else {
		channelobj.RemoveNick(nickobj)
	}
}

// :shroud_!~shroud@example.net KICK #sbncng sbncng :get out
func upstreamKICK(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 2 {
		return
	}

	channelobj, ok := uc.channels[params[0]]
	if !ok {
		return
	}

	victimobj := uc.GetNick(params[1])

	if victimobj == uc.me {
		uc.removeChannel(params[0])
	} else {
		channelobj.RemoveNick(victimobj)
	}
}

// :shroud_!~shroud@example.net QUIT :Remote host closed the connection
func upstreamQUIT(uc *upstreamConn, nickobj *Nick, params []string) {
	if nickobj == nil {
		return
	}

	for _, channelobj := range uc.channels {
		channelobj.RemoveNick(nickobj)
	}
}

// removeChannel drops a channel and releases every membership it still
// holds so the nick index can evict orphaned entries.
func (uc *upstreamConn) removeChannel(name string) {
	channelobj, ok := uc.channels[name]
	if !ok {
		return
	}
	for _, m := range channelobj.Members() {
		channelobj.RemoveNick(m.Nick)
	}
	delete(uc.channels, name)
}

// :wineasy1.se.quakenet.org 353 shroud_ = #sbncng :shroud_ @shroud
func upstream353(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 4 {
		return
	}

	channelobj, ok := uc.channels[params[2]]
	if !ok {
		return
	}

	prefixSpec := uc.isupport["PREFIX"]

	for _, token := range strings.Fields(params[3]) {
		nick := token
		modes := ""

		// NAMESX servers report multiple prefixes per nick.
		for len(nick) > 0 {
			mode, ok := prefixToMode(prefixSpec, nick[0])
			if !ok {
				break
			}
			nick = nick[1:]
			modes += string(mode)
		}

		if nick == "" {
			continue
		}

		membership := channelobj.AddNick(uc.GetNick(nick))
		membership.Modes = modes
	}
}

// :wineasy1.se.quakenet.org 366 shroud_ #sbncng :End of /NAMES list.
func upstream366(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 2 {
		return
	}

	if channelobj, ok := uc.channels[params[1]]; ok {
		channelobj.HasNames = true
	}
}

// :underworld2.no.quakenet.org 433 * shroud :Nickname is already in use.
func upstream433(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 2 || uc.registered {
		return
	}

	uc.regNickname = params[1] + "_"
	uc.SendMessage("", "NICK", uc.regNickname)
}

// :underworld2.no.quakenet.org 331 shroud #sbncng :No topic is set
func upstream331(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 3 {
		return
	}

	channelobj, ok := uc.channels[params[1]]
	if !ok {
		return
	}

	channelobj.TopicText = ""
	channelobj.TopicNick = nil
	channelobj.TopicTime = time.Time{}
	channelobj.TopicSet = false
	channelobj.HasTopic = true
}

// :underworld2.no.quakenet.org 332 shroud #sbncng :some topic
func upstream332(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 3 {
		return
	}

	channelobj, ok := uc.channels[params[1]]
	if !ok {
		return
	}

	channelobj.TopicText = params[2]
	channelobj.TopicSet = true

	if channelobj.TopicNick != nil {
		channelobj.HasTopic = true
	}
}

// :underworld2.no.quakenet.org 333 shroud #sbncng shroud 1297723476
func upstream333(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 4 {
		return
	}

	channelobj, ok := uc.channels[params[1]]
	if !ok {
		return
	}

	ts, err := strconv.ParseInt(params[3], 10, 64)
	if err != nil {
		return
	}

	channelobj.TopicNick = newNick(params[2])
	channelobj.TopicTime = time.Unix(ts, 0)

	// The attribution alone does not reveal the topic text; only a
	// preceding 332 makes the mirror authoritative.
	if channelobj.TopicSet {
		channelobj.HasTopic = true
	}
}

// :shroud_!~shroud@example.net TOPIC #sbncng :new topic
func upstreamTOPIC(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 2 {
		return
	}

	channelobj, ok := uc.channels[params[0]]
	if !ok {
		return
	}

	channelobj.TopicText = params[1]
	channelobj.TopicSet = true
	if nickobj != nil {
		channelobj.TopicNick = nickobj.clone()
	}
	channelobj.TopicTime = time.Now()
	channelobj.HasTopic = true
}

// :underworld2.no.quakenet.org 329 shroud #sbncng 1233690341
func upstream329(uc *upstreamConn, nickobj *Nick, params []string) {
	if len(params) < 3 {
		return
	}

	channelobj, ok := uc.channels[params[1]]
	if !ok {
		return
	}

	ts, err := strconv.ParseInt(params[2], 10, 64)
	if err != nil {
		return
	}

	channelobj.CreationTime = time.Unix(ts, 0)
}
