package sbnc

import (
	"crypto/subtle"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type event interface{}

type eventConnLine struct {
	c    ircConn
	line string
}

type eventConnClosed struct {
	c ircConn
}

type eventDownstreamRegistered struct {
	dc *downstreamConn
}

type eventReplayDownstream struct {
	dc *downstreamConn
}

type eventReconnect struct{}

// eventFunc runs an arbitrary closure on the session goroutine; used
// by plugins that need to touch another user's session state.
type eventFunc struct {
	f func()
}

type eventStop struct{}

// user is one bouncer account: at most one upstream connection and any
// number of attached downstream clients. All session state is owned by
// the goroutine running run(); connections and timers communicate with
// it exclusively through the events channel.
type user struct {
	proxy  *Proxy
	Name   string
	config ConfigNode
	logger Logger

	events chan event
	done   chan struct{}

	upstream    *upstreamConn
	downstreams []*downstreamConn

	// hasUpstream mirrors upstream != nil for the reconnect timer,
	// which runs outside the session goroutine.
	hasUpstream atomic.Bool

	lastReconnect time.Time
}

func newUser(proxy *Proxy, name string, config ConfigNode) *user {
	u := &user{
		proxy:  proxy,
		Name:   name,
		config: config,
		logger: &prefixLogger{proxy.Logger, fmt.Sprintf("user %q: ", name)},
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}

	if ts := configInt(config, "last_reconnect", 0); ts > 0 {
		u.lastReconnect = time.Unix(ts, 0)
	}

	return u
}

func (u *user) run() {
	defer close(u.done)

	for e := range u.events {
		switch e := e.(type) {
		case eventConnLine:
			c := e.c.base()
			if !c.isClosed() {
				c.processLine(e.line)
			}
		case eventConnClosed:
			u.handleConnClosed(e.c)
		case eventDownstreamRegistered:
			e.dc.completeRegistration()
		case eventReplayDownstream:
			u.replayState(e.dc)
		case eventReconnect:
			u.reconnectToIRC()
		case eventFunc:
			e.f()
		case eventStop:
			if u.upstream != nil {
				u.upstream.Close("Shutting down.")
			}
			for _, dc := range u.downstreams {
				dc.Close("Shutting down.")
			}
			return
		default:
			panic(fmt.Sprintf("received unknown event type: %T", e))
		}
	}
}

func (u *user) stop() {
	u.events <- eventStop{}
	<-u.done
}

func (u *user) forEachDownstream(f func(dc *downstreamConn)) {
	for _, dc := range u.downstreams {
		if !dc.registered {
			continue
		}
		f(dc)
	}
}

// handleConnClosed does the session-side bookkeeping for a dead
// connection, then fires the factory-level closed event so plugins see
// the post-close state.
func (u *user) handleConnClosed(c ircConn) {
	switch c := c.(type) {
	case *upstreamConn:
		if c == u.upstream {
			u.handleUpstreamClosed(c)
		}
	case *downstreamConn:
		u.handleDownstreamClosed(c)
	}

	c.base().factory.ConnectionClosed.Invoke(c)
}

func (u *user) handleUpstreamClosed(uc *upstreamConn) {
	u.logger.Printf("lost connection to %q", uc.addr)
	upstreamDisconnectsTotal.Inc()

	u.forEachDownstream(func(dc *downstreamConn) {
		for name := range dc.channels {
			dc.SendMessage(dc.server.Nick, "KICK", name, dc.me.Nick, "You were disconnected from the IRC server.")
		}
		dc.channels = make(map[string]*Channel)
		dc.nicks = make(map[string]*Nick)
	})

	u.upstream = nil
	u.hasUpstream.Store(false)
}

func (u *user) handleDownstreamClosed(dc *downstreamConn) {
	for i, c := range u.downstreams {
		if c == dc {
			u.downstreams = append(u.downstreams[:i], u.downstreams[i+1:]...)
			break
		}
	}
}

// attachDownstream runs as a registration pre-observer, before the
// welcome burst: force-sync the client's nick with the upstream's and
// mirror the upstream's view into the client connection so the
// VERSION/MOTD/TOPIC/NAMES handlers answer from it.
func (u *user) attachDownstream(dc *downstreamConn) {
	u.downstreams = append(u.downstreams, dc)
	downstreamRegistrationsTotal.Inc()

	uc := u.upstream
	if uc == nil {
		return
	}

	if uc.registered && dc.me.Nick != uc.me.Nick {
		dc.SendMessage(dc.me.String(), "NICK", uc.me.Nick)
		dc.me.Nick = uc.me.Nick

		uc.SendMessage("", "NICK", dc.me.Nick)
	}

	dc.motd = uc.motd
	dc.isupport = uc.isupport
	dc.channels = uc.channels
	dc.nicks = uc.nicks
}

// handleUpstreamRegistered renicks downstreams that registered before
// the upstream settled on its final nickname.
func (u *user) handleUpstreamRegistered(uc *upstreamConn) {
	u.forEachDownstream(func(dc *downstreamConn) {
		if dc.me.Nick == uc.me.Nick {
			return
		}
		dc.SendMessage(dc.me.String(), "NICK", uc.me.Nick)
		dc.me.Nick = uc.me.Nick
	})
}

// serverAddress reads the user's configured upstream endpoint, a
// [host, port] pair.
func (u *user) serverAddress() (string, bool) {
	var addr []interface{}
	if !configValue(u.config, "server_address", &addr) || len(addr) != 2 {
		return "", false
	}

	host, ok := addr[0].(string)
	if !ok {
		return "", false
	}

	var port int
	switch p := addr[1].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	case string:
		var err error
		if port, err = strconv.Atoi(p); err != nil {
			return "", false
		}
	default:
		return "", false
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// reconnectToIRC tears down any existing upstream and dials a new one
// using the user's configured identity.
func (u *user) reconnectToIRC() {
	if u.upstream != nil {
		u.upstream.Close("Reconnecting.")
		u.upstream = nil
		u.hasUpstream.Store(false)
	}

	addr, ok := u.serverAddress()
	if !ok {
		return
	}

	u.logger.Printf("connecting to %q", addr)
	upstreamConnectsTotal.Inc()

	uc := u.proxy.upstreamFactory.Create(nil, addr).(*upstreamConn)
	uc.regNickname = configString(u.config, "nick", u.Name)
	uc.regUsername = configString(u.config, "username", "sbncng")
	uc.regRealname = configString(u.config, "realname", "sbncng client")
	uc.regPassword = configString(u.config, "server_password", "")
	uc.conn.owner = u

	u.upstream = uc
	u.hasUpstream.Store(true)

	uc.Start()
}

// checkPassword verifies a client-supplied password against the stored
// credential. Bcrypt hashes are recognised by their prefix; anything
// else is compared as plaintext so hand-edited configs keep working.
func (u *user) checkPassword(password string) bool {
	stored := configString(u.config, "password", "")
	if stored == "" {
		return false
	}

	if isBcryptHash(stored) {
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
		return err == nil
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

func (u *user) setPassword(password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return u.config.Set("password", hash)
}

func (u *user) isAdmin() bool {
	return configBool(u.config, "admin", false)
}

func isBcryptHash(s string) bool {
	return len(s) > 4 && s[0] == '$' && s[1] == '2'
}

// HashPassword hashes a user password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %v", err)
	}
	return string(hash), nil
}
