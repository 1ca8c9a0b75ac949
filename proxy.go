package sbnc

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// TODO: make configurable
var keepAlivePeriod = time.Minute

const (
	reconnectTickInterval  = 10 * time.Second
	reconnectGlobalMinWait = time.Minute
	reconnectUserMinWait   = 2 * time.Minute
)

func setKeepAlive(c net.Conn) error {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("cannot enable keep-alive on a non-TCP connection")
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}

// Proxy ties the two connection factories together: it authenticates
// downstream clients against the user table, attaches them to their
// session and shovels commands between the two sides. Plugins consume
// the high-level events and never touch the factory-level ones.
type Proxy struct {
	Logger Logger

	config ConfigNode

	upstreamFactory   *ConnectionFactory
	downstreamFactory *ConnectionFactory

	ClientRegistration     *Event
	IrcRegistration        *Event
	ClientCommandReceived  *Event
	IrcCommandReceived     *Event
	ClientConnectionClosed *Event
	IrcConnectionClosed    *Event

	services *ServiceRegistry

	lock  sync.Mutex
	users map[string]*user

	lastReconnect  time.Time
	reconnectTimer *Timer
}

func NewProxy(logger Logger, config ConfigNode) *Proxy {
	if logger == nil {
		logger = stdLogger
	}

	p := &Proxy{
		Logger:            logger,
		config:            config,
		upstreamFactory:   newUpstreamFactory(logger),
		downstreamFactory: newDownstreamFactory(logger),
		services:          NewServiceRegistry(),
		users:             make(map[string]*user),
	}

	p.ClientRegistration = NewEvent()
	p.ClientRegistration.Bind(p.downstreamFactory.Registration, nil)
	p.IrcRegistration = NewEvent()
	p.IrcRegistration.Bind(p.upstreamFactory.Registration, nil)
	p.ClientCommandReceived = NewEvent()
	p.ClientCommandReceived.Bind(p.downstreamFactory.CommandReceived, nil)
	p.IrcCommandReceived = NewEvent()
	p.IrcCommandReceived.Bind(p.upstreamFactory.CommandReceived, nil)
	p.ClientConnectionClosed = NewEvent()
	p.ClientConnectionClosed.Bind(p.downstreamFactory.ConnectionClosed, nil)
	p.IrcConnectionClosed = NewEvent()
	p.IrcConnectionClosed.Bind(p.upstreamFactory.ConnectionClosed, nil)

	p.downstreamFactory.NewConnection.AddPreObserver(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		downstreamConnectionsTotal.Inc()
		return Continue
	}, nil)

	// Appended so plugin-supplied authentication handlers run first.
	p.downstreamFactory.Authentication.AddListener(p.handleAuthentication, Handler, nil, true)

	p.downstreamFactory.Registration.AddPreObserver(p.handleDownstreamRegistration, nil)
	p.downstreamFactory.Registration.AddPostObserver(p.scheduleReplay, nil)
	p.upstreamFactory.Registration.AddPostObserver(p.handleUpstreamRegistration, nil)

	// Appended so every other handler gets first crack before a
	// command is forwarded to the opposite side.
	p.downstreamFactory.CommandReceived.AddListener(p.forwardToUpstream, Handler, nil, true)
	p.upstreamFactory.CommandReceived.AddListener(p.forwardToDownstreams, Handler, nil, true)

	p.services.Register(ProxyPackage, p)

	return p
}

func (p *Proxy) handleAuthentication(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || len(args) < 2 {
		return Continue
	}

	username, _ := args[0].(string)
	password, _ := args[1].(string)

	u := p.getUser(username)
	if u == nil || !u.checkPassword(password) {
		return Continue
	}

	dc.owner = u
	return Handled
}

func (p *Proxy) handleDownstreamRegistration(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || dc.owner == nil {
		return Continue
	}

	dc.owner.attachDownstream(dc)
	return Continue
}

// scheduleReplay defers the JOIN/TOPIC/NAMES replay until after the
// welcome burst has been flushed, via a zero-interval timer posting
// back to the session goroutine.
func (p *Proxy) scheduleReplay(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || dc.owner == nil {
		return Continue
	}

	u := dc.owner
	t := NewTimer(0, func() bool {
		u.events <- eventReplayDownstream{dc}
		return false
	})
	t.Start()

	return Continue
}

func (p *Proxy) handleUpstreamRegistration(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	uc, ok := sender.(*upstreamConn)
	if !ok || uc.owner == nil {
		return Continue
	}

	uc.owner.handleUpstreamRegistered(uc)
	return Continue
}

func (p *Proxy) forwardToUpstream(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || !dc.registered || dc.owner == nil {
		return Continue
	}

	command, _ := args[0].(string)
	nickobj, params := commandArgs(args)

	switch command {
	case "PASS", "USER", "QUIT":
		return Continue
	}

	uc := dc.owner.upstream
	if uc == nil || (!uc.registered && command != "NICK") {
		return Continue
	}

	prefix := ""
	if nickobj != nil {
		prefix = nickobj.String()
	}
	uc.SendMessage(prefix, command, params...)

	return Handled
}

func (p *Proxy) forwardToDownstreams(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	uc, ok := sender.(*upstreamConn)
	if !ok || !uc.registered || uc.owner == nil {
		return Continue
	}

	command, _ := args[0].(string)
	nickobj, params := commandArgs(args)

	if command == "ERROR" {
		return Continue
	}

	uc.owner.forEachDownstream(func(dc *downstreamConn) {
		prefix := ""
		switch {
		case nickobj == uc.server:
			prefix = dc.server.Nick
		case nickobj != nil:
			prefix = nickobj.String()
		}
		dc.SendMessage(prefix, command, params...)
	})

	return Handled
}

// Run loads every configured user and arms the reconnect timer. It
// returns once the bouncer is serving; connections are handled by
// their own goroutines.
func (p *Proxy) Run() error {
	usersNode := p.config.Child("users")

	children := usersNode.Children()
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	p.lock.Lock()
	for _, node := range children {
		name := node.Name()
		p.Logger.Printf("starting bouncer for user %q", name)
		u := newUser(p, name, node)
		p.users[name] = u

		go u.run()
	}
	p.lock.Unlock()

	p.reconnectTimer = NewTimer(reconnectTickInterval, p.reconnectTick)
	p.reconnectTimer.Start()

	return nil
}

// Stop cancels the reconnect timer and shuts down every session.
func (p *Proxy) Stop() {
	if p.reconnectTimer != nil {
		p.reconnectTimer.Cancel()
	}

	p.lock.Lock()
	users := make([]*user, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	p.lock.Unlock()

	for _, u := range users {
		u.stop()
	}
}

// reconnectTick connects the first user that has no upstream and whose
// previous attempt is old enough. At most one attempt is made per tick
// and attempts are spaced at least a minute apart globally.
func (p *Proxy) reconnectTick() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := time.Now()

	if !p.lastReconnect.IsZero() && now.Sub(p.lastReconnect) < reconnectGlobalMinWait {
		return true
	}

	names := make([]string, 0, len(p.users))
	for name := range p.users {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		u := p.users[name]

		if u.hasUpstream.Load() {
			continue
		}
		if !u.lastReconnect.IsZero() && now.Sub(u.lastReconnect) < reconnectUserMinWait {
			continue
		}
		if _, ok := u.serverAddress(); !ok {
			continue
		}

		u.lastReconnect = now
		p.lastReconnect = now
		if err := u.config.Set("last_reconnect", now.Unix()); err != nil {
			u.logger.Printf("failed to persist last_reconnect: %v", err)
		}

		u.events <- eventReconnect{}
		break
	}

	return true
}

func (p *Proxy) forEachUser(f func(u *user)) {
	p.lock.Lock()
	users := make([]*user, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	p.lock.Unlock()

	for _, u := range users {
		f(u)
	}
}

func (p *Proxy) getUser(name string) *user {
	p.lock.Lock()
	u := p.users[name]
	p.lock.Unlock()
	return u
}

// CreateUser adds a user with the given password and starts its
// session.
func (p *Proxy) CreateUser(name, password string) (*user, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.users[name]; ok {
		return nil, fmt.Errorf("user %q already exists", name)
	}

	node := p.config.Child("users").Child(name)
	u := newUser(p, name, node)
	if err := u.setPassword(password); err != nil {
		return nil, err
	}

	p.users[name] = u
	go u.run()

	return u, nil
}

// RemoveUser stops a user's session, disconnects its connections and
// deletes its config subtree.
func (p *Proxy) RemoveUser(name string) error {
	p.lock.Lock()
	u, ok := p.users[name]
	if !ok {
		p.lock.Unlock()
		return fmt.Errorf("no such user %q", name)
	}
	delete(p.users, name)
	p.lock.Unlock()

	u.stop()

	return p.config.Child("users").RemoveChild(name)
}

// Serve accepts downstream client connections on ln until the listener
// is closed.
func (p *Proxy) Serve(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		setKeepAlive(netConn)

		p.downstreamFactory.Create(netConn, netConn.RemoteAddr().String()).Start()
	}
}
