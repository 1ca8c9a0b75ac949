package sbnc

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

var connectTimeout = 15 * time.Second

const (
	upstreamRegistrationTimeout   = 30 * time.Second
	downstreamRegistrationTimeout = 60 * time.Second
)

// ircConn is one side of the bouncer: either an upstreamConn speaking
// to a real IRC server or a downstreamConn speaking to a user's
// client. The shared plumbing lives in conn.
type ircConn interface {
	Start()
	Close(message string)
	base() *conn
	handleConnectionMade()
	handleUnknownCommand(nickobj *Nick, command string, params []string)
}

func defaultISupport() map[string]string {
	return map[string]string{
		"CHANMODES": "bIe,k,l",
		"CHANTYPES": "#&+",
		"PREFIX":    "(ov)@+",
		"NAMESX":    "",
	}
}

// conn is the line-oriented duplex channel shared by both connection
// kinds: a read loop dispatching into the event bus, an outbound
// writer draining a FIFO queue, and the per-connection IRC state
// (own/server identity, isupport, motd, nick index, channels).
//
// State behind a registered connection is owned by the session
// goroutine; the read loop hands parsed lines over via the owner's
// event channel. Before an owner is attached every line is handled on
// the reader goroutine itself.
type conn struct {
	factory *ConnectionFactory
	handler ircConn
	logger  Logger

	addr    string
	netConn net.Conn

	// Per-instance views of the factory-level events, bound with a
	// source filter so listeners only see this connection.
	ConnectionClosed *Event
	Registration     *Event
	CommandReceived  *Event

	me     *Nick
	server *Nick

	registered bool
	isupport   map[string]string
	motd       []string
	nicks      map[string]*Nick
	channels   map[string]*Channel

	owner *user

	outgoing chan string

	sendMu sync.Mutex
	closed bool

	regTimeout time.Duration
	regTimer   *Timer
}

func newConn(f *ConnectionFactory, netConn net.Conn, addr string, regTimeout time.Duration, logger Logger) *conn {
	c := &conn{
		factory:    f,
		logger:     logger,
		addr:       addr,
		netConn:    netConn,
		me:         &Nick{},
		server:     &Nick{},
		isupport:   defaultISupport(),
		nicks:      make(map[string]*Nick),
		channels:   make(map[string]*Channel),
		outgoing:   make(chan string, 64),
		regTimeout: regTimeout,
	}

	// The typed wrapper is attached after construction, so the filter
	// resolves c.handler at dispatch time rather than capturing it.
	fromSelf := func(evt *Event, sender interface{}, args []interface{}) bool {
		return sender == c.handler
	}
	c.ConnectionClosed = NewEvent()
	c.ConnectionClosed.Bind(f.ConnectionClosed, fromSelf)
	c.Registration = NewEvent()
	c.Registration.Bind(f.Registration, fromSelf)
	c.CommandReceived = NewEvent()
	c.CommandReceived.Bind(f.CommandReceived, fromSelf)

	return c
}

func (c *conn) base() *conn { return c }

// Start spawns the connection's tasks: it dials if no socket was
// supplied, runs the outbound writer and then the read loop. The
// factory's ConnectionClosed event fires exactly once after the read
// loop exits, whatever the exit path.
func (c *conn) Start() {
	go c.run()
}

func (c *conn) run() {
	defer func() {
		c.closeBase()
		if u := c.owner; u != nil {
			u.events <- eventConnClosed{c.handler}
		} else {
			c.factory.ConnectionClosed.Invoke(c.handler)
		}
	}()

	if c.netConn == nil {
		netConn, err := net.DialTimeout("tcp", c.addr, connectTimeout)
		if err != nil {
			c.logger.Printf("failed to dial %q: %v", c.addr, err)
			return
		}
		c.netConn = netConn
	}

	go c.writeLoop()

	c.handler.handleConnectionMade()

	r := bufio.NewReader(c.netConn)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if u := c.owner; u != nil {
				u.events <- eventConnLine{c.handler, line}
			} else {
				c.processLine(line)
			}
		}
		if err != nil {
			break
		}
	}
}

// writeLoop drains the outbound queue in FIFO order. Closing the
// queue is the shutdown sentinel: the writer closes the socket, which
// in turn unwinds the read loop. After a write error the loop keeps
// draining and discards lines; a sender blocked on a full queue must
// always make progress, or it would wedge Close behind sendMu.
func (c *conn) writeLoop() {
	var werr error
	for line := range c.outgoing {
		if werr != nil {
			continue
		}
		if _, werr = c.netConn.Write([]byte(line + "\r\n")); werr != nil {
			c.netConn.Close()
		}
	}
	c.netConn.Close()
}

// SendLine enqueues a raw line for the outbound writer. It never runs
// I/O on the caller's goroutine.
func (c *conn) SendLine(line string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.outgoing <- line
}

// SendMessage formats and enqueues a message. An empty prefix omits
// the prefix.
func (c *conn) SendMessage(prefix, command string, params ...string) {
	c.SendLine(formatMessage(prefix, command, params...))
}

// Close shuts the connection down: it cancels the registration timer
// and closes the outbound queue so the writer closes the socket.
// Closing twice is safe.
func (c *conn) Close(message string) {
	c.closeBase()
}

func (c *conn) closeBase() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.regTimer != nil {
		c.regTimer.Cancel()
	}
	close(c.outgoing)
}

func (c *conn) isClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed
}

func (c *conn) startRegistrationTimer() {
	c.regTimer = NewTimer(c.regTimeout, func() bool {
		c.handler.Close("Registration timeout detected.")
		return false
	})
	c.regTimer.Start()
}

func (c *conn) cancelRegistrationTimer() {
	if c.regTimer != nil {
		c.regTimer.Cancel()
		c.regTimer = nil
	}
}

// GetNick interns a hostmask into the connection's nick index. The
// connection's own and server identities are matched first; unknown
// nicks get a fresh entry. Every call upgrades the cached user/host
// fields from the hostmask.
func (c *conn) GetNick(hostmask string) *Nick {
	if hostmask == "" {
		return nil
	}

	nick, user, host := parseHostmask(hostmask)

	var nickobj *Nick
	switch {
	case nick == c.me.Nick:
		nickobj = c.me
	case nick == c.server.Nick:
		nickobj = c.server
	default:
		if n, ok := c.nicks[nick]; ok {
			nickobj = n
		} else {
			nickobj = newNick(hostmask)
			c.nicks[nick] = nickobj
		}
	}

	nickobj.updateHostmask(user, host)

	return nickobj
}

func (c *conn) retainNick(n *Nick) {
	n.memberships++
}

func (c *conn) releaseNick(n *Nick) {
	n.memberships--
	if n.memberships > 0 || n == c.me || n == c.server {
		return
	}
	if c.nicks[n.Nick] == n {
		delete(c.nicks, n.Nick)
	}
}

// pruneNick evicts an index entry that no membership retained beyond
// the handler frame that created it.
func (c *conn) pruneNick(n *Nick) {
	if n == nil || n == c.me || n == c.server || n.memberships > 0 {
		return
	}
	if c.nicks[n.Nick] == n {
		delete(c.nicks, n.Nick)
	}
}

func (c *conn) renameNick(n *Nick, newnick string) {
	if c.nicks[n.Nick] == n {
		delete(c.nicks, n.Nick)
		c.nicks[newnick] = n
	}
	n.Nick = newnick
}

func (c *conn) processLine(line string) {
	prefix, command, params := parseMessage(line)
	nickobj := c.GetNick(prefix)
	command = strings.ToUpper(command)
	c.dispatchCommand(nickobj, command, params)
}

func (c *conn) dispatchCommand(nickobj *Nick, command string, params []string) {
	if !c.factory.CommandReceived.Invoke(c.handler, command, nickobj, params) {
		c.handler.handleUnknownCommand(nickobj, command, params)
	}
	c.pruneNick(nickobj)
}

func (c *conn) registerUser() {
	c.cancelRegistrationTimer()
	c.registered = true
	c.factory.Registration.Invoke(c.handler)
}

// ConnectionFactory creates connections of one kind and carries the
// class-level events their instances dispatch on. Handlers registered
// here see every connection the factory created; per-instance events
// are bound children of these.
type ConnectionFactory struct {
	logger Logger
	create func(f *ConnectionFactory, netConn net.Conn, addr string) ircConn

	NewConnection    *Event
	ConnectionClosed *Event
	Registration     *Event
	CommandReceived  *Event

	// Authentication only fires for downstream connections.
	Authentication *Event
}

func newConnectionFactory(logger Logger, create func(f *ConnectionFactory, netConn net.Conn, addr string) ircConn) *ConnectionFactory {
	return &ConnectionFactory{
		logger:           logger,
		create:           create,
		NewConnection:    NewEvent(),
		ConnectionClosed: NewEvent(),
		Registration:     NewEvent(),
		CommandReceived:  NewEvent(),
		Authentication:   NewEvent(),
	}
}

// Create builds a typed connection for the factory's kind and fires
// NewConnection. The caller configures the result and calls Start.
func (f *ConnectionFactory) Create(netConn net.Conn, addr string) ircConn {
	c := f.create(f, netConn, addr)
	f.NewConnection.Invoke(f, c)
	return c
}
