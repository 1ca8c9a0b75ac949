package sbnc

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"gopkg.in/irc.v4"
)

var testServerPrefix = &irc.Prefix{Name: "irc.example.org"}

const (
	testUsername = "alice"
	testPassword = "sbncng-test-password"
	testChannel  = "#chan"
)

type silentLogger struct{}

func (silentLogger) Print(v ...interface{})                 {}
func (silentLogger) Printf(format string, v ...interface{}) {}

// testIRCConn is the test's end of a pipe, with message framing on top.
type testIRCConn struct {
	*irc.Conn
	netConn net.Conn
}

func newTestIRCConn(c net.Conn) *testIRCConn {
	c.SetDeadline(time.Now().Add(10 * time.Second))
	return &testIRCConn{irc.NewConn(c), c}
}

func (c *testIRCConn) Close() error {
	return c.netConn.Close()
}

func expectMessage(t *testing.T, c *testIRCConn, cmd string) *irc.Message {
	t.Helper()

	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
	}
	if msg.Command != cmd {
		t.Fatalf("invalid message received: want %q, got: %v", cmd, msg)
	}
	return msg
}

func expectSkippingNotices(t *testing.T, c *testIRCConn, cmd string) *irc.Message {
	t.Helper()

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
		}
		if msg.Command == "NOTICE" {
			continue
		}
		if msg.Command != cmd {
			t.Fatalf("invalid message received: want %q, got: %v", cmd, msg)
		}
		return msg
	}
}

// readUntil discards messages until one with the given command
// arrives.
func readUntil(t *testing.T, c *testIRCConn, cmd string) *irc.Message {
	t.Helper()

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
		}
		if msg.Command == cmd {
			return msg
		}
	}
}

// memConfig is an in-memory ConfigNode for tests that do not need the
// directory database.
type memConfig struct {
	mu *sync.Mutex

	name     string
	children map[string]*memConfig
	order    []string
	attrs    []ConfigAttr
	seq      int
}

var _ ConfigNode = (*memConfig)(nil)

func newMemConfig() *memConfig {
	return &memConfig{
		mu:       &sync.Mutex{},
		name:     "root",
		children: make(map[string]*memConfig),
	}
}

func (n *memConfig) Name() string { return n.name }

func (n *memConfig) Child(name string) ConfigNode {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.children[name]; ok {
		return c
	}
	c := &memConfig{
		mu:       n.mu,
		name:     name,
		children: make(map[string]*memConfig),
	}
	n.children[name] = c
	n.order = append(n.order, name)
	return c
}

func (n *memConfig) Children() []ConfigNode {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]ConfigNode, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}
	return out
}

func (n *memConfig) RemoveChild(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.children, name)
	for i, o := range n.order {
		if o == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return nil
}

func (n *memConfig) Get(key string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, attr := range n.attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return nil, false
}

func (n *memConfig) Set(key string, value interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, attr := range n.attrs {
		if attr.Key == key {
			n.attrs[i].Value = value
			return nil
		}
	}
	n.attrs = append(n.attrs, ConfigAttr{key, value})
	return nil
}

func (n *memConfig) Unset(key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, attr := range n.attrs {
		if attr.Key == key {
			n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
			break
		}
	}
	return nil
}

func (n *memConfig) Clear() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.attrs = nil
	return nil
}

func (n *memConfig) Attrs() []ConfigAttr {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]ConfigAttr, len(n.attrs))
	copy(out, n.attrs)
	return out
}

func (n *memConfig) Append(value interface{}) (string, error) {
	n.mu.Lock()
	n.seq++
	key := fmt.Sprintf("item-%d", n.seq)
	n.mu.Unlock()

	return key, n.Set(key, value)
}

func newTestProxy(t *testing.T) *Proxy {
	p := NewProxy(silentLogger{}, newMemConfig())
	t.Cleanup(p.Stop)
	return p
}

func createTestProxyUser(t *testing.T, p *Proxy) *user {
	u, err := p.CreateUser(testUsername, testPassword)
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return u
}

// createTestUpstream hands the session a pipe-backed upstream in place
// of a dialed one and returns the server end.
func createTestUpstream(t *testing.T, p *Proxy, u *user) (*upstreamConn, *testIRCConn) {
	c1, c2 := net.Pipe()

	uc := p.upstreamFactory.Create(c1, "irc.example.org:6667").(*upstreamConn)
	uc.regNickname = testUsername
	uc.regUsername = "sbncng"
	uc.regRealname = "sbncng client"
	uc.conn.owner = u

	installed := make(chan struct{})
	u.events <- eventFunc{func() {
		u.upstream = uc
		u.hasUpstream.Store(true)
		close(installed)
	}}
	<-installed

	uc.Start()

	server := newTestIRCConn(c2)
	t.Cleanup(func() { server.Close() })

	return uc, server
}

func registerUpstreamConn(t *testing.T, server *testIRCConn) {
	msg := expectMessage(t, server, "USER")
	if msg.Params[0] != "sbncng" {
		t.Fatalf("invalid USER: got: %v", msg)
	}

	msg = expectMessage(t, server, "NICK")
	nick := msg.Params[0]
	if nick != testUsername {
		t.Fatalf("invalid NICK: want %q, got: %v", testUsername, msg)
	}

	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "001",
		Params:  []string{nick, "Welcome to the Example IRC Network, " + nick},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "005",
		Params:  []string{nick, "CHANLIMIT=#:20", "are supported by this server"},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "375",
		Params:  []string{nick, "- irc.example.org Message of the day -"},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "372",
		Params:  []string{nick, "- Welcome to ExampleNet"},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "376",
		Params:  []string{nick, "End of /MOTD command."},
	})
}

// syncUpstream round-trips a PING so the session is known to have
// processed everything written before it.
func syncUpstream(t *testing.T, server *testIRCConn) {
	t.Helper()

	server.WriteMessage(&irc.Message{Command: "PING", Params: []string{"sync"}})
	msg := expectMessage(t, server, "PONG")
	if msg.Params[0] != "sync" {
		t.Fatalf("invalid PONG: got: %v", msg)
	}
}

// joinTestChannel puts the upstream on a channel with a topic and one
// other member.
func joinTestChannel(t *testing.T, server *testIRCConn, nick string) {
	server.WriteMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: nick, User: "~" + nick, Host: "example.net"},
		Command: "JOIN",
		Params:  []string{testChannel},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "332",
		Params:  []string{nick, testChannel, "hello"},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "333",
		Params:  []string{nick, testChannel, "op", "1700000000"},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "353",
		Params:  []string{nick, "=", testChannel, "@op " + nick},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "366",
		Params:  []string{nick, testChannel, "End of /NAMES list."},
	})

	syncUpstream(t, server)
}

func createTestDownstream(t *testing.T, p *Proxy) *testIRCConn {
	c1, c2 := net.Pipe()

	p.downstreamFactory.Create(c1, "192.0.2.1:40000").Start()

	client := newTestIRCConn(c2)
	t.Cleanup(func() { client.Close() })

	return client
}

func registerDownstreamConn(t *testing.T, client *testIRCConn) *irc.Message {
	client.WriteMessage(&irc.Message{Command: "PASS", Params: []string{testPassword}})
	client.WriteMessage(&irc.Message{Command: "NICK", Params: []string{testUsername}})
	client.WriteMessage(&irc.Message{Command: "USER", Params: []string{testUsername, "0", "*", testUsername}})

	return expectSkippingNotices(t, client, "001")
}

func TestDownstreamAttachReplay(t *testing.T) {
	p := newTestProxy(t)
	u := createTestProxyUser(t, p)

	_, server := createTestUpstream(t, p, u)
	registerUpstreamConn(t, server)
	joinTestChannel(t, server, testUsername)

	client := createTestDownstream(t, p)
	msg := registerDownstreamConn(t, client)
	if msg.Params[0] != testUsername {
		t.Fatalf("invalid 001 target: got: %v", msg)
	}

	msg = expectMessage(t, client, "005")
	found := false
	for _, token := range msg.Params {
		if token == "CHANLIMIT=#:20" {
			found = true
		}
	}
	if !found {
		t.Errorf("mirrored ISUPPORT token missing: %v", msg)
	}

	expectMessage(t, client, "375")
	msg = expectMessage(t, client, "372")
	if msg.Params[1] != "- Welcome to ExampleNet" {
		t.Errorf("invalid MOTD line: got: %v", msg)
	}
	expectMessage(t, client, "376")

	msg = expectMessage(t, client, "JOIN")
	if msg.Prefix.Name != testUsername || msg.Params[0] != testChannel {
		t.Fatalf("invalid replayed JOIN: got: %v", msg)
	}

	msg = expectMessage(t, client, "332")
	if msg.Params[1] != testChannel || msg.Params[2] != "hello" {
		t.Errorf("invalid replayed topic: got: %v", msg)
	}

	msg = expectMessage(t, client, "333")
	if msg.Params[2] != "op" || msg.Params[3] != "1700000000" {
		t.Errorf("invalid topic attribution: got: %v", msg)
	}

	msg = expectMessage(t, client, "353")
	want := []string{testUsername, "=", testChannel, testUsername + " @op"}
	if !stringsEqual(msg.Params, want) {
		t.Errorf("invalid replayed names: want %v, got %v", want, msg.Params)
	}

	expectMessage(t, client, "366")

	// Messages from the attached client reach the upstream.
	client.WriteMessage(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{testChannel, "hi"},
	})
	msg = expectMessage(t, server, "PRIVMSG")
	if msg.Params[1] != "hi" {
		t.Errorf("invalid forwarded PRIVMSG: got: %v", msg)
	}
}

func TestDownstreamAttachWithoutUpstream(t *testing.T) {
	p := newTestProxy(t)
	createTestProxyUser(t, p)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)

	// Without an upstream the mirror holds only the defaults: one
	// ISUPPORT reply and no MOTD.
	expectMessage(t, client, "005")
	expectMessage(t, client, "422")
}

func TestDownstreamBadPassword(t *testing.T) {
	p := newTestProxy(t)
	createTestProxyUser(t, p)

	client := createTestDownstream(t, p)
	client.WriteMessage(&irc.Message{Command: "PASS", Params: []string{"wrong"}})
	client.WriteMessage(&irc.Message{Command: "NICK", Params: []string{testUsername}})
	client.WriteMessage(&irc.Message{Command: "USER", Params: []string{testUsername, "0", "*", testUsername}})

	msg := expectSkippingNotices(t, client, "ERROR")
	if msg.Params[0] != "Authentication failed: Invalid user credentials." {
		t.Errorf("invalid ERROR: got: %v", msg)
	}

	if _, err := client.ReadMessage(); err == nil {
		t.Error("connection stayed open after failed authentication")
	}
}

func TestUpstreamLostKicksDownstream(t *testing.T) {
	p := newTestProxy(t)
	u := createTestProxyUser(t, p)

	_, server := createTestUpstream(t, p, u)
	registerUpstreamConn(t, server)
	joinTestChannel(t, server, testUsername)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)
	readUntil(t, client, "366")

	server.Close()

	msg := expectMessage(t, client, "KICK")
	want := []string{testChannel, testUsername, "You were disconnected from the IRC server."}
	if !stringsEqual(msg.Params, want) {
		t.Errorf("invalid KICK: want %v, got %v", want, msg.Params)
	}
	if msg.Prefix.Name != defaultServername {
		t.Errorf("invalid KICK prefix: got: %v", msg.Prefix)
	}
}

func TestUpstreamNickCollision(t *testing.T) {
	p := newTestProxy(t)
	u := createTestProxyUser(t, p)

	uc, server := createTestUpstream(t, p, u)

	expectMessage(t, server, "USER")
	expectMessage(t, server, "NICK")

	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "433",
		Params:  []string{"*", testUsername, "Nickname is already in use."},
	})

	msg := expectMessage(t, server, "NICK")
	if msg.Params[0] != testUsername+"_" {
		t.Fatalf("invalid fallback NICK: got: %v", msg)
	}

	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "001",
		Params:  []string{testUsername + "_", "Welcome"},
	})
	syncUpstream(t, server)

	nick := make(chan string, 1)
	u.events <- eventFunc{func() { nick <- uc.me.Nick }}
	if got := <-nick; got != testUsername+"_" {
		t.Errorf("upstream nick: want %q, got %q", testUsername+"_", got)
	}
}

func TestUpstreamPingHandledLocally(t *testing.T) {
	p := newTestProxy(t)
	u := createTestProxyUser(t, p)

	_, server := createTestUpstream(t, p, u)
	registerUpstreamConn(t, server)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)
	readUntil(t, client, "376")

	// The PING is answered by the bouncer and never forwarded; the
	// next thing the client sees is the PRIVMSG behind it.
	server.WriteMessage(&irc.Message{Command: "PING", Params: []string{"token"}})
	msg := expectMessage(t, server, "PONG")
	if msg.Params[0] != "token" {
		t.Fatalf("invalid PONG: got: %v", msg)
	}

	server.WriteMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: "bob", User: "~bob", Host: "example.net"},
		Command: "PRIVMSG",
		Params:  []string{testUsername, "hi"},
	})

	msg = expectMessage(t, client, "PRIVMSG")
	if msg.Prefix.Name != "bob" || msg.Params[1] != "hi" {
		t.Errorf("invalid forwarded PRIVMSG: got: %v", msg)
	}
}

func TestDownstreamNickChangeForwarded(t *testing.T) {
	p := newTestProxy(t)
	u := createTestProxyUser(t, p)

	_, server := createTestUpstream(t, p, u)
	registerUpstreamConn(t, server)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)
	readUntil(t, client, "376")

	client.WriteMessage(&irc.Message{Command: "NICK", Params: []string{"shroud"}})

	// The client gets an immediate echo; the upstream is notified too.
	msg := expectMessage(t, client, "NICK")
	if msg.Prefix.Name != testUsername || msg.Params[0] != "shroud" {
		t.Fatalf("invalid NICK echo: got: %v", msg)
	}

	msg = expectMessage(t, server, "NICK")
	if msg.Params[0] != "shroud" {
		t.Errorf("invalid forwarded NICK: got: %v", msg)
	}
}

func TestUIHelpCommand(t *testing.T) {
	p := newTestProxy(t)
	NewUIPlugin(p)
	createTestProxyUser(t, p)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)
	readUntil(t, client, "422")

	client.WriteMessage(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"-sBNC", "help"},
	})

	msg := expectMessage(t, client, "PRIVMSG")
	if msg.Params[1] != "--The following commands are available to you--" {
		t.Errorf("invalid help header: got: %v", msg)
	}
	if msg.Prefix.Name != "-sBNC" {
		t.Errorf("invalid help prefix: got: %v", msg.Prefix)
	}
}

// A 333 without a preceding 332 leaves the topic unknown, so topic
// queries keep going to the server instead of being answered from the
// mirror.
func TestTopicQueryForwardedWithoutTopicText(t *testing.T) {
	p := newTestProxy(t)
	u := createTestProxyUser(t, p)

	_, server := createTestUpstream(t, p, u)
	registerUpstreamConn(t, server)

	server.WriteMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: testUsername, User: "~" + testUsername, Host: "example.net"},
		Command: "JOIN",
		Params:  []string{testChannel},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "333",
		Params:  []string{testUsername, testChannel, "op", "1700000000"},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "353",
		Params:  []string{testUsername, "=", testChannel, testUsername},
	})
	server.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "366",
		Params:  []string{testUsername, testChannel, "End of /NAMES list."},
	})
	syncUpstream(t, server)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)

	// The attach replay already forwards its TOPIC probe upstream.
	msg := expectMessage(t, server, "TOPIC")
	if msg.Params[0] != testChannel {
		t.Fatalf("invalid forwarded TOPIC: got: %v", msg)
	}
	readUntil(t, client, "366")

	// So does an explicit query from the client.
	client.WriteMessage(&irc.Message{Command: "TOPIC", Params: []string{testChannel}})
	msg = expectMessage(t, server, "TOPIC")
	if msg.Params[0] != testChannel {
		t.Errorf("invalid forwarded TOPIC: got: %v", msg)
	}
}

// Reconnect attempts are spaced out: one user per tick, at least a
// minute between attempts globally and two minutes per user.
func TestReconnectPacing(t *testing.T) {
	p := NewProxy(silentLogger{}, newMemConfig())

	names := []string{"alice", "bob", "carol"}
	users := make(map[string]*user)
	for _, name := range names {
		node := p.config.Child("users").Child(name)
		if err := node.Set("server_address", []interface{}{"irc.example.org", 6667}); err != nil {
			t.Fatalf("failed to set server address: %v", err)
		}
		u := newUser(p, name, node)
		p.users[name] = u
		users[name] = u
	}

	// The sessions are not running, so a scheduled attempt stays in
	// the user's event queue.
	attempted := func(u *user) bool {
		select {
		case e := <-u.events:
			if _, ok := e.(eventReconnect); !ok {
				t.Fatalf("unexpected session event: %T", e)
			}
			return true
		default:
			return false
		}
	}

	if !p.reconnectTick() {
		t.Fatal("reconnect tick did not rearm")
	}

	if !attempted(users["alice"]) {
		t.Fatal("first eligible user was not scheduled")
	}
	if attempted(users["bob"]) || attempted(users["carol"]) {
		t.Fatal("more than one user scheduled in a single tick")
	}
	if users["alice"].lastReconnect.IsZero() || p.lastReconnect.IsZero() {
		t.Error("attempt time not recorded")
	}
	if configInt(users["alice"].config, "last_reconnect", 0) == 0 {
		t.Error("last_reconnect not persisted")
	}

	// Within the global minimum spacing nobody is scheduled.
	p.reconnectTick()
	for _, name := range names {
		if attempted(users[name]) {
			t.Fatalf("user %q scheduled within the global minimum wait", name)
		}
	}

	// Past the global minimum the next user is picked; alice is still
	// inside her per-user minimum.
	p.lastReconnect = time.Now().Add(-2 * reconnectGlobalMinWait)
	p.reconnectTick()
	if attempted(users["alice"]) {
		t.Fatal("user scheduled within the per-user minimum wait")
	}
	if !attempted(users["bob"]) {
		t.Fatal("next eligible user was not scheduled")
	}
	if attempted(users["carol"]) {
		t.Fatal("more than one user scheduled in a single tick")
	}

	// Users with a live upstream are never picked.
	p.lastReconnect = time.Now().Add(-2 * reconnectGlobalMinWait)
	users["carol"].hasUpstream.Store(true)
	p.reconnectTick()
	if attempted(users["carol"]) {
		t.Fatal("connected user was scheduled for a reconnect")
	}
}

// The text of a "/msg -sBNC" command is tokenised like an IRC line, so
// a trailing ":" parameter reaches the command with its spaces intact.
func TestUICommandTrailingParam(t *testing.T) {
	p := newTestProxy(t)
	ui := NewUIPlugin(p)
	createTestProxyUser(t, p)

	got := make(chan []string, 1)
	ui.RegisterCommand("remember", func(dc *downstreamConn, params []string, notice bool) {
		got <- params
	}, "User", "records its arguments", "Syntax: remember <key> :<text>", AccessAnyone)

	client := createTestDownstream(t, p)
	registerDownstreamConn(t, client)
	readUntil(t, client, "422")

	client.WriteMessage(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"-sBNC", "remember greeting :hello there world"},
	})

	want := []string{"greeting", "hello there world"}
	select {
	case params := <-got:
		if !stringsEqual(params, want) {
			t.Errorf("command params: want %v, got %v", want, params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command was never dispatched")
	}
}

func TestCreateAndRemoveUser(t *testing.T) {
	p := newTestProxy(t)
	createTestProxyUser(t, p)

	if _, err := p.CreateUser(testUsername, testPassword); err == nil {
		t.Error("duplicate CreateUser did not fail")
	}

	if err := p.RemoveUser(testUsername); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	if p.getUser(testUsername) != nil {
		t.Error("user still registered after removal")
	}
	if err := p.RemoveUser(testUsername); err == nil {
		t.Error("removing an unknown user did not fail")
	}
}
