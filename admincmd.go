package sbnc

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// AdminCommandPlugin contributes the basic account-management commands
// to the control interface.
type AdminCommandPlugin struct {
	proxy *Proxy
	ui    *UIPlugin
}

func NewAdminCommandPlugin(p *Proxy, ui *UIPlugin) *AdminCommandPlugin {
	ac := &AdminCommandPlugin{proxy: p, ui: ui}

	ui.RegisterCommand("adduser", ac.cmdAdduser, "Admin", "creates a new user",
		"Syntax: adduser <username> [password]\nCreates a new user.", AccessAdmin)
	ui.RegisterCommand("admin", ac.cmdAdmin, "Admin", "gives someone admin privileges",
		"Syntax: admin <username>\nGives admin privileges to a user.", AccessAdmin)
	ui.RegisterCommand("broadcast", ac.cmdBroadcast, "Admin", "sends a global notice to all bouncer users",
		"Syntax: broadcast <text>\nSends a notice to all currently connected users.", AccessAdmin)
	ui.RegisterCommand("deluser", ac.cmdDeluser, "Admin", "removes a user",
		"Syntax: deluser <username>\nDeletes a user.", AccessAdmin)
	ui.RegisterCommand("resetpass", ac.cmdResetpass, "Admin", "sets a user's password",
		"Syntax: resetpass <user> <password>\nResets another user's password.", AccessAdmin)
	ui.RegisterCommand("unadmin", ac.cmdUnadmin, "Admin", "removes someone's admin privileges",
		"Syntax: unadmin <username>\nRemoves someone's admin privileges.", AccessAdmin)

	p.services.Register(AdminCmdPackage, ac)

	return ac
}

func (ac *AdminCommandPlugin) Package() string     { return AdminCmdPackage }
func (ac *AdminCommandPlugin) Name() string        { return "AdminCmd" }
func (ac *AdminCommandPlugin) Description() string { return "Implements basic admin commands." }
func (ac *AdminCommandPlugin) Unload()             {}

func randomPassword(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	buf := make([]byte, length)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = letters[int(b)%len(letters)]
	}
	return string(buf)
}

func (ac *AdminCommandPlugin) cmdAdduser(dc *downstreamConn, params []string, notice bool) {
	if len(params) < 1 {
		ac.ui.sendReply(dc, "Syntax: adduser <username> [password]", notice)
		return
	}

	name := params[0]

	generated := len(params) < 2
	password := ""
	if generated {
		password = randomPassword(12)
	} else {
		password = params[1]
	}

	if ac.proxy.getUser(name) != nil {
		ac.ui.sendReply(dc, "The specified username is already in use.", notice)
		return
	}

	if _, err := ac.proxy.CreateUser(name, password); err != nil {
		ac.ui.sendReply(dc, fmt.Sprintf("Failed to create user: %v", err), notice)
		return
	}

	if generated {
		ac.ui.sendReply(dc, fmt.Sprintf("Done. The new user's password is '%s'.", password), notice)
	} else {
		ac.ui.sendReply(dc, "Done.", notice)
	}
}

func (ac *AdminCommandPlugin) cmdAdmin(dc *downstreamConn, params []string, notice bool) {
	if len(params) < 1 {
		ac.ui.sendReply(dc, "Syntax: admin <username>", notice)
		return
	}

	u := ac.proxy.getUser(params[0])
	if u == nil {
		ac.ui.sendReply(dc, "There's no such user.", notice)
		return
	}

	u.config.Set("admin", true)

	ac.ui.sendReply(dc, "Done.", notice)
}

func (ac *AdminCommandPlugin) cmdUnadmin(dc *downstreamConn, params []string, notice bool) {
	if len(params) < 1 {
		ac.ui.sendReply(dc, "Syntax: unadmin <username>", notice)
		return
	}

	u := ac.proxy.getUser(params[0])
	if u == nil {
		ac.ui.sendReply(dc, "There's no such user.", notice)
		return
	}

	u.config.Set("admin", false)

	ac.ui.sendReply(dc, "Done.", notice)
}

// Broadcast sends a control-interface message to every connected
// client of every user, on each user's own session goroutine.
func (ac *AdminCommandPlugin) Broadcast(message string) {
	ac.proxy.forEachUser(func(u *user) {
		u.events <- eventFunc{func() {
			u.forEachDownstream(func(dc *downstreamConn) {
				ac.ui.sendReply(dc, fmt.Sprintf("Global message: %s", message), false)
			})
		}}
	})
}

func (ac *AdminCommandPlugin) cmdBroadcast(dc *downstreamConn, params []string, notice bool) {
	if len(params) < 1 {
		ac.ui.sendReply(dc, "Syntax: broadcast <text>", notice)
		return
	}

	ac.Broadcast(strings.Join(params, " "))

	ac.ui.sendReply(dc, "Done.", notice)
}

func (ac *AdminCommandPlugin) cmdDeluser(dc *downstreamConn, params []string, notice bool) {
	if len(params) < 1 {
		ac.ui.sendReply(dc, "Syntax: deluser <username>", notice)
		return
	}

	name := params[0]

	if ac.proxy.getUser(name) == nil {
		ac.ui.sendReply(dc, "There's no such user.", notice)
		return
	}

	// Removal stops the target session, which may be the caller's own;
	// run it off the session goroutine so the reply still goes out.
	go ac.proxy.RemoveUser(name)

	ac.ui.sendReply(dc, "Done.", notice)
}

func (ac *AdminCommandPlugin) cmdResetpass(dc *downstreamConn, params []string, notice bool) {
	if len(params) < 1 {
		ac.ui.sendReply(dc, "Syntax: resetpass <username> [password]", notice)
		return
	}

	u := ac.proxy.getUser(params[0])
	if u == nil {
		ac.ui.sendReply(dc, "There's no such user.", notice)
		return
	}

	generated := len(params) < 2
	password := ""
	if generated {
		password = randomPassword(12)
	} else {
		password = params[1]
	}

	if err := u.setPassword(password); err != nil {
		ac.ui.sendReply(dc, fmt.Sprintf("Failed to set password: %v", err), notice)
		return
	}

	if generated {
		ac.ui.sendReply(dc, fmt.Sprintf("Done. The user's password was changed to '%s'.", password), notice)
	} else {
		ac.ui.sendReply(dc, "Done.", notice)
	}
}
