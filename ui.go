package sbnc

import (
	"sort"
	"strings"
	"sync"
)

// uiIdentity is the hostmask the bouncer's control interface speaks
// from.
const uiIdentity = "-sBNC!bouncer@shroudbnc.info"

// AccessCheck decides whether a client may use a UI command.
type AccessCheck func(dc *downstreamConn) bool

func AccessAnyone(dc *downstreamConn) bool {
	return true
}

func AccessAdmin(dc *downstreamConn) bool {
	return dc.owner != nil && dc.owner.isAdmin()
}

// CommandFunc handles one UI command. notice reports which transport
// the client used; replies should use the same one.
type CommandFunc func(dc *downstreamConn, params []string, notice bool)

type uiCommand struct {
	callback    CommandFunc
	category    string
	description string
	helpText    string
	accessCheck AccessCheck
}

// UIPlugin provides the bouncer's control interface: commands sent as
// "/msg -sBNC <cmd>" or "/sbnc <cmd>". Other plugins contribute
// commands through RegisterCommand.
type UIPlugin struct {
	proxy *Proxy

	mu       sync.RWMutex
	commands map[string]*uiCommand
}

func NewUIPlugin(p *Proxy) *UIPlugin {
	ui := &UIPlugin{
		proxy:    p,
		commands: make(map[string]*uiCommand),
	}

	p.ClientCommandReceived.AddHandler(ui.handlePrivmsg, MatchCommand("PRIVMSG"))
	p.ClientCommandReceived.AddHandler(ui.handleSbnc, MatchCommand("SBNC"))

	ui.RegisterCommand("help", ui.cmdHelp, "User",
		"displays a list of commands or information about individual commands",
		"Syntax: help [command]\nDisplays a list of commands or information about individual commands.",
		AccessAnyone)

	p.services.Register(UIPackage, ui)

	return ui
}

func (ui *UIPlugin) Package() string     { return UIPackage }
func (ui *UIPlugin) Name() string        { return "UIPlugin" }
func (ui *UIPlugin) Description() string { return "Provides support for /msg -sBNC <command> and /sbnc <command>" }
func (ui *UIPlugin) Unload()             {}

func (ui *UIPlugin) RegisterCommand(name string, callback CommandFunc, category, description, helpText string, accessCheck AccessCheck) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.commands[name] = &uiCommand{
		callback:    callback,
		category:    category,
		description: description,
		helpText:    helpText,
		accessCheck: accessCheck,
	}
}

func (ui *UIPlugin) UnregisterCommand(name string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	delete(ui.commands, name)
}

// sendReply sends a control-interface line to the client, as a NOTICE
// or PRIVMSG from the bouncer's identity.
func (ui *UIPlugin) sendReply(dc *downstreamConn, message string, notice bool) {
	kind := "PRIVMSG"
	if notice {
		kind = "NOTICE"
	}
	dc.SendMessage(uiIdentity, kind, dc.me.Nick, message)
}

func (ui *UIPlugin) handlePrivmsg(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || !dc.registered {
		return Continue
	}

	_, params := commandArgs(args)
	if len(params) < 1 || !strings.EqualFold(params[0], "-sBNC") {
		return Continue
	}

	if len(params) < 2 || strings.TrimSpace(params[1]) == "" {
		dc.sendReply("ERR_NOTEXTTOSEND", nil)
		return Handled
	}

	// The command text is re-tokenised as an IRC line so a trailing
	// ":" parameter keeps its spaces.
	_, name, cmdParams := parseMessage(params[1])
	if name == "" || !ui.handleCommand(dc, name, cmdParams, false) {
		ui.sendReply(dc, "Unknown command. Try /msg -sBNC help", true)
	}

	return Handled
}

func (ui *UIPlugin) handleSbnc(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || !dc.registered {
		return Continue
	}

	_, params := commandArgs(args)
	if len(params) < 1 {
		dc.sendReply("ERR_NEEDMOREPARAMS", []string{"SBNC"})
		return Handled
	}

	if !ui.handleCommand(dc, params[0], params[1:], true) {
		ui.sendReply(dc, "Unknown command. Try /msg -sBNC help", false)
	}

	return Handled
}

func (ui *UIPlugin) handleCommand(dc *downstreamConn, name string, params []string, notice bool) bool {
	ui.mu.RLock()
	cmd, ok := ui.commands[name]
	ui.mu.RUnlock()

	if !ok || !cmd.accessCheck(dc) {
		return false
	}

	cmd.callback(dc, params, notice)
	return true
}

func (ui *UIPlugin) cmdHelp(dc *downstreamConn, params []string, notice bool) {
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	if len(params) > 0 {
		cmd, ok := ui.commands[params[0]]
		if !ok || !cmd.accessCheck(dc) {
			ui.sendReply(dc, "There is no such command.", notice)
			return
		}

		for _, line := range strings.Split(cmd.helpText, "\n") {
			ui.sendReply(dc, line, notice)
		}
		return
	}

	ui.sendReply(dc, "--The following commands are available to you--", notice)
	ui.sendReply(dc, "--Used as '/sbnc <command>', or '/msg -sbnc <command>'", notice)

	byCategory := make(map[string][]string)
	for name, cmd := range ui.commands {
		if !cmd.accessCheck(dc) {
			continue
		}
		byCategory[cmd.category] = append(byCategory[cmd.category], name)
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		ui.sendReply(dc, "--", notice)
		ui.sendReply(dc, category+" commands", notice)

		names := byCategory[category]
		sort.Strings(names)
		for _, name := range names {
			ui.sendReply(dc, name+" - "+ui.commands[name].description, notice)
		}
	}

	ui.sendReply(dc, "End of HELP.", notice)
}
