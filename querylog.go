package sbnc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type queryLogItem struct {
	timestamp time.Time
	source    string
	text      string
}

// QueryLogPlugin records private messages that arrive while no client
// is attached and plays them back via the 'read' command. Messages are
// kept in memory for playback and optionally appended to per-user log
// files.
type QueryLogPlugin struct {
	proxy *Proxy
	ui    *UIPlugin

	// logDir is the root of the on-disk query log; empty disables the
	// file sink.
	logDir string

	mu    sync.Mutex
	logs  map[string][]queryLogItem
	sinks map[string]*queryLogFile
}

func NewQueryLogPlugin(p *Proxy, ui *UIPlugin, logDir string) *QueryLogPlugin {
	ql := &QueryLogPlugin{
		proxy:  p,
		ui:     ui,
		logDir: logDir,
		logs:   make(map[string][]queryLogItem),
		sinks:  make(map[string]*queryLogFile),
	}

	p.IrcCommandReceived.AddPreObserver(ql.handleUpstreamPrivmsg, MatchCommand("PRIVMSG"))
	p.ClientRegistration.AddPostObserver(ql.handleClientRegistration, nil)

	ui.RegisterCommand("read", ql.cmdRead, "User", "plays your message log",
		"Syntax: read\nDisplays your private log.", AccessAnyone)
	ui.RegisterCommand("erase", ql.cmdErase, "User", "erases your message log",
		"Syntax: erase\nErases your private log.", AccessAnyone)

	p.services.Register(QueryLogPackage, ql)

	return ql
}

func (ql *QueryLogPlugin) Package() string     { return QueryLogPackage }
func (ql *QueryLogPlugin) Name() string        { return "querylog" }
func (ql *QueryLogPlugin) Description() string { return "Implements query log functionality." }
func (ql *QueryLogPlugin) Unload()             {}

func (ql *QueryLogPlugin) handleUpstreamPrivmsg(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	uc, ok := sender.(*upstreamConn)
	if !ok || uc.owner == nil {
		return Continue
	}

	nickobj, params := commandArgs(args)
	if len(params) < 2 || nickobj == nil {
		return Continue
	}

	u := uc.owner
	if len(u.downstreams) > 0 {
		return Continue
	}

	if params[0] != uc.me.Nick {
		return Continue
	}

	item := queryLogItem{
		timestamp: time.Now(),
		source:    nickobj.String(),
		text:      params[1],
	}

	ql.mu.Lock()
	ql.logs[u.Name] = append(ql.logs[u.Name], item)
	ql.mu.Unlock()

	if err := ql.appendToSink(u.Name, item); err != nil {
		u.logger.Printf("failed to write query log: %v", err)
	}

	return Continue
}

func (ql *QueryLogPlugin) handleClientRegistration(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || dc.owner == nil {
		return Continue
	}

	ql.mu.Lock()
	pending := len(ql.logs[dc.owner.Name])
	ql.mu.Unlock()

	if pending > 0 {
		ql.ui.sendReply(dc, "You have new messages. Use '/msg -sBNC read' to view them.", false)
	}

	return Continue
}

func (ql *QueryLogPlugin) cmdRead(dc *downstreamConn, params []string, notice bool) {
	ql.mu.Lock()
	log := append([]queryLogItem(nil), ql.logs[dc.owner.Name]...)
	ql.mu.Unlock()

	if len(log) == 0 {
		ql.ui.sendReply(dc, "Your personal log is empty.", notice)
		return
	}

	for _, item := range log {
		ql.ui.sendReply(dc, fmt.Sprintf("[%s] %s: %s",
			item.timestamp.Format("2006-01-02 15:04:05"), item.source, item.text), notice)
	}

	erasecmd := "/msg -sBNC erase"
	if notice {
		erasecmd = "/sbnc erase"
	}
	ql.ui.sendReply(dc, fmt.Sprintf("End of LOG. Use '%s' to remove this log.", erasecmd), notice)
}

func (ql *QueryLogPlugin) cmdErase(dc *downstreamConn, params []string, notice bool) {
	ql.mu.Lock()
	empty := len(ql.logs[dc.owner.Name]) == 0
	delete(ql.logs, dc.owner.Name)
	ql.mu.Unlock()

	if empty {
		ql.ui.sendReply(dc, "Your personal log is empty.", notice)
		return
	}

	ql.ui.sendReply(dc, "Done.", notice)
}

func (ql *QueryLogPlugin) appendToSink(username string, item queryLogItem) error {
	if ql.logDir == "" {
		return nil
	}

	ql.mu.Lock()
	sink, ok := ql.sinks[username]
	if !ok {
		sink = &queryLogFile{dir: filepath.Join(ql.logDir, username)}
		ql.sinks[username] = sink
	}
	ql.mu.Unlock()

	return sink.Append(item)
}

// queryLogFile appends query log lines to one file per day, switching
// files as the date changes.
type queryLogFile struct {
	dir  string
	path string
	file *os.File
}

func (l *queryLogFile) Append(item queryLogItem) error {
	t := item.timestamp
	year, month, day := t.Date()
	path := filepath.Join(l.dir, fmt.Sprintf("%04d-%02d-%02d.log", year, month, day))

	if l.path != path {
		if l.file != nil {
			l.file.Close()
		}

		if err := os.MkdirAll(l.dir, 0700); err != nil {
			return fmt.Errorf("failed to create logs directory %q: %v", l.dir, err)
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %v", path, err)
		}

		l.path = path
		l.file = f
	}

	_, err := fmt.Fprintf(l.file, "[%02d:%02d:%02d] <%s> %s\n", t.Hour(), t.Minute(), t.Second(), item.source, item.text)
	if err != nil {
		return fmt.Errorf("failed to log message to %q: %v", l.path, err)
	}
	return nil
}

func (l *queryLogFile) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
