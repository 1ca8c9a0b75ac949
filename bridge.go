package sbnc

import "sort"

// replayState runs after the welcome burst: replay a JOIN for every
// channel the upstream is on and feed TOPIC/NAMES queries back through
// the client's own dispatch path so its built-in handlers re-emit the
// mirrored state.
func (u *user) replayState(dc *downstreamConn) {
	uc := u.upstream
	if uc == nil || dc.isClosed() || !dc.registered {
		return
	}

	names := make([]string, 0, len(uc.channels))
	for name := range uc.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dc.SendMessage(uc.me.String(), "JOIN", name)
		dc.processLine("TOPIC " + name)
		dc.processLine("NAMES " + name)
	}

	if uc.me.Away {
		dc.SendMessage(dc.server.Nick, "306", dc.me.Nick, "You have been marked as being away")
	}
}
