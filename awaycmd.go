package sbnc

// AwayCommandPlugin marks the upstream connection away while no client
// is attached, using the user's configured away message.
type AwayCommandPlugin struct {
	proxy *Proxy
}

func NewAwayCommandPlugin(p *Proxy) *AwayCommandPlugin {
	away := &AwayCommandPlugin{proxy: p}

	p.ClientRegistration.AddPostObserver(away.handleClientRegistration, nil)
	p.ClientConnectionClosed.AddPostObserver(away.handleClientClosed, nil)

	p.services.Register(AwayCmdPackage, away)

	return away
}

func (away *AwayCommandPlugin) Package() string { return AwayCmdPackage }
func (away *AwayCommandPlugin) Name() string    { return "awaycmd" }
func (away *AwayCommandPlugin) Description() string {
	return "Provides the 'away' setting and related functionality."
}
func (away *AwayCommandPlugin) Unload() {}

// A client attached: clear any away mark on the upstream.
func (away *AwayCommandPlugin) handleClientRegistration(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || dc.owner == nil {
		return Continue
	}

	uc := dc.owner.upstream
	if uc == nil || !uc.registered {
		return Continue
	}

	uc.SendMessage("", "AWAY")

	return Continue
}

// The last client detached: mark the upstream away if the user has an
// away message configured.
func (away *AwayCommandPlugin) handleClientClosed(evt *Event, sender interface{}, args []interface{}) HandlerResult {
	dc, ok := sender.(*downstreamConn)
	if !ok || dc.owner == nil {
		return Continue
	}

	u := dc.owner

	uc := u.upstream
	if uc == nil || !uc.registered {
		return Continue
	}

	message := configString(u.config, "away", "")
	if message == "" {
		return Continue
	}

	if len(u.downstreams) == 0 {
		uc.SendMessage("", "AWAY", message)
	}

	return Continue
}
