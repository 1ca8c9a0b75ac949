package sbnc

import (
	cmap "github.com/orcaman/concurrent-map"
)

// Service package identifiers, reverse-FQDN style.
const (
	ProxyPackage     = "info.shroudbnc.services.proxy"
	DirectoryPackage = "info.shroudbnc.services.directory"
	UIPackage        = "info.shroudbnc.plugins.ui"
	AdminCmdPackage  = "info.shroudbnc.plugins.admincmd"
	AwayCmdPackage   = "info.shroudbnc.plugins.awaycmd"
	QueryLogPackage  = "info.shroudbnc.plugins.querylog"
)

// Plugin is implemented by loadable bouncer extensions.
type Plugin interface {
	Package() string
	Name() string
	Description() string

	// Unload gives the plugin a chance to clean up.
	Unload()
}

// ServiceRegistry maps service package identifiers to service objects,
// so plugins can find each other without direct references.
type ServiceRegistry struct {
	services cmap.ConcurrentMap
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: cmap.New()}
}

func (r *ServiceRegistry) Register(pkg string, service interface{}) {
	r.services.Set(pkg, service)
}

func (r *ServiceRegistry) Get(pkg string) interface{} {
	service, _ := r.services.Get(pkg)
	return service
}

// Services exposes the proxy's service registry.
func (p *Proxy) Services() *ServiceRegistry {
	return p.services
}
