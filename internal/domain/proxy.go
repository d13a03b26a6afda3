package domain

import "time"

// ProxyStatus enumerates the reverse proxy container states.
type ProxyStatus string

const (
	ProxyStopped  ProxyStatus = "stopped"
	ProxyStopping ProxyStatus = "stopping"
	ProxyStarting ProxyStatus = "starting"
	ProxyRunning  ProxyStatus = "running"
	ProxyExited   ProxyStatus = "exited"
	ProxyCreated  ProxyStatus = "created"
)

// Proxy implementations.
const (
	ProxyTypeTraefik = "traefik"
	ProxyTypeCaddy   = "caddy"
	ProxyTypeNone    = "none"
)

// ProxyState is the per-server singleton describing the reverse proxy.
type ProxyState struct {
	ServerID  string
	Type      string
	Status    ProxyStatus
	ForceStop bool
	Version   string
	UpdatedAt time.Time
}

// ExposesVersion reports whether the proxy implementation publishes a version
// that can be compared against the latest release.
func (p ProxyState) ExposesVersion() bool {
	return p.Type == ProxyTypeTraefik
}
