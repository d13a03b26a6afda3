package domain

import "time"

// Server is a remote host reachable over SSH that runs a Docker daemon.
type Server struct {
	ID             string
	Name           string
	TeamID         string
	IP             string
	Port           int
	User           string
	PrivateKey     []byte
	IsSwarmManager bool
	IsLocal        bool
	Reachable      bool
	Usable         bool
	ForceDisabled  bool
	ProxyType      string
	CreatedAt      time.Time
}

// IsFunctional reports whether remote work may be attempted on the server.
func (s Server) IsFunctional() bool {
	return s.Reachable && s.Usable && !s.ForceDisabled
}
