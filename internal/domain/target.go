package domain

import (
	"sort"
	"strconv"
	"time"

	"github.com/splax/localvercel/internal/compose"
)

// TargetKind tags the closed set of deployable resources.
type TargetKind string

const (
	KindApplication TargetKind = "application"
	KindDatabase    TargetKind = "database"
	KindService     TargetKind = "service"
)

// Valid reports whether the kind is one of the known variants.
func (k TargetKind) Valid() bool {
	switch k {
	case KindApplication, KindDatabase, KindService:
		return true
	}
	return false
}

// TargetRef identifies a deployable resource.
type TargetRef struct {
	Kind TargetKind
	ID   string
}

func (r TargetRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// LabelSelector is a set of docker label equality filters.
type LabelSelector map[string]string

// Filters renders the selector as sorted "key=value" pairs.
func (s LabelSelector) Filters() []string {
	out := make([]string, 0, len(s))
	for k, v := range s {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Deployable is implemented by every resource the orchestrator can deploy and
// whose containers it reconciles.
type Deployable interface {
	Ref() TargetRef
	Team() string
	PrimaryServerID() string
	// ServerIDs lists every server the target runs on, primary first.
	ServerIDs() []string
	ContainerLabelSelector() LabelSelector
	ExcludedServiceNames() []string
	StatusOn(serverID string) ResourceStatus
	// ApplyStatus stores status in the slot for serverID and reports whether it changed.
	ApplyStatus(serverID string, status ResourceStatus) bool
}

func productionSelector(kind TargetKind, id string) LabelSelector {
	return LabelSelector{
		LabelTargetID:      id,
		LabelTargetKind:    string(kind),
		LabelPullRequestID: "0",
	}
}

// PreviewSelector matches the containers of one pull request of a target.
func PreviewSelector(ref TargetRef, pullRequestID int) LabelSelector {
	return LabelSelector{
		LabelTargetID:      ref.ID,
		LabelPullRequestID: strconv.Itoa(pullRequestID),
	}
}

// Build packs understood by the application pipeline.
const (
	BuildPackNixpacks      = "nixpacks"
	BuildPackDockerfile    = "dockerfile"
	BuildPackDockerCompose = "dockercompose"
	BuildPackDockerImage   = "dockerimage"
)

// ServerStatus is the status slot of an application on an additional server.
type ServerStatus struct {
	ServerID string
	Status   ResourceStatus
}

// Application is a git-backed deployable.
type Application struct {
	ID                 string
	Name               string
	TeamID             string
	ServerID           string
	Status             ResourceStatus
	AdditionalServers  []ServerStatus
	BuildPack          string
	GitRepository      string
	GitBranch          string
	BaseDirectory      string
	DockerfileLocation string
	ComposeLocation    string
	ComposeRaw         string
	DockerImage        string
	PortsExposes       string
	FQDN               string
	WatchPaths         []string
	PreviewsEnabled    bool
	CreatedAt          time.Time
}

func (a *Application) Ref() TargetRef {
	return TargetRef{Kind: KindApplication, ID: a.ID}
}

func (a *Application) Team() string {
	return a.TeamID
}

func (a *Application) PrimaryServerID() string {
	return a.ServerID
}

func (a *Application) ServerIDs() []string {
	ids := []string{a.ServerID}
	for _, s := range a.AdditionalServers {
		ids = append(ids, s.ServerID)
	}
	return ids
}

func (a *Application) ContainerLabelSelector() LabelSelector {
	return productionSelector(KindApplication, a.ID)
}

func (a *Application) ExcludedServiceNames() []string {
	if a.BuildPack != BuildPackDockerCompose || a.ComposeRaw == "" {
		return nil
	}
	names, err := compose.ExcludedServices([]byte(a.ComposeRaw))
	if err != nil {
		return nil
	}
	return names
}

func (a *Application) StatusOn(serverID string) ResourceStatus {
	if serverID == a.ServerID {
		return a.Status
	}
	for _, s := range a.AdditionalServers {
		if s.ServerID == serverID {
			return s.Status
		}
	}
	return ""
}

func (a *Application) ApplyStatus(serverID string, status ResourceStatus) bool {
	if serverID == a.ServerID {
		if a.Status == status {
			return false
		}
		a.Status = status
		return true
	}
	for i := range a.AdditionalServers {
		if a.AdditionalServers[i].ServerID != serverID {
			continue
		}
		if a.AdditionalServers[i].Status == status {
			return false
		}
		a.AdditionalServers[i].Status = status
		return true
	}
	return false
}

// Database is a single-container managed database.
type Database struct {
	ID         string
	Name       string
	TeamID     string
	ServerID   string
	Status     ResourceStatus
	Image      string
	VolumePath string
	Env        map[string]string
	CreatedAt  time.Time
}

func (d *Database) Ref() TargetRef {
	return TargetRef{Kind: KindDatabase, ID: d.ID}
}

func (d *Database) Team() string {
	return d.TeamID
}

func (d *Database) PrimaryServerID() string {
	return d.ServerID
}

func (d *Database) ServerIDs() []string {
	return []string{d.ServerID}
}

func (d *Database) ExcludedServiceNames() []string {
	return nil
}

func (d *Database) ContainerLabelSelector() LabelSelector {
	return productionSelector(KindDatabase, d.ID)
}

func (d *Database) StatusOn(serverID string) ResourceStatus {
	if serverID != d.ServerID {
		return ""
	}
	return d.Status
}

func (d *Database) ApplyStatus(serverID string, status ResourceStatus) bool {
	if serverID != d.ServerID || d.Status == status {
		return false
	}
	d.Status = status
	return true
}

// Service is a multi-container stack described by a compose file.
type Service struct {
	ID         string
	Name       string
	TeamID     string
	ServerID   string
	Status     ResourceStatus
	ComposeRaw string
	CreatedAt  time.Time
}

func (s *Service) Ref() TargetRef {
	return TargetRef{Kind: KindService, ID: s.ID}
}

func (s *Service) Team() string {
	return s.TeamID
}

func (s *Service) PrimaryServerID() string {
	return s.ServerID
}

func (s *Service) ServerIDs() []string {
	return []string{s.ServerID}
}

func (s *Service) ContainerLabelSelector() LabelSelector {
	return productionSelector(KindService, s.ID)
}

func (s *Service) ExcludedServiceNames() []string {
	names, err := compose.ExcludedServices([]byte(s.ComposeRaw))
	if err != nil {
		return nil
	}
	return names
}

func (s *Service) StatusOn(serverID string) ResourceStatus {
	if serverID != s.ServerID {
		return ""
	}
	return s.Status
}

func (s *Service) ApplyStatus(serverID string, status ResourceStatus) bool {
	if serverID != s.ServerID || s.Status == status {
		return false
	}
	s.Status = status
	return true
}

var (
	_ Deployable = (*Application)(nil)
	_ Deployable = (*Database)(nil)
	_ Deployable = (*Service)(nil)
)
