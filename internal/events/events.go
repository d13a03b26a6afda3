// Package events publishes status transitions to interested collaborators.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

// Event types.
const (
	TypeTargetStatus       = "target.status"
	TypeProxyStatus        = "proxy.status"
	TypeDeploymentFinished = "deployment.finished"
)

// Broadcaster receives status transitions. Delivery is at-least-once, so
// implementations must tolerate repeats.
type Broadcaster interface {
	TargetStatusChanged(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus)
	ProxyStatusChanged(ctx context.Context, serverID string, status domain.ProxyStatus)
	DeploymentFinished(ctx context.Context, deployment domain.Deployment)
}

// Event is the JSON payload published on the hub.
type Event struct {
	Type          string    `json:"type"`
	TargetKind    string    `json:"target_kind,omitempty"`
	TargetID      string    `json:"target_id,omitempty"`
	ServerID      string    `json:"server_id,omitempty"`
	DeploymentID  string    `json:"deployment_id,omitempty"`
	PullRequestID int       `json:"pull_request_id,omitempty"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}

// Publisher is the hub surface used by HubBroadcaster.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// TargetTopic names the topic carrying a target's events.
func TargetTopic(targetID string) string {
	return "target:" + targetID
}

// ServerTopic names the topic carrying a server's proxy events.
func ServerTopic(serverID string) string {
	return "server:" + serverID
}

// HubBroadcaster marshals events onto a Publisher.
type HubBroadcaster struct {
	hub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewHubBroadcaster constructs a HubBroadcaster.
func NewHubBroadcaster(hub Publisher, logger *slog.Logger) *HubBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubBroadcaster{hub: hub, logger: logger.With("component", "broadcaster"), now: time.Now}
}

func (b *HubBroadcaster) TargetStatusChanged(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus) {
	b.publish(TargetTopic(ref.ID), Event{
		Type:       TypeTargetStatus,
		TargetKind: string(ref.Kind),
		TargetID:   ref.ID,
		ServerID:   serverID,
		Status:     string(status),
	})
}

func (b *HubBroadcaster) ProxyStatusChanged(ctx context.Context, serverID string, status domain.ProxyStatus) {
	b.publish(ServerTopic(serverID), Event{
		Type:     TypeProxyStatus,
		ServerID: serverID,
		Status:   string(status),
	})
}

func (b *HubBroadcaster) DeploymentFinished(ctx context.Context, d domain.Deployment) {
	b.publish(TargetTopic(d.TargetID), Event{
		Type:          TypeDeploymentFinished,
		TargetKind:    string(d.TargetKind),
		TargetID:      d.TargetID,
		ServerID:      d.ServerID,
		DeploymentID:  d.ID,
		PullRequestID: d.PullRequestID,
		Status:        string(d.Status),
	})
}

func (b *HubBroadcaster) publish(topic string, evt Event) {
	evt.At = b.now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("marshal event failed", "type", evt.Type, "error", err)
		return
	}
	b.hub.Publish(topic, payload)
}

// Multi fans every call out to each broadcaster in order.
type Multi []Broadcaster

func (m Multi) TargetStatusChanged(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus) {
	for _, b := range m {
		b.TargetStatusChanged(ctx, ref, serverID, status)
	}
}

func (m Multi) ProxyStatusChanged(ctx context.Context, serverID string, status domain.ProxyStatus) {
	for _, b := range m {
		b.ProxyStatusChanged(ctx, serverID, status)
	}
}

func (m Multi) DeploymentFinished(ctx context.Context, d domain.Deployment) {
	for _, b := range m {
		b.DeploymentFinished(ctx, d)
	}
}

// Funcs adapts optional callbacks to a Broadcaster; nil fields are skipped.
type Funcs struct {
	OnTargetStatus       func(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus)
	OnProxyStatus        func(ctx context.Context, serverID string, status domain.ProxyStatus)
	OnDeploymentFinished func(ctx context.Context, d domain.Deployment)
}

func (f Funcs) TargetStatusChanged(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus) {
	if f.OnTargetStatus != nil {
		f.OnTargetStatus(ctx, ref, serverID, status)
	}
}

func (f Funcs) ProxyStatusChanged(ctx context.Context, serverID string, status domain.ProxyStatus) {
	if f.OnProxyStatus != nil {
		f.OnProxyStatus(ctx, serverID, status)
	}
}

func (f Funcs) DeploymentFinished(ctx context.Context, d domain.Deployment) {
	if f.OnDeploymentFinished != nil {
		f.OnDeploymentFinished(ctx, d)
	}
}

var (
	_ Broadcaster = (*HubBroadcaster)(nil)
	_ Broadcaster = Multi(nil)
	_ Broadcaster = Funcs{}
)
