package daemon

import (
	"context"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// ComponentHealth is one component's answer to a health probe. It is also
// served on GET /health.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Component is a unit the Daemon manages. Init runs in dependency order,
// then Start in the same order. Stop runs in reverse and is called for every
// component whose Init succeeded, including ones that never started, so it
// must tolerate that state. Health must not block on Stop.
type Component interface {
	Name() string
	// Dependencies names components that must be initialized first.
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}
