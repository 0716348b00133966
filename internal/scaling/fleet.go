package scaling

import (
	"time"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// LaunchSpec describes one new worker instance. The controller assigns the
// worker id so it can address the instance before the worker's first
// registration heartbeat lands.
type LaunchSpec struct {
	WorkerID   string
	HealthPort int
	Env        map[string]string
}

// FleetDriver abstracts the deployment backend the controller scales.
type FleetDriver interface {
	Launch(ctx domain.Context, spec LaunchSpec) error
	// Stop terminates gracefully: signal, wait up to grace, then force kill.
	Stop(ctx domain.Context, workerID string, grace time.Duration) error
	// Kill removes the instance immediately.
	Kill(ctx domain.Context, workerID string) error
	List(ctx domain.Context) ([]string, error)
}
