package scaling

import (
	"fmt"
	"sort"
	"time"

	containerapi "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	networkapi "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

const workerLabel = "rabbitreels.worker"

// DockerDriver runs render workers as labeled containers on a single Docker
// host. Containers are named after their worker id so the controller can
// address them without an extra mapping table.
type DockerDriver struct {
	cli     *client.Client
	image   string
	network string
}

// NewDockerDriver connects to the local Docker daemon.
func NewDockerDriver(image, network string) (*DockerDriver, error) {
	if image == "" {
		return nil, fmt.Errorf("op=fleet.docker: worker image not configured")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=fleet.docker: %w", err)
	}
	return &DockerDriver{cli: cli, image: image, network: network}, nil
}

// Launch creates and starts one worker container.
func (d *DockerDriver) Launch(ctx domain.Context, spec LaunchSpec) error {
	env := []string{
		"WORKER_ID=" + spec.WorkerID,
		fmt.Sprintf("HEALTH_CHECK_PORT=%d", spec.HealthPort),
	}
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}

	exposed := nat.PortSet{}
	if spec.HealthPort > 0 {
		port, err := nat.NewPort("tcp", fmt.Sprint(spec.HealthPort))
		if err != nil {
			return fmt.Errorf("op=fleet.launch: %w", err)
		}
		exposed[port] = struct{}{}
	}

	cfg := &containerapi.Config{
		Image:        d.image,
		Env:          env,
		Labels:       map[string]string{workerLabel: spec.WorkerID},
		ExposedPorts: exposed,
	}
	hostCfg := &containerapi.HostConfig{
		RestartPolicy: containerapi.RestartPolicy{Name: containerapi.RestartPolicyUnlessStopped},
	}
	var netCfg *networkapi.NetworkingConfig
	if d.network != "" {
		netCfg = &networkapi.NetworkingConfig{
			EndpointsConfig: map[string]*networkapi.EndpointSettings{d.network: {}},
		}
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.WorkerID)
	if err != nil {
		return fmt.Errorf("op=fleet.launch: create: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, containerapi.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, containerapi.RemoveOptions{Force: true})
		return fmt.Errorf("op=fleet.launch: start: %w", err)
	}
	return nil
}

// Stop terminates a worker container gracefully: SIGTERM, then SIGKILL after
// the grace period. The daemon handles the escalation via the stop timeout.
func (d *DockerDriver) Stop(ctx domain.Context, workerID string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if err := d.cli.ContainerStop(ctx, workerID, containerapi.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("op=fleet.stop: %w", err)
	}
	if err := d.cli.ContainerRemove(ctx, workerID, containerapi.RemoveOptions{}); err != nil {
		return fmt.Errorf("op=fleet.stop: remove: %w", err)
	}
	return nil
}

// Kill force-removes a worker container.
func (d *DockerDriver) Kill(ctx domain.Context, workerID string) error {
	if err := d.cli.ContainerRemove(ctx, workerID, containerapi.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("op=fleet.kill: %w", err)
	}
	return nil
}

// List returns the worker ids of all labeled containers, running or not.
func (d *DockerDriver) List(ctx domain.Context) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, containerapi.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", workerLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("op=fleet.list: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.Labels[workerLabel])
	}
	return ids, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
