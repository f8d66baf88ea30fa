package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
)

// commandRunner is the seam between the engine and the docker binary.
type commandRunner interface {
	run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, output)
	}
	return output, nil
}

// DockerEngine drives the docker CLI. Container names follow
// <prefix>-<service>-<replica> so restarts re-adopt what is already
// running.
type DockerEngine struct {
	cfg    config.DockerConfig
	runner commandRunner
	logger *zap.Logger
}

func NewDockerEngine(cfg config.DockerConfig, logger *zap.Logger) *DockerEngine {
	return &DockerEngine{
		cfg:    cfg,
		runner: execRunner{},
		logger: logger,
	}
}

func (e *DockerEngine) EnsureNetwork(ctx context.Context) error {
	_, err := e.runner.run(ctx, e.cfg.Binary, "network", "inspect", e.cfg.Network)
	if err == nil {
		e.logger.Debug("Network already exists", zap.String("network", e.cfg.Network))
		return nil
	}

	e.logger.Info("Creating network", zap.String("network", e.cfg.Network))
	if _, err := e.runner.run(ctx, e.cfg.Binary, "network", "create", e.cfg.Network); err != nil {
		return fmt.Errorf("failed to create network %s: %w", e.cfg.Network, err)
	}
	return nil
}

func (e *DockerEngine) BuildImage(ctx context.Context, svc config.ServiceSpec) error {
	if !svc.NeedsBuild() {
		return nil
	}

	args := []string{"build", "-t", e.imageTag(svc)}
	if svc.Build.Dockerfile != "" {
		args = append(args, "-f", svc.Build.Dockerfile)
	}
	args = append(args, svc.Build.Context)

	e.logger.Info("Building image",
		zap.String("service", svc.Name),
		zap.String("tag", e.imageTag(svc)))

	if _, err := e.runner.run(ctx, e.cfg.Binary, args...); err != nil {
		return fmt.Errorf("failed to build %s: %w", svc.Name, err)
	}
	return nil
}

func (e *DockerEngine) StartReplicas(ctx context.Context, svc config.ServiceSpec) ([]Backend, error) {
	backends := make([]Backend, 0, svc.Replicas)

	for i := 1; i <= svc.Replicas; i++ {
		if err := e.ensureReplica(ctx, svc, i); err != nil {
			return backends, err
		}
		backends = append(backends, Backend{
			Service: svc.Name,
			Name:    e.replicaName(svc.Name, i),
			Addr:    BackendAddr(svc, i),
			Replica: i,
		})
	}
	return backends, nil
}

func (e *DockerEngine) Scale(ctx context.Context, svc config.ServiceSpec, replicas int) ([]Backend, error) {
	if replicas < 1 {
		return nil, fmt.Errorf("service %s: cannot scale below 1 replica", svc.Name)
	}

	target := svc
	target.Replicas = replicas

	backends, err := e.StartReplicas(ctx, target)
	if err != nil {
		return nil, err
	}

	// Replica names are dense, so the first missing index ends the sweep.
	for i := replicas + 1; ; i++ {
		name := e.replicaName(svc.Name, i)
		if !e.exists(ctx, name) {
			break
		}
		e.logger.Info("Removing replica",
			zap.String("service", svc.Name), zap.String("name", name))
		if _, err := e.runner.run(ctx, e.cfg.Binary, "rm", "-f", name); err != nil {
			return backends, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	return backends, nil
}

func (e *DockerEngine) ListBackends(ctx context.Context, svc config.ServiceSpec) ([]Backend, error) {
	var backends []Backend

	for i := 1; ; i++ {
		name := e.replicaName(svc.Name, i)
		state, err := e.runner.run(ctx, e.cfg.Binary, "inspect", "-f", "{{.State.Running}}", name)
		if err != nil {
			break
		}
		if state == "true" {
			backends = append(backends, Backend{
				Service: svc.Name,
				Name:    name,
				Addr:    BackendAddr(svc, i),
				Replica: i,
			})
		}
	}
	return backends, nil
}

// ensureReplica makes replica i of the service run: already running is a
// no-op, a stopped or stale container is replaced.
func (e *DockerEngine) ensureReplica(ctx context.Context, svc config.ServiceSpec, i int) error {
	name := e.replicaName(svc.Name, i)

	state, err := e.runner.run(ctx, e.cfg.Binary, "inspect", "-f", "{{.State.Running}}", name)
	if err == nil {
		if state == "true" {
			e.logger.Debug("Replica already running", zap.String("name", name))
			return nil
		}
		if _, err := e.runner.run(ctx, e.cfg.Binary, "rm", "-f", name); err != nil {
			return fmt.Errorf("failed to replace stopped replica %s: %w", name, err)
		}
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--network", e.cfg.Network,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:%d", svc.HostPort(i), svc.ContainerPort),
	}
	for _, key := range sortedKeys(svc.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, svc.Env[key]))
	}
	for _, volume := range svc.Volumes {
		args = append(args, "-v", volume)
	}
	args = append(args, e.image(svc))

	e.logger.Info("Starting replica",
		zap.String("service", svc.Name),
		zap.String("name", name),
		zap.Int("host_port", svc.HostPort(i)))

	if _, err := e.runner.run(ctx, e.cfg.Binary, args...); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

func (e *DockerEngine) exists(ctx context.Context, name string) bool {
	_, err := e.runner.run(ctx, e.cfg.Binary, "inspect", "-f", "{{.Name}}", name)
	return err == nil
}

func (e *DockerEngine) replicaName(service string, i int) string {
	return fmt.Sprintf("%s-%s-%d", e.cfg.NamePrefix, service, i)
}

func (e *DockerEngine) imageTag(svc config.ServiceSpec) string {
	return fmt.Sprintf("%s-%s:latest", e.cfg.NamePrefix, svc.Name)
}

func (e *DockerEngine) image(svc config.ServiceSpec) string {
	if svc.Image != "" {
		return svc.Image
	}
	return e.imageTag(svc)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
