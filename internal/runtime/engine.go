package runtime

import (
	"context"
	"fmt"

	"github.com/voxlabs/voxstack/internal/config"
)

// Backend is one running replica of a logical service, addressable on the
// host. Replica indexes are 1-based and dense: replica i publishes on host
// port HostPortBase+i-1.
type Backend struct {
	Service string `json:"service"`
	Name    string `json:"name"`
	Addr    string `json:"addr"`
	Replica int    `json:"replica"`
}

// Engine is the container-runtime boundary. Implementations must be
// idempotent: ensuring a network or replica that already exists is a no-op.
type Engine interface {
	// EnsureNetwork creates the stack network if it does not exist.
	EnsureNetwork(ctx context.Context) error

	// BuildImage builds the service image from its build context. Services
	// configured with a pulled image skip the build.
	BuildImage(ctx context.Context, svc config.ServiceSpec) error

	// StartReplicas brings the service to its configured replica count,
	// keeping replicas that are already running under the expected names.
	StartReplicas(ctx context.Context, svc config.ServiceSpec) ([]Backend, error)

	// Scale starts or removes replicas to reach the requested count and
	// returns the surviving backends.
	Scale(ctx context.Context, svc config.ServiceSpec, replicas int) ([]Backend, error)

	// ListBackends returns the currently running replicas of the service.
	ListBackends(ctx context.Context, svc config.ServiceSpec) ([]Backend, error)
}

// BackendAddr formats the host address of a replica.
func BackendAddr(svc config.ServiceSpec, replica int) string {
	return fmt.Sprintf("127.0.0.1:%d", svc.HostPort(replica))
}
