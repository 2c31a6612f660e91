package engine

import (
	"context"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// Client is the typed wrapper over the container engine's HTTP API. All
// operations retry transient transport failures per the client's retry
// policy; permanent errors surface immediately and engine 404s come back
// as ErrNotFound.
type Client interface {
	// List returns the engine's container list; all includes stopped ones
	List(ctx context.Context, all bool) ([]dockertypes.Container, error)

	// Inspect returns the authoritative state of one container
	Inspect(ctx context.Context, id string) (dockertypes.ContainerJSON, error)

	// Create provisions a container and returns its ID
	Create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error)

	// Start starts a created container
	Start(ctx context.Context, id string) error

	// Remove deletes a container, killing it first when force is set
	Remove(ctx context.Context, id string, force bool) error

	// Pull fetches repo:tag from the registry
	Pull(ctx context.Context, repo, tag string) error

	// Info returns engine-level information
	Info(ctx context.Context) (dockertypes.Info, error)
}
