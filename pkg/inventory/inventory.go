package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"

	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/types"
)

// Inventory filters the engine's global container list down to the subset
// owned by this agent. The engine is the authoritative store; nothing is
// cached across calls.
type Inventory struct {
	client engine.Client
	prefix string
}

// New builds an inventory over client for containers named with prefix
func New(client engine.Client, prefix string) *Inventory {
	return &Inventory{client: client, prefix: prefix}
}

// owns reports whether the container's first name, leading slash stripped,
// carries the agent prefix
func (inv *Inventory) owns(c dockertypes.Container) bool {
	if len(c.Names) == 0 {
		return false
	}
	return strings.HasPrefix(strings.TrimPrefix(c.Names[0], "/"), inv.prefix)
}

func (inv *Inventory) convert(c dockertypes.Container) types.OwnedContainer {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return types.OwnedContainer{
		ID:        c.ID,
		Name:      name,
		State:     types.ParseContainerState(c.State),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
		Status:    c.Status,
	}
}

// Owned lists the agent's containers; all includes non-running ones
func (inv *Inventory) Owned(ctx context.Context, all bool) ([]types.OwnedContainer, error) {
	list, err := inv.client.List(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	owned := make([]types.OwnedContainer, 0, len(list))
	for _, c := range list {
		if inv.owns(c) {
			owned = append(owned, inv.convert(c))
		}
	}
	return owned, nil
}

// RunningCount returns the number of owned containers the list endpoint
// reports as up
func (inv *Inventory) RunningCount(ctx context.Context) (int, error) {
	list, err := inv.client.List(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	n := 0
	for _, c := range list {
		if inv.owns(c) && strings.HasPrefix(c.Status, "Up") {
			n++
		}
	}
	return n, nil
}

// YoungestFirst returns the owned running containers sorted by creation
// time descending. The overhead guard evicts from the front so the workers
// that have done the most work survive.
func (inv *Inventory) YoungestFirst(ctx context.Context) ([]types.OwnedContainer, error) {
	owned, err := inv.Owned(ctx, true)
	if err != nil {
		return nil, err
	}
	running := owned[:0]
	for _, c := range owned {
		if c.Running() {
			running = append(running, c)
		}
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].CreatedAt.After(running[j].CreatedAt)
	})
	return running, nil
}
