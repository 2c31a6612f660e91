package engine

import (
	"context"
	"io"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/plancton/plancton/pkg/log"
)

const (
	// DefaultSocket is the engine's Unix socket address
	DefaultSocket = "unix:///var/run/docker.sock"

	callTimeout = 30 * time.Second
	pullTimeout = 10 * time.Minute
)

// dockerClient implements Client against a Docker-compatible engine socket
type dockerClient struct {
	api    *client.Client
	policy RetryPolicy
	logger zerolog.Logger
}

// NewDockerClient connects to the engine at host (e.g. DefaultSocket). The
// connection is lazy; a dead socket shows up on the first call, not here.
func NewDockerClient(host string, policy RetryPolicy) (Client, error) {
	api, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, classify("connect", err)
	}
	return &dockerClient{
		api:    api,
		policy: policy,
		logger: log.WithComponent("engine"),
	}, nil
}

func (c *dockerClient) List(ctx context.Context, all bool) ([]dockertypes.Container, error) {
	return WithRetry(c.policy, "list", func() ([]dockertypes.Container, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		list, err := c.api.ContainerList(cctx, dockertypes.ContainerListOptions{All: all})
		return list, classify("list", err)
	})
}

func (c *dockerClient) Inspect(ctx context.Context, id string) (dockertypes.ContainerJSON, error) {
	return WithRetry(c.policy, "inspect", func() (dockertypes.ContainerJSON, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		info, err := c.api.ContainerInspect(cctx, id)
		return info, classify("inspect", err)
	})
}

func (c *dockerClient) Create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	return WithRetry(c.policy, "create", func() (string, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		resp, err := c.api.ContainerCreate(cctx, cfg, hostCfg, nil, nil, name)
		return resp.ID, classify("create", err)
	})
}

func (c *dockerClient) Start(ctx context.Context, id string) error {
	_, err := WithRetry(c.policy, "start", func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return struct{}{}, classify("start", c.api.ContainerStart(cctx, id, dockertypes.ContainerStartOptions{}))
	})
	return err
}

func (c *dockerClient) Remove(ctx context.Context, id string, force bool) error {
	_, err := WithRetry(c.policy, "remove", func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return struct{}{}, classify("remove", c.api.ContainerRemove(cctx, id, dockertypes.ContainerRemoveOptions{Force: force}))
	})
	return err
}

func (c *dockerClient) Pull(ctx context.Context, repo, tag string) error {
	c.logger.Debug().Str("repo", repo).Str("tag", tag).Msg("Pulling image")
	_, err := WithRetry(c.policy, "pull", func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, pullTimeout)
		defer cancel()
		rc, err := c.api.ImagePull(cctx, repo+":"+tag, dockertypes.ImagePullOptions{})
		if err != nil {
			return struct{}{}, classify("pull", err)
		}
		// The pull only completes once the progress stream is drained
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		return struct{}{}, classify("pull", err)
	})
	return err
}

func (c *dockerClient) Info(ctx context.Context) (dockertypes.Info, error) {
	return WithRetry(c.policy, "info", func() (dockertypes.Info, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		info, err := c.api.Info(cctx)
		return info, classify("info", err)
	})
}
