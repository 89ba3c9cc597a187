package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth"
	"github.com/dominodatalab/sweeper/pkg/source"
)

const containerWorkspace = "/workspace"

type dockerClient interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, container, path string, content io.Reader, options types.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, container string, options types.ContainerStartOptions) error
	ContainerLogs(ctx context.Context, container string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerWait(
		ctx context.Context,
		container string,
		condition container.WaitCondition,
	) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, container string, options types.ContainerRemoveOptions) error
}

// Docker runs each execution in a fresh container that is removed afterwards.
type Docker struct {
	log      logr.Logger
	client   dockerClient
	network  string
	registry *cloudauth.Registry
}

func NewDocker(log logr.Logger, host, networkMode string, registry *cloudauth.Registry) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create docker client: %w", err)
	}

	return NewDockerWithClient(log, cli, networkMode, registry), nil
}

func NewDockerWithClient(log logr.Logger, cli dockerClient, networkMode string, registry *cloudauth.Registry) *Docker {
	return &Docker{
		log:      log.WithName("docker-environment"),
		client:   cli,
		network:  networkMode,
		registry: registry,
	}
}

func (d *Docker) Execute(ctx context.Context, e *Execution) (int, error) {
	log := d.log.WithValues("name", e.Name, "image", e.Image)

	if err := d.pull(ctx, log, e.Image); err != nil {
		return -1, err
	}

	var workspace bytes.Buffer
	err := source.Pack(&workspace, e.SourceDir, strings.TrimPrefix(containerWorkspace, "/"), nil)
	if err != nil {
		return -1, fmt.Errorf("cannot pack workspace: %w", err)
	}
	var dockerConfig bytes.Buffer
	if err = source.Pack(&dockerConfig, e.DockerConfigDir, "root/.docker", nil); err != nil {
		return -1, fmt.Errorf("cannot pack docker config: %w", err)
	}

	created, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:      e.Image,
			Cmd:        e.Command,
			Env:        e.EnvList(map[string]string{sweeperv1.EnvDockerConfig: "/root/.docker"}),
			WorkingDir: containerWorkspace,
			Labels:     e.Labels(),
		},
		&container.HostConfig{
			Privileged:  e.Privileged,
			NetworkMode: container.NetworkMode(d.network),
		},
		nil, nil, e.Name,
	)
	if err != nil {
		return -1, fmt.Errorf("cannot create container: %w", err)
	}
	id := created.ID

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		if err := d.client.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			log.Error(err, "Failed to remove container", "id", id)
		}
	}()

	for _, archive := range []*bytes.Buffer{&workspace, &dockerConfig} {
		if err = d.client.CopyToContainer(ctx, id, "/", archive, types.CopyToContainerOptions{}); err != nil {
			return -1, fmt.Errorf("cannot copy workspace into container: %w", err)
		}
	}

	waitCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err = d.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return -1, fmt.Errorf("cannot start container: %w", err)
	}
	log.V(1).Info("Started container", "id", id)

	logs, err := d.client.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return -1, fmt.Errorf("cannot attach to container logs: %w", err)
	}
	defer logs.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(e.Output, e.Output, logs)
		copyDone <- err
	}()

	select {
	case resp := <-waitCh:
		if err = <-copyDone; err != nil && !errors.Is(err, io.EOF) {
			log.Error(err, "Incomplete container output")
		}
		if resp.Error != nil {
			return -1, fmt.Errorf("container wait failed: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err = <-errCh:
		return -1, fmt.Errorf("container wait failed: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *Docker) pull(ctx context.Context, log logr.Logger, image string) error {
	var opts types.ImagePullOptions

	if d.registry != nil {
		ac, err := d.registry.RetrieveAuthorization(ctx, log, path.Dir(image))
		switch {
		case errors.Is(err, cloudauth.ErrNoLoader):
		case err != nil:
			return fmt.Errorf("cannot authenticate image pull: %w", err)
		default:
			encoded, err := registry.EncodeAuthConfig(*ac)
			if err != nil {
				return err
			}
			opts.RegistryAuth = encoded
		}
	}

	rc, err := d.client.ImagePull(ctx, image, opts)
	if err != nil {
		return fmt.Errorf("cannot pull image %q: %w", image, err)
	}
	defer rc.Close()

	if _, err = io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("cannot pull image %q: %w", image, err)
	}
	log.V(1).Info("Pulled image")

	return nil
}
