// Package dockerapi narrows the docker client to what tiered uses, so installers and
// the smoke runner can be tested without a daemon.
package dockerapi

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

type ImageProvisioner interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

type ContainerProvisioner interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

type FileTransfer interface {
	CopyToContainer(ctx context.Context, containerID, path string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
}

type ContainerWaiter interface {
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// Runner is what the smoke test needs: start an image and clean it up.
type Runner interface {
	ImageProvisioner
	ContainerProvisioner
}

// Installer is what the container installer needs: run a one-shot container and move files in and out.
type Installer interface {
	ImageProvisioner
	ContainerProvisioner
	FileTransfer
	ContainerWaiter
}

type Client interface {
	Installer
	Close() error
}

var _ Client = (*client.Client)(nil)

func NewClientFromEnv() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("error connecting to docker: %w", err)
	}
	return cli, nil
}

// EnsureImage pulls ref unless the daemon already has it.
func EnsureImage(ctx context.Context, cli ImageProvisioner, ref string, log logrus.FieldLogger) error {
	images, err := cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("failed to list local images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				log.WithField("image", ref).Debug("Image found locally, skipping pull")
				return nil
			}
		}
	}

	log.WithField("image", ref).Info("Pulling image")
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer reader.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}
