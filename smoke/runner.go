// Package smoke starts a built image under docker with its port overridden and checks
// that the process answers on the overridden port.
package smoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andrewbaxter/tiered/dockerapi"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

var ErrNotLive = errors.New("container did not answer")

const DefaultTimeout = 30 * time.Second

type Options struct {
	Image string
	// Container port; also the value given to PortEnv
	Port    int
	PortEnv string
	// Probe path, `/` by default
	Path string
	// DefaultTimeout if 0
	Timeout time.Duration
	// Host port to publish on, chosen automatically if 0
	HostPort int
	// Extra container environment, `K=V`
	Env []string
}

type Result struct {
	ContainerID string
	HostPort    int
	StatusCode  int
	Attempts    int
}

type Runner struct {
	API  dockerapi.Runner
	HTTP *http.Client
	// Address published ports are reachable on
	Host         string
	PollInterval time.Duration
	Log          logrus.FieldLogger
}

func NewRunner(api dockerapi.Runner, log logrus.FieldLogger) *Runner {
	return &Runner{
		API:          api,
		HTTP:         &http.Client{Timeout: 2 * time.Second},
		Host:         "127.0.0.1",
		PollInterval: 250 * time.Millisecond,
		Log:          log,
	}
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("error finding a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Run starts opts.Image with PortEnv set to Port, publishes Port and polls it until it
// answers with a 2xx status or the timeout passes. The container is always removed.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("no image to run")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", opts.Port)
	}
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("image", opts.Image)
	if err := dockerapi.EnsureImage(ctx, r.API, opts.Image, log); err != nil {
		return nil, err
	}

	hostPort := opts.HostPort
	if hostPort == 0 {
		var err error
		hostPort, err = freePort(r.Host)
		if err != nil {
			return nil, err
		}
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(opts.Port))
	if err != nil {
		return nil, fmt.Errorf("invalid port %d: %w", opts.Port, err)
	}
	env := append([]string{}, opts.Env...)
	if opts.PortEnv != "" {
		env = append(env, fmt.Sprintf("%s=%d", opts.PortEnv, opts.Port))
	}

	resp, err := r.API.ContainerCreate(ctx, &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: r.Host, HostPort: strconv.Itoa(hostPort)}},
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	result := &Result{ContainerID: resp.ID, HostPort: hostPort}
	log = log.WithField("container", resp.ID)
	defer func() {
		if err := r.API.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithError(err).Warn("Failed to remove container")
		}
	}()
	if err := r.API.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("failed to start container: %w", err)
	}

	url := fmt.Sprintf("http://%s/%s", net.JoinHostPort(r.Host, strconv.Itoa(hostPort)), strings.TrimPrefix(opts.Path, "/"))
	log.WithField("url", url).Info("Waiting for container to answer")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	lastErr := errors.New("no answer")
	for {
		result.Attempts++
		status, err := r.probe(pollCtx, url)
		if err == nil {
			result.StatusCode = status
			if status >= 200 && status < 300 {
				log.WithFields(logrus.Fields{"status": status, "attempts": result.Attempts}).Info("Container is live")
				return result, nil
			}
			lastErr = fmt.Errorf("status %d", status)
		} else if pollCtx.Err() == nil {
			lastErr = err
		}
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("%w on port %d within %s (last: %s): %s", ErrNotLive, opts.Port, timeout, lastErr, r.logs(ctx, resp.ID))
		case <-ticker.C:
		}
	}
}

func (r *Runner) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (r *Runner) logs(ctx context.Context, id string) string {
	reader, err := r.API.ContainerLogs(context.WithoutCancel(ctx), id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "50"})
	if err != nil {
		return fmt.Sprintf("(no logs: %s)", err)
	}
	defer reader.Close()
	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, reader); err != nil {
		return fmt.Sprintf("(error reading logs: %s)", err)
	}
	return strings.TrimSpace(output.String())
}
