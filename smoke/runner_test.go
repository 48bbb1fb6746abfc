package smoke

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	images     []image.Summary
	pulled     []string
	config     *container.Config
	hostConfig *container.HostConfig
	startErr   error
	started    bool
	removed    bool
}

func (f *fakeAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(bytes.NewBufferString(`{"status":"Downloaded"}` + "\n")), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error) {
	f.config = config
	f.hostConfig = hostConfig
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.started = true
	return f.startErr
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = options.Force
	return nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("Traceback: address already in use\n"))
	return io.NopCloser(&buf), nil
}

const testImage = "registry.example.com/app:dev"

func testRunner(api *fakeAPI) *Runner {
	r := NewRunner(api, logrus.New())
	r.PollInterval = 10 * time.Millisecond
	return r
}

func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestRunnerLive(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Not ready for the first two probes
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	api := &fakeAPI{images: []image.Summary{{RepoTags: []string{testImage}}}}

	result, err := testRunner(api).Run(context.Background(), Options{
		Image:    testImage,
		Port:     8081,
		PortEnv:  "PORT",
		Path:     "/health",
		Timeout:  5 * time.Second,
		HostPort: serverPort(t, server),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "c0ffee", result.ContainerID)

	assert.Empty(t, api.pulled)
	assert.Equal(t, testImage, api.config.Image)
	assert.Contains(t, api.config.Env, "PORT=8081")
	port := nat.Port("8081/tcp")
	assert.Contains(t, api.config.ExposedPorts, port)
	require.Len(t, api.hostConfig.PortBindings[port], 1)
	assert.Equal(t, "127.0.0.1", api.hostConfig.PortBindings[port][0].HostIP)
	assert.Equal(t, strconv.Itoa(serverPort(t, server)), api.hostConfig.PortBindings[port][0].HostPort)
	assert.True(t, api.started)
	assert.True(t, api.removed)
}

func TestRunnerNotLive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	api := &fakeAPI{images: []image.Summary{{RepoTags: []string{testImage}}}}

	result, err := testRunner(api).Run(context.Background(), Options{
		Image:    testImage,
		Port:     8081,
		PortEnv:  "PORT",
		Timeout:  200 * time.Millisecond,
		HostPort: serverPort(t, server),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotLive))
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.True(t, api.removed)
}

func TestRunnerPullsMissingImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()
	api := &fakeAPI{}

	_, err := testRunner(api).Run(context.Background(), Options{
		Image:    testImage,
		Port:     5000,
		Timeout:  time.Second,
		HostPort: serverPort(t, server),
		Env:      []string{"DEBUG=1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testImage}, api.pulled)
	assert.Equal(t, []string{"DEBUG=1"}, api.config.Env)
}

func TestRunnerStartFailure(t *testing.T) {
	api := &fakeAPI{
		images:   []image.Summary{{RepoTags: []string{testImage}}},
		startErr: errors.New("port is already allocated"),
	}
	_, err := testRunner(api).Run(context.Background(), Options{Image: testImage, Port: 5000, Timeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port is already allocated")
	assert.True(t, api.removed)
	assert.NotEmpty(t, api.hostConfig.PortBindings[nat.Port("5000/tcp")][0].HostPort)
}

func TestRunnerRejectsBadOptions(t *testing.T) {
	api := &fakeAPI{}
	_, err := testRunner(api).Run(context.Background(), Options{Port: 5000})
	require.Error(t, err)
	_, err = testRunner(api).Run(context.Background(), Options{Image: testImage, Port: 0})
	require.Error(t, err)
	assert.Nil(t, api.config)
}
