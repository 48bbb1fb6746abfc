package tieredlib

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/andrewbaxter/tiered/dockerapi"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	manifestPlaceholder = "{manifest}"
	targetPlaceholder   = "{target}"
	// Only the tail of installer output goes into errors
	outputTail = 4096
)

type InstallRequest struct {
	// Host copy of the dependency manifest
	Manifest AbsPath
	// Installer argv with placeholders
	Run []string
	// Image environment at the install step, `K=V`
	Env []string
	// Image working directory
	Workdir string
	// FROM image ref, for installers that run inside it
	BaseRef string
	// Empty host directory to fill with the installed dependencies
	Target AbsPath
}

// Installer fills req.Target from req.Manifest. It must not read or write a package cache
// that outlives the call.
type Installer interface {
	// Name is part of the install step key: switching installers invalidates the layer.
	Name() string
	Install(ctx context.Context, req InstallRequest) error
}

func expandRun(run []string, manifest string, target string) []string {
	out := make([]string, 0, len(run))
	for _, a := range run {
		a = strings.ReplaceAll(a, manifestPlaceholder, manifest)
		a = strings.ReplaceAll(a, targetPlaceholder, target)
		out = append(out, a)
	}
	return out
}

func tail(b []byte) string {
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return strings.TrimSpace(string(b))
}

// HostInstaller runs the install command on the build host.
type HostInstaller struct{}

func (HostInstaller) Name() string { return "host" }

func (HostInstaller) Install(ctx context.Context, req InstallRequest) error {
	argv := expandRun(req.Run, req.Manifest.Raw(), req.Target.Raw())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Manifest.Parent().Raw()
	cmd.Env = append(os.Environ(), req.Env...)
	// Own process group so cancellation takes the installer's children down too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	Logger.WithField("command", argv).Info("Installing dependencies on host")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("installation cancelled: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s exited with %d: %s", ErrInstallFailed, argv[0], exitErr.ExitCode(), tail(output.Bytes()))
		}
		return fmt.Errorf("%w: failed to start %s: %w", ErrInstallFailed, argv[0], err)
	}
	Logger.Debug(tail(output.Bytes()))
	return nil
}

// ContainerInstaller runs the install command in a fresh container of the FROM image, so
// dependencies are built for the runtime they will run on.
type ContainerInstaller struct {
	Client dockerapi.Installer
}

const (
	containerStage    = "/tiered-install"
	containerManifest = containerStage + "/in"
	containerTarget   = containerStage + "/out"
)

func (ContainerInstaller) Name() string { return "container" }

func (c ContainerInstaller) Install(ctx context.Context, req InstallRequest) error {
	if req.BaseRef == "" {
		return fmt.Errorf("%w: container installer needs a FROM image ref", ErrInstallFailed)
	}
	log := Logger.WithField("image", req.BaseRef)
	if err := dockerapi.EnsureImage(ctx, c.Client, req.BaseRef, log); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	manifestInContainer := path.Join(containerManifest, req.Manifest.Filename())
	argv := expandRun(req.Run, manifestInContainer, containerTarget)
	resp, err := c.Client.ContainerCreate(ctx, &container.Config{
		Image:      req.BaseRef,
		Entrypoint: []string{argv[0]},
		Cmd:        argv[1:],
		Env:        req.Env,
		WorkingDir: req.Workdir,
		Tty:        false,
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("%w: failed to create install container: %w", ErrInstallFailed, err)
	}
	log = log.WithField("container", shortID(resp.ID))
	defer func() {
		if err := c.Client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithError(err).Warn("Failed to remove install container")
		}
	}()

	stage, err := manifestTar(req.Manifest)
	if err != nil {
		return err
	}
	if err := c.Client.CopyToContainer(ctx, resp.ID, "/", stage, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: failed to copy manifest to install container: %w", ErrInstallFailed, err)
	}

	log.WithField("command", argv).Info("Installing dependencies in container")
	statusCh, errCh := c.Client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := c.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: failed to start install container: %w", ErrInstallFailed, err)
	}
	var status container.WaitResponse
	select {
	case err := <-errCh:
		return fmt.Errorf("%w: error waiting for install container: %w", ErrInstallFailed, err)
	case status = <-statusCh:
	case <-ctx.Done():
		return fmt.Errorf("installation cancelled: %w", ctx.Err())
	}
	if status.StatusCode != 0 {
		return fmt.Errorf("%w: %s exited with %d: %s", ErrInstallFailed, argv[0], status.StatusCode, c.logs(ctx, resp.ID))
	}

	out, _, err := c.Client.CopyFromContainer(ctx, resp.ID, containerTarget)
	if err != nil {
		return fmt.Errorf("%w: failed to copy installed dependencies out: %w", ErrInstallFailed, err)
	}
	defer out.Close()
	if err := extractTar(out, req.Target); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	return nil
}

func (c ContainerInstaller) logs(ctx context.Context, id string) string {
	reader, err := c.Client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Sprintf("(no logs: %s)", err)
	}
	defer reader.Close()
	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, reader); err != nil {
		return fmt.Sprintf("(error reading logs: %s)", err)
	}
	return tail(output.Bytes())
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// manifestTar stages the manifest and an empty target directory for CopyToContainer.
func manifestTar(manifest AbsPath) (io.Reader, error) {
	contents, err := os.ReadFile(manifest.Raw())
	if err != nil {
		return nil, fmt.Errorf("%w: error reading manifest %s: %w", ErrMissingInput, manifest, err)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, dir := range []string{containerStage, containerManifest, containerTarget} {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     strings.TrimPrefix(dir, "/") + "/",
			Mode:     0o777,
		}); err != nil {
			return nil, err
		}
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     strings.TrimPrefix(path.Join(containerManifest, manifest.Filename()), "/"),
		Mode:     0o644,
		Size:     int64(len(contents)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(contents); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// extractTar unpacks a CopyFromContainer stream of a directory into dest. The first path
// component is the copied directory itself and is dropped.
func extractTar(r io.Reader, dest AbsPath) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading installed dependencies: %w", err)
		}
		name := path.Clean(strings.TrimPrefix(header.Name, "/"))
		if i := strings.Index(name, "/"); i >= 0 {
			name = name[i+1:]
		} else {
			continue
		}
		if name == "" || name == "." || name == ".." || strings.HasPrefix(name, "../") {
			continue
		}
		target := dest.Join(filepath.FromSlash(name))
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target.Raw(), 0o755); err != nil {
				return fmt.Errorf("error creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(target.Parent().Raw(), 0o755); err != nil {
				return fmt.Errorf("error creating %s: %w", target.Parent(), err)
			}
			f, err := os.OpenFile(target.Raw(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode&0o777))
			if err != nil {
				return fmt.Errorf("error creating %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("error writing %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("error closing %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(target.Parent().Raw(), 0o755); err != nil {
				return fmt.Errorf("error creating %s: %w", target.Parent(), err)
			}
			if err := os.Symlink(header.Linkname, target.Raw()); err != nil {
				return fmt.Errorf("error creating symlink %s: %w", target, err)
			}
		default:
			Logger.WithField("path", header.Name).Debug("Skipping special file in installed dependencies")
		}
	}
}
