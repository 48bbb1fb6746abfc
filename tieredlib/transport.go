package tieredlib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	imagecopy "github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/docker/daemon"
	"github.com/containers/image/v5/oci/archive"
	"github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	"github.com/containers/image/v5/types"
	"github.com/google/uuid"
)

type Credentials struct {
	User     string
	Password string
	// True if the registry is over http (disable tls validation)
	Http bool
	// Accept any image when no signature policy is installed, instead of failing
	InsecurePolicy bool
}

func (c Credentials) systemContext() *types.SystemContext {
	out := &types.SystemContext{}
	if c.User != "" || c.Password != "" {
		out.DockerAuthConfig = &types.DockerAuthConfig{
			Username: c.User,
			Password: c.Password,
		}
	}
	if c.Http {
		out.DockerInsecureSkipTLSVerify = types.NewOptionalBool(true)
	}
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		out.DockerDaemonHost = host
	}
	return out
}

// ParseImageRef parses a skopeo-style reference. `docker://`, `docker-daemon:`,
// `oci-archive:` and `oci:` are understood; anything else is a registry reference.
func ParseImageRef(ref string) (types.ImageReference, error) {
	var out types.ImageReference
	var err error
	switch {
	case strings.HasPrefix(ref, "docker://"):
		out, err = docker.Transport.ParseReference(strings.TrimPrefix(ref, "docker:"))
	case strings.HasPrefix(ref, "docker-daemon:"):
		out, err = daemon.Transport.ParseReference(strings.TrimPrefix(ref, "docker-daemon:"))
	case strings.HasPrefix(ref, "oci-archive:"):
		out, err = archive.Transport.ParseReference(strings.TrimPrefix(ref, "oci-archive:"))
	case strings.HasPrefix(ref, "oci:"):
		out, err = layout.Transport.ParseReference(strings.TrimPrefix(ref, "oci:"))
	default:
		out, err = docker.Transport.ParseReference("//" + ref)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing image reference %q: %w", ref, err)
	}
	return out, nil
}

var ErrNoSignaturePolicy = errors.New("no signature policy")

// policyContext loads the system signature policy (sys may override its path). Without
// one, copies fail unless insecure is set.
func policyContext(sys *types.SystemContext, insecure bool) (*signature.PolicyContext, error) {
	policy, err := signature.DefaultPolicy(sys)
	if err != nil {
		if !insecure {
			return nil, fmt.Errorf("%w (install containers/policy.json or pass --insecure-policy): %w", ErrNoSignaturePolicy, err)
		}
		Logger.WithError(err).Warn("No signature policy available, accepting any image")
		policy = &signature.Policy{
			Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
		}
	}
	policyContext, err := signature.NewPolicyContext(policy)
	if err != nil {
		return nil, fmt.Errorf("error setting up registry client policy context: %w", err)
	}
	return policyContext, nil
}

func copyImage(ctx context.Context, dest types.ImageReference, source types.ImageReference, sourceCreds Credentials, destCreds Credentials) error {
	policyContext, err := policyContext(nil, sourceCreds.InsecurePolicy || destCreds.InsecurePolicy)
	if err != nil {
		return err
	}
	defer policyContext.Destroy()
	_, err = imagecopy.Image(
		ctx,
		policyContext,
		dest,
		source,
		&imagecopy.Options{
			SourceCtx:      sourceCreds.systemContext(),
			DestinationCtx: destCreds.systemContext(),
		},
	)
	return err
}

// Pull stores ref as an oci archive at dest. The archive only appears once complete.
func Pull(ctx context.Context, ref string, dest AbsPath, creds Credentials) error {
	sourceRef, err := ParseImageRef(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest.Parent().Raw(), 0o755); err != nil {
		return fmt.Errorf("error creating directory for base archive %s: %w", dest, err)
	}
	tmp := dest.Parent().Join(".tiered-pull-" + uuid.NewString() + ".tar")
	defer os.Remove(tmp.Raw())
	destRef, err := archive.NewReference(tmp.Raw(), "")
	if err != nil {
		return fmt.Errorf("error creating archive reference for %s: %w", tmp, err)
	}
	Logger.WithField("ref", ref).Info("Pulling base image")
	if err := copyImage(ctx, destRef, sourceRef, creds, Credentials{}); err != nil {
		return fmt.Errorf("error pulling %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Raw(), dest.Raw()); err != nil {
		return fmt.Errorf("error moving pulled image to %s: %w", dest, err)
	}
	return nil
}

// Push copies the oci layout at layoutDir to a skopeo-style destination.
func Push(ctx context.Context, layoutDir AbsPath, dest string, creds Credentials) error {
	sourceRef, err := layout.NewReference(layoutDir.Raw(), "")
	if err != nil {
		return fmt.Errorf("error opening built image at %s: %w", layoutDir, err)
	}
	destRef, err := ParseImageRef(dest)
	if err != nil {
		return err
	}
	Logger.WithField("dest", dest).Info("Pushing image")
	if err := copyImage(ctx, destRef, sourceRef, Credentials{}, creds); err != nil {
		return fmt.Errorf("error uploading image to %s: %w", dest, err)
	}
	return nil
}
