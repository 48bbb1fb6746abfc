package tieredlib

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

type Builder struct {
	// Defaults to no caching
	Cache LayerCache
	// Required if the plan has an install step
	Installer Installer
	// Pull the FROM image even when no signature policy is installed
	InsecurePolicy bool
}

type LayerResult struct {
	Step   int
	Kind   StepKind
	Key    digest.Digest
	Digest digest.Digest
	DiffID digest.Digest
	Size   int64
	Cached bool
}

type BuildResult struct {
	ID             string
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
	// Layers added by the plan, after the FROM image layers
	Layers []LayerResult
}

// Layer returns the layer produced by the step at index, if any.
func (r *BuildResult) Layer(index int) (LayerResult, bool) {
	for _, l := range r.Layers {
		if l.Step == index {
			return l, true
		}
	}
	return LayerResult{}, false
}

// imageWriter writes an oci image layout into dir.
type imageWriter struct {
	dir AbsPath
}

func (w imageWriter) writeMemory(name string, contents []byte) error {
	p := w.dir.Join(name)
	if err := os.MkdirAll(p.Parent().Raw(), 0o755); err != nil {
		return fmt.Errorf("unable to create parent directories for image file %s: %w", p, err)
	}
	if err := os.WriteFile(p.Raw(), contents, 0o644); err != nil {
		return fmt.Errorf("error writing image file %s: %w", name, err)
	}
	return nil
}

func (w imageWriter) writeJson(name string, contents any) error {
	return w.writeMemory(name, canonicalJsonMarshal(contents))
}

func (w imageWriter) writeBlobJson(contents any) (imagespec.Descriptor, error) {
	ser := canonicalJsonMarshal(contents)
	d := digest.FromBytes(ser)
	if err := w.writeMemory(blobPath(d), ser); err != nil {
		return imagespec.Descriptor{}, err
	}
	return imagespec.Descriptor{Digest: d, Size: int64(len(ser))}, nil
}

func (w imageWriter) writeBlobReader(d digest.Digest, reader io.Reader) error {
	p := w.dir.Join(blobPath(d))
	if err := os.MkdirAll(p.Parent().Raw(), 0o755); err != nil {
		return fmt.Errorf("unable to create parent directories for image file %s: %w", p, err)
	}
	f, err := os.Create(p.Raw())
	if err != nil {
		return fmt.Errorf("error creating %s: %w", p, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			Logger.Warnf("Error closing %s: %s", p, err)
		}
	}()
	blobHash := sha256.New()
	_, err = io.Copy(io.MultiWriter(blobHash, f), reader)
	if err != nil {
		return fmt.Errorf("error writing blob %s: %w", d, err)
	}
	if got := digest.NewDigest(digest.SHA256, blobHash); got != d {
		return fmt.Errorf("blob %s has digest %s", d, got)
	}
	return nil
}

// addLayer places a finished layer blob, moving it if it lives in the staging dir.
func (w imageWriter) addLayer(layer *Layer, move bool) error {
	p := w.dir.Join(blobPath(layer.Descriptor.Digest))
	if err := os.MkdirAll(p.Parent().Raw(), 0o755); err != nil {
		return fmt.Errorf("unable to create parent directories for image file %s: %w", p, err)
	}
	if move {
		if err := os.Rename(layer.Path.Raw(), p.Raw()); err != nil {
			return fmt.Errorf("error moving layer into image: %w", err)
		}
		layer.Path = p
		return nil
	}
	return linkOrCopy(layer.Path, p)
}

type imageState struct {
	workdir    string
	env        []string
	entrypoint []string
	cmd        []string
	ports      map[string]struct{}
}

func (s *imageState) setEnv(k string, v string) {
	entry := fmt.Sprintf("%s=%s", k, v)
	for i, e := range s.env {
		if strings.HasPrefix(e, k+"=") {
			s.env[i] = entry
			return
		}
	}
	s.env = append(s.env, entry)
}

// containerRef is the FROM image as docker names it, for installers that run in it.
func containerRef(s Step) string {
	switch {
	case strings.HasPrefix(s.Ref, "docker://"):
		return strings.TrimPrefix(s.Ref, "docker://")
	case s.Ref == scratchRef, strings.HasPrefix(s.Ref, "oci:"), strings.HasPrefix(s.Ref, "oci-archive:"):
		return ""
	}
	return s.Ref
}

// Build runs the plan in order and writes the image as an oci layout at dest. The image is
// assembled next to dest and only replaces it once complete; on error nothing is left behind.
func (b *Builder) Build(ctx context.Context, plan Plan, dest AbsPath) (*BuildResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	cache := b.Cache
	if cache == nil {
		cache = NopCache{}
	}
	installerName := ""
	if b.Installer != nil {
		installerName = b.Installer.Name()
	} else if plan.InstallIndex() >= 0 {
		return nil, fmt.Errorf("plan installs dependencies but no installer is configured")
	}
	if dest.Exists() && !dest.Join("oci-layout").Exists() {
		return nil, fmt.Errorf("refusing to replace %s: it exists and is not an oci image layout", dest)
	}

	result := &BuildResult{ID: uuid.NewString()}
	log := Logger.WithField("build", result.ID)

	ig, err := LoadIgnore(plan.Root)
	if err != nil {
		return nil, err
	}
	baseStep := plan.Steps[0]
	base, err := OpenBase(ctx, baseStep, plan.Root, b.InsecurePolicy)
	if err != nil {
		return nil, stepErr(0, baseStep, err)
	}
	defer base.Close()
	steps, err := planSteps(plan, base.ID, installerName, ig)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dest.Parent().Raw(), 0o755); err != nil {
		return nil, fmt.Errorf("error creating parent directory for image at %s: %w", dest, err)
	}
	stage := dest.Parent().Join(".tiered-staging-" + result.ID)
	if err := os.Mkdir(stage.Raw(), 0o755); err != nil {
		return nil, fmt.Errorf("error creating staging dir for image at %s: %w", stage, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := os.RemoveAll(stage.Raw()); err != nil {
			log.Warnf("Failed to remove staging dir %s: %s", stage, err)
		}
	}()
	w := imageWriter{dir: stage}

	// Write layout file
	if err := w.writeJson("oci-layout", imagespec.ImageLayout{
		Version: imagespec.ImageLayoutVersion,
	}); err != nil {
		return nil, err
	}

	// FROM layers come first
	layerMetas := []imagespec.Descriptor{}
	layerDiffIds := []digest.Digest{}
	for i, layer := range base.Layers {
		if err := func() error {
			source, err := base.OpenBlob(layer.Digest)
			if err != nil {
				return err
			}
			defer source.Close()
			return w.writeBlobReader(layer.Digest, source)
		}(); err != nil {
			return nil, stepErr(0, baseStep, fmt.Errorf("error copying `from` layer %s to new image: %w", layer.Digest, err))
		}
		layerMetas = append(layerMetas, layer)
		layerDiffIds = append(layerDiffIds, base.Config.RootFS.DiffIDs[i])
	}

	fromConfig := base.Config.Config
	state := imageState{
		workdir:    fromConfig.WorkingDir,
		env:        append([]string{}, fromConfig.Env...),
		entrypoint: fromConfig.Entrypoint,
		cmd:        fromConfig.Cmd,
		ports:      map[string]struct{}{},
	}
	for p := range fromConfig.ExposedPorts {
		state.ports[p] = struct{}{}
	}

	addLayer := func(ps plannedStep, build func() (*Layer, error)) error {
		slog := log.WithFields(logrus.Fields{
			"step": ps.index + 1,
			"kind": ps.step.Kind,
			"key":  ps.key.Encoded()[:12],
		})
		layer, err := cache.Get(ps.key)
		if err != nil {
			slog.WithError(err).Warn("Layer cache lookup failed, rebuilding")
			layer = nil
		}
		cached := layer != nil
		if cached {
			if err := w.addLayer(layer, false); err != nil {
				return err
			}
		} else {
			layer, err = build()
			if err != nil {
				return err
			}
			if err := cache.Put(ps.key, layer); err != nil {
				slog.WithError(err).Warn("Failed to store layer in cache")
			}
			if err := w.addLayer(layer, true); err != nil {
				return err
			}
		}
		slog.WithFields(logrus.Fields{
			"digest": layer.Descriptor.Digest.Encoded()[:12],
			"size":   layer.Descriptor.Size,
			"cached": cached,
		}).Info("Layer ready")
		layerMetas = append(layerMetas, layer.Descriptor)
		layerDiffIds = append(layerDiffIds, layer.DiffID)
		result.Layers = append(result.Layers, LayerResult{
			Step:   ps.index,
			Kind:   ps.step.Kind,
			Key:    ps.key,
			Digest: layer.Descriptor.Digest,
			DiffID: layer.DiffID,
			Size:   layer.Descriptor.Size,
			Cached: cached,
		})
		return nil
	}

	for _, ps := range steps {
		if err := ctx.Err(); err != nil {
			return nil, stepErr(ps.index, ps.step, err)
		}
		s := ps.step
		var err error
		switch s.Kind {
		case KindBase:
			log.WithField("base", base.ID).Info("Using FROM image")
		case KindWorkdir:
			state.workdir = ps.workdir
		case KindEnv:
			if s.ClearEnv {
				state.env = []string{}
			}
			keys := make([]string, 0, len(s.Env))
			for k := range s.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				state.setEnv(k, s.Env[k])
			}
		case KindCopy:
			err = addLayer(ps, func() (*Layer, error) {
				return writeLayer(ps.entries, stage.Raw())
			})
		case KindInstall:
			err = addLayer(ps, func() (*Layer, error) {
				target, err := os.MkdirTemp("", "tiered-install-")
				if err != nil {
					return nil, fmt.Errorf("error creating install target: %w", err)
				}
				defer os.RemoveAll(target)
				if err := b.Installer.Install(ctx, InstallRequest{
					Manifest: ps.manifest,
					Run:      s.Run,
					Env:      append([]string{}, state.env...),
					Workdir:  state.workdir,
					BaseRef:  containerRef(baseStep),
					Target:   AbsPath(target),
				}); err != nil {
					return nil, err
				}
				entries := newLayerEntries()
				if err := entries.addTree(AbsPath(target), imagePath(state.workdir, s.Dest), nil); err != nil {
					return nil, err
				}
				return writeLayer(entries, stage.Raw())
			})
		case KindExpose:
			for _, p := range s.Ports {
				state.ports[portKey(p)] = struct{}{}
			}
		case KindCmd:
			state.entrypoint = nil
			state.cmd = s.Command
		}
		if err != nil {
			return nil, stepErr(ps.index, s, err)
		}
	}

	env := append([]string{}, state.env...)
	sort.Strings(env)
	labels := map[string]string{}
	for k, v := range fromConfig.Labels {
		labels[k] = v
	}
	for k, v := range plan.Labels {
		labels[k] = v
	}

	// Write remaining meta files
	configDesc, err := w.writeBlobJson(imagespec.Image{
		Platform: base.Config.Platform,
		Config: imagespec.ImageConfig{
			Env:          env,
			WorkingDir:   state.workdir,
			User:         Def(plan.User, fromConfig.User),
			Entrypoint:   state.entrypoint,
			Cmd:          state.cmd,
			ExposedPorts: state.ports,
			StopSignal:   Def(plan.StopSignal, fromConfig.StopSignal),
			Labels:       labels,
		},
		RootFS: imagespec.RootFS{
			Type:    "layers",
			DiffIDs: layerDiffIds,
		},
	})
	if err != nil {
		return nil, err
	}
	configDesc.MediaType = imagespec.MediaTypeImageConfig
	manifestDesc, err := w.writeBlobJson(imagespec.Manifest{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		MediaType: imagespec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layerMetas,
	})
	if err != nil {
		return nil, err
	}
	manifestDesc.MediaType = imagespec.MediaTypeImageManifest
	if err := w.writeJson("index.json", imagespec.Index{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		MediaType: imagespec.MediaTypeImageIndex,
		Manifests: []imagespec.Descriptor{manifestDesc},
	}); err != nil {
		return nil, err
	}

	if err := replaceDir(stage, dest); err != nil {
		return nil, err
	}
	committed = true
	result.ConfigDigest = configDesc.Digest
	result.ManifestDigest = manifestDesc.Digest
	log.WithFields(logrus.Fields{
		"manifest": manifestDesc.Digest.String(),
		"dest":     dest.Raw(),
	}).Info("Image built")
	return result, nil
}

// replaceDir moves stage to dest, setting any previous dest aside until the move succeeds.
func replaceDir(stage AbsPath, dest AbsPath) error {
	old := AbsPath("")
	if dest.Exists() {
		old = dest.Parent().Join(".tiered-old-" + uuid.NewString())
		if err := os.Rename(dest.Raw(), old.Raw()); err != nil {
			return fmt.Errorf("error moving previous image at %s aside: %w", dest, err)
		}
	}
	if err := os.Rename(stage.Raw(), dest.Raw()); err != nil {
		if old != "" {
			err = errors.Join(err, os.Rename(old.Raw(), dest.Raw()))
		}
		return fmt.Errorf("error moving built image to %s: %w", dest, err)
	}
	if old != "" {
		if err := os.RemoveAll(old.Raw()); err != nil {
			Logger.Warnf("Failed to remove previous image at %s: %s", old, err)
		}
	}
	return nil
}
