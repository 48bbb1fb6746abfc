package tieredlib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"

	tarfs "github.com/nlepage/go-tarfs"
	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

const scratchRef = "scratch"

var unsafeArchiveChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Base is the FROM image a plan builds on.
type Base struct {
	// Manifest digest of the FROM image, or `scratch/<os>/<arch>`
	ID     string
	Config imagespec.Image
	Layers []imagespec.Descriptor

	archive *os.File
	tfs     fs.FS
}

func blobPath(d digest.Digest) string {
	return fmt.Sprintf("blobs/%s/%s", d.Algorithm().String(), d.Encoded())
}

func readTarFsJson[T any](tfs fs.FS, p string) (out T, err error) {
	f, err := tfs.Open(p)
	if err != nil {
		return out, fmt.Errorf("unable to open file %s in tar: %w", p, err)
	}
	defer f.Close()
	contents, err := io.ReadAll(f)
	if err != nil {
		return out, fmt.Errorf("error reading file %s from tar: %w", p, err)
	}
	err = json.Unmarshal(contents, &out)
	if err != nil {
		return out, fmt.Errorf("error unmarshaling %s as json: %w", p, err)
	}
	return
}

// BaseArchive is where the base step's FROM image is cached.
func BaseArchive(s Step, root AbsPath) AbsPath {
	if s.Archive != "" {
		return root.Resolve(s.Archive)
	}
	return root.Join(".tiered").Join(unsafeArchiveChars.ReplaceAllString(s.Ref, "_") + ".tar")
}

// OpenBase resolves the base step, pulling the FROM image into its archive if it isn't
// there yet. insecurePolicy allows the pull without a signature policy.
func OpenBase(ctx context.Context, s Step, root AbsPath, insecurePolicy bool) (*Base, error) {
	if s.Ref == scratchRef && s.Archive == "" {
		osName := Def(s.Os, "linux")
		arch := Def(s.Architecture, "amd64")
		return &Base{
			ID: fmt.Sprintf("%s/%s/%s", scratchRef, osName, arch),
			Config: imagespec.Image{
				Platform: imagespec.Platform{
					Architecture: arch,
					OS:           osName,
				},
				RootFS: imagespec.RootFS{Type: "layers"},
			},
		}, nil
	}

	archivePath := BaseArchive(s, root)
	if !archivePath.Exists() {
		if s.Ref == "" {
			return nil, fmt.Errorf("%w: no FROM image exists at %s, and no ref configured to pull from", ErrBaseUnavailable, archivePath)
		}
		if err := Pull(ctx, s.Ref, archivePath, Credentials{User: s.User, Password: s.Password, Http: s.Http, InsecurePolicy: insecurePolicy}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBaseUnavailable, err)
		}
	}

	base, err := readBaseArchive(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading FROM image %s: %w", ErrBaseUnavailable, archivePath, err)
	}
	return base, nil
}

func readBaseArchive(archivePath AbsPath) (*Base, error) {
	tf, err := os.Open(archivePath.Raw())
	if err != nil {
		return nil, fmt.Errorf("unable to open `from` image: %w", err)
	}
	base, err := func() (*Base, error) {
		tfs, err := tarfs.New(tf)
		if err != nil {
			return nil, fmt.Errorf("unable to open `from` image as tar: %w", err)
		}

		index, err := readTarFsJson[imagespec.Index](tfs, "index.json")
		if err != nil {
			return nil, err
		}
		for _, m := range index.Manifests {
			if m.MediaType != imagespec.MediaTypeImageManifest {
				continue
			}

			manifest, err := readTarFsJson[imagespec.Manifest](tfs, blobPath(m.Digest))
			if err != nil {
				return nil, fmt.Errorf("unable to find manifest %s referenced in tar index: %w", m.Digest, err)
			}
			config, err := readTarFsJson[imagespec.Image](tfs, blobPath(manifest.Config.Digest))
			if err != nil {
				return nil, fmt.Errorf("unable to find config %s referenced in image manifest: %w", manifest.Config.Digest, err)
			}
			if len(config.RootFS.DiffIDs) != len(manifest.Layers) {
				return nil, fmt.Errorf("image config has %d diff ids for %d layers", len(config.RootFS.DiffIDs), len(manifest.Layers))
			}
			return &Base{
				ID:      m.Digest.String(),
				Config:  config,
				Layers:  manifest.Layers,
				archive: tf,
				tfs:     tfs,
			}, nil
		}
		return nil, fmt.Errorf("no image manifest in tar index")
	}()
	if err != nil {
		tf.Close()
		return nil, err
	}
	return base, nil
}

// OpenBlob reads a blob of the FROM image.
func (b *Base) OpenBlob(d digest.Digest) (io.ReadCloser, error) {
	if b.tfs == nil {
		return nil, fmt.Errorf("blob %s not in scratch image", d)
	}
	f, err := b.tfs.Open(blobPath(d))
	if err != nil {
		return nil, fmt.Errorf("error opening layer %s referenced in image manifest: %w", d, err)
	}
	return f, nil
}

func (b *Base) Close() error {
	if b.archive == nil {
		return nil
	}
	return b.archive.Close()
}
