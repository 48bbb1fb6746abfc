package tieredlib

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// LayerCache stores finished layers by step key.
type LayerCache interface {
	// Get returns nil without error on a miss.
	Get(key digest.Digest) (*Layer, error)
	// Put stores a copy of the layer blob; layer.Path stays owned by the caller.
	Put(key digest.Digest, layer *Layer) error
}

type NopCache struct{}

func (NopCache) Get(digest.Digest) (*Layer, error) { return nil, nil }
func (NopCache) Put(digest.Digest, *Layer) error   { return nil }

type cacheEntryMeta struct {
	Key        digest.Digest        `json:"key"`
	Descriptor imagespec.Descriptor `json:"descriptor"`
	DiffID     digest.Digest        `json:"diff_id"`
}

// FileCache keeps one directory per key: <dir>/<2 hex>/<hex>/{layer.tar.gz,entry.json}.
// Entries are written to a temp dir and renamed into place, so readers never see half an entry.
type FileCache struct {
	Dir AbsPath
}

func NewFileCache(dir AbsPath) *FileCache {
	return &FileCache{Dir: dir}
}

func (c *FileCache) entryPath(key digest.Digest) AbsPath {
	hex := key.Encoded()
	if len(hex) < 2 {
		return c.Dir.Join(hex)
	}
	return c.Dir.Join(hex[:2]).Join(hex)
}

func (c *FileCache) Get(key digest.Digest) (*Layer, error) {
	entry := c.entryPath(key)
	raw, err := os.ReadFile(entry.Join("entry.json").Raw())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading cache entry %s: %w", entry, err)
	}
	var meta cacheEntryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("error parsing cache entry %s: %w", entry, err)
	}
	if meta.Key != key {
		return nil, fmt.Errorf("cache entry %s is for key %s", entry, meta.Key)
	}
	blob := entry.Join("layer.tar.gz")
	stat, err := os.Stat(blob.Raw())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error looking up cached layer %s: %w", blob, err)
	}
	if stat.Size() != meta.Descriptor.Size {
		Logger.WithField("key", key.String()).Warn("Cached layer has the wrong size, ignoring")
		return nil, nil
	}
	return &Layer{Descriptor: meta.Descriptor, DiffID: meta.DiffID, Path: blob}, nil
}

func (c *FileCache) Put(key digest.Digest, layer *Layer) error {
	if layer == nil {
		return fmt.Errorf("cannot cache nil layer")
	}
	entry := c.entryPath(key)
	if err := os.MkdirAll(entry.Parent().Raw(), 0o755); err != nil {
		return fmt.Errorf("error creating cache directory %s: %w", entry.Parent(), err)
	}
	tmpDir := entry.Parent().Join(".tmp-" + uuid.NewString())
	if err := os.Mkdir(tmpDir.Raw(), 0o755); err != nil {
		return fmt.Errorf("error creating cache staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir.Raw())
		}
	}()

	if err := linkOrCopy(layer.Path, tmpDir.Join("layer.tar.gz")); err != nil {
		return fmt.Errorf("error storing layer in cache: %w", err)
	}
	meta, err := json.Marshal(cacheEntryMeta{Key: key, Descriptor: layer.Descriptor, DiffID: layer.DiffID})
	if err != nil {
		return fmt.Errorf("error serializing cache entry: %w", err)
	}
	if err := os.WriteFile(tmpDir.Join("entry.json").Raw(), meta, 0o644); err != nil {
		return fmt.Errorf("error writing cache metadata: %w", err)
	}

	// Entries for one key are interchangeable, so a replaced entry is never wrong.
	_ = os.RemoveAll(entry.Raw())
	if err := os.Rename(tmpDir.Raw(), entry.Raw()); err != nil {
		return fmt.Errorf("error committing cache entry: %w", err)
	}
	committed = true
	return nil
}

// linkOrCopy hard links src to dest, copying when linking isn't possible.
func linkOrCopy(src AbsPath, dest AbsPath) error {
	if err := os.Link(src.Raw(), dest.Raw()); err == nil {
		return nil
	}
	in, err := os.Open(src.Raw())
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dest.Raw()), ".tiered-copy-*")
	if err != nil {
		return fmt.Errorf("error creating copy of %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return fmt.Errorf("error copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return fmt.Errorf("error closing copy of %s: %w", src, err)
	}
	if err := os.Rename(out.Name(), dest.Raw()); err != nil {
		os.Remove(out.Name())
		return fmt.Errorf("error moving copy of %s into place: %w", src, err)
	}
	return nil
}
