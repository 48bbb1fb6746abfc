package tieredlib

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layer is a finished gzip layer blob on disk.
type Layer struct {
	Descriptor imagespec.Descriptor
	DiffID     digest.Digest
	Path       AbsPath
}

type layerEntry struct {
	// Tar name, no leading or trailing slash
	name   string
	typ    byte
	mode   int64
	size   int64
	source AbsPath
	link   string
}

// layerEntries is the set of paths a layer will contain, independent of walk order.
type layerEntries struct {
	byName map[string]layerEntry
}

func newLayerEntries() *layerEntries {
	return &layerEntries{byName: map[string]layerEntry{}}
}

func (l *layerEntries) add(e layerEntry) {
	for parent := path.Dir(e.name); parent != "." && parent != "/" && parent != ""; parent = path.Dir(parent) {
		if _, ok := l.byName[parent]; ok {
			break
		}
		l.byName[parent] = layerEntry{name: parent, typ: tar.TypeDir, mode: 0o755}
	}
	if e.name == "" {
		return
	}
	l.byName[e.name] = e
}

func (l *layerEntries) addFile(name string, source AbsPath, info fs.FileInfo) {
	mode := int64(0o644)
	if info.Mode()&0o111 != 0 {
		mode = 0o755
	}
	l.add(layerEntry{name: name, typ: tar.TypeReg, mode: mode, size: info.Size(), source: source})
}

func (l *layerEntries) sorted() []layerEntry {
	out := make([]layerEntry, 0, len(l.byName))
	for _, e := range l.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].name < out[j].name
	})
	return out
}

func (l *layerEntries) len() int {
	return len(l.byName)
}

// digest hashes names, types, modes and contents; it is what a layer built from
// these entries depends on.
func (l *layerEntries) digest() (digest.Digest, error) {
	d := digest.SHA256.Digester()
	h := d.Hash()
	for _, e := range l.sorted() {
		fmt.Fprintf(h, "%s\x00%c\x00%o\x00%d\x00%s\x00", e.name, e.typ, e.mode, e.size, e.link)
		if e.typ != tar.TypeReg {
			continue
		}
		f, err := os.Open(e.source.Raw())
		if err != nil {
			return "", fmt.Errorf("error opening %s for hashing: %w", e.source, err)
		}
		fileHash := sha256.New()
		_, err = io.Copy(fileHash, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("error hashing %s: %w", e.source, err)
		}
		h.Write(fileHash.Sum(nil))
	}
	return d.Digest(), nil
}

// addTree adds everything under source (a directory) at dest, skipping ignored paths.
func (l *layerEntries) addTree(source AbsPath, dest string, ig *Ignore) error {
	return filepath.WalkDir(source.Raw(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("error walking %s: %w", p, err)
		}
		rel, err := filepath.Rel(source.Raw(), p)
		if err != nil {
			return err
		}
		if rel == "." {
			l.add(layerEntry{name: dest, typ: tar.TypeDir, mode: 0o755})
			return nil
		}
		if ig.Ignored(AbsPath(p), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := path.Join(dest, filepath.ToSlash(rel))
		switch {
		case d.IsDir():
			l.add(layerEntry{name: name, typ: tar.TypeDir, mode: 0o755})
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("error reading symlink %s: %w", p, err)
			}
			l.add(layerEntry{name: name, typ: tar.TypeSymlink, mode: 0o777, link: target})
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("error looking up metadata for layer file %s: %w", p, err)
			}
			l.addFile(name, AbsPath(p), info)
		default:
			Logger.WithField("path", p).Debug("Skipping special file")
		}
		return nil
	})
}

// collectCopy resolves the sources of a copy step against root.
func collectCopy(s Step, workdir string, root AbsPath, ig *Ignore) (*layerEntries, error) {
	entries := newLayerEntries()
	targets := copyTargets(s, workdir)
	for i, source := range s.Sources {
		hostPath := root.Resolve(strings.TrimSuffix(source, "/"))
		stat, err := os.Stat(hostPath.Raw())
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrMissingInput, hostPath)
		}
		if err != nil {
			return nil, fmt.Errorf("error looking up metadata for copy source %s: %w", hostPath, err)
		}
		if isTreeSource(source) {
			if !stat.IsDir() {
				return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingInput, hostPath)
			}
			if err := entries.addTree(hostPath, targets[i].path, ig); err != nil {
				return nil, err
			}
		} else {
			if stat.IsDir() {
				return nil, fmt.Errorf("%s is a directory; write the source as %s/ to copy its contents", hostPath, strings.TrimSuffix(source, "/"))
			}
			entries.addFile(targets[i].path, hostPath, stat)
		}
	}
	return entries, nil
}

var layerEpoch = time.Unix(0, 0)

// writeLayer writes the entries as a gzip tar in tmpDir. Output depends only on the
// entries: sorted names, fixed times and owners, no gzip name or timestamp.
func writeLayer(entries *layerEntries, tmpDir string) (*Layer, error) {
	tmpLayer, err := os.CreateTemp(tmpDir, ".tiered-layer-*")
	if err != nil {
		return nil, fmt.Errorf("error creating temp file for new layer: %w", err)
	}
	success := false
	defer func() {
		if err := tmpLayer.Close(); err != nil && success {
			Logger.Warnf("Error closing layer temp file %s: %s", tmpLayer.Name(), err)
		}
		if !success {
			if err := os.Remove(tmpLayer.Name()); err != nil {
				Logger.Warnf("Failed to remove layer temp file %s: %s", tmpLayer.Name(), err)
			}
		}
	}()
	uncompressedDigester := sha256.New()
	compressedDigester := sha256.New()
	gzWriter := gzip.NewWriter(io.MultiWriter(
		compressedDigester,
		tmpLayer,
	))
	destTar := tar.NewWriter(io.MultiWriter(
		uncompressedDigester,
		gzWriter,
	))
	for _, e := range entries.sorted() {
		header := &tar.Header{
			Typeflag: e.typ,
			Name:     e.name,
			Mode:     e.mode,
			ModTime:  layerEpoch,
		}
		switch e.typ {
		case tar.TypeDir:
			header.Name = e.name + "/"
		case tar.TypeSymlink:
			header.Linkname = e.link
		case tar.TypeReg:
			header.Size = e.size
		}
		if err := destTar.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("error writing tar header for %s: %w", e.name, err)
		}
		if e.typ != tar.TypeReg {
			continue
		}
		fSource, err := os.Open(e.source.Raw())
		if err != nil {
			return nil, fmt.Errorf("error opening source file %s for adding to layer: %w", e.source, err)
		}
		_, err = io.CopyN(destTar, fSource, e.size)
		if err != nil {
			fSource.Close()
			return nil, fmt.Errorf("error copying data from %s (changed during build?): %w", e.source, err)
		}
		err = fSource.Close()
		if err != nil {
			return nil, fmt.Errorf("error closing %s after reading: %w", e.source, err)
		}
	}
	if err := destTar.Close(); err != nil {
		return nil, fmt.Errorf("error closing layer tar: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing layer tar gz: %w", err)
	}
	stat, err := tmpLayer.Stat()
	if err != nil {
		return nil, fmt.Errorf("error reading temp layer file metadata: %w", err)
	}
	success = true
	return &Layer{
		Descriptor: imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageLayerGzip,
			Digest:    digest.NewDigest(digest.SHA256, compressedDigester),
			Size:      stat.Size(),
		},
		DiffID: digest.NewDigest(digest.SHA256, uncompressedDigester),
		Path:   AbsPath(tmpLayer.Name()),
	}, nil
}
