package tieredlib

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

// The standard plan's steps by index
const (
	stepBase = iota
	stepWorkdir
	stepEnv
	stepCopyManifest
	stepInstall
	stepCopyBackend
	stepCopyFrontend
	stepCopyDescriptors
	stepExpose
	stepCmd
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	}
}

// newProject lays out a backend + frontend project and returns its root.
func newProject(t *testing.T) AbsPath {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"requirements.txt":      "flask==3.0.3\n",
		"backend/app.py":        "import os\nprint(os.environ['PORT'])\n",
		"backend/util/fmt.py":   "def f(): pass\n",
		"frontend/index.html":   "<html></html>\n",
		"frontend/js/app.js":    "console.log(1)\n",
		"render.yaml":           "services: []\n",
		"Procfile":              "web: python backend/app.py\n",
		"backend/__pycache__/x": "junk",
	})
	return AbsPath(root)
}

// scratchPlan is the standard plan on an empty base, so no network is needed.
func scratchPlan(root AbsPath) Plan {
	plan := StandardPlan()
	plan.Steps[stepBase] = Step{Kind: KindBase, Ref: scratchRef}
	plan.Steps[stepInstall].Run = []string{"fake-install", "{manifest}", "{target}"}
	plan.Root = root
	return plan
}

// fakeInstaller writes one module per manifest line.
type fakeInstaller struct {
	mu    sync.Mutex
	calls int
	reqs  []InstallRequest
	err   error
}

func (f *fakeInstaller) Name() string { return "fake" }

func (f *fakeInstaller) Install(ctx context.Context, req InstallRequest) error {
	f.mu.Lock()
	f.calls++
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	manifest, err := os.ReadFile(req.Manifest.Raw())
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(manifest)), "\n") {
		name := strings.SplitN(line, "==", 2)[0]
		dir := req.Target.Join(name)
		if err := os.MkdirAll(dir.Raw(), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dir.Join("__init__.py").Raw(), []byte(line+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeInstaller) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func readJsonFile[T any](t *testing.T, p AbsPath) T {
	t.Helper()
	raw, err := os.ReadFile(p.Raw())
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// readLayout returns the manifest and config of the single image in an oci layout.
func readLayout(t *testing.T, dir AbsPath) (imagespec.Manifest, imagespec.Image) {
	t.Helper()
	index := readJsonFile[imagespec.Index](t, dir.Join("index.json"))
	require.Len(t, index.Manifests, 1)
	manifest := readJsonFile[imagespec.Manifest](t, dir.Join(blobPath(index.Manifests[0].Digest)))
	config := readJsonFile[imagespec.Image](t, dir.Join(blobPath(manifest.Config.Digest)))
	return manifest, config
}

// tarDir packs dir into an uncompressed tar at dest, the oci-archive format.
func tarDir(t *testing.T, dir AbsPath, dest AbsPath) {
	t.Helper()
	f, err := os.Create(dest.Raw())
	require.NoError(t, err)
	defer f.Close()
	tw := tar.NewWriter(f)
	require.NoError(t, filepath.WalkDir(dir.Raw(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir.Raw(), p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	}))
	require.NoError(t, tw.Close())
}
