package tieredlib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

var IgnoreFileNames = []string{".tieredignore", ".dockerignore"}

var defaultIgnores = []string{
	".git/",
	"__pycache__/",
	"*.pyc",
	".DS_Store",
	".tiered/",
}

// Ignore matches paths relative to the plan root that directory copies skip.
type Ignore struct {
	root    AbsPath
	matcher *ignore.GitIgnore
}

// LoadIgnore compiles the default ignores plus the first ignore file found in root.
func LoadIgnore(root AbsPath) (*Ignore, error) {
	patterns := append([]string{}, defaultIgnores...)
	for _, name := range IgnoreFileNames {
		p := root.Join(name)
		if !p.Exists() {
			continue
		}
		contents, err := os.ReadFile(p.Raw())
		if err != nil {
			return nil, fmt.Errorf("error reading ignore file %s: %w", p, err)
		}
		patterns = append(patterns, strings.Split(string(contents), "\n")...)
		break
	}
	return &Ignore{root: root, matcher: ignore.CompileIgnoreLines(patterns...)}, nil
}

// Ignored reports whether the host path is excluded. Paths outside the root are never excluded.
func (i *Ignore) Ignored(p AbsPath, dir bool) bool {
	if i == nil {
		return false
	}
	rel, err := filepath.Rel(i.root.Raw(), p.Raw())
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	if i.matcher.MatchesPath(rel) {
		return true
	}
	return dir && i.matcher.MatchesPath(rel+"/")
}
