package tieredlib

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// A path in the image a copy or install step writes. Tree claims own everything below them.
type claim struct {
	step int
	path string
	tree bool
}

func (c claim) overlaps(o claim) bool {
	if c.path == o.path {
		return true
	}
	if c.tree && (c.path == "" || strings.HasPrefix(o.path, c.path+"/")) {
		return true
	}
	if o.tree && (o.path == "" || strings.HasPrefix(c.path, o.path+"/")) {
		return true
	}
	return false
}

func isTreeSource(source string) bool {
	return strings.HasSuffix(source, "/")
}

func copyDestIsDir(s Step) bool {
	if len(s.Sources) > 1 || s.Dest == "" || s.Dest == "." || strings.HasSuffix(s.Dest, "/") {
		return true
	}
	for _, source := range s.Sources {
		if isTreeSource(source) {
			return true
		}
	}
	return false
}

// copyTargets returns, per source, where it lands in the image (tar form).
func copyTargets(s Step, workdir string) []claim {
	base := imagePath(workdir, s.Dest)
	destIsDir := copyDestIsDir(s)
	out := []claim{}
	for _, source := range s.Sources {
		if isTreeSource(source) {
			out = append(out, claim{path: base, tree: true})
		} else if destIsDir {
			out = append(out, claim{path: path.Join(base, path.Base(source))})
		} else {
			out = append(out, claim{path: base})
		}
	}
	return out
}

func portKey(p Port) string {
	return fmt.Sprintf("%d/%s", p.Port, Def(p.Transport, "tcp"))
}

// Validate checks the plan without touching the filesystem: step ordering,
// the manifest-before-sources rule that keeps the install layer cacheable,
// copy destination overlaps and port consistency.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	invalid := func(i int, format string, args ...any) error {
		return stepErr(i, p.Steps[i], fmt.Errorf("%w: %s", ErrInvalidPlan, fmt.Sprintf(format, args...)))
	}

	workdir := ""
	env := map[string]string{}
	claims := []claim{}
	singleFiles := map[string]int{}
	preInstall := []claim{}
	installIndex := -1
	installManifest := ""
	cmdIndex := -1
	exposeIndexes := []int{}

	for i, s := range p.Steps {
		if s.Kind == KindBase && i != 0 {
			return invalid(i, "base must be the first step and appear once")
		}
		if i == 0 && s.Kind != KindBase {
			return invalid(i, "first step must be base, got %s", s.Kind)
		}
		isFs := s.Kind == KindCopy || s.Kind == KindInstall
		if isFs && workdir == "" {
			return invalid(i, "working directory must be set before %s", s.Kind)
		}
		if isFs && cmdIndex >= 0 {
			return invalid(i, "%s after the entry command", s.Kind)
		}
		addClaims := func(cs []claim) error {
			for _, c := range cs {
				c.step = i
				for _, o := range claims {
					if c.overlaps(o) {
						return stepErr(i, s, fmt.Errorf("%w: /%s and /%s (step %d)", ErrOverlappingCopy, c.path, o.path, o.step+1))
					}
				}
				claims = append(claims, c)
			}
			return nil
		}

		switch s.Kind {
		case KindBase:
			if s.Ref == "" && s.Archive == "" {
				return invalid(i, "base needs a ref or an archive")
			}
		case KindWorkdir:
			if !path.IsAbs(s.Path) {
				return invalid(i, "working directory %q is not absolute", s.Path)
			}
			workdir = path.Clean(s.Path)
		case KindEnv:
			for k, v := range s.Env {
				if !envNamePattern.MatchString(k) {
					return invalid(i, "invalid environment variable name %q", k)
				}
				env[k] = v
			}
		case KindCopy:
			if len(s.Sources) == 0 {
				return invalid(i, "copy has no sources")
			}
			targets := copyTargets(s, workdir)
			if err := addClaims(targets); err != nil {
				return err
			}
			if len(targets) == 1 && !targets[0].tree {
				singleFiles[targets[0].path] = i
			}
			if installIndex < 0 {
				for _, t := range targets {
					t.step = i
					preInstall = append(preInstall, t)
				}
			}
		case KindInstall:
			if installIndex >= 0 {
				return invalid(i, "more than one install step (first is step %d)", installIndex+1)
			}
			if len(s.Run) == 0 {
				return invalid(i, "install has no command")
			}
			if s.Dest == "" {
				return invalid(i, "install has no destination")
			}
			installManifest = imagePath(workdir, s.Manifest)
			if _, ok := singleFiles[installManifest]; !ok || s.Manifest == "" {
				return invalid(i, "manifest %q is not copied alone by an earlier step", s.Manifest)
			}
			if err := addClaims([]claim{{path: imagePath(workdir, s.Dest), tree: true}}); err != nil {
				return err
			}
			installIndex = i
		case KindExpose:
			if len(s.Ports) == 0 {
				return invalid(i, "expose has no ports")
			}
			for _, port := range s.Ports {
				if port.Port < 1 || port.Port > 65535 {
					return invalid(i, "port %d out of range", port.Port)
				}
				if t := Def(port.Transport, "tcp"); t != "tcp" && t != "udp" {
					return invalid(i, "unknown port transport %q", t)
				}
			}
			exposeIndexes = append(exposeIndexes, i)
		case KindCmd:
			if cmdIndex >= 0 {
				return invalid(i, "more than one entry command (first is step %d)", cmdIndex+1)
			}
			if len(s.Command) == 0 {
				return invalid(i, "entry command is empty")
			}
			cmdIndex = i
		default:
			return invalid(i, "unknown step kind %q", s.Kind)
		}
	}

	if cmdIndex < 0 {
		return fmt.Errorf("%w: no entry command", ErrInvalidPlan)
	}
	if installIndex >= 0 {
		for _, c := range preInstall {
			if c.path != installManifest {
				return stepErr(c.step, p.Steps[c.step], fmt.Errorf("%w: /%s is copied before step %d installs dependencies", ErrSourceBeforeInstall, c.path, installIndex+1))
			}
		}
	}
	for _, i := range exposeIndexes {
		s := p.Steps[i]
		if s.PortEnv == "" {
			continue
		}
		v, ok := env[s.PortEnv]
		if !ok {
			return stepErr(i, s, fmt.Errorf("%w: %s has no default", ErrPortMismatch, s.PortEnv))
		}
		found := false
		for _, port := range s.Ports {
			if strconv.Itoa(port.Port) == v {
				found = true
			}
		}
		if !found {
			return stepErr(i, s, fmt.Errorf("%w: %s=%s but exposing %s", ErrPortMismatch, s.PortEnv, v, portKey(s.Ports[0])))
		}
	}
	return nil
}

// InstallIndex returns the index of the install step, or -1.
func (p Plan) InstallIndex() int {
	for i, s := range p.Steps {
		if s.Kind == KindInstall {
			return i
		}
	}
	return -1
}

type SourceRoot struct {
	Path AbsPath
	// Directory source, copied recursively
	Tree bool
}

// SourceRoots returns the host paths of every copy source, resolved against the plan root.
func (p Plan) SourceRoots() []SourceRoot {
	out := []SourceRoot{}
	for _, s := range p.Steps {
		if s.Kind != KindCopy {
			continue
		}
		for _, source := range s.Sources {
			out = append(out, SourceRoot{
				Path: p.Root.Resolve(strings.TrimSuffix(source, "/")),
				Tree: isTreeSource(source),
			})
		}
	}
	return out
}
