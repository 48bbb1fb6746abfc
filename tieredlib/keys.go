package tieredlib

import (
	"fmt"
	"path"

	"github.com/opencontainers/go-digest"
)

// plannedStep is a step with everything its result depends on resolved.
type plannedStep struct {
	index   int
	step    Step
	workdir string
	key     digest.Digest
	// copy only
	entries *layerEntries
	// install only: host path of the manifest
	manifest AbsPath
}

type keyInput struct {
	Parent    digest.Digest `json:"parent"`
	Step      Step          `json:"step"`
	Workdir   string        `json:"workdir"`
	Inputs    digest.Digest `json:"inputs,omitempty"`
	Installer string        `json:"installer,omitempty"`
}

func chainKey(in keyInput) digest.Digest {
	// Credentials never affect the result
	in.Step.User = ""
	in.Step.Password = ""
	return digest.FromBytes(canonicalJsonMarshal(in))
}

// planSteps resolves every step's key. A key covers the step itself, the content it
// reads and every step before it, so a source edit invalidates the copy of that source
// and what follows, never what precedes it.
func planSteps(plan Plan, baseID string, installer string, ig *Ignore) ([]plannedStep, error) {
	out := make([]plannedStep, 0, len(plan.Steps))
	parent := digest.Digest("")
	workdir := ""
	// Image path -> host path, for single file copies
	copiedFiles := map[string]AbsPath{}
	for i, s := range plan.Steps {
		ps := plannedStep{index: i, step: s}
		in := keyInput{Parent: parent, Step: s, Workdir: workdir}
		switch s.Kind {
		case KindBase:
			in = keyInput{Step: Step{Kind: KindBase}, Inputs: digest.FromString(baseID)}
		case KindWorkdir:
			workdir = path.Clean(s.Path)
			in.Workdir = workdir
		case KindCopy:
			entries, err := collectCopy(s, workdir, plan.Root, ig)
			if err != nil {
				return nil, stepErr(i, s, err)
			}
			inputs, err := entries.digest()
			if err != nil {
				return nil, stepErr(i, s, err)
			}
			in.Inputs = inputs
			ps.entries = entries
			targets := copyTargets(s, workdir)
			if len(targets) == 1 && !targets[0].tree {
				copiedFiles[targets[0].path] = plan.Root.Resolve(s.Sources[0])
			}
		case KindInstall:
			manifest, ok := copiedFiles[imagePath(workdir, s.Manifest)]
			if !ok {
				return nil, stepErr(i, s, fmt.Errorf("%w: manifest %s is not copied by an earlier step", ErrMissingInput, s.Manifest))
			}
			ps.manifest = manifest
			in.Installer = installer
		}
		ps.workdir = workdir
		ps.key = chainKey(in)
		parent = ps.key
		out = append(out, ps)
	}
	return out, nil
}

// PlanKeys returns the cache key of each step. baseID identifies the FROM image
// (see Base.ID), installer the Installer name.
func PlanKeys(plan Plan, baseID string, installer string) ([]digest.Digest, error) {
	ig, err := LoadIgnore(plan.Root)
	if err != nil {
		return nil, err
	}
	steps, err := planSteps(plan, baseID, installer, ig)
	if err != nil {
		return nil, err
	}
	out := make([]digest.Digest, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.key)
	}
	return out, nil
}
