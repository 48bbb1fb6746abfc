package tieredlib

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

const DefaultDescriptorName = "tiered.yaml"

// DefaultInstallRun installs the manifest into an empty target directory without
// consulting or filling any local package cache.
var DefaultInstallRun = []string{
	"pip", "install",
	"--no-cache-dir",
	"--no-compile",
	"--disable-pip-version-check",
	"--requirement", "{manifest}",
	"--target", "{target}",
}

// StandardPlan is the python backend + static frontend image: dependencies first so
// source edits keep the install layer, then both trees as siblings under /app.
func StandardPlan() Plan {
	return Plan{
		Steps: []Step{
			{Kind: KindBase, Ref: "docker://python:3.12-slim", Archive: ".tiered/python-3.12-slim.tar"},
			{Kind: KindWorkdir, Path: "/app"},
			{Kind: KindEnv, Env: map[string]string{
				"PYTHONDONTWRITEBYTECODE": "1",
				"PYTHONUNBUFFERED":        "1",
				"PORT":                    "5000",
			}},
			{Kind: KindCopy, Sources: []string{"requirements.txt"}, Dest: "requirements.txt"},
			{Kind: KindInstall, Manifest: "requirements.txt", Run: DefaultInstallRun, Dest: "/usr/local/lib/python3.12/site-packages"},
			{Kind: KindCopy, Sources: []string{"backend/"}, Dest: "backend/"},
			{Kind: KindCopy, Sources: []string{"frontend/"}, Dest: "frontend/"},
			{Kind: KindCopy, Sources: []string{"render.yaml", "Procfile"}, Dest: "./"},
			{Kind: KindExpose, Ports: []Port{{Port: 5000, Transport: "tcp"}}, PortEnv: "PORT"},
			{Kind: KindCmd, Command: []string{"python", "backend/app.py"}},
		},
	}
}

// LoadPlan reads a yaml or json descriptor. The plan context is resolved against the
// descriptor's directory.
func LoadPlan(descriptor AbsPath) (Plan, error) {
	var plan Plan
	raw, err := os.ReadFile(descriptor.Raw())
	if err != nil {
		return plan, fmt.Errorf("error reading descriptor at %s: %w", descriptor, err)
	}
	if err := yaml.UnmarshalStrict(raw, &plan); err != nil {
		return plan, fmt.Errorf("error parsing descriptor at %s: %w", descriptor, err)
	}
	plan.Root = descriptor.Parent().Resolve(Def(plan.Context, "."))
	return plan, nil
}

func MarshalPlan(plan Plan) ([]byte, error) {
	out, err := yaml.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("error serializing plan: %w", err)
	}
	return out, nil
}

// WritePlan writes plan as yaml to dest, refusing to replace an existing file unless force.
func WritePlan(plan Plan, dest AbsPath, force bool) error {
	if dest.Exists() && !force {
		return fmt.Errorf("descriptor %s already exists", dest)
	}
	out, err := MarshalPlan(plan)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest.Raw()), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", dest, err)
	}
	if err := os.WriteFile(dest.Raw(), out, 0o644); err != nil {
		return fmt.Errorf("error writing descriptor %s: %w", dest, err)
	}
	return nil
}
