package tieredlib

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

func dockerfileArgv(argv []string) string {
	out, err := json.Marshal(argv)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// dockerfileQuote double quotes v. Docker expands variables inside double quotes, so `$`
// is escaped too.
func dockerfileQuote(v string) string {
	return strings.ReplaceAll(strconv.Quote(v), "$", `\$`)
}

func dockerfileValue(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'\\$") {
		return dockerfileQuote(v)
	}
	return v
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dockerfileFrom is the FROM line for a base step. Only registry refs and scratch can be
// named in a Dockerfile.
func dockerfileFrom(s Step) (string, error) {
	switch {
	case s.Ref == "":
		return "", fmt.Errorf("%w: FROM image %s has no registry ref", ErrNoDockerfileForm, Def(s.Archive, "(none)"))
	case strings.HasPrefix(s.Ref, "oci-archive:"), strings.HasPrefix(s.Ref, "oci:"), strings.HasPrefix(s.Ref, "docker-daemon:"):
		return "", fmt.Errorf("%w: FROM image %s is not in a registry", ErrNoDockerfileForm, s.Ref)
	case s.Ref == scratchRef:
		if s.Archive != "" {
			return "", fmt.Errorf("%w: FROM image is the archive %s, not scratch", ErrNoDockerfileForm, s.Archive)
		}
		if s.Os != "" || s.Architecture != "" {
			return fmt.Sprintf("FROM --platform=%s/%s %s", Def(s.Os, "linux"), Def(s.Architecture, "amd64"), scratchRef), nil
		}
		return "FROM " + scratchRef, nil
	}
	return "FROM " + strings.TrimPrefix(s.Ref, "docker://"), nil
}

// RenderDockerfile renders the plan as a Dockerfile producing the same filesystem
// and runtime config, for builders other than tiered. Plans using features a Dockerfile
// can't state fail with ErrNoDockerfileForm.
func RenderDockerfile(plan Plan) (string, error) {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}
	workdir := ""
	scratch := false
	for i, s := range plan.Steps {
		switch s.Kind {
		case KindBase:
			from, err := dockerfileFrom(s)
			if err != nil {
				return "", stepErr(i, s, err)
			}
			scratch = s.Ref == scratchRef
			line("%s", from)
		case KindWorkdir:
			workdir = path.Clean(s.Path)
			line("WORKDIR %s", workdir)
		case KindEnv:
			// Scratch has nothing to clear
			if s.ClearEnv && !scratch {
				return "", stepErr(i, s, fmt.Errorf("%w: clear_env can't drop inherited environment", ErrNoDockerfileForm))
			}
			for _, k := range sortedKeys(s.Env) {
				line("ENV %s=%s", k, dockerfileValue(s.Env[k]))
			}
		case KindCopy:
			dest := Def(s.Dest, "./")
			if copyDestIsDir(s) && !strings.HasSuffix(dest, "/") {
				dest += "/"
			}
			line("COPY %s", dockerfileArgv(append(append([]string{}, s.Sources...), dest)))
		case KindInstall:
			target := "/" + imagePath(workdir, s.Dest)
			line("RUN %s", dockerfileArgv(expandRun(s.Run, s.Manifest, target)))
		case KindExpose:
			ports := []string{}
			for _, p := range s.Ports {
				ports = append(ports, portKey(p))
			}
			line("EXPOSE %s", strings.Join(ports, " "))
		case KindCmd:
			if !scratch {
				line("ENTRYPOINT []")
			}
			line("CMD %s", dockerfileArgv(s.Command))
		}
	}
	if plan.User != "" {
		line("USER %s", plan.User)
	}
	if plan.StopSignal != "" {
		line("STOPSIGNAL %s", plan.StopSignal)
	}
	for _, k := range sortedKeys(plan.Labels) {
		line("LABEL %s=%s", dockerfileQuote(k), dockerfileQuote(plan.Labels[k]))
	}
	return b.String(), nil
}
