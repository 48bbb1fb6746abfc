package tieredlib

type StepKind string

const (
	KindBase    StepKind = "base"
	KindWorkdir StepKind = "workdir"
	KindEnv     StepKind = "env"
	KindCopy    StepKind = "copy"
	KindInstall StepKind = "install"
	KindExpose  StepKind = "expose"
	KindCmd     StepKind = "cmd"
)

type Port struct {
	Port int `json:"port"`
	// `tcp` or `udp`, defaults to `tcp`
	Transport string `json:"transport,omitempty"`
}

// Step is one entry of a build plan. Which fields apply depends on Kind.
type Step struct {
	Kind StepKind `json:"kind"`

	// base: skopeo-style ref of the FROM image, or `scratch`. Bare names are `docker://`.
	Ref string `json:"ref,omitempty"`
	// base: oci archive to use as the FROM image. If it doesn't exist, Ref is pulled and stored here.
	Archive string `json:"archive,omitempty"`
	// base: credentials to pull Ref if necessary
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	// base: true if the registry is over http (disable tls validation)
	Http bool `json:"http,omitempty"`
	// base, scratch only. Default linux/amd64.
	Os           string `json:"os,omitempty"`
	Architecture string `json:"architecture,omitempty"`

	// workdir: absolute path in the image
	Path string `json:"path,omitempty"`

	// env: default environment values
	Env map[string]string `json:"env,omitempty"`
	// env: drop environment inherited from the FROM image
	ClearEnv bool `json:"clear_env,omitempty"`

	// copy: host paths, relative to the plan context. Directories must end with `/`
	// and have their contents copied into Dest.
	Sources []string `json:"sources,omitempty"`
	// copy, install: image path, relative to the working directory unless absolute.
	// For copy, a trailing `/` (or several sources) makes Dest a directory.
	Dest string `json:"dest,omitempty"`

	// install: image path of the dependency manifest, as written by an earlier copy
	Manifest string `json:"manifest,omitempty"`
	// install: installer argv. `{manifest}` and `{target}` are substituted.
	Run []string `json:"run,omitempty"`

	// expose
	Ports []Port `json:"ports,omitempty"`
	// expose: env var holding the default port; must agree with Ports
	PortEnv string `json:"port_env,omitempty"`

	// cmd: argv started when the container starts. Replaces any FROM entrypoint.
	Command []string `json:"command,omitempty"`
}

type Plan struct {
	// Directory sources are resolved against. Relative to the descriptor file.
	Context string `json:"context,omitempty"`
	Steps   []Step `json:"steps"`
	// Defaults to FROM image user
	User       string            `json:"user,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	StopSignal string            `json:"stop_signal,omitempty"`

	// Resolved Context, set by LoadPlan
	Root AbsPath `json:"-"`
}
