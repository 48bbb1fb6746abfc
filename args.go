package main

import (
	"os"
	"time"

	"github.com/andrewbaxter/tiered/smoke"
	"github.com/andrewbaxter/tiered/tieredlib"
	"github.com/spf13/cobra"
)

type globalArgs struct {
	LogLevel  string
	LogPretty bool
}

type descriptorArgs struct {
	// Path to the descriptor, yaml or json
	Descriptor string
}

func (a *descriptorArgs) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&a.Descriptor, "descriptor", "f", tieredlib.DefaultDescriptorName, "Descriptor file (yaml or json)")
}

const passwordEnv = "TIERED_DEST_PASSWORD"

type installerArgs struct {
	// `container` or `host`. Only the container matches the FROM image's interpreter and platform.
	Installer string
}

func (a *installerArgs) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.Installer, "installer", "container", "Where dependencies are installed: container (in the FROM image) or host")
}

type pullArgs struct {
	// Accept unsigned images when the system has no signature policy
	InsecurePolicy bool
}

func (a *pullArgs) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&a.InsecurePolicy, "insecure-policy", false, "Accept any image when no containers signature policy is installed")
}

type buildArgs struct {
	descriptorArgs
	installerArgs
	pullArgs
	// Write the oci image layout here, `<context>/.tiered/image` by default
	Out string
	// Also save the image to this ref (skopeo-style)
	Dest string
	// Credentials to push to dest if necessary. The password falls back to $TIERED_DEST_PASSWORD.
	DestUser     string
	DestPassword string
	// True if dest is over http (disable tls validation)
	DestHttp bool
	// Layer cache directory
	Cache   string
	NoCache bool
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return tieredlib.AbsPath(dir).Join("tiered").Join("layers").Raw()
}

func (a *buildArgs) bind(cmd *cobra.Command) {
	a.descriptorArgs.bind(cmd)
	a.installerArgs.bind(cmd)
	a.pullArgs.bind(cmd)
	flags := cmd.Flags()
	flags.StringVarP(&a.Out, "out", "o", "", "Output oci image layout directory (default <context>/.tiered/image)")
	flags.StringVar(&a.Dest, "dest", "", "Also copy the image to this ref: docker://..., docker-daemon:..., oci-archive:..., oci:...")
	flags.StringVar(&a.DestUser, "dest-user", "", "Registry user for --dest")
	flags.StringVar(&a.DestPassword, "dest-password", "", "Registry password for --dest (falls back to $"+passwordEnv+")")
	flags.BoolVar(&a.DestHttp, "dest-http", false, "Registry for --dest is plain http")
	flags.StringVar(&a.Cache, "cache", defaultCacheDir(), "Layer cache directory")
	flags.BoolVar(&a.NoCache, "no-cache", false, "Rebuild every layer")
}

type runArgs struct {
	Image    string
	Port     int
	PortEnv  string
	Path     string
	Timeout  time.Duration
	HostPort int
	Env      []string
}

func (a *runArgs) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&a.Image, "image", "", "Image to run, as the docker daemon names it")
	flags.IntVar(&a.Port, "port", 8081, "Port to listen on inside the container, passed via --port-env")
	flags.StringVar(&a.PortEnv, "port-env", "PORT", "Environment variable carrying the port")
	flags.StringVar(&a.Path, "path", "/", "Path to probe")
	flags.DurationVar(&a.Timeout, "timeout", smoke.DefaultTimeout, "How long to wait for an answer")
	flags.IntVar(&a.HostPort, "host-port", 0, "Host port to publish on (default: any free port)")
	flags.StringArrayVarP(&a.Env, "env", "e", nil, "Extra container environment, K=V")
	_ = cmd.MarkFlagRequired("image")
}
