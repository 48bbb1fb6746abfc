package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andrewbaxter/tiered/dockerapi"
	"github.com/andrewbaxter/tiered/smoke"
	"github.com/andrewbaxter/tiered/tieredlib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

func loadPlan(a descriptorArgs) (tieredlib.Plan, error) {
	plan, err := tieredlib.LoadPlan(tieredlib.MakeAbsPath(a.Descriptor))
	if err != nil {
		return plan, err
	}
	if err := plan.Validate(); err != nil {
		return plan, err
	}
	return plan, nil
}

// newInstaller returns the selected installer and a function releasing what it holds.
func newInstaller(a installerArgs) (tieredlib.Installer, func(), error) {
	switch a.Installer {
	case "host":
		return tieredlib.HostInstaller{}, func() {}, nil
	case "container":
		cli, err := dockerapi.NewClientFromEnv()
		if err != nil {
			return nil, nil, err
		}
		return tieredlib.ContainerInstaller{Client: cli}, func() { cli.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown installer %q, expected host or container", a.Installer)
	}
}

func outDir(a buildArgs, plan tieredlib.Plan) tieredlib.AbsPath {
	if a.Out != "" {
		return tieredlib.MakeAbsPath(a.Out)
	}
	return plan.Root.Join(".tiered").Join("image")
}

// build builds the plan and copies it to the dest, printing the manifest digest.
func build(ctx context.Context, a buildArgs, plan tieredlib.Plan, stdout io.Writer) error {
	builder := &tieredlib.Builder{InsecurePolicy: a.InsecurePolicy}
	if plan.InstallIndex() >= 0 {
		installer, release, err := newInstaller(a.installerArgs)
		if err != nil {
			return err
		}
		defer release()
		builder.Installer = installer
	}
	if !a.NoCache && a.Cache != "" {
		builder.Cache = tieredlib.NewFileCache(tieredlib.MakeAbsPath(a.Cache))
	}
	out := outDir(a, plan)
	result, err := builder.Build(ctx, plan, out)
	if err != nil {
		return err
	}
	if a.Dest != "" {
		if err := tieredlib.Push(ctx, out, a.Dest, tieredlib.Credentials{
			User:           a.DestUser,
			Password:       tieredlib.Def(a.DestPassword, os.Getenv(passwordEnv)),
			Http:           a.DestHttp,
			InsecurePolicy: a.InsecurePolicy,
		}); err != nil {
			return err
		}
	}
	fmt.Fprintln(stdout, result.ManifestDigest)
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write the standard backend + frontend descriptor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			dest := tieredlib.MakeAbsPath(dir).Join(tieredlib.DefaultDescriptorName)
			if err := tieredlib.WritePlan(tieredlib.StandardPlan(), dest, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing descriptor")
	return cmd
}

func planCmd() *cobra.Command {
	var a struct {
		descriptorArgs
		installerArgs
		pullArgs
	}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate the descriptor and print each step with its cache key",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(a.descriptorArgs)
			if err != nil {
				return err
			}
			base, err := tieredlib.OpenBase(cmd.Context(), plan.Steps[0], plan.Root, a.InsecurePolicy)
			if err != nil {
				return err
			}
			defer base.Close()
			installer := ""
			if plan.InstallIndex() >= 0 {
				installer = a.Installer
			}
			keys, err := tieredlib.PlanKeys(plan, base.ID, installer)
			if err != nil {
				return err
			}
			for i, s := range plan.Steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d  %-7s  %s\n", i+1, s.Kind, keys[i].Encoded()[:12])
			}
			return nil
		},
	}
	a.descriptorArgs.bind(cmd)
	a.installerArgs.bind(cmd)
	a.pullArgs.bind(cmd)
	return cmd
}

func buildCmd() *cobra.Command {
	var a buildArgs
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the image as an oci layout, and optionally push it",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(a.descriptorArgs)
			if err != nil {
				return err
			}
			return build(cmd.Context(), a, plan, cmd.OutOrStdout())
		},
	}
	a.bind(cmd)
	return cmd
}

func dockerfileCmd() *cobra.Command {
	var a descriptorArgs
	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Print an equivalent Dockerfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(a)
			if err != nil {
				return err
			}
			dockerfile, err := tieredlib.RenderDockerfile(plan)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dockerfile)
			return nil
		},
	}
	a.bind(cmd)
	return cmd
}

func runCmd() *cobra.Command {
	var a runArgs
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an image with its port overridden and wait for it to answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := dockerapi.NewClientFromEnv()
			if err != nil {
				return err
			}
			defer cli.Close()
			result, err := smoke.NewRunner(cli, tieredlib.Logger).Run(cmd.Context(), smoke.Options{
				Image:    a.Image,
				Port:     a.Port,
				PortEnv:  a.PortEnv,
				Path:     a.Path,
				Timeout:  a.Timeout,
				HostPort: a.HostPort,
				Env:      a.Env,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "127.0.0.1:%d %d\n", result.HostPort, result.StatusCode)
			return nil
		},
	}
	a.bind(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	var a buildArgs
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Build, then rebuild whenever a copied source changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(a.descriptorArgs)
			if err != nil {
				return err
			}
			rebuild := func(ctx context.Context) error {
				return build(ctx, a, plan, cmd.OutOrStdout())
			}
			if err := rebuild(cmd.Context()); err != nil {
				tieredlib.Logger.WithError(err).Error("Build failed")
			}
			watcher, err := tieredlib.NewWatcher(plan)
			if err != nil {
				return err
			}
			defer watcher.Close()
			err = watcher.Run(cmd.Context(), rebuild)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	a.bind(cmd)
	return cmd
}

func rootCmd() *cobra.Command {
	var g globalArgs
	cmd := &cobra.Command{
		Use:           "tiered",
		Short:         "Build reproducible, layer-cached oci images for a web backend and its frontend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(strings.ToLower(g.LogLevel))
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", g.LogLevel, err)
			}
			tieredlib.InitLogger(level, g.LogPretty)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&g.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&g.LogPretty, "log-pretty", false, "Colored text logs instead of json")

	cmd.AddCommand(initCmd(), planCmd(), buildCmd(), dockerfileCmd(), runCmd(), watchCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiered version %s\n", Version)
		},
	})
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		tieredlib.Logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}
