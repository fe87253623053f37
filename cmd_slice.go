package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printdesk/internal/config"
	"printdesk/internal/gcode"
	"printdesk/internal/profile"
	"printdesk/internal/slicer"
	"printdesk/internal/types"

	"github.com/spf13/cobra"
)

var (
	sliceOutputDir  string
	sliceExecutable string
	sliceFlags      []string
	sliceTimeout    time.Duration
	sliceQuiet      bool
	sliceScale      float64
	slice3MF        bool

	profileMaterial string
	profileInit     bool
)

var sliceCmd = &cobra.Command{
	Use:   "slice [model]",
	Short: "Slice a model into G-code",
	Long: `Runs the slicer on a model file and prints its output as it arrives.

The slicer is killed when it stays silent longer than the idle timeout
or when the command is interrupted.

When slicer.profile is set, the printer profile is rendered to a temporary
slicer config and passed with --load.

Example:
  printdesk slice cube.stl -f --layer-height=0.2 -f --fill-density=15%
  printdesk slice cube.stl --scale 150 --3mf`,
	Args: cobra.ExactArgs(1),
	RunE: runSlice,
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Look for an installed slicer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Slicer.Executable != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (configured)\n", cfg.Slicer.Executable)
			return nil
		}

		exe := slicer.FindExecutable()
		if exe == "" {
			return fmt.Errorf("no slicer found; set slicer.executable in %s", configPath)
		}

		fmt.Fprintln(cmd.OutOrStdout(), exe)

		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the slicer config rendered from the printer profile",
	Long: `Prints the slicer config built from slicer.profile, or from the built-in
defaults when none is set. With --init the defaults are written to the
slicer.profile path instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileInit {
			if cfg.Slicer.Profile == "" {
				return fmt.Errorf("set slicer.profile in %s first", configPath)
			}

			p := profile.Default()
			if profileMaterial != "" {
				err := p.UseMaterial(profileMaterial)
				if err != nil {
					return err
				}
			}

			err := p.Save(cfg.Slicer.Profile)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfg.Slicer.Profile)

			return nil
		}

		p, err := loadProfile(cfg)
		if err != nil {
			return err
		}

		if p == nil {
			p = profile.Default()
		}

		if profileMaterial != "" {
			err = p.UseMaterial(profileMaterial)
			if err != nil {
				return err
			}
		}

		return p.Render(cmd.OutOrStdout())
	},
}

func init() {
	sliceCmd.Flags().StringVarP(&sliceOutputDir, "output-dir", "o", "", "G-code directory (default from config)")
	sliceCmd.Flags().StringVar(&sliceExecutable, "executable", "", "slicer executable (default from config, then auto-detected)")
	sliceCmd.Flags().StringArrayVarP(&sliceFlags, "flag", "f", nil, "extra slicer flag, repeatable")
	sliceCmd.Flags().DurationVar(&sliceTimeout, "timeout", 0, "idle timeout (default from config)")
	sliceCmd.Flags().BoolVarP(&sliceQuiet, "quiet", "q", false, "do not print slicer output")
	sliceCmd.Flags().Float64Var(&sliceScale, "scale", 0, "scale the model, in percent")
	sliceCmd.Flags().BoolVar(&slice3MF, "3mf", false, "export a 3MF project instead of G-code")

	profileCmd.Flags().StringVarP(&profileMaterial, "material", "m", "", "material preset, e.g. PETG")
	profileCmd.Flags().BoolVar(&profileInit, "init", false, "write the default profile to slicer.profile")
}

// loadProfile reads slicer.profile. No profile configured is not an error.
func loadProfile(c *config.Config) (*profile.Profile, error) {
	if c.Slicer.Profile == "" {
		return nil, nil
	}

	return profile.Load(c.Slicer.Profile)
}

// newInvoker builds an invoker from the config. An empty executable falls back to detection.
func newInvoker(c *config.Config) (*slicer.Invoker, error) {
	p, err := loadProfile(c)
	if err != nil {
		return nil, err
	}

	return slicer.NewInvoker(slicer.Options{
		Executable: configuredExecutable(c),
		OutputDir:  c.Slicer.OutputDir,
		Timeout:    c.Slicer.Timeout.Std(),
		Logger:     logger,
		Profile:    p,
	}), nil
}

func configuredExecutable(c *config.Config) string {
	if c.Slicer.Executable != "" {
		return c.Slicer.Executable
	}

	return slicer.FindExecutable()
}

func runSlice(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sliceTimeout > 0 {
		cfg.Slicer.Timeout = config.Duration(sliceTimeout)
	}

	inv, err := newInvoker(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	flags := append(append([]string{}, cfg.Slicer.ExtraFlags...), sliceFlags...)
	job := slicer.NewJob(args[0], sliceOutputDir, sliceExecutable, flags...)
	job.Scale = sliceScale / 100

	if slice3MF {
		job.Format = slicer.Format3MF
	}

	progress := func(line types.Line) {
		if !sliceQuiet {
			fmt.Fprintf(out, "[%s] %s\n", line.Stream, line.Text)
		}
	}

	res, err := inv.Slice(ctx, job, progress)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Sliced %s -> %s in %s\n", args[0], res.OutputPath, res.Duration.Round(time.Millisecond))

	if job.Format == slicer.Format3MF {
		return nil
	}

	stats, err := gcode.AnalyzeFile(res.OutputPath)
	if err != nil {
		logger.Warn("Failed to analyze sliced output", "path", res.OutputPath, "error", err)
		return nil
	}

	printStats(cmd, stats)

	return nil
}

func printStats(cmd *cobra.Command, s gcode.Stats) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "  lines:     %d (%d commands)\n", s.Lines, s.Commands)
	fmt.Fprintf(out, "  layers:    %d, max Z %.2f mm\n", s.Layers, s.MaxZ)
	fmt.Fprintf(out, "  extruded:  %.1f mm over %d moves\n", s.Extruded, s.PrintMoves)
	fmt.Fprintf(out, "  bounds:    X %.1f..%.1f  Y %.1f..%.1f\n", s.MinX, s.MaxX, s.MinY, s.MaxY)
}
