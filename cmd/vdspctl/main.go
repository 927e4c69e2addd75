package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/anthropics/purple-vdsp/internal/config"
	"github.com/anthropics/purple-vdsp/pkg/device"
	"github.com/anthropics/purple-vdsp/pkg/dvfs"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:          "vdspctl",
		Short:        "vDSP driver tool",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logrus.ParseLevel(level)
			if err != nil {
				return err
			}
			logrus.SetLevel(l)
			logrus.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "warning", "log level (debug, info, warning, error)")

	root.AddCommand(
		newScanCommand(),
		newConfigCommand(),
		newSimulateCommand(),
		newDVFSTraceCommand(),
		newVersionCommand(),
	)
	return root
}

func newScanCommand() *cobra.Command {
	var sysfs, dev string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for vDSP devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := device.NewScannerAt(sysfs, dev).Scan()
			if err != nil {
				return fmt.Errorf("scanning devices: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No vDSP devices found")
				return nil
			}
			fmt.Fprintf(out, "Found %d vDSP device(s):\n", len(devices))
			for i, d := range devices {
				source := "probe"
				if d.Sysfs {
					source = "sysfs"
				}
				fmt.Fprintf(out, "  [%d] %s (%s)\n", i, d.Path, source)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sysfs, "sysfs", "/sys/class/vdsp", "sysfs class directory")
	cmd.Flags().StringVar(&dev, "dev", "/dev", "device node directory")
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config [file]",
		Short: "Print the effective configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.Default()
			if len(args) == 1 {
				var err error
				if c, err = config.Load(args[0]); err != nil {
					return err
				}
			}
			return c.Write(cmd.OutOrStdout())
		},
	}
}

// parseTrace reads a comma separated list of busy percentages
func parseTrace(s string) ([]int, error) {
	var percents []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad usage sample %q: %w", f, err)
		}
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("usage sample %d is outside 0..100", v)
		}
		percents = append(percents, v)
	}
	if len(percents) == 0 {
		return nil, fmt.Errorf("empty usage trace")
	}
	return percents, nil
}

func newDVFSTraceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dvfs-trace <usage,...>",
		Short: "Replay busy percentages through the DVFS level table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			percents, err := parseTrace(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, l := range dvfs.Replay(percents) {
				fmt.Fprintf(out, "%3d%% -> %s\n", percents[i], l)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vdspctl version %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go version: %s\n", GoVersion)
		},
	}
}
