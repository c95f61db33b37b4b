package main

import (
	"fmt"
	"os"

	"github.com/a-marczewski/tinyinfer/internal/app"
	"github.com/a-marczewski/tinyinfer/internal/version"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:           "tinyinfer",
	Short:         "tinyinfer - on-device inference orchestration",
	Long:          `tinyinfer probes the device, picks a model that fits, runs it locally and keeps a record of privacy and performance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var quiet bool

// appInstance is built once flags are parsed so --quiet can shape the logger.
var appInstance *app.App

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not log to stderr")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(benchmarkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if !needsApp(cmd) {
			return nil
		}
		a, err := app.NewApp(app.Options{Quiet: quiet})
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		appInstance = a
		return nil
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

// needsApp reports whether cmd touches the engine. Version, help and the
// generated completion commands run without a data directory.
func needsApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "version", "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return true
}

// newAppRunner creates a Cobra RunE closure that receives the app instance.
func newAppRunner(runFunc func(*app.App, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runFunc(appInstance, cmd, args)
	}
}

func main() {
	probeCmd.RunE = newAppRunner(runProbeCmd)
	selectCmd.RunE = newAppRunner(runSelectCmd)
	generateCmd.RunE = newAppRunner(runGenerateCmd)
	searchCmd.RunE = newAppRunner(runSearchCmd)
	benchmarkCmd.RunE = newAppRunner(runBenchmarkCmd)
	statsCmd.RunE = newAppRunner(runStatsCmd)
	doctorCmd.RunE = newAppRunner(runDoctorCmd)
	serveCmd.RunE = newAppRunner(runServeCmd)

	err := rootCmd.Execute()
	if appInstance != nil {
		if err != nil {
			appInstance.Core.Logger.Error("Command failed", zap.Error(err))
		}
		appInstance.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		os.Exit(1)
	}
}
