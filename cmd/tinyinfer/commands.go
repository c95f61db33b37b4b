package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/app"
	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/doctor"
	"github.com/a-marczewski/tinyinfer/internal/inference"
	"github.com/a-marczewski/tinyinfer/internal/selection"
	"github.com/a-marczewski/tinyinfer/internal/server"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show detected device capabilities",
	Args:  cobra.NoArgs,
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Show the model chosen for this device",
	Args:  cobra.NoArgs,
}

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Load the selected model and stream a response",
	Args:  cobra.MinimumNArgs(1),
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank documents by semantic similarity to a query",
	Args:  cobra.MinimumNArgs(1),
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Run the on-device benchmark",
	Args:  cobra.NoArgs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show persisted privacy and performance history",
	Args:  cobra.NoArgs,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostics on the installation",
	Args:  cobra.NoArgs,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine over local HTTP",
	Args:  cobra.NoArgs,
}

var (
	searchDocs  []string
	searchFile  string
	searchLimit int

	benchmarkLoad bool
	serveLoad     bool
	statsLimit    int
)

func init() {
	searchCmd.Flags().StringArrayVar(&searchDocs, "doc", nil, "Document text to index (repeatable)")
	searchCmd.Flags().StringVarP(&searchFile, "file", "f", "", "File with one document per line")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "k", 5, "Number of results")

	benchmarkCmd.Flags().BoolVar(&benchmarkLoad, "load", false, "Load the selected model before benchmarking")
	serveCmd.Flags().BoolVar(&serveLoad, "load", false, "Load the selected model on startup")
	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 5, "Number of benchmark runs and samples to show")
}

// signalContext is cancelled on Ctrl-C so streams and benchmarks stop cleanly.
func signalContext(a *app.App) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(a.Ctx, os.Interrupt, syscall.SIGTERM)
}

func runProbeCmd(a *app.App, cmd *cobra.Command, args []string) error {
	snapshot, err := a.Engine.ProbeCapabilities(a.Ctx)
	if err != nil {
		return err
	}
	printSnapshot(cmd.OutOrStdout(), snapshot)
	return nil
}

func printSnapshot(w io.Writer, s capability.Snapshot) {
	accel := "none"
	if s.HasAccelerator {
		accel = green("available")
	}
	fmt.Fprintln(w, bold("Device capabilities"))
	fmt.Fprintf(w, "  Platform:         %s %d\n", s.Platform, s.PlatformMajorVersion)
	fmt.Fprintf(w, "  CPU cores:        %d\n", s.CoreCount)
	fmt.Fprintf(w, "  Accelerator:      %s\n", accel)
	fmt.Fprintf(w, "  Physical memory:  %d MB\n", s.PhysicalMemoryMB)
	fmt.Fprintf(w, "  Usable memory:    %d MB\n", s.UsableMemoryMB)
}

func runSelectCmd(a *app.App, cmd *cobra.Command, args []string) error {
	snapshot, err := a.Engine.ProbeCapabilities(a.Ctx)
	if err != nil {
		return err
	}
	printSelection(cmd.OutOrStdout(), a.Engine.Select(snapshot))
	return nil
}

func printSelection(w io.Writer, r selection.Result) {
	fmt.Fprintf(w, "Selected model: %s\n", cyan(r.Model.Identifier))
	fmt.Fprintf(w, "  Quantization:    %s\n", r.Model.Quantization)
	fmt.Fprintf(w, "  Required memory: %d MB\n", r.Model.RequiredMemoryMB)
	fmt.Fprintf(w, "  Context budget:  %d tokens\n", r.TargetContextTokens)
	switch {
	case r.Override:
		fmt.Fprintln(w, yellow("  Chosen by configured override"))
	case r.Fallback:
		fmt.Fprintln(w, yellow("  No model fits this device; using the lowest-requirement model"))
	}
}

func runGenerateCmd(a *app.App, cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(a)
	defer stop()

	result, err := a.Engine.Bootstrap(ctx)
	if err != nil {
		return err
	}
	a.Core.Logger.Info("Model ready", zap.String("model", result.Model.Identifier))

	stream, err := a.Engine.Generate(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var last inference.Event
	for ev := range stream.Events() {
		fmt.Fprint(out, ev.Delta)
		last = ev
	}
	fmt.Fprintln(out)

	outcome, err := stream.Wait()
	if err != nil {
		return err
	}
	switch outcome {
	case inference.Cancelled:
		fmt.Fprintln(out, yellow("Generation cancelled."))
	default:
		fmt.Fprintf(out, "%s %d tokens in %.2fs\n", green("✓"), last.TokensGenerated, last.ElapsedSeconds)
	}
	return nil
}

func runSearchCmd(a *app.App, cmd *cobra.Command, args []string) error {
	docs := append([]string(nil), searchDocs...)
	if searchFile != "" {
		fromFile, err := readLines(searchFile)
		if err != nil {
			return err
		}
		docs = append(docs, fromFile...)
	}
	if len(docs) == 0 {
		return errors.New("no documents to search; pass --doc or --file")
	}

	for _, text := range docs {
		if _, err := a.Engine.AddDocument(a.Ctx, text); err != nil {
			return fmt.Errorf("failed to index document: %w", err)
		}
	}

	query := strings.Join(args, " ")
	results, err := a.Engine.Search(a.Ctx, query, searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Search results for '%s':\n\n", query)
	for i, r := range results {
		fmt.Fprintf(out, "[%d] (%.3f) %s\n", i+1, r.Score, r.Document.Text)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func runBenchmarkCmd(a *app.App, cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(a)
	defer stop()

	if benchmarkLoad {
		if _, err := a.Engine.Bootstrap(ctx); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Running benchmark...")
	summary, err := a.Engine.RunBenchmark(ctx)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), "Benchmark", summary)
	return nil
}

func printSummary(w io.Writer, title string, s telemetry.PerformanceSummary) {
	fmt.Fprintln(w, bold(title))
	fmt.Fprintf(w, "  Samples:             %d\n", s.TotalSamples)
	fmt.Fprintf(w, "  Avg. response time:  %.2f ms\n", s.AverageResponseTimeMs)
	fmt.Fprintf(w, "  Avg. throughput:     %.2f/s\n", s.AverageTokensPerSecond)
	fmt.Fprintf(w, "  Success rate:        %.1f%%\n", s.SuccessRate*100)
}

func runStatsCmd(a *app.App, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	history := a.Telemetry.History

	totals, err := history.PrivacyTotals()
	if err != nil {
		return fmt.Errorf("failed to read privacy history: %w", err)
	}
	fmt.Fprintln(out, bold("Privacy"))
	fmt.Fprintf(out, "  Processed locally: %d\n", totals.ProcessedLocally)
	if totals.SentToCloud > 0 {
		fmt.Fprintf(out, "  Sent to cloud:     %s\n", red(totals.SentToCloud))
	} else {
		fmt.Fprintf(out, "  Sent to cloud:     %s\n", green(0))
	}

	runs, err := history.BenchmarkRuns(statsLimit)
	if err != nil {
		return fmt.Errorf("failed to read benchmark history: %w", err)
	}
	fmt.Fprintf(out, "\n%s\n", bold("Benchmark runs"))
	if len(runs) == 0 {
		fmt.Fprintln(out, "  none recorded")
	}
	for _, run := range runs {
		fmt.Fprintf(out, "  %s  %-16s %8.2f ms %8.2f/s  %.0f%%\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Model,
			run.Summary.AverageResponseTimeMs,
			run.Summary.AverageTokensPerSecond,
			run.Summary.SuccessRate*100,
		)
	}

	samples, err := history.RecentSamples(telemetry.SourceLive, statsLimit)
	if err != nil {
		return fmt.Errorf("failed to read samples: %w", err)
	}
	fmt.Fprintf(out, "\n%s\n", bold("Recent generations"))
	if len(samples) == 0 {
		fmt.Fprintln(out, "  none recorded")
	}
	for _, s := range samples {
		status := green("ok")
		if !s.Success {
			status = red("failed")
		}
		fmt.Fprintf(out, "  %s  %8.2f ms %8.2f tok/s  %s\n",
			s.Timestamp.Local().Format("2006-01-02 15:04:05"),
			s.ResponseTimeMs, s.TokensPerSecond, status)
	}

	if !a.Core.Config.TelemetryPersist {
		fmt.Fprintln(out, yellow("\nTelemetry persistence is disabled; enable telemetry.persist to record history."))
	}
	return nil
}

func runDoctorCmd(a *app.App, cmd *cobra.Command, args []string) error {
	diag := doctor.NewRunner(a.Core.Config, a.Core.DB, a.Engine).RunAll(a.Ctx)
	diag.PrintReport(cmd.OutOrStdout())
	if diag.Status == doctor.StatusFail {
		return errors.New("diagnostics reported failures")
	}
	return nil
}

func runServeCmd(a *app.App, cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(a)
	defer stop()

	if serveLoad {
		if _, err := a.Engine.Bootstrap(ctx); err != nil {
			return err
		}
	}

	srv := server.New(a.Engine, a.Core.Config.ListenAddress, a.Core.Logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", a.Core.Config.ListenAddress)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
