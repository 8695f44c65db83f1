package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/syncap/syncap/pkg/bus"
	"github.com/syncap/syncap/pkg/chunk"
	"github.com/syncap/syncap/pkg/config"
	"github.com/syncap/syncap/pkg/recorder"
)

const defaultConfigPath = "config/syncap.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	inspect := flag.String("inspect", "", "Inspect a recorded chunk file or session directory and exit")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if *inspect != "" {
		if err := runInspect(*inspect); err != nil {
			slog.Error("inspect failed", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting syncap recorder",
		"config", *configPath,
		"output_dir", cfg.OutputDir,
		"debug", *debug,
	)

	// The bus is in-process: sources attach to the same address space,
	// so every configured address is activated up front.
	b := bus.New()
	for _, ch := range cfg.Addressed() {
		b.Activate(ch.Address)
	}
	defer b.Close()

	rec, err := recorder.New(cfg, b, recorder.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create recorder", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 'q' + Enter on stdin stops the recording like a signal does
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if scanner.Text() == "q" {
				cancel()
				return
			}
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- rec.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
	}

	if runErr != nil {
		slog.Error("recording failed", "error", runErr)
		os.Exit(1)
	}
	slog.Info("syncap recorder stopped")
}

// runInspect prints a summary of one chunk file, or of a whole session
// directory via its manifest.
func runInspect(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return inspectSession(path)
	}
	return inspectChunk(path)
}

func inspectSession(dir string) error {
	entries, err := chunk.ReadManifest(dir)
	if err != nil {
		return err
	}

	var records, bytes int64
	for _, e := range entries {
		fmt.Printf("%6d  %-32s  %6d records  %10d bytes  [%d .. %d]\n",
			e.ChunkIndex, e.Path, e.Records, e.Bytes, e.FirstStamp, e.LastStamp)
		records += e.Records
		bytes += e.Bytes
	}
	fmt.Printf("%d chunks, %d records, %d bytes\n", len(entries), records, bytes)
	return nil
}

func inspectChunk(path string) error {
	c, err := chunk.OpenChunk(path)
	if err != nil {
		return err
	}
	defer c.Close()

	rows, err := c.Rows()
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d records\n", filepath.Base(path), rows)
	for _, f := range c.Schema().Fields() {
		if shape, ok := chunk.FieldShape(f); ok {
			fmt.Printf("  %-16s %v %v\n", f.Name, f.Type, shape)
			continue
		}
		fmt.Printf("  %-16s %v\n", f.Name, f.Type)
	}
	for _, key := range []string{
		chunk.MetaSession, chunk.MetaIntrinsic, chunk.MetaExtrinsic, chunk.MetaBaseline,
	} {
		if v, ok := c.Metadata().GetValue(key); ok {
			fmt.Printf("  %s = %s\n", key, v)
		}
	}
	return nil
}
