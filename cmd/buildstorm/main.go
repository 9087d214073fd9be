// Package main is the entry point for the buildstorm tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/buildstorm/internal/app"
	"github.com/dshills/buildstorm/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer application.Shutdown(context.Background())

	if opts.Command == config.CommandBuild {
		printResolution(application)
		return 0
	}

	printResolution(application)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// printResolution reports each environment's resolved plugin order.
func printResolution(application *app.Application) {
	for _, env := range application.Environments() {
		fmt.Printf("environment %s (%s):\n", env.Name(), env.Mode())
		for i, p := range env.Plugins() {
			fmt.Printf("  %2d. %s\n", i+1, p.Name)
		}
	}
}

func parseFlags() app.Options {
	var opts app.Options
	var command string
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to project file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to project file (shorthand)")
	flag.StringVar(&opts.Root, "root", "", "Project root directory")
	flag.StringVar(&command, "command", string(config.CommandServe), "Command mode (serve, build)")
	flag.BoolVar(&opts.Watch, "watch", true, "Watch files for hot updates in serve mode")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Buildstorm - plugin pipeline resolver\n\n")
		fmt.Fprintf(os.Stderr, "Usage: buildstorm [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  buildstorm                        Serve with ./buildstorm.toml\n")
		fmt.Fprintf(os.Stderr, "  buildstorm -command build         Resolve build environments\n")
		fmt.Fprintf(os.Stderr, "  buildstorm -root ./site -watch    Serve a project with hot updates\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("buildstorm %s (%s)\n", version, commit)
		os.Exit(0)
	}

	opts.Command = config.Command(command)
	if !opts.Command.Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", command)
		flag.Usage()
		os.Exit(2)
	}
	return opts
}
