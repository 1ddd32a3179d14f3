package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dimatch/internal/cli"
	"dimatch/internal/config"
	"dimatch/internal/imageio"
	"dimatch/internal/imageio/magick"
	"dimatch/internal/logging"
	"dimatch/internal/pipeline"
	"dimatch/internal/ports/builtin"
	"dimatch/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dimatch: %v\n", err)
		return cli.ExitCode(err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dimatch: %v\n", err)
		return 1
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("failed to open run journal", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaders := imageio.NewRegistry(magick.Loader{})
	router := pipeline.NewRouter(log, builtin.Registry(), loaders, store)
	pipe := pipeline.New(ctx, 1, log, store, router)
	defer pipe.Stop()

	cmd := cli.NewRootCmd(cfg, log, store, pipe)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dimatch: %v\n", err)
		return cli.ExitCode(err)
	}
	return 0
}
