// Command syscared is the live-patch daemon: it loads installed
// kernel and user patches from disk, restores their saved status, and
// keeps the patch lifecycle engine (internal/patch/manager) available
// for the out-of-tree RPC front end to drive. Grounded on the
// teacher's cmd/ctr/app bootstrap (urfave/cli app construction, debug
// flag wiring through containerd/log) and cmd/containerd's signal-
// driven shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/syscare/syscared/cmd/syscared/command"
	"github.com/syscare/syscared/internal/config"
	"github.com/syscare/syscared/internal/patch/driver/kpatch"
	"github.com/syscare/syscared/internal/patch/driver/upatch"
	"github.com/syscare/syscared/internal/patch/manager"
)

const defaultConfigPath = "/etc/syscare/syscared.toml"

func init() {
	cli.VersionPrinter = func(cliContext *cli.Context) {
		fmt.Println(cliContext.App.Name, cliContext.App.Version)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "syscared"
	app.Usage = "live patch daemon for the Linux kernel and user-space processes"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to the syscared config file",
			Value: defaultConfigPath,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output in logs",
		},
	}
	app.Commands = []*cli.Command{
		command.ConfigCommand,
	}
	app.Action = run

	return app
}

func run(cliContext *cli.Context) error {
	cfg := config.Default()
	if err := config.Load(cliContext.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cliContext.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cliContext.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kernelDriver := kpatch.New()
	userDriver, err := upatch.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to start upatch driver: %w", err)
	}

	mgr := manager.New(cfg.DataDir, kernelDriver, userDriver)
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize patch manager: %w", err)
	}
	if err := mgr.Restore(ctx, cfg.AcceptedOnlyRestore); err != nil {
		return fmt.Errorf("failed to restore patch status: %w", err)
	}

	log.G(ctx).Info("syscared started")
	<-ctx.Done()
	log.G(ctx).Info("shutting down")

	saveCtx := context.Background()
	if err := mgr.Save(saveCtx); err != nil {
		log.G(saveCtx).WithError(err).Error("failed to save patch status on shutdown")
	}
	return nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
