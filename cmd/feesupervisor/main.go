// FeeSupervisor - restart supervisor for FeeServer
//
// The supervisor runs the feeserver binary and interprets its exit code:
// restart requests and init retries start it again, a normal exit or a
// fatal startup failure ends supervision. It exits with the last code of
// the child so it can itself run under systemd or a shell loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/feeserver/internal/exitcode"
	"github.com/nerrad567/feeserver/internal/infrastructure/config"
	"github.com/nerrad567/feeserver/internal/infrastructure/logging"
	"github.com/nerrad567/feeserver/internal/process"
)

var version = "dev"

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code, err := run(ctx, *configPath)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(int(code))
}

func run(ctx context.Context, configPath string) (exitcode.Code, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingServerName) {
			return exitcode.NoServerName, fmt.Errorf("loading config: %w", err)
		}
		return exitcode.BadConfig, fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version).With("component", "supervisor", "server", cfg.Server.Name)

	sup, err := newSupervisor(cfg, configPath, log)
	if err != nil {
		return exitcode.BadConfig, err
	}

	code, err := sup.Run(ctx)
	log.Info("supervision ended", "code", code.String(), "restarts", sup.RestartCount())
	return code, err
}

// newSupervisor builds the supervisor for the configured child. Without
// explicit args the child is pointed at the same configuration file.
func newSupervisor(cfg *config.Config, configPath string, log *logging.Logger) (*process.Supervisor, error) {
	sc := cfg.Supervisor
	if sc.Binary == "" {
		return nil, fmt.Errorf("supervisor.binary is required")
	}
	args := sc.Args
	if len(args) == 0 {
		args = []string{"-config", configPath}
	}

	sup := process.NewSupervisor(process.Config{
		Name:           cfg.Server.Name,
		Binary:         sc.Binary,
		Args:           args,
		RestartDelay:   time.Duration(sc.RestartDelay) * time.Second,
		MaxRestarts:    sc.MaxRestarts,
		RestartOnCrash: sc.RestartOnCrash,
		OnExit: func(code exitcode.Code, err error) {
			if err != nil {
				log.Warn("feeserver exited", "code", code.String(), "error", err)
				return
			}
			log.Info("feeserver exited", "code", code.String())
		},
	})
	sup.SetLogger(log)
	return sup, nil
}
