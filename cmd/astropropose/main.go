package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/xx70235/AstroPropose/internal/api"
	"github.com/xx70235/AstroPropose/internal/scheduler"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/mcp"
)

const usage = `usage: astropropose <command> [flags]

commands:
  serve            run the REST API and the transition scheduler
  mcp              run the MCP server on stdio
  migrate          apply database migrations
  seed             load the CSST review workflow and sample data
  secret set K V   store an encrypted secret
  secret list      list secret keys
  secret delete K  delete a secret
  version          print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(ctx, args)
	case "mcp":
		err = runMCP(ctx, args)
	case "migrate":
		err = runMigrate(ctx, args)
	case "seed":
		err = runSeed(ctx, args)
	case "secret":
		err = runSecret(ctx, args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "run scheduled transitions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Scheduler {
		sched := scheduler.New(a.store, a.engine, cfg.schedulerInterval(), logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := api.NewServer(api.Config{
		Engine:  a.engine,
		Traces:  a.store,
		History: store.NewEventLog(a.store),
		Actors:  a.store,
		Metrics: a.metrics.Handler(),
		Logger:  logger,
	})
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}

func runMCP(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// stdout carries the protocol.
	logger := newLogger(cfg, os.Stderr)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewAstroServer(version, mcp.AstroServerDeps{
		Engine: a.engine,
		Store:  a.store,
		Logger: logger,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runMigrate(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	vacuum := fs.Bool("vacuum", false, "run VACUUM after migrating")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if *vacuum {
		if err := s.Vacuum(ctx); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	fmt.Printf("Database ready at %s\n", cfg.DBPath)
	return nil
}

func runSecret(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("secret: expected set, list or delete")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.VaultPassphrase == "" {
		return errors.New("ASTRO_VAULT_PASSPHRASE is required for secret commands")
	}
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	vault, err := openVault(ctx, s, cfg)
	if err != nil {
		return err
	}

	switch sub, rest := args[0], args[1:]; sub {
	case "set":
		if len(rest) != 2 {
			return errors.New("usage: astropropose secret set KEY VALUE")
		}
		if err := vault.Store(ctx, rest[0], []byte(rest[1])); err != nil {
			return err
		}
		fmt.Printf("Stored secret %s\n", rest[0])
	case "list":
		keys, err := vault.List(ctx)
		if err != nil {
			return err
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: astropropose secret delete KEY")
		}
		if err := vault.Delete(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted secret %s\n", rest[0])
	default:
		return fmt.Errorf("secret: unknown subcommand %q", sub)
	}
	return nil
}
