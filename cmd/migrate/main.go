package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"tenantauth.org/internal/config"
	"tenantauth.org/internal/migrate"
	"tenantauth.org/internal/obs"
	"tenantauth.org/internal/store/pg"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides config)")
		dir        = flag.String("dir", "", "directory holding sql/ and seeds/; defaults to the embedded schema")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()
	log := obs.Logger()

	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}
	if *dsn == "" {
		cfg, err := config.Load(*configPath)
		if err == nil {
			*dsn = cfg.Database.DSN
		}
	}
	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or " + config.EnvPrefix + "DB_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	var fsys fs.FS = migrate.Embedded
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(store.DB(), fsys, migrate.EmbeddedMigrations, migrate.EmbeddedSeeds)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
	log.Info().Str("command", cmd).Msg("migrate done")
}
