package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"atlas.org/internal/authz"
	"atlas.org/internal/migrate"
	"atlas.org/internal/obs"
	"atlas.org/internal/store/pg"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("ATLAS_DATABASE_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", time.Minute, "Overall deadline")
	)
	flag.Parse()
	obs.InitLogger(obs.LogConfig{Level: os.Getenv("ATLAS_LOG_LEVEL"), Format: "console", Output: os.Stderr})
	log := obs.Logger()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or ATLAS_DATABASE_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	migrations, seeds, err := migrate.Embedded()
	if err != nil {
		log.Fatal().Err(err).Msg("load embedded sql")
	}
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	cmd := flag.Arg(0)
	if err := execute(ctx, cmd, db, migrations, seeds); err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("migrate failed")
		db.Close()
		os.Exit(1)
	}
	log.Info().Str("command", cmd).Msg("migrate done")
}

func execute(ctx context.Context, cmd string, db *sql.DB, migrations, seeds fs.FS) error {
	mgr := migrate.NewManager(db, migrations, seeds)
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		if err := mgr.Seed(ctx); err != nil {
			return err
		}
		// Default roles and their grants live in code, not in SQL.
		return authz.NewRegistry(pg.New(db)).Seed(ctx)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Println(item)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
