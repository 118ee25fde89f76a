package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"whatsapp-inbox/internal/automation"
	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/logger"
	"whatsapp-inbox/internal/lib/sl"
)

func main() {
	check := flag.Bool("check", true, "parse every stored automation graph after migrating")
	deactivate := flag.Bool("deactivate-invalid", false, "disable active automations whose graph no longer parses")
	flag.Parse()

	cfg := config.MustLoad()
	log := logger.SetupLogger(cfg.Env).With(sl.Module("migrate"))

	db, err := database.Open(cfg, log)
	if err != nil {
		log.Error("open database", sl.Err(err))
		os.Exit(1)
	}
	log.Info("migrating schema")
	if err := database.Migrate(db); err != nil {
		log.Error("migrate", sl.Err(err))
		os.Exit(1)
	}
	if !*check {
		log.Info("done")
		return
	}

	ctx := context.Background()
	store := database.NewStore(db)
	defs, err := store.AllDefinitions(ctx)
	if err != nil {
		log.Error("load definitions", sl.Err(err))
		os.Exit(1)
	}

	invalid := 0
	for i := range defs {
		def := &defs[i]
		_, perr := automation.ParseDefinition(def)
		if perr == nil {
			continue
		}
		invalid++
		log.Warn("invalid automation graph",
			slog.String("id", def.ID),
			slog.String("team", def.TeamID),
			slog.String("name", def.Name),
			sl.Err(perr))

		if *deactivate && def.IsActive {
			if err := store.SetDefinitionActive(ctx, def.ID, false); err != nil {
				log.Error("deactivate definition", slog.String("id", def.ID), sl.Err(err))
				continue
			}
			log.Info("definition deactivated", slog.String("id", def.ID))
		}
	}
	log.Info("done", slog.Int("definitions", len(defs)), slog.Int("invalid", invalid))
}
