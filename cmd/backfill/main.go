// Command backfill re-derives columns from the stored raw payloads without
// touching the feed or the checkpoints: product-identifier rows (-task cpe)
// or impact classifications (-task classify).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vulnwatch/cvesync/internal/classify"
	"github.com/vulnwatch/cvesync/internal/config"
	"github.com/vulnwatch/cvesync/internal/logging"
	"github.com/vulnwatch/cvesync/internal/store"
	"github.com/vulnwatch/cvesync/internal/transform"
)

func main() {
	var configFile string
	var task string
	var batchSize int

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&task, "task", "", "what to re-derive: cpe or classify")
	flag.IntVar(&batchSize, "batch_size", 1000, "rows fetched per batch")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "backfill - re-derive stored columns from raw payloads\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -task cpe|classify [options]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logging.New()
	defer log.Sync()

	if task != "cpe" && task != "classify" {
		flag.Usage()
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()
	if cfg.DatabaseURL == "" {
		log.Fatalw("database_url is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalw("store init", "err", err)
	}
	defer st.Close()

	tf := transform.New(classify.Current())

	processed := 0
	written := 0
	lastID := ""
	for {
		rows, err := st.ScanRecords(ctx, lastID, batchSize)
		if err != nil {
			log.Fatalw("scan records", "after", lastID, "err", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			res, err := tf.Apply(row.Raw)
			if err != nil {
				log.Warnw("stored payload rejected", "id", row.ID, "err", err)
				continue
			}
			switch task {
			case "cpe":
				if err := st.ReplaceIdentifiers(ctx, row.ID, res.Identifiers); err != nil {
					log.Fatalw("replace identifiers", "id", row.ID, "err", err)
				}
				written += len(res.Identifiers)
			case "classify":
				if err := st.UpdateClassification(ctx, row.ID, res.Record.ImpactType, res.Record.ClassificationVersion); err != nil {
					log.Fatalw("update classification", "id", row.ID, "err", err)
				}
				written++
			}
			processed++
		}
		lastID = rows[len(rows)-1].ID
		log.Infow("batch done", "processed", processed, "written", written, "last_id", lastID)
	}
	log.Infow("backfill complete", "task", task, "processed", processed, "written", written)
}
