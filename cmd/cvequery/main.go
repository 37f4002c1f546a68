// Command cvequery is a read-side console over the local store: filter
// records by vendor/product keyword and minimum CVSS score.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/table"

	"github.com/vulnwatch/cvesync/internal/config"
	"github.com/vulnwatch/cvesync/internal/logging"
	"github.com/vulnwatch/cvesync/internal/nvd"
	"github.com/vulnwatch/cvesync/internal/store"
	"github.com/vulnwatch/cvesync/internal/transform"
)

func main() {
	var configFile string
	var product string
	var vendor string
	var minCVSS float64
	var limit int

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&product, "product", "", "product keyword, e.g. nginx")
	flag.StringVar(&vendor, "vendor", "", "vendor keyword, e.g. nginx")
	flag.Float64Var(&minCVSS, "min_cvss", 0, "minimum CVSS score")
	flag.IntVar(&limit, "limit", 50, "maximum number of rows")
	flag.Parse()

	log := logging.New()
	defer log.Sync()

	product = strings.TrimSpace(product)
	vendor = strings.TrimSpace(vendor)
	if product == "" && vendor == "" {
		fmt.Fprintln(os.Stderr, "at least one of -product or -vendor is required")
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

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalw("store init", "err", err)
	}
	defer st.Close()

	results, err := st.Search(ctx, store.SearchFilter{
		Product:  product,
		Vendor:   vendor,
		MinScore: minCVSS,
		Limit:    limit,
	})
	if err != nil {
		log.Fatalw("search", "err", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "CVSS", "Severity", "Impact", "Description"})
	for _, r := range results {
		score := "N/A"
		if r.Score != nil {
			score = fmt.Sprintf("%.1f", *r.Score)
		}
		t.AppendRow(table.Row{r.ID, score, r.Severity, r.ImpactType, truncate(description(r.Raw), 120)})
	}
	t.Render()
	fmt.Printf("matched records (min CVSS %.1f): %d\n", minCVSS, len(results))
}

func description(raw json.RawMessage) string {
	var item nvd.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return ""
	}
	return transform.EnglishDescription(item.CVE.Descriptions)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
