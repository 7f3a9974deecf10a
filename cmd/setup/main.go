package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/config"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/services"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/storage"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/timeplus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	drop := flag.Bool("drop", false, "drop the incident archive stream before creating it")
	flag.Parse()

	logrus.SetLevel(logrus.InfoLevel)
	logrus.Info("Setting up Threat Sentinel")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Seed the default rules into the data dir
	store, err := storage.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		logrus.Fatalf("Failed to open data dir: %v", err)
	}
	ruleService, err := services.NewRuleService(store)
	if err != nil {
		logrus.Fatalf("Failed to load rules: %v", err)
	}
	logrus.Infof("%d rules in %s", len(ruleService.ListRules()), store.Dir())

	if !cfg.Timeplus.Enabled {
		logrus.Info("Timeplus archive disabled, setup completed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := timeplus.NewClient(ctx, &cfg.Timeplus)
	if err != nil {
		logrus.Fatalf("Failed to connect to Timeplus: %v", err)
	}
	defer client.Close()

	if *drop {
		logrus.Warnf("Dropping stream %s", timeplus.IncidentsStream)
		if err := client.ExecuteDDL(ctx, fmt.Sprintf("DROP STREAM IF EXISTS `%s`", timeplus.IncidentsStream)); err != nil {
			logrus.Fatalf("Failed to drop stream: %v", err)
		}
	}

	if err := timeplus.NewArchive(client).EnsureStream(ctx); err != nil {
		logrus.Fatalf("Failed to create incident archive: %v", err)
	}
	logrus.Info("Setup completed")
}
