package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/config"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/timeplus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	limit := flag.Int("limit", 20, "number of archived changes to show")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := timeplus.NewClient(ctx, &cfg.Timeplus)
	if err != nil {
		logrus.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	archive := timeplus.NewArchive(client)
	fmt.Printf("Checking %s for archived incident changes...\n", timeplus.IncidentsStream)

	changes, err := archive.Recent(ctx, *limit)
	if err != nil {
		logrus.Fatalf("Failed to query incidents: %v", err)
	}

	for _, ch := range changes {
		inc := ch.Incident
		fmt.Printf("%s  %-22s %-8s %s\n", ch.RecordedAt.Local().Format(time.RFC3339), ch.Change, inc.Severity, inc.Title)
		fmt.Printf("    id=%s source=%s acknowledged=%t resolved=%t\n", inc.ID, inc.SourceModule, inc.Acknowledged, inc.Resolved)
		for k, v := range inc.Metadata {
			fmt.Printf("    %s: %s\n", k, v)
		}
	}

	if len(changes) == 0 {
		fmt.Println("No archived incidents found")
	} else {
		fmt.Printf("Found %d changes\n", len(changes))
	}
}
