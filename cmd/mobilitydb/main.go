package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdamokos/mobility-db-api/internal/logger"
	"github.com/bdamokos/mobility-db-api/pkg/catalog"
	"github.com/bdamokos/mobility-db-api/pkg/client"
	"github.com/bdamokos/mobility-db-api/pkg/config"
)

const usage = `mobilitydb - Mobility Database GTFS client

Usage:
  mobilitydb [flags] <command> [command flags]

Commands:
  search    Search catalog providers by country code or name
  download  Download the latest dataset for a provider
  list      List downloaded datasets
  info      Show combined catalog and local info for a provider
  extract   Register a local GTFS zip that is not in the catalog
  delete    Delete downloaded datasets

Flags:
  -config      Path to config file (default: $XDG_CONFIG_HOME/mobilitydb/config.yaml)
  -data-dir    Dataset storage directory (overrides config)
  -log-level   Log level: DEBUG, INFO, WARN, ERROR (overrides config)
`

func main() {
	configPath := flag.String("config", "", "Path to config file")
	dataDir := flag.String("data-dir", "", "Dataset storage directory")
	logLevel := flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	// CLI flags take precedence over file and environment
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)

	// Cancel in-flight downloads on Ctrl+C
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api, err := client.New(ctx, cfg.ClientOptions())
	if err != nil {
		fatalf("Failed to initialize client: %v", err)
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "search":
		err = runSearch(ctx, api, args)
	case "download":
		err = runDownload(ctx, api, args)
	case "list":
		err = runList(ctx, api, args)
	case "info":
		err = runInfo(ctx, api, args)
	case "extract":
		err = runExtract(ctx, api, args)
	case "delete":
		err = runDelete(ctx, api, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("%s failed: %v", command, err)
	}
}

func runSearch(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	country := fs.String("country", "", "Two-letter country code (e.g. HU)")
	name := fs.String("name", "", "Provider name substring")
	fs.Parse(args)

	var (
		providers []catalog.Provider
		err       error
	)
	switch {
	case *country != "":
		providers, err = api.GetProvidersByCountry(ctx, *country)
	case *name != "":
		providers, err = api.GetProvidersByName(ctx, *name)
	default:
		return fmt.Errorf("either -country or -name is required")
	}
	if err != nil {
		return err
	}

	if len(providers) == 0 {
		fmt.Println("No providers found")
		return nil
	}
	for _, p := range providers {
		fmt.Printf("%s\t%s\n", p.ID, p.Name)
	}
	return nil
}

func runDownload(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	direct := fs.Bool("direct", false, "Download from the producer URL instead of the hosted dataset")
	downloadDir := fs.String("download-dir", "", "Store the dataset in a custom directory")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: download [flags] <provider-id>")
	}

	path, err := api.DownloadLatestDataset(ctx, fs.Arg(0), client.DownloadOptions{
		DownloadDir:     *downloadDir,
		UseDirectSource: *direct,
	})
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("Provider not found")
		return nil
	}

	fmt.Println(path)
	return nil
}

func runList(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	records, err := api.ListDownloadedDatasets(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No datasets downloaded")
		return nil
	}
	for _, rec := range records {
		validity := ""
		if rec.FeedStartDate != "" || rec.FeedEndDate != "" {
			validity = fmt.Sprintf(" (%s..%s)", rec.FeedStartDate, rec.FeedEndDate)
		}
		fmt.Printf("%s\t%s\t%s%s\n", rec.ProviderID, rec.DatasetID, rec.DownloadPath, validity)
	}
	return nil
}

func runInfo(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: info <provider-id>")
	}

	info, err := api.GetProviderInfo(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if info == nil {
		fmt.Println("Provider not found")
		return nil
	}

	fmt.Printf("Provider: %s (%s)\n", info.Name, info.ID)
	if info.SourceInfo.ProducerURL != "" {
		fmt.Printf("Producer URL: %s\n", info.SourceInfo.ProducerURL)
	}
	if info.LatestDataset != nil {
		fmt.Printf("Latest dataset: %s\n", info.LatestDataset.ID)
	}
	if info.Downloaded != nil {
		fmt.Printf("Downloaded: %s at %s\n", info.Downloaded.DatasetID, info.Downloaded.DownloadPath)
	} else {
		fmt.Println("Downloaded: no")
	}
	return nil
}

func runExtract(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	providerID := fs.String("provider-id", "", "Reuse an existing provider ID")
	providerName := fs.String("provider-name", "", "Override the provider name from agency.txt")
	downloadDir := fs.String("download-dir", "", "Store the dataset in a custom directory")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: extract [flags] <gtfs-zip>")
	}

	path, err := api.ExtractGTFS(ctx, fs.Arg(0), client.ExtractOptions{
		ProviderID:   *providerID,
		ProviderName: *providerName,
		DownloadDir:  *downloadDir,
	})
	if err != nil {
		return err
	}

	fmt.Println(path)
	return nil
}

func runDelete(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	all := fs.Bool("all", false, "Delete every downloaded dataset")
	datasetID := fs.String("dataset", "", "Delete a specific dataset of the provider")
	fs.Parse(args)

	if *all {
		return api.DeleteAllDatasets(ctx)
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: delete [-dataset <id>] <provider-id> | delete -all")
	}

	providerID := fs.Arg(0)
	if *datasetID == "" {
		found, err := api.DeleteProviderDatasets(ctx, providerID)
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("No datasets found for provider")
		}
		return nil
	}

	found, err := api.DeleteDataset(ctx, providerID, *datasetID)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("Dataset not found")
	}
	return nil
}

func fatalf(format string, args ...any) {
	logger.Error(format, args...)
	os.Exit(1)
}
