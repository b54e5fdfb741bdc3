package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andres-erbsen/clock"
	"github.com/urfave/cli/v2"

	"github.com/pinwheel-storage/pinwheel/audit"
	"github.com/pinwheel-storage/pinwheel/bus"
	"github.com/pinwheel-storage/pinwheel/cmd/flags"
	"github.com/pinwheel-storage/pinwheel/engine"
	"github.com/pinwheel-storage/pinwheel/httpserver"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/metrics"
	"github.com/pinwheel-storage/pinwheel/payment"
	"github.com/pinwheel-storage/pinwheel/policy"
	"github.com/pinwheel-storage/pinwheel/storage"
)

var serverFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "config",
		Value: "",
		Usage: "engine tuning YAML file",
	},
	&cli.StringFlag{
		Name:  "policies",
		Value: "",
		Usage: "pinning policy catalog YAML file (built-in defaults when empty)",
	},
	&cli.StringFlag{
		Name:  "store-backend",
		Value: "ipfs",
		Usage: "object store backend: 'ipfs', 's3' or 'memory'",
	},
	&cli.StringSliceFlag{
		Name:  "ipfs-endpoint",
		Usage: "IPFS API endpoint as region=url, repeatable; first entry is the primary region",
	},
	&cli.StringFlag{
		Name:  "s3-bucket",
		Usage: "S3 bucket name (required if store-backend is 's3')",
	},
	&cli.StringFlag{
		Name:  "s3-region",
		Value: "us-east-1",
		Usage: "S3 API region",
	},
	&cli.StringFlag{
		Name:  "s3-endpoint",
		Usage: "custom S3 endpoint, for S3-compatible stores",
	},
	&cli.StringFlag{
		Name:  "payment-url",
		Usage: "payment processor endpoint for overage billing (no-op when empty)",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "pinwheel",
		Usage: "Serve the unified storage management API",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg := engine.Config{}
			if path := cCtx.String("config"); path != "" {
				var err error
				cfg, err = engine.LoadConfig(path)
				if err != nil {
					logger.Error("Failed to load engine config", "err", err)
					return err
				}
			}

			regions, endpoints, err := parseIPFSEndpoints(cCtx.StringSlice("ipfs-endpoint"))
			if err != nil {
				logger.Error("Invalid ipfs-endpoint flag", "err", err)
				return err
			}
			if len(cfg.Regions) == 0 {
				cfg.Regions = regions
			}

			var catalog *policy.Catalog
			if path := cCtx.String("policies"); path != "" {
				catalog, err = policy.LoadCatalog(path)
			} else {
				catalog, err = policy.NewCatalog(policy.DefaultPolicies(cfg.Regions))
			}
			if err != nil {
				logger.Error("Failed to load policy catalog", "err", err)
				return err
			}

			var store interfaces.ObjectStore
			switch backend := cCtx.String("store-backend"); backend {
			case "ipfs":
				if len(endpoints) == 0 {
					return fmt.Errorf("store-backend ipfs requires at least one ipfs-endpoint")
				}
				store, err = storage.NewIPFSStore(endpoints, regions[0], logger)
			case "s3":
				bucket := cCtx.String("s3-bucket")
				if bucket == "" {
					return fmt.Errorf("store-backend s3 requires s3-bucket")
				}
				store, err = storage.NewS3Store(storage.S3Config{
					Bucket:   bucket,
					Region:   cCtx.String("s3-region"),
					Endpoint: cCtx.String("s3-endpoint"),
				}, logger)
			case "memory":
				logger.Warn("Using in-memory object store, contents are not durable")
				store = storage.NewMemoryStore()
			default:
				return fmt.Errorf("invalid store-backend: %s", backend)
			}
			if err != nil {
				logger.Error("Failed to create object store", "err", err)
				return err
			}

			var payments interfaces.PaymentProcessor = payment.NopProcessor{}
			if url := cCtx.String("payment-url"); url != "" {
				payments = payment.NewClient(url, logger)
			}

			m := metrics.New()
			eng, err := engine.New(cfg, store, allowAllReferences{},
				bus.NewInMemory(logger), audit.NewLogSink(logger), payments,
				catalog, m, clock.New(), logger)
			if err != nil {
				logger.Error("Failed to assemble engine", "err", err)
				return err
			}
			eng.Start()

			serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(serverCfg, httpserver.NewHandler(eng, logger), m)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			eng.Stop()
			logger.Info("Shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// allowAllReferences is the standalone deployment's reference index:
// without an external dataset catalog no object is externally referenced.
type allowAllReferences struct{}

func (allowAllReferences) ReferencesOf(_ context.Context, _ interfaces.ObjectID) ([]string, error) {
	return nil, nil
}

// parseIPFSEndpoints splits region=url pairs, preserving flag order.
func parseIPFSEndpoints(raw []string) ([]interfaces.Region, map[interfaces.Region]string, error) {
	var regions []interfaces.Region
	endpoints := make(map[interfaces.Region]string, len(raw))
	for _, pair := range raw {
		region, url, ok := strings.Cut(pair, "=")
		if !ok || region == "" || url == "" {
			return nil, nil, fmt.Errorf("malformed ipfs-endpoint %q, want region=url", pair)
		}
		r := interfaces.Region(region)
		if _, dup := endpoints[r]; dup {
			return nil, nil, fmt.Errorf("duplicate ipfs-endpoint region %q", region)
		}
		regions = append(regions, r)
		endpoints[r] = url
	}
	return regions, endpoints, nil
}
