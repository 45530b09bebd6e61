package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"meridian/cmd/internal/passphrase"
	"meridian/config"
	"meridian/core"
	"meridian/core/genesis"
	"meridian/crypto"
	"meridian/integrations/webhooks"
	"meridian/native/rewards/export"
	"meridian/observability/logging"
	"meridian/ops/opsapi"
	"meridian/rpc"
	"meridian/storage"
)

const (
	operatorPassEnv = "MRD_OPERATOR_PASS"
	genesisPathEnv  = "MRD_GENESIS"
	opsJWTSecretEnv = "MRD_OPS_JWT_SECRET"
)

// errOperatorLocked signals that the operator keystore exists but no
// passphrase could be resolved. The node still serves queries in that state;
// it only loses the convenience identity logged at startup.
var errOperatorLocked = errors.New("operator keystore locked")

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis spec YAML file (overrides MRD_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("MRD_ENV"))
	logger := logging.Setup(logging.Options{
		Service:    "meridiand",
		Env:        env,
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	genesisPath := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	var spec *genesis.Spec
	if genesisPath != "" {
		spec, err = genesis.Load(genesisPath)
		if err != nil {
			panic(fmt.Sprintf("Failed to load genesis spec: %v", err))
		}
	}

	node, err := core.NewNode(db, spec, logger)
	if err != nil {
		if errors.Is(err, core.ErrGenesisRequired) {
			logger.Error("No stored state and no genesis spec; supply one via --genesis, " + genesisPathEnv + " or config GenesisFile")
			os.Exit(1)
		}
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}

	passSource := passphrase.NewSource(operatorPassEnv)
	operatorKey, err := loadOperatorKey(cfg.OperatorKeystorePath, passSource)
	switch {
	case errors.Is(err, errOperatorLocked):
		logger.Warn("Operator keystore locked; continuing without operator identity",
			slog.String("keystore", cfg.OperatorKeystorePath),
			slog.String("hint", "set "+operatorPassEnv+" or run interactively"))
	case err != nil:
		panic(fmt.Sprintf("Failed to load operator key: %v", err))
	}
	operatorAddr := ""
	if operatorKey != nil {
		operatorAddr = operatorKey.PubKey().Address().String()
	}

	var journal *webhooks.Journal
	var dispatcher *webhooks.Dispatcher
	if len(cfg.Webhooks.Endpoints) > 0 {
		journal, err = webhooks.OpenJournal(cfg.Webhooks.JournalPath)
		if err != nil {
			panic(fmt.Sprintf("Failed to open webhook journal: %v", err))
		}
		defer journal.Close()

		endpoints := make([]webhooks.Endpoint, 0, len(cfg.Webhooks.Endpoints))
		for _, endpoint := range cfg.Webhooks.Endpoints {
			secret, err := endpoint.ResolveSecret()
			if err != nil {
				panic(fmt.Sprintf("Failed to resolve webhook secret: %v", err))
			}
			endpoints = append(endpoints, webhooks.Endpoint{
				Name:   endpoint.Name,
				URL:    endpoint.URL,
				Secret: []byte(secret),
			})
		}
		dispatcher, err = webhooks.NewDispatcher(endpoints,
			webhooks.WithJournal(journal),
			webhooks.WithLogger(logger),
			webhooks.WithRetryPolicy(cfg.Webhooks.MaxAttempts, 0, 0))
		if err != nil {
			panic(fmt.Sprintf("Failed to start webhook dispatcher: %v", err))
		}
		defer dispatcher.Close()
	}

	exporter, err := export.NewExporter(export.Config{
		Ledger:    node.AuditLedger(),
		OutputDir: cfg.Export.OutputDir,
		Formats:   cfg.Export.Formats,
		Logger:    logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise settlement exporter: %v", err))
	}

	node.OnEpochFinalized(func(epoch uint64) {
		manifest, err := exporter.Run(epoch)
		if err != nil {
			logger.Error("Settlement export failed", slog.Uint64("epoch", epoch), slog.Any("error", err))
		} else if dispatcher != nil {
			files := make([]string, 0, len(manifest.Files))
			for _, file := range manifest.Files {
				files = append(files, file.Name)
			}
			payload := webhooks.ExportReadyPayload{
				Epoch:       epoch,
				ManifestID:  manifest.ID,
				Entries:     manifest.Entries,
				Files:       files,
				GeneratedAt: manifest.GeneratedAt,
			}
			if err := dispatcher.EnqueueExportReady(payload); err != nil {
				logger.Warn("Export webhook enqueue failed", slog.Uint64("epoch", epoch), slog.Any("error", err))
			}
		}

		if dispatcher == nil {
			return
		}
		record, err := node.RewardsEpoch(epoch)
		if err != nil {
			logger.Warn("Epoch lookup for webhook failed", slog.Uint64("epoch", epoch), slog.Any("error", err))
			return
		}
		payload := webhooks.EpochFinalizedPayload{
			Epoch:     epoch,
			NextEpoch: epoch + 1,
			Rewards:   record.RewardsAllocated.String(),
			Subsidies: record.SubsidiesAllocated.String(),
		}
		if err := dispatcher.EnqueueEpochFinalized(payload); err != nil {
			logger.Warn("Finalize webhook enqueue failed", slog.Uint64("epoch", epoch), slog.Any("error", err))
		}
	})

	opsServer, err := opsapi.New(opsapi.Config{
		Node:       node,
		Journal:    journal,
		ReportsDir: cfg.Export.OutputDir,
		Auth:       opsapi.AuthConfig{Secret: os.Getenv(opsJWTSecretEnv)},
		Limits: map[string]opsapi.RateLimit{
			"reports": {RequestsPerMinute: 120, Burst: 30},
			"audit":   {RequestsPerMinute: 240, Burst: 60},
		},
		Logger: logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise operator API: %v", err))
	}
	opsHTTP := &http.Server{
		Addr:              cfg.OpsAddress,
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := opsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Operator API terminated", slog.Any("error", err))
		}
	}()

	rpcServer := rpc.NewServer(node)
	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}()

	logger.Info("Meridian settlement node initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("ops", cfg.OpsAddress),
		slog.String("operator", operatorAddr))
	select {}
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath picks the genesis spec location: CLI flag first, then the
// MRD_GENESIS environment variable, then the config file. An empty result is
// fine for a node resuming from an existing database.
func resolveGenesisPath(cliPath string, cfgPath string, lookup envLookupFunc) string {
	trimmedCLI := strings.TrimSpace(cliPath)
	if trimmedCLI != "" {
		return trimmedCLI
	}

	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			trimmedEnv := strings.TrimSpace(value)
			if trimmedEnv != "" {
				return trimmedEnv
			}
		}
	}

	return strings.TrimSpace(cfgPath)
}

// loadOperatorKey decrypts the operator keystore. Auto-generated dev
// keystores carry an empty passphrase, so that is tried first; a protected
// keystore falls back to the passphrase source and reports errOperatorLocked
// when no passphrase can be resolved at all.
func loadOperatorKey(path string, source *passphrase.Source) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("operator keystore path not configured")
	}

	key, err := crypto.LoadFromKeystore(path, "")
	if err == nil {
		return key, nil
	}

	if source == nil || !source.Available() {
		return nil, errOperatorLocked
	}

	pass, err := source.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain operator keystore passphrase: %w", err)
	}
	key, err = crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", path, err)
	}
	return key, nil
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
