package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vaultnet/pkg/config"
	"vaultnet/pkg/devnet"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/utils"
)

func devnetCmd() *cobra.Command {
	var (
		vaults      int
		k           int
		copies      int
		transport   string
		dataDir     string
		capacity    string
		metricsAddr string
		useTLS      bool
		caDir       string
	)

	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run a local vault network with an interactive client",
		Long: `Start a number of vaults in this process, connect a client to them and
read harness commands from stdin. Type 'help' at the prompt for the list of
commands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			if !verbose {
				// Keep the prompt readable.
				logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
			}

			if dataDir == "" {
				dir, err := os.MkdirTemp("", "vaultnet-devnet-")
				if err != nil {
					return fmt.Errorf("failed to create data directory: %w", err)
				}
				defer os.RemoveAll(dir)
				dataDir = dir
			}

			opts := devnet.DefaultOptions(dataDir)
			if configFile != "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				opts.Network = cfg.Network
				opts.Vault = cfg.Vault
				opts.Auth = cfg.Auth
			}
			if cmd.Flags().Changed("tls") {
				opts.Auth.Enabled = useTLS
			}
			if caDir != "" {
				opts.Auth.CAPath = caDir
			}
			if opts.Auth.Enabled && !cmd.Flags().Changed("transport") {
				transport = devnet.TransportGRPC
			}
			opts.Vaults = vaults
			opts.Transport = transport
			opts.Logger = logger
			opts.Metrics = metrics.New(nil)
			if cmd.Flags().Changed("k") {
				opts.Network.K = k
			}
			if cmd.Flags().Changed("copies") {
				opts.Network.MinChunkCopies = copies
			}
			if cmd.Flags().Changed("capacity") || configFile == "" {
				size, err := utils.ParseDataSize(capacity)
				if err != nil {
					return fmt.Errorf("invalid capacity: %w", err)
				}
				opts.Vault.StorageCapacity = size
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, opts.Metrics, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			startCtx, cancel := context.WithTimeout(ctx, time.Minute)
			net, err := devnet.Start(startCtx, opts)
			cancel()
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := net.Stop(stopCtx); err != nil {
					logger.Warn("Devnet did not stop cleanly", zap.Error(err))
				}
			}()

			sm, err := net.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			h := newHarness(net, sm, os.Stdout)
			over := opts.Transport
			if opts.Auth.Enabled {
				over += " with TLS"
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("vaultnet devnet: %d vaults over %s", len(net.Vaults()), over)))
			fmt.Println(mutedStyle.Render("Type 'help' to see a list of commands."))
			return h.Run(ctx, os.Stdin)
		},
	}

	cmd.Flags().IntVarP(&vaults, "vaults", "n", 8, "number of vaults to start")
	cmd.Flags().IntVar(&k, "k", 4, "replication group size")
	cmd.Flags().IntVar(&copies, "copies", 2, "minimum stored copies of every chunk")
	cmd.Flags().StringVarP(&transport, "transport", "t", devnet.TransportMemory, "vault transport: memory or grpc")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "directory for vault and client storage (default: temporary)")
	cmd.Flags().StringVar(&capacity, "capacity", "64MiB", "storage offered by each vault")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "secure the grpc transport with certificates from a devnet CA")
	cmd.Flags().StringVar(&caDir, "ca-dir", "", "keep the devnet CA in this directory (default: in memory)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve client metrics on this address, e.g. :9090")

	return cmd
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	m.RegisterHandlers(mux, logger)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
