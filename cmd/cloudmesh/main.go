package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudmesh/pkg/cloud"
	"cloudmesh/pkg/config"
	"cloudmesh/pkg/transport"
	"cloudmesh/pkg/types"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cloudmesh",
		Short: "Federated pub/sub key-value mesh",
		Long: `A peer-to-peer key-value store where every server holds its clients'
uploads, relays change notifications to subscribers, and aggregates queries
across federated peers.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		postCmd(),
		getCmd(),
		releaseCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func randomGuid() types.Guid {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return types.Guid(uint64(time.Now().UnixNano()))
	}
	guid := binary.BigEndian.Uint64(buf[:])
	if guid == 0 {
		guid = 1
	}
	return types.Guid(guid)
}

func buildTransport(cfg *config.Config, guid types.Guid, logger *zap.Logger) (transport.Transport, func(types.Address) error, error) {
	listen := types.Address(cfg.ListenAddress)
	advertise := types.Address(cfg.AdvertiseAddress)
	switch cfg.Transport {
	case "", "grpc":
		t, err := transport.NewGRPCTransport(guid, listen, advertise, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Dial, nil
	case "ws":
		t, err := transport.NewWSTransport(guid, listen, advertise, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Dial, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a mesh server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			guid := types.Guid(cfg.Guid)
			if guid == types.UnassignedGuid {
				guid = randomGuid()
			}

			tr, dial, err := buildTransport(cfg, guid, logger)
			if err != nil {
				return err
			}
			defer tr.Close()

			server := cloud.NewServer(cloud.Config{
				MaxUploadBytesPerClient: cfg.MaxUploadBytesPerClient,
				MaxBytesPerDownload:     cfg.MaxBytesPerDownload,
				ForceExternalAddress:    types.Address(cfg.AdvertiseAddress),
				GetRequestTimeout:       time.Duration(cfg.GetRequestTimeoutMs) * time.Millisecond,
				GetSweepInterval:        time.Duration(cfg.GetSweepIntervalMs) * time.Millisecond,
			}, tr, logger, cloud.NewMetrics(prometheus.DefaultRegisterer))

			if cfg.MetricsAddress != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
						logger.Warn("metrics listener exited", zap.Error(err))
					}
				}()
			}

			pending := make(map[types.Guid]bool)
			for _, peer := range cfg.Peers {
				if err := dial(types.Address(peer.Address)); err != nil {
					logger.Warn("peer dial failed",
						zap.String("address", peer.Address), zap.Error(err))
					continue
				}
				pending[types.Guid(peer.Guid)] = true
			}

			logger.Info("cloudmesh server running",
				zap.Uint64("guid", uint64(guid)),
				zap.String("listen", cfg.ListenAddress),
				zap.String("transport", cfg.Transport))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			tickInterval := time.Duration(cfg.TickIntervalMs) * time.Millisecond
			if tickInterval <= 0 {
				tickInterval = 10 * time.Millisecond
			}
			ticker := time.NewTicker(tickInterval)
			defer ticker.Stop()

			for {
				select {
				case <-stop:
					logger.Info("shutting down")
					return nil
				case <-ticker.C:
					server.Tick()
					if len(pending) > 0 {
						registered := make(map[types.Guid]bool)
						for _, g := range server.RemoteServers() {
							registered[g] = true
						}
						for g := range pending {
							server.AddServer(g)
							if registered[g] {
								delete(pending, g)
							}
						}
					}
				}
			}
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cloudmesh 0.3.0")
		},
	}
}
