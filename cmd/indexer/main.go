package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/consumer"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/metrics"
	"github.com/fundlift/indexer/internal/producer"
	"github.com/fundlift/indexer/internal/rpc"
	"github.com/fundlift/indexer/internal/store"
)

const version = "1.0.0"

var (
	configPath string

	backfillFrom uint64
	backfillTo   uint64
	workerCount  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Campaign indexer - projects crowdfunding contract events into the relational store",
	Long: `The campaign indexer continuously projects on-chain state (campaigns,
donations, withdrawals, refunds) into the relational store via a durable
message broker. It runs as two roles: a producer polling the chain and
publishing typed messages, and a pool of consumers applying them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var producerCmd = &cobra.Command{
	Use:   "producer",
	Short: "Producer commands",
}

var producerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the producer polling loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProducer(func(ctx context.Context, p *producer.Producer) error {
			return p.Run(ctx)
		})
	},
}

var producerBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Process a bounded historical block range, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillTo < backfillFrom {
			return fmt.Errorf("--to must not precede --from")
		}
		return withProducer(func(ctx context.Context, p *producer.Producer) error {
			return p.Backfill(ctx, backfillFrom, backfillTo)
		})
	},
}

var producerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the sync cursor and chain lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Close()

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		chain, err := rpc.NewClient(ctx, cfg.Chain.RPCURL, cfg.Poll.Retry, cfg.Chain.RequestTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to RPC endpoint: %w", err)
		}
		defer chain.Close()

		cursor, err := st.ReadCursor(ctx, cfg.Chain.ChainID)
		if err != nil {
			return err
		}
		finalized, err := chain.LatestFinalizedBlock(ctx, cfg.Chain.Confirmations)
		if err != nil {
			return err
		}

		lag := uint64(0)
		if finalized > cursor.LastBlock {
			lag = finalized - cursor.LastBlock
		}

		fmt.Printf("Chain ID:          %d\n", cfg.Chain.ChainID)
		fmt.Printf("Factory Address:   %s\n", strings.ToLower(cfg.Chain.FactoryAddress))
		fmt.Printf("Last Block:        %d\n", cursor.LastBlock)
		fmt.Printf("Last Block Hash:   %s\n", cursor.LastBlockHash.Hex())
		fmt.Printf("Finalized Head:    %d\n", finalized)
		fmt.Printf("Blocks Behind:     %d\n", lag)
		return nil
	},
}

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Consumer commands",
}

var consumerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the consumer worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Close()

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		metricsServer, err := startMetrics(ctx, cfg, log)
		if err != nil {
			return err
		}
		if metricsServer != nil {
			defer metricsServer.Stop(context.Background())
		}

		broker := messaging.NewBroker(cfg.Broker.URL, log)
		if err := broker.Connect(ctx); err != nil {
			return err
		}
		defer broker.Close()

		pool := consumer.NewPool(cfg, broker, st, log)
		return pool.Run(ctx, workerCount)
	},
}

var consumerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(func(ctx context.Context, cfg *config.Config, broker *messaging.Broker) error {
			return printQueueStatus(ctx, broker)
		})
	},
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Broker management commands",
}

var brokerSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Declare the exchange, queues and bindings idempotently",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(func(ctx context.Context, cfg *config.Config, broker *messaging.Broker) error {
			if err := broker.Setup(ctx, cfg.Broker.ExchangeName); err != nil {
				return err
			}
			fmt.Println("Broker setup complete")
			fmt.Printf("  Exchange: %s\n", cfg.Broker.ExchangeName)
			fmt.Printf("  Queues:   %s\n", strings.Join(messaging.AllQueues, ", "))
			fmt.Printf("  DLQ:      %s\n", messaging.DLQName)
			return nil
		})
	},
}

var brokerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-queue message counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(func(ctx context.Context, cfg *config.Config, broker *messaging.Broker) error {
			return printQueueStatus(ctx, broker)
		})
	},
}

var brokerPurgeCmd = &cobra.Command{
	Use:   "purge <queue>",
	Short: "Empty a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(func(ctx context.Context, cfg *config.Config, broker *messaging.Broker) error {
			count, err := broker.Purge(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d messages from %s\n", count, args[0])
			return nil
		})
	},
}

var brokerSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the message wire format",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := messaging.WireSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(schema))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")

	producerBackfillCmd.Flags().Uint64Var(&backfillFrom, "from", 0, "starting block number")
	producerBackfillCmd.Flags().Uint64Var(&backfillTo, "to", 0, "ending block number (inclusive)")
	producerBackfillCmd.MarkFlagRequired("from")
	producerBackfillCmd.MarkFlagRequired("to")

	consumerRunCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "number of workers (default from config)")

	producerCmd.AddCommand(producerRunCmd, producerBackfillCmd, producerStatusCmd)
	consumerCmd.AddCommand(consumerRunCmd, consumerStatusCmd)
	brokerCmd.AddCommand(brokerSetupCmd, brokerStatusCmd, brokerPurgeCmd, brokerSchemaCmd)
	rootCmd.AddCommand(producerCmd, consumerCmd, brokerCmd)
}

// loadConfig loads the configuration and builds the root logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	logger.SetDefaultLogger(log)

	return cfg, log, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore connects to the relational store and asserts the schema and the
// chain row are present, failing fast with actionable messages otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DB.URL, cfg.DB.MaxOpenConnections, cfg.DB.MaxIdleConnections, log)
	if err != nil {
		return nil, err
	}

	if err := st.CheckSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	exists, err := st.ChainExists(ctx, cfg.Chain.ChainID)
	if err != nil {
		st.Close()
		return nil, err
	}
	if !exists {
		st.Close()
		return nil, fmt.Errorf(
			"chain %d is not registered in the store; chains are created by the backend, not the indexer",
			cfg.Chain.ChainID)
	}

	return st, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, log *logger.Logger) (*metrics.Server, error) {
	if cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return nil, nil
	}
	server := metrics.NewServer(cfg.Metrics)
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	log.Infow("metrics server started", "address", cfg.Metrics.ListenAddress, "path", cfg.Metrics.Path)
	return server, nil
}

// withProducer wires the full producer stack around fn.
func withProducer(fn func(ctx context.Context, p *producer.Producer) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	chain, err := rpc.NewClient(ctx, cfg.Chain.RPCURL, cfg.Poll.Retry, cfg.Chain.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	defer chain.Close()
	log.Infow("connected to chain RPC", "url", cfg.Chain.RPCURL)

	cdc, err := codec.New()
	if err != nil {
		return err
	}

	metricsServer, err := startMetrics(ctx, cfg, log)
	if err != nil {
		return err
	}
	if metricsServer != nil {
		defer metricsServer.Stop(context.Background())
	}

	broker := messaging.NewBroker(cfg.Broker.URL, log)
	if err := broker.Connect(ctx); err != nil {
		return err
	}
	defer broker.Close()

	publisher := messaging.NewPublisher(broker, cfg.Broker.ExchangeName, log)
	defer publisher.Close()

	reorg := producer.NewReorgDetector(cfg, st, chain, publisher, broker, log)
	p := producer.New(cfg, st, chain, cdc, publisher, reorg, log)

	return fn(ctx, p)
}

// withBroker wires just the broker connection around fn.
func withBroker(fn func(ctx context.Context, cfg *config.Config, broker *messaging.Broker) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := signalContext()
	defer cancel()

	broker := messaging.NewBroker(cfg.Broker.URL, log)
	if err := broker.Connect(ctx); err != nil {
		return err
	}
	defer broker.Close()

	return fn(ctx, cfg, broker)
}

func printQueueStatus(ctx context.Context, broker *messaging.Broker) error {
	status, err := broker.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Queue Status:")
	fmt.Println(strings.Repeat("-", 50))
	for _, queue := range append(append([]string{}, messaging.AllQueues...), messaging.DLQName) {
		qs := status[queue]
		if qs.Err != nil {
			fmt.Printf("  %-24s ERROR: %v\n", queue, qs.Err)
			continue
		}
		fmt.Printf("  %-24s messages=%-6d consumers=%d\n", queue, qs.Messages, qs.Consumers)
	}
	return nil
}
