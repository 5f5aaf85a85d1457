package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"whizy-agent/internal/agent"
	"whizy-agent/internal/api"
	"whizy-agent/internal/config"
	"whizy-agent/internal/indexer"
	"whizy-agent/internal/knowledge"
	"whizy-agent/internal/llm/openai"
	"whizy-agent/internal/observability/alerting"
	"whizy-agent/internal/operator"
	"whizy-agent/internal/profile"
	"whizy-agent/internal/rebalance"
	"whizy-agent/internal/wallet"
	"whizy-agent/internal/web3/provider"
	"whizy-agent/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "whizyd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// A .env file is honored in development; production sets real env vars.
	_ = godotenv.Load()

	configPath := os.Getenv("WHIZY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "whizy.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logger.Audit.Enabled,
			Path:       cfg.Logger.Audit.Path,
			MaxSizeMB:  cfg.Logger.Audit.MaxSizeMB,
			MaxBackups: cfg.Logger.Audit.MaxBackups,
			MaxAgeDays: cfg.Logger.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("whizyd")

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	profiles, err := createProfileStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = profiles.Close() }()

	classifier, err := agent.NewClassifier(llmClient, profiles)
	if err != nil {
		return err
	}

	knowledgeAgent, err := createKnowledgeAgent(ctx, cfg, llmClient)
	if err != nil {
		return err
	}
	if knowledgeAgent != nil {
		defer func() { _ = knowledgeAgent.Close() }()
		if err := knowledgeAgent.Initialize(ctx); err != nil {
			log.Warn("initial catalog fetch failed, will retry on refresh", "error", err)
		}
		go knowledgeAgent.RefreshLoop(ctx, cfg.Knowledge.RefreshInterval())
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	wallets, err := wallet.NewReader(chainClient, wallet.Config{
		RebalancerDelegation: cfg.Rebalance.Contracts.RebalancerDelegation,
		ProtocolSelector:     cfg.Rebalance.Contracts.ProtocolSelector,
		Token:                cfg.Rebalance.Contracts.Token,
		TokenDecimals:        cfg.Rebalance.TokenDecimals,
	})
	if err != nil {
		return err
	}

	jobStore, err := createJobStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = jobStore.Close() }()

	jobQueue, err := createJobQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			log.Warn("closing job queue failed", "error", err)
		}
	}()

	rebalanceService := rebalance.NewService(jobStore, jobQueue, cfg.Rebalance.MaxRetries)

	var idx *indexer.DB
	if cfg.Indexer.Enabled {
		idx, err = indexer.Open(ctx, cfg.Indexer.DatabaseURL, cfg.Rebalance.TokenDecimals)
		if err != nil {
			return err
		}
		defer idx.Close()
	}

	// The signing pipeline only runs when an operator key is present. The
	// read-only API stays available either way.
	if key := strings.TrimSpace(cfg.Secrets.OperatorPrivateKey); key != "" {
		op, err := operator.New(chainClient, operator.Config{
			PrivateKeyHex:        key,
			RebalancerDelegation: cfg.Rebalance.Contracts.RebalancerDelegation,
			GasLimit:             cfg.Rebalance.GasLimit,
		})
		if err != nil {
			return err
		}
		log.Info("operator enabled", "address", op.Address().Hex())

		processorOpts := []rebalance.ProcessorOption{
			rebalance.WithWorkerCount(cfg.Rebalance.Workers),
			rebalance.WithRiskResolver(func(ctx context.Context, userAddress string) (string, error) {
				prof, err := profiles.Get(ctx, userAddress)
				if err == nil {
					return prof.RiskLevel, nil
				}
				if !errors.Is(err, profile.ErrNotFound) {
					return "", err
				}
				if idx == nil {
					return "", err
				}
				enum, idxErr := idx.UserRiskProfile(ctx, userAddress)
				if idxErr != nil {
					return "", idxErr
				}
				if level := indexer.RiskLabel(enum); level != "" {
					return level, nil
				}
				return "", err
			}),
		}
		if dispatcher := createAlertDispatcher(cfg); dispatcher != nil {
			processorOpts = append(processorOpts, rebalance.WithAlertDispatcher(dispatcher))
		}
		processor := rebalance.NewProcessor(op, jobStore, jobQueue, jobQueue, processorOpts...)
		go func() {
			if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("job processor exited", "error", err)
			}
		}()

		if idx != nil {
			scheduler := rebalance.NewScheduler(idx, rebalanceService, cfg.Rebalance.Interval())
			go func() {
				if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("scheduler exited", "error", err)
				}
			}()
		} else {
			log.Info("indexer disabled, scheduled rebalancing is off")
		}
	} else {
		log.Warn("OPERATOR_PRIVATE_KEY not set, rebalance execution is disabled")
	}

	serverCfg := api.Config{
		Address:    cfg.Server.Address,
		Classifier: classifier,
		Knowledge:  knowledgeAgent,
		Profiles:   profiles,
		Wallets:    wallets,
		Rebalances: rebalanceService,
		Workers:    cfg.Rebalance.Workers,
	}
	if idx != nil {
		serverCfg.Indexer = idx
	}
	server := api.NewServer(serverCfg)
	return server.Start(ctx)
}

// createAlertDispatcher builds the notifier fanout, or nil when alerting is
// disabled or no channel is usable.
func createAlertDispatcher(cfg *config.Config) *alerting.FanoutDispatcher {
	if !cfg.Alerting.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	if cfg.Alerting.Slack.WebhookURL != "" && cfg.Alerting.Slack.Channel != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.WebhookSlackSender{WebhookURL: cfg.Alerting.Slack.WebhookURL},
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	if cfg.Alerting.Email.SMTPHost != "" && cfg.Alerting.Email.From != "" && len(cfg.Alerting.Email.To) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPEmailSender{
				Host:     cfg.Alerting.Email.SMTPHost,
				Port:     cfg.Alerting.Email.SMTPPort,
				From:     cfg.Alerting.Email.From,
				Username: cfg.Alerting.Email.Username,
				Password: cfg.Secrets.SMTPPassword,
			},
			To:            cfg.Alerting.Email.To,
			SubjectPrefix: cfg.Alerting.SubjectPrefix,
		})
	}
	if len(notifiers) == 0 {
		logger.L().Warn("alerting enabled but no channel is configured")
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func createLLMClient(cfg *config.Config) (*openai.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.Secrets.OpenAIAPIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider requires OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:         apiKey,
			BaseURL:        cfg.LLM.OpenAI.BaseURL,
			Model:          cfg.LLM.OpenAI.Model,
			EmbeddingModel: cfg.LLM.OpenAI.EmbeddingModel,
			Temperature:    cfg.LLM.OpenAI.Temperature,
			Timeout:        cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}
}

func createProfileStore(cfg *config.Config) (profile.Store, error) {
	switch cfg.Profile.Driver {
	case "", "memory":
		return profile.NewMemoryStore(), nil
	case "mysql":
		return profile.NewMySQLStore(cfg.Profile.DSN)
	default:
		return nil, fmt.Errorf("unknown profile store driver: %s", cfg.Profile.Driver)
	}
}

func createKnowledgeAgent(ctx context.Context, cfg *config.Config, llmClient *openai.Client) (*agent.KnowledgeAgent, error) {
	if strings.TrimSpace(cfg.Knowledge.SourceURL) == "" {
		logger.L().Warn("knowledge source url not configured, knowledge endpoints are disabled")
		return nil, nil
	}

	fetcher, err := knowledge.NewFetcher(cfg.Knowledge.SourceURL, 15*time.Second)
	if err != nil {
		return nil, err
	}

	var retriever knowledge.Retriever
	switch cfg.Knowledge.Retriever {
	case "", "memory":
		retriever = knowledge.NewMemoryRetriever()
	case "pgvector":
		pg, err := knowledge.NewPgvectorRetriever(ctx, cfg.Indexer.DatabaseURL, llmClient)
		if err != nil {
			return nil, err
		}
		retriever = pg
	default:
		return nil, fmt.Errorf("unknown retriever driver: %s", cfg.Knowledge.Retriever)
	}

	prompts := knowledge.DefaultPromptCatalog()
	if cfg.Knowledge.PromptCatalog != "" {
		prompts, err = knowledge.LoadPromptCatalog(cfg.Knowledge.PromptCatalog)
		if err != nil {
			return nil, err
		}
	}

	var threads agent.ThreadStore
	if cfg.Rebalance.Queue.Driver == "redis" && cfg.Rebalance.Queue.Redis.Address != "" {
		store, err := agent.NewRedisThreadStore(ctx,
			cfg.Rebalance.Queue.Redis.Address,
			cfg.Secrets.RedisPassword,
			cfg.Rebalance.Queue.Redis.DB,
		)
		if err != nil {
			return nil, err
		}
		threads = store
	}

	return agent.NewKnowledgeAgent(agent.KnowledgeAgentConfig{
		LLM:        llmClient,
		Fetcher:    fetcher,
		Retriever:  retriever,
		Prompts:    prompts,
		Threads:    threads,
		MaxResults: cfg.Knowledge.MaxResults,
	})
}

func createJobStore(cfg *config.Config) (rebalance.Store, error) {
	switch cfg.Rebalance.Store.Driver {
	case "", "memory":
		return rebalance.NewMemoryStore(), nil
	case "mysql":
		return rebalance.NewMySQLStore(cfg.Rebalance.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown job store driver: %s", cfg.Rebalance.Store.Driver)
	}
}

func createJobQueue(cfg *config.Config) (rebalance.Queue, error) {
	switch cfg.Rebalance.Queue.Driver {
	case "", "memory":
		return rebalance.NewMemoryQueue(1024), nil
	case "redis":
		return rebalance.NewRedisQueue(rebalance.RedisQueueConfig{
			Address:   cfg.Rebalance.Queue.Redis.Address,
			Password:  cfg.Secrets.RedisPassword,
			DB:        cfg.Rebalance.Queue.Redis.DB,
			Queue:     cfg.Rebalance.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Rebalance.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return rebalance.NewRabbitMQQueue(rebalance.RabbitMQConfig{
			URL:        cfg.Rebalance.Queue.RabbitMQ.URL,
			Queue:      cfg.Rebalance.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Rebalance.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Rebalance.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Rebalance.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Rebalance.Queue.Driver)
	}
}
