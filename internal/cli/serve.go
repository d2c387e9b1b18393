package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"chat-agent/internal/chat"
	"chat-agent/internal/integrations/bedrock"
	"chat-agent/internal/integrations/openai"
	"chat-agent/internal/integrations/paramstore"
	"chat-agent/internal/orchestrator"
	"chat-agent/internal/repository"
	"chat-agent/internal/server"
	"chat-agent/internal/storage"
	"chat-agent/internal/tool"
	"chat-agent/internal/tracing"
	"chat-agent/internal/whatsapp"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chatd server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	kv, err := storage.New(ddb, cfg.Storage.Table)
	if err != nil {
		return err
	}
	store, err := repository.New(kv, log)
	if err != nil {
		return err
	}

	ps, err := paramstore.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	params, err := paramstore.NewCached(ps)
	if err != nil {
		return err
	}

	registry := tool.NewRegistry()
	if cfg.Tools.EnableBuiltins {
		for _, t := range tool.Builtins() {
			if err := registry.Register(t); err != nil {
				return err
			}
		}
	}
	for _, name := range cfg.Tools.Disabled {
		if !registry.Disable(name) {
			log.Warn().Str("tool", name).Msg("cannot disable unknown tool")
		}
	}

	backend, err := buildBackend(awsCfg, params)
	if err != nil {
		return err
	}

	tracer := tracing.NewLogTracer(log)
	orch, err := orchestrator.New(backend, registry, tracer, orchestrator.Config{
		Timeout:       time.Duration(cfg.Backend.TurnTimeoutSeconds) * time.Second,
		MaxToolRounds: cfg.Backend.MaxToolRounds,
	}, log)
	if err != nil {
		return err
	}

	svc, err := chat.NewService(store, orch, chat.Options{
		HistoryLimit: int32(cfg.Storage.HistoryLimit),
		MessageTTL:   time.Duration(cfg.Storage.MessageTTLDays) * 24 * time.Hour,
		Tracer:       tracer,
	}, log)
	if err != nil {
		return err
	}

	var channel server.WebhookProcessor
	var verifier server.TokenVerifier
	if cfg.WhatsApp.PhoneNumberID != "" {
		waClient := buildWhatsAppClient(ctx, params)
		waSvc, err := whatsapp.NewService(svc, waClient, cfg.WhatsApp.CacheSize, log)
		if err != nil {
			return err
		}
		channel, verifier = waSvc, waClient
	}

	srv, err := server.New(server.Config{Addr: cfg.Server.Addr}, svc, channel, verifier, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildBackend(awsCfg aws.Config, params *paramstore.Cached) (orchestrator.Backend, error) {
	switch cfg.Backend.Provider {
	case "bedrock":
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Config{
			ModelID:     cfg.Backend.ModelID,
			Temperature: float32(cfg.Backend.Temperature),
		}, log)
	case "openai":
		opts := []openai.Option{openai.WithTemperature(cfg.Backend.Temperature)}
		if cfg.Backend.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Backend.OpenAIBaseURL))
		}
		return openai.NewClient(params, cfg.AWS.ParamPrefix, cfg.Backend.ModelID, opts...)
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}

// buildWhatsAppClient pulls the channel credentials from the parameter store.
// Missing credentials yield a disabled client so the HTTP API still serves.
func buildWhatsAppClient(ctx context.Context, params *paramstore.Cached) *whatsapp.Client {
	clientCfg := whatsapp.ClientConfig{PhoneNumberID: cfg.WhatsApp.PhoneNumberID}

	prefix := cfg.AWS.ParamPrefix
	token, err := params.GetParameter(ctx, prefix+"/whatsapp-access-token")
	if err != nil {
		log.Warn().Err(err).Msg("whatsapp access token unavailable")
	} else {
		clientCfg.AccessToken = token
	}
	verify, err := params.GetParameter(ctx, prefix+"/whatsapp-verify-token")
	if err != nil {
		log.Warn().Err(err).Msg("whatsapp verify token unavailable")
	} else {
		clientCfg.VerifyToken = verify
	}

	return whatsapp.NewClient(clientCfg, nil, log)
}
