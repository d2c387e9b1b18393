// whatsapp-lambda serves the Meta webhook from Lambda behind API Gateway.
// Configuration comes from the same YAML/env scheme as chatd serve, with
// secrets pulled from the parameter store at cold start.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-agent/handler"
	"chat-agent/internal/chat"
	"chat-agent/internal/config"
	"chat-agent/internal/integrations/bedrock"
	"chat-agent/internal/integrations/openai"
	"chat-agent/internal/integrations/paramstore"
	"chat-agent/internal/logging"
	"chat-agent/internal/orchestrator"
	"chat-agent/internal/repository"
	"chat-agent/internal/storage"
	"chat-agent/internal/tool"
	"chat-agent/internal/tracing"
	"chat-agent/internal/whatsapp"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CHATD_CONFIG"), os.Getenv("CHATD_CONFIG") != "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.Logging.Level)

	h, err := build(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func build(ctx context.Context, cfg config.Config, log *logging.Logger) (*handler.Handler, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	kv, err := storage.New(dynamodb.NewFromConfig(awsCfg), cfg.Storage.Table)
	if err != nil {
		return nil, err
	}
	store, err := repository.New(kv, log)
	if err != nil {
		return nil, err
	}

	ps, err := paramstore.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	params, err := paramstore.NewCached(ps)
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	if cfg.Tools.EnableBuiltins {
		for _, t := range tool.Builtins() {
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}
	}

	var backend orchestrator.Backend
	switch cfg.Backend.Provider {
	case "bedrock":
		backend, err = bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Config{
			ModelID:     cfg.Backend.ModelID,
			Temperature: float32(cfg.Backend.Temperature),
		}, log)
	case "openai":
		backend, err = openai.NewClient(params, cfg.AWS.ParamPrefix, cfg.Backend.ModelID,
			openai.WithTemperature(cfg.Backend.Temperature))
	default:
		err = fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
	if err != nil {
		return nil, err
	}

	tracer := tracing.NewLogTracer(log)
	orch, err := orchestrator.New(backend, registry, tracer, orchestrator.Config{
		Timeout:       time.Duration(cfg.Backend.TurnTimeoutSeconds) * time.Second,
		MaxToolRounds: cfg.Backend.MaxToolRounds,
	}, log)
	if err != nil {
		return nil, err
	}

	svc, err := chat.NewService(store, orch, chat.Options{
		HistoryLimit: int32(cfg.Storage.HistoryLimit),
		MessageTTL:   time.Duration(cfg.Storage.MessageTTLDays) * 24 * time.Hour,
		Tracer:       tracer,
	}, log)
	if err != nil {
		return nil, err
	}

	clientCfg := whatsapp.ClientConfig{PhoneNumberID: cfg.WhatsApp.PhoneNumberID}
	if token, err := params.GetParameter(ctx, cfg.AWS.ParamPrefix+"/whatsapp-access-token"); err == nil {
		clientCfg.AccessToken = token
	} else {
		log.Warn().Err(err).Msg("whatsapp access token unavailable")
	}
	if verify, err := params.GetParameter(ctx, cfg.AWS.ParamPrefix+"/whatsapp-verify-token"); err == nil {
		clientCfg.VerifyToken = verify
	} else {
		log.Warn().Err(err).Msg("whatsapp verify token unavailable")
	}
	waClient := whatsapp.NewClient(clientCfg, nil, log)

	waSvc, err := whatsapp.NewService(svc, waClient, cfg.WhatsApp.CacheSize, log)
	if err != nil {
		return nil, err
	}

	return handler.NewHandler(waSvc, waClient, log)
}
