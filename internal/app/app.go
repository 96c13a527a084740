// Package app assembles the relay from configuration. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"chat-relay/internal/config"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/integrations/telegram"
	"chat-relay/internal/observability"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

// Store is what the relay needs from persistence.
type Store interface {
	usecase.AccountStore
	usecase.HistoryStore
	usecase.UpdateClaimer
}

// App is a fully wired relay.
type App struct {
	Relay    *usecase.RelayService
	Registry *prometheus.Registry

	closers []func()
}

// Close releases store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Build wires clients, store and metrics for cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Registry: prometheus.NewRegistry()}

	var params paramstore.Getter
	var dynamo *awsdynamodb.Client
	if cfg.NeedsAWS() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		params = ssmClient
		dynamo = awsdynamodb.NewFromConfig(awsCfg)
	}

	openRouterToken, err := tokenSource(cfg.OpenRouterAPIKey, params, cfg.OpenRouterTokenParam())
	if err != nil {
		return nil, fmt.Errorf("app: open router token: %w", err)
	}
	telegramToken, err := tokenSource(cfg.TelegramBotToken, params, cfg.TelegramTokenParam())
	if err != nil {
		return nil, fmt.Errorf("app: telegram token: %w", err)
	}

	llm, err := openai.NewClient(openRouterToken,
		openai.WithBaseURL(cfg.OpenRouterBaseURL),
		openai.WithModel(cfg.OpenRouterModel),
	)
	if err != nil {
		return nil, err
	}
	gw, err := telegram.NewClient(telegramToken, telegram.WithAPIBase(cfg.TelegramAPIBase))
	if err != nil {
		return nil, err
	}

	var store Store
	if cfg.UsesPostgres() {
		pg, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		store = pg
		slog.Info("app: using postgres store")
	} else {
		dyn, err := repository.New(dynamo, cfg.StateTable)
		if err != nil {
			return nil, err
		}
		store = dyn
		slog.Info("app: using dynamodb store", "table", cfg.StateTable)
	}

	a.Relay, err = newRelay(cfg, store, llm, gw, observability.NewMetrics(cfg.MetricsNamespace, a.Registry))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newRelay(cfg config.Config, store Store, llm usecase.Completer, gw usecase.Gateway, m usecase.MetricsRecorder) (*usecase.RelayService, error) {
	opts := []usecase.Option{
		usecase.WithUsageLimit(cfg.UsageLimit),
		usecase.WithHistoryWindow(cfg.HistoryWindow),
		usecase.WithSystemPrompt(cfg.SystemPrompt),
		usecase.WithMetrics(m),
	}
	if cfg.DedupeUpdates {
		opts = append(opts, usecase.WithUpdateClaimer(store))
	}
	return usecase.NewRelayService(store, store, llm, gw, opts...)
}

// tokenSource prefers an explicit override over the parameter store.
func tokenSource(override string, params paramstore.Getter, name string) (paramstore.TokenSource, error) {
	if override != "" {
		return paramstore.StaticToken(override), nil
	}
	if params == nil {
		return nil, errors.New("no override and no parameter store")
	}
	return paramstore.NewCachedToken(params, name)
}
