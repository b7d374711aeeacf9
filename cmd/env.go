package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/herdsync/herdsync/internal/audio"
	"github.com/herdsync/herdsync/internal/extract"
	"github.com/herdsync/herdsync/internal/pipeline"
	"github.com/herdsync/herdsync/internal/store"
	"github.com/herdsync/herdsync/internal/transcribe"
	"github.com/herdsync/herdsync/pkg/anthropic"
	"github.com/herdsync/herdsync/pkg/crm"
)

// Env bundles the wired application dependencies for a command run.
type Env struct {
	Store    store.Store
	Audio    audio.Store
	Pipeline *pipeline.Pipeline
}

// Close releases held resources.
func (e *Env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// newStore opens the configured database backend.
func newStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initStore opens and migrates the configured store. Commands that only
// touch the database use this instead of initEnv, so they run on machines
// without transcription or LLM credentials.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := newStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the full pipeline from config.
func initEnv(ctx context.Context) (*Env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	transcriber, err := transcribe.NewTranscriber(cfg.Transcribe)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Anthropic.Key == "" {
		_ = st.Close()
		return nil, eris.New("anthropic.key is required")
	}
	extractor := extract.NewLLMExtractor(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)

	tokens := crm.NewTokenCache(cfg.CRM.IdentityBaseURL, cfg.CRM.TokenMargin())
	crmOpts := []crm.ClientOption{
		crm.WithHTTPClient(&http.Client{Timeout: cfg.CRM.Timeout()}),
	}
	if cfg.CRM.RateLimitRPS > 0 {
		crmOpts = append(crmOpts, crm.WithRateLimit(cfg.CRM.RateLimitRPS))
	}
	crmClient := crm.NewClient(tokens, cfg.CRM.APIVersion, crmOpts...)

	p := pipeline.New(cfg.Pipeline, st, transcriber, extractor, crmClient, pipeline.NewStoreResolver(st))

	return &Env{
		Store:    st,
		Audio:    audio.NewLocalStore(cfg.Audio.StoragePath),
		Pipeline: p,
	}, nil
}
