// Package app wires configuration into a ready engine. It is shared by the
// server and the command line.
package app

import (
	"context"
	"fmt"

	"github.com/iuriikogan/rlm-sandbox/internal/client"
	"github.com/iuriikogan/rlm-sandbox/internal/config"
	"github.com/iuriikogan/rlm-sandbox/internal/rlm"
	"github.com/iuriikogan/rlm-sandbox/internal/store"
)

// App holds the engine and, when persistence is enabled, its store.
type App struct {
	Engine *rlm.RLM
	Store  *store.Store
}

// New builds the clients named by cfg, opens the store if one is configured
// and returns an engine that records every session to it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	driver, err := client.New(ctx, cfg.Driver.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("driver client: %w", err)
	}
	sub := driver
	if cfg.SubModel.Backend != "" {
		sub, err = client.New(ctx, cfg.SubModelOrDriver().ClientConfig())
		if err != nil {
			return nil, fmt.Errorf("sub-model client: %w", err)
		}
	}

	a := &App{Engine: rlm.New(driver, sub, EngineOptions(cfg))}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.Store = st
		a.Engine = a.Engine.WithRecorder(st)
	}
	return a, nil
}

// EngineOptions maps the session section of cfg onto engine options.
func EngineOptions(cfg *config.Config) rlm.Options {
	s := cfg.Session
	return rlm.Options{
		MaxIterations:      s.MaxIterations,
		MaxFinalRetries:    s.MaxFinalRetries,
		MaxProductiveTurns: s.MaxProductiveTurns,
		AnswerVariable:     s.AnswerVariable,
		ExecTimeout:        s.ExecTimeout,
		OutputLimit:        s.OutputLimit,
		CompletionTimeout:  cfg.Driver.Timeout,
		SubModel: rlm.BridgeOptions{
			Timeout:       cfg.SubModelOrDriver().Timeout,
			Retries:       s.SubModelRetries,
			Concurrency:   s.SubModelConcurrency,
			FailureBudget: s.SubModelFailureBudget,
		},
	}
}

func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
