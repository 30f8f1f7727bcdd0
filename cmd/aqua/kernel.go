package main

import (
	"context"
	"path/filepath"

	"aqua/pkg/config"
	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

// openKernel discovers the project, loads configuration, opens the
// store, and returns the assembled coordinator. The caller must invoke
// the returned closer.
func openKernel() (*coordinator.Coordinator, func() error, error) {
	aquaDir, err := findAquaDir()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(aquaDir)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(filepath.Join(aquaDir, dbFileName))
	if err != nil {
		return nil, nil, err
	}
	return coordinator.New(s, cfg, aquaDir), s.Close, nil
}

// resolveAndTouch looks up the calling agent and performs the
// per-invocation entry duties: heartbeat, leadership renewal, and the
// recovery sweep when it is due.
func resolveAndTouch(ctx context.Context, c *coordinator.Coordinator) (*protocol.Agent, error) {
	agent, err := c.ResolveAgent(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.Touch(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}
