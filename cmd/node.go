package cmd

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/node"
	"github.com/TFMV/furyshare/server"
)

// runNode starts a node and, if enabled, the status API, and blocks until
// the node stops.
func runNode(opts node.Options) error {
	// Initialize Zap logger for structured logging.
	logger, err := newLogger()
	if err != nil {
		fmt.Println("Failed to initialize logger:", err)
		return err
	}
	defer logger.Sync()

	cfg := node.LoadConfig()

	progress := newProgressObserver(os.Stderr)
	defer progress.Close()
	opts.Observer = progress
	opts.HandleSignals = true

	n, err := node.NewNode(context.Background(), logger, cfg, opts)
	if err != nil {
		logger.Error("Failed to create node", zap.Error(err))
		return err
	}
	if err := n.Start(); err != nil {
		logger.Error("Failed to start node", zap.Error(err))
		n.Stop()
		return err
	}

	var api *server.APIServer
	if cfg.API.Enabled {
		var hist server.HistoryLister
		if store := n.History(); store != nil {
			hist = store
		}
		api = server.NewAPIServer(logger, cfg.API.Port, n.Coordinator(), hist)
		go func() {
			if err := api.Start(); err != nil {
				logger.Error("API server stopped", zap.Error(err))
			}
		}()
	}

	// Wait for the node to exit
	<-n.Done()
	if api != nil {
		if err := api.Shutdown(); err != nil {
			logger.Warn("Failed to stop API server", zap.Error(err))
		}
	}
	n.Stop()
	return nil
}
