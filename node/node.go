package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/crypto"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/history"
	"github.com/TFMV/furyshare/relay"
)

// Options selects what a node does. A node with FilePath set is a host;
// otherwise it joins the upload named by JoinID as a receiver.
type Options struct {
	FilePath string
	JoinID   string
	Name     string
	// Observer receives connection, progress and transfer events
	Observer common.Observer
	// HandleSignals stops the node on SIGINT or SIGTERM
	HandleSignals bool
}

// Node represents a FuryShare peer: one relay connection and the
// coordinator that runs transfers over it.
type Node struct {
	logger      *zap.Logger
	config      Config
	opts        Options
	relay       *relay.Client
	coordinator *Coordinator
	history     *history.Store
	publicKey   string
	observers   common.Observers
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewNode connects to the relay and builds the coordinator
func NewNode(ctx context.Context, logger *zap.Logger, config Config, opts Options) (*Node, error) {
	if opts.FilePath == "" && opts.JoinID == "" {
		return nil, fmt.Errorf("%w: need a file to share or an upload to join", common.ErrNoFile)
	}

	n := &Node{
		logger: logger,
		config: config,
		opts:   opts,
	}
	n.observers.Add(opts.Observer)

	var shared *SharedFile
	if opts.FilePath != "" {
		var err error
		shared, err = OpenSharedFile(opts.FilePath, config.Transfer.MaxFileSize)
		if err != nil {
			return nil, err
		}
	} else {
		id, err := crypto.LoadOrCreateIdentity(logger, config.IdentityDir)
		if err != nil {
			return nil, err
		}
		n.publicKey = id.PublicKeyPEM()
		logger.Info("Using receiver identity", zap.String("fingerprint", id.Fingerprint()))
	}

	if config.History.Enabled {
		store, err := history.Open(logger, config.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open transfer history: %w", err)
		}
		n.history = store
		n.observers.Add(store.Observer())
	}

	sink, err := file.NewDiskSink(logger, config.DownloadDir)
	if err != nil {
		n.closeHistory()
		return nil, err
	}

	relayURL := relay.JoinURL(config.RelayURL, opts.JoinID)
	if shared != nil {
		relayURL = relay.UploadURL(config.RelayURL, shared.Metadata)
	}
	client, err := relay.Dial(ctx, logger, relayURL)
	if err != nil {
		n.closeHistory()
		return nil, err
	}
	n.relay = client

	transport := NewPionTransport(logger, config.WebRTC)
	n.coordinator, err = NewCoordinator(logger, config, transport, client, sink, &n.observers, shared)
	if err != nil {
		client.Close()
		n.closeHistory()
		return nil, err
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// Coordinator returns the node's transfer coordinator
func (n *Node) Coordinator() *Coordinator {
	return n.coordinator
}

// History returns the transfer history store, or nil if disabled
func (n *Node) History() *history.Store {
	return n.history
}

// Start joins the upload if receiving and starts the relay and stall loops
func (n *Node) Start() error {
	if n.coordinator.IsHost() {
		n.logger.Info("Starting FuryShare host", zap.String("file", n.opts.FilePath))
	} else {
		n.logger.Info("Starting FuryShare receiver", zap.String("upload_id", n.opts.JoinID))
		env, err := relay.JoinRequest(n.opts.Name, n.publicKey)
		if err != nil {
			return err
		}
		if err := n.relay.Send(env); err != nil {
			return fmt.Errorf("failed to send join request: %w", err)
		}
	}

	if n.opts.HandleSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer signal.Stop(sigCh)
			select {
			case <-sigCh:
				n.logger.Info("Received shutdown signal")
				n.cancel()
			case <-n.ctx.Done():
			}
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.coordinator.Run(n.ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.cancel()
		err := n.relay.Run(n.ctx, func(env common.Envelope) error {
			if err := n.coordinator.HandleEnvelope(env); err != nil {
				n.logger.Debug("Relay message not applied", zap.String("type", env.Type), zap.Error(err))
			}
			return nil
		})
		if err != nil {
			n.logger.Error("Relay connection lost", zap.Error(err))
		}
	}()

	return nil
}

// Done is closed when the node stops or loses the relay
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// Stop shuts the node down. It is safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info("Stopping FuryShare node")
		n.cancel()
		n.coordinator.Close()
		if err := n.relay.Close(); err != nil {
			n.logger.Debug("Failed to close relay connection", zap.Error(err))
		}
		n.wg.Wait()
		n.closeHistory()
	})
}

func (n *Node) closeHistory() {
	if n.history == nil {
		return
	}
	if err := n.history.Close(); err != nil {
		n.logger.Warn("Failed to close transfer history", zap.Error(err))
	}
}
