package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/history"
	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/node"
)

// Backend is the coordinator state the API exposes
type Backend interface {
	Status() node.Status
	SendTo(peer common.PeerID) error
}

// HistoryLister lists recorded transfers
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.TransferRecord, error)
}

// APIServer is the Fiber-based monitoring API
type APIServer struct {
	logger  *zap.Logger
	app     *fiber.App
	port    int
	backend Backend
	history HistoryLister
}

// NewAPIServer builds the API. hist may be nil.
func NewAPIServer(logger *zap.Logger, port int, backend Backend, hist HistoryLister) *APIServer {
	if port == 0 {
		port = 8080
	}
	s := &APIServer{
		logger:  logger,
		app:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		port:    port,
		backend: backend,
		history: hist,
	}

	s.app.Get("/status", s.handleStatus)
	s.app.Get("/peers", s.handlePeers)
	s.app.Post("/peers/:id/send", s.handleSend)
	s.app.Get("/transfers", s.handleTransfers)
	metrics.Register()
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return s
}

// App returns the underlying Fiber app
func (s *APIServer) App() *fiber.App {
	return s.app
}

// Start listens on the configured port. It blocks until Shutdown.
func (s *APIServer) Start() error {
	s.logger.Info("Starting FuryShare API server", zap.Int("port", s.port))
	return s.app.Listen(fmt.Sprintf(":%d", s.port))
}

// Shutdown stops the server
func (s *APIServer) Shutdown() error {
	return s.app.Shutdown()
}

func (s *APIServer) handleStatus(c *fiber.Ctx) error {
	st := s.backend.Status()
	return c.JSON(fiber.Map{
		"status":    "running",
		"mode":      st.Mode,
		"upload_id": st.UploadID,
		"file":      st.File,
		"peers":     len(st.Sessions),
	})
}

func (s *APIServer) handlePeers(c *fiber.Ctx) error {
	st := s.backend.Status()
	return c.JSON(fiber.Map{
		"roster":   st.Roster,
		"sessions": st.Sessions,
	})
}

func (s *APIServer) handleSend(c *fiber.Ctx) error {
	peer := common.PeerID(c.Params("id"))
	if err := s.backend.SendTo(peer); err != nil {
		status := fiber.StatusNotFound
		if errors.Is(err, common.ErrNoFile) {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	s.logger.Info("Transfer requested through API", zap.String("peer_id", string(peer)))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"peer_id": peer})
}

func (s *APIServer) handleTransfers(c *fiber.Ctx) error {
	st := s.backend.Status()
	resp := fiber.Map{
		"outbound": st.Outbound,
		"inbound":  st.Inbound,
	}
	if s.history != nil {
		records, err := s.history.List(c.UserContext(), c.QueryInt("limit", 50))
		if err != nil {
			s.logger.Error("Failed to list transfer history", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		resp["history"] = records
	}
	return c.JSON(resp)
}
