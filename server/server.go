package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/auth"
	"github.com/cloudx-io/escrowauction/events"
	"github.com/cloudx-io/escrowauction/httpapi"
	"github.com/cloudx-io/escrowauction/ledger"
	"github.com/cloudx-io/escrowauction/service"
)

const (
	readTimeout     = 30 * time.Second
	maxRequestBytes = 1 << 20
	eventBuffer     = 64
)

// requestHandler is satisfied by *service.Service.
type requestHandler interface {
	Handle(ctx context.Context, req auctionapi.Request) auctionapi.Response
}

// AuctionServer accepts one JSON request per connection and writes one JSON
// response back.
type AuctionServer struct {
	cfg     Config
	handler requestHandler
	logger  *slog.Logger
}

func NewAuctionServer(cfg Config, handler requestHandler, logger *slog.Logger) *AuctionServer {
	return &AuctionServer{cfg: cfg, handler: handler, logger: logger}
}

// getEnclaveAttester returns the NSM handle, or an error outside an enclave.
func getEnclaveAttester() (service.EnclaveAttester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

func (s *AuctionServer) listen() (net.Listener, error) {
	switch s.cfg.ListenNetwork {
	case "vsock":
		l, err := vsock.Listen(s.cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		return l, nil
	default:
		l, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		return l, nil
	}
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *AuctionServer) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	semaphore := make(chan struct{}, s.cfg.MaxWorkers)
	s.logger.Info("worker pool initialized", "max_workers", s.cfg.MaxWorkers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("failed to accept connection", "error", err)
			continue
		}

		// Acquire worker slot; reject immediately when the pool is full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			s.logger.Warn("no workers available, rejecting connection")
			if err := conn.Close(); err != nil {
				s.logger.Error("failed to close rejected connection", "error", err)
			}
		}
	}
}

func (s *AuctionServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic recovered in handleConnection", "panic", r)
		}
		if err := conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	// One JSON value per connection; clients need not half-close.
	var req auctionapi.Request
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestBytes)).Decode(&req); err != nil {
		s.logger.Error("failed to decode request", "error", err)
		s.writeResponse(conn, auctionapi.Response{
			Type:    "error",
			Message: fmt.Sprintf("failed to decode request: %v", err),
		})
		return
	}

	s.logger.Info("received request", "type", req.Type, "contract", req.ContractID)
	s.writeResponse(conn, s.handler.Handle(ctx, req))
}

func (s *AuctionServer) writeResponse(conn net.Conn, resp auctionapi.Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	s.logger.Debug("sent response", "type", resp.Type, "success", resp.Success)
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	broker := events.NewBroker(eventBuffer, logger)

	var host service.Host
	if cfg.DatabaseURL != "" {
		pg, err := ledger.NewPostgres(ctx, ledger.PostgresConfig{URL: cfg.DatabaseURL, Sink: broker})
		if err != nil {
			return fmt.Errorf("failed to open postgres host: %w", err)
		}
		defer pg.Close()
		host = pg
		logger.Info("using postgres host")
	} else {
		host = ledger.NewMemory(ledger.WithEventSink(broker))
		logger.Info("using in-memory host")
	}

	guard := auth.NewReplayGuard()
	guard.StartExpirationCleanup(ctx, 10*time.Second, cfg.AuthMaxAge)
	logger.Info("replay guard cleanup started", "interval", "10s", "max_age", cfg.AuthMaxAge)

	attester, err := getEnclaveAttester()
	if err != nil {
		logger.Warn("settlement attestations disabled", "error", err)
	}

	svc, err := service.New(service.Config{
		Host:         host,
		Verifier:     auth.NewVerifier(guard, cfg.AuthMaxAge),
		Attester:     attester,
		Logger:       logger,
		EnableFaucet: cfg.DevFaucet,
	})
	if err != nil {
		return err
	}
	if cfg.DevFaucet {
		logger.Warn("development faucet enabled")
	}

	if cfg.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.NewServer(svc, broker, logger).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http gateway listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http gateway failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	server := NewAuctionServer(cfg, svc, logger)
	listener, err := server.listen()
	if err != nil {
		return err
	}
	logger.Info("auction server listening", "network", cfg.ListenNetwork, "address", cfg.ListenAddress)
	return server.Serve(ctx, listener)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("auction server stopped", "error", err)
		os.Exit(1)
	}
}
