// Package httpapi exposes the auction service over HTTP and streams committed
// contract events over WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/events"
)

const maxRequestBytes = 1 << 20

// Handler executes auction requests. *service.Service implements it.
type Handler interface {
	Handle(ctx context.Context, req auctionapi.Request) auctionapi.Response
}

type Server struct {
	handler  Handler
	broker   *events.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer returns the gateway. broker may be nil, in which case the event
// stream is unavailable.
func NewServer(handler Handler, broker *events.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		broker:  broker,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/requests", s.handleRequest)
			r.Get("/contracts/{id}", s.handleContractRead(auctionapi.TypeGetAuctionDetails))
			r.Get("/contracts/{id}/highest-bid", s.handleContractRead(auctionapi.TypeGetHighestBid))
		})
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req auctionapi.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, auctionapi.Response{
			Type:      "error",
			Message:   "failed to decode request: " + err.Error(),
			ErrorKind: core.KindInvalidParameters.String(),
		})
		return
	}
	s.respond(w, r, req)
}

func (s *Server) handleContractRead(requestType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, auctionapi.Request{Type: requestType, ContractID: chi.URLParam(r, "id")})
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, req auctionapi.Request) {
	resp := s.handler.Handle(r.Context(), req)
	s.logger.Info("request handled",
		"request_id", middleware.GetReqID(r.Context()),
		"type", req.Type, "contract", req.ContractID,
		"success", resp.Success, "error_kind", resp.ErrorKind)
	writeJSON(w, statusFor(resp), resp)
}

// statusFor maps auction failures onto HTTP status codes.
func statusFor(resp auctionapi.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch core.ParseErrorKind(resp.ErrorKind) {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindInvalidParameters, core.KindTimeOverflow:
		return http.StatusBadRequest
	case core.KindAlreadyExists, core.KindAlreadySettled, core.KindAuctionEnded,
		core.KindNotEnded, core.KindBelowReserve, core.KindBidTooLow:
		return http.StatusConflict
	case core.KindTransferFailed:
		return http.StatusUnprocessableEntity
	case core.KindNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleEvents upgrades to a WebSocket and streams events matching the
// contract_id and topic query parameters until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe(events.Filter{
		ContractID: r.URL.Query().Get("contract_id"),
		Topic:      r.URL.Query().Get("topic"),
	})
	defer sub.Close()

	// Reader: only control frames are expected; a read error means the client left.
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
