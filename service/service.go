// Package service executes auction requests against a transactional host.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/auth"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/ledger"
)

// Host runs contract calls atomically. ledger.Memory and ledger.Postgres
// implement it.
type Host interface {
	Invoke(ctx context.Context, contractID string, fn func(env core.Env) error) error
	View(ctx context.Context, contractID string, fn func(env core.Env) error) error
	Mint(ctx context.Context, token core.AssetID, to core.Principal, amount core.Amount) error
	Balance(ctx context.Context, token core.AssetID, principal core.Principal) (core.Amount, error)
}

// Config wires a Service.
type Config struct {
	Host     Host
	Verifier *auth.Verifier
	// Attester is optional. When set, settle responses carry an attestation.
	Attester EnclaveAttester
	Logger   *slog.Logger
	// EnableFaucet allows mint requests. Development only.
	EnableFaucet bool
}

type Service struct {
	host     Host
	verifier *auth.Verifier
	attester EnclaveAttester
	logger   *slog.Logger
	faucet   bool
	auction  *core.Auction
}

func New(cfg Config) (*Service, error) {
	if cfg.Host == nil {
		return nil, errors.New("service requires a host")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier(nil, 0)
	}
	return &Service{
		host:     cfg.Host,
		verifier: verifier,
		attester: cfg.Attester,
		logger:   logger,
		faucet:   cfg.EnableFaucet,
		auction:  core.NewAuction(logger),
	}, nil
}

// outcome is what a handler produces before it becomes a Response.
type outcome struct {
	message     string
	result      any
	attestation auctionapi.AttestationCOSEBase64
}

// Handle executes req and always returns a response; failures are reported
// through Success, Message and ErrorKind.
func (s *Service) Handle(ctx context.Context, req auctionapi.Request) auctionapi.Response {
	start := time.Now()

	out, err := s.dispatch(ctx, req)

	resp := auctionapi.Response{Type: req.Type}
	if err != nil {
		resp.Message = err.Error()
		if kind := core.KindOf(err); kind != core.KindUnknown {
			resp.ErrorKind = kind.String()
		}
		s.logger.Warn("request failed", "type", req.Type, "contract", req.ContractID, "error", err)
	} else {
		resp.Success = true
		resp.Message = out.message
		resp.AttestationCOSEBase64 = out.attestation
		if out.result != nil {
			raw, mErr := json.Marshal(out.result)
			if mErr != nil {
				resp.Success = false
				resp.Message = fmt.Sprintf("encode result: %v", mErr)
			} else {
				resp.Result = raw
			}
		}
	}
	resp.ProcessingTime = time.Since(start).Milliseconds()
	return resp
}

func (s *Service) dispatch(ctx context.Context, req auctionapi.Request) (outcome, error) {
	switch req.Type {
	case auctionapi.TypePing:
		return outcome{
			message: "auction service is healthy",
			result:  map[string]any{"type": "pong", "timestamp": time.Now().Unix()},
		}, nil
	case auctionapi.TypeCreateAuction:
		return s.createAuction(ctx, req)
	case auctionapi.TypePlaceBid:
		return s.placeBid(ctx, req)
	case auctionapi.TypeSettle:
		return s.settle(ctx, req)
	case auctionapi.TypeWithdraw:
		return s.withdraw(ctx, req)
	case auctionapi.TypeGetAuctionDetails:
		return s.getAuctionDetails(ctx, req)
	case auctionapi.TypeGetHighestBid:
		return s.getHighestBid(ctx, req)
	case auctionapi.TypeBalance:
		return s.balance(ctx, req)
	case auctionapi.TypeMint:
		return s.mint(ctx, req)
	default:
		return outcome{}, &core.Error{Kind: core.KindInvalidParameters, Msg: "unknown request type: " + req.Type}
	}
}

func invalidParams(err error) error {
	return &core.Error{Kind: core.KindInvalidParameters, Msg: "invalid request", Err: err}
}

func requireContract(req auctionapi.Request) error {
	if req.ContractID == "" {
		return invalidParams(fmt.Errorf("%s requires contract_id", req.Type))
	}
	return nil
}

func (s *Service) decode(req auctionapi.Request, v any) error {
	if err := requireContract(req); err != nil {
		return err
	}
	if err := req.DecodeParams(v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func (s *Service) createAuction(ctx context.Context, req auctionapi.Request) (outcome, error) {
	var params auctionapi.CreateAuctionParams
	if err := s.decode(req, &params); err != nil {
		return outcome{}, err
	}
	grants, err := s.verifier.Verify(req)
	if err != nil {
		return outcome{}, err
	}

	var details core.AuctionDetails
	err = s.host.Invoke(ctx, req.ContractID, func(env core.Env) error {
		if err := s.auction.Create(ctx, env, grants, params); err != nil {
			return err
		}
		var err error
		details, err = s.auction.GetAuctionDetails(env)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{message: "auction created", result: details}, nil
}

func (s *Service) placeBid(ctx context.Context, req auctionapi.Request) (outcome, error) {
	var params auctionapi.PlaceBidParams
	if err := s.decode(req, &params); err != nil {
		return outcome{}, err
	}
	grants, err := s.verifier.Verify(req)
	if err != nil {
		return outcome{}, err
	}

	err = s.host.Invoke(ctx, req.ContractID, func(env core.Env) error {
		return s.auction.PlaceBid(ctx, env, grants, params.Bidder, params.Amount)
	})
	if err != nil {
		return outcome{}, err
	}
	bidder := params.Bidder
	return outcome{message: "bid accepted", result: core.HighestBid{Bidder: &bidder, Amount: params.Amount}}, nil
}

func (s *Service) settle(ctx context.Context, req auctionapi.Request) (outcome, error) {
	if err := requireContract(req); err != nil {
		return outcome{}, err
	}

	var settled *core.SettlementOutcome
	err := s.host.Invoke(ctx, req.ContractID, func(env core.Env) error {
		var err error
		settled, err = s.auction.Settle(ctx, env)
		return err
	})
	if err != nil {
		return outcome{}, err
	}

	out := outcome{message: "auction settled", result: settled}
	if s.attester != nil {
		// The settlement is committed; a failed attestation only loses the proof.
		cose, err := GenerateSettlementAttestation(s.attester, req.ContractID, *settled, s.logger)
		if err != nil {
			s.logger.Error("settlement attestation failed", "contract", req.ContractID, "error", err)
			out.message = "auction settled without attestation"
		} else {
			out.attestation = cose.EncodeBase64()
		}
	}
	return out, nil
}

func (s *Service) withdraw(ctx context.Context, req auctionapi.Request) (outcome, error) {
	var params auctionapi.WithdrawParams
	if err := s.decode(req, &params); err != nil {
		return outcome{}, err
	}
	err := s.host.View(ctx, req.ContractID, func(env core.Env) error {
		return s.auction.Withdraw(ctx, env, params.User)
	})
	return outcome{}, err
}

func (s *Service) getAuctionDetails(ctx context.Context, req auctionapi.Request) (outcome, error) {
	if err := requireContract(req); err != nil {
		return outcome{}, err
	}
	var details core.AuctionDetails
	err := s.host.View(ctx, req.ContractID, func(env core.Env) error {
		var err error
		details, err = s.auction.GetAuctionDetails(env)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{message: "auction details", result: details}, nil
}

func (s *Service) getHighestBid(ctx context.Context, req auctionapi.Request) (outcome, error) {
	if err := requireContract(req); err != nil {
		return outcome{}, err
	}
	var hb core.HighestBid
	err := s.host.View(ctx, req.ContractID, func(env core.Env) error {
		var err error
		hb, err = s.auction.GetHighestBid(env)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{message: "highest bid", result: hb}, nil
}

func (s *Service) balance(ctx context.Context, req auctionapi.Request) (outcome, error) {
	var params auctionapi.BalanceParams
	if err := req.DecodeParams(&params); err != nil {
		return outcome{}, invalidParams(err)
	}
	amount, err := s.host.Balance(ctx, params.Token, params.Principal)
	if err != nil {
		return outcome{}, err
	}
	return outcome{message: "balance", result: auctionapi.BalanceResult{
		Token:     params.Token,
		Principal: params.Principal,
		Amount:    amount,
	}}, nil
}

func (s *Service) mint(ctx context.Context, req auctionapi.Request) (outcome, error) {
	if !s.faucet {
		return outcome{}, &core.Error{Kind: core.KindNotSupported, Msg: "faucet is disabled"}
	}
	var params auctionapi.MintParams
	if err := req.DecodeParams(&params); err != nil {
		return outcome{}, invalidParams(err)
	}
	if err := s.host.Mint(ctx, params.Token, params.To, params.Amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAccount) || errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, core.ErrAmountOverflow) {
			return outcome{}, invalidParams(err)
		}
		return outcome{}, fmt.Errorf("mint: %w", err)
	}
	s.logger.Info("minted", "token", params.Token, "to", params.To, "amount", params.Amount.String())
	return outcome{message: "minted"}, nil
}
