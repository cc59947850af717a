package core

import (
	"context"
	"log/slog"
	"math"
)

// Auction implements the single-asset auction state machine:
// Uninitialized → Active → Settled.
//
// Auction holds no state of its own; every operation reads and writes the
// record through the Env it is given. Callers must run each mutating
// operation inside a host transaction so that state writes and transfers
// commit together.
type Auction struct {
	logger *slog.Logger
}

// NewAuction returns an Auction logging to logger, or to slog.Default when nil.
func NewAuction(logger *slog.Logger) *Auction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auction{logger: logger}
}

// Create initializes the auction and moves the asset into contract custody.
//
// Preconditions, checked in order:
//  1. No auction exists yet (ErrAlreadyExists)
//  2. auth proves the seller consented (ErrUnauthorized)
//  3. asset amount > 0, reserve >= 0, duration > 0 (ErrInvalidParameters)
//  4. now + duration fits in a Timestamp (ErrTimeOverflow)
func (a *Auction) Create(ctx context.Context, env Env, auth Authorization, p CreateParams) error {
	if err := env.validate(); err != nil {
		return err
	}
	state := NewState(env.Store)

	exists, err := state.Exists()
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}

	if err := requireAuth(auth, p.Seller); err != nil {
		return err
	}

	if err := validateCreateParams(p); err != nil {
		return err
	}

	now := env.Clock.Now()
	if p.Duration > math.MaxUint64-uint64(now) {
		return newError(KindTimeOverflow, "time overflow: %d + %d", now, p.Duration)
	}
	endTime := now + Timestamp(p.Duration)

	// Lock the asset in the contract
	if err := env.Ledger.Transfer(ctx, p.AssetToken, p.Seller, env.Contract, p.AssetAmount); err != nil {
		return transferFailed("escrow asset", err)
	}

	details := AuctionDetails{
		Seller:       p.Seller,
		AssetToken:   p.AssetToken,
		AssetAmount:  p.AssetAmount,
		BidToken:     p.BidToken,
		ReservePrice: p.ReservePrice,
		EndTime:      endTime,
	}
	if err := state.SetDetails(details); err != nil {
		return err
	}
	if err := state.SetSettled(false); err != nil {
		return err
	}
	if err := state.SetHighestBid(Amount{}); err != nil {
		return err
	}

	env.publish(ctx, TopicCreated, details)
	a.logger.Info("auction created",
		"contract", env.Contract, "seller", details.Seller,
		"asset_token", details.AssetToken, "asset_amount", details.AssetAmount.String(),
		"reserve_price", details.ReservePrice.String(), "end_time", details.EndTime)
	return nil
}

func validateCreateParams(p CreateParams) error {
	switch {
	case p.Seller == "":
		return newError(KindInvalidParameters, "invalid auction parameters: seller is required")
	case p.AssetToken == "" || p.BidToken == "":
		return newError(KindInvalidParameters, "invalid auction parameters: asset and bid tokens are required")
	case !p.AssetAmount.IsPositive():
		return newError(KindInvalidParameters, "invalid auction parameters: asset amount %s must be positive", p.AssetAmount)
	case p.ReservePrice.IsNegative():
		return newError(KindInvalidParameters, "invalid auction parameters: reserve price %s must not be negative", p.ReservePrice)
	case p.Duration == 0:
		return newError(KindInvalidParameters, "invalid auction parameters: duration must be positive")
	}
	return nil
}

// BidMeetsReserve reports whether amount is at or above the reserve price.
func BidMeetsReserve(amount, reserve Amount) bool {
	return amount.Cmp(reserve) >= 0
}

// PlaceBid records a new highest bid.
//
// Processing flow:
//  1. Validate: auction exists, bidder authorized, not settled, not ended,
//     amount >= reserve, amount > current highest (ties lose)
//  2. Move amount from the bidder into custody
//  3. Refund the previous highest bidder from custody
//  4. Record the new highest bidder and publish a bid event
//
// Any failure, including a failed refund, fails the whole call.
func (a *Auction) PlaceBid(ctx context.Context, env Env, auth Authorization, bidder Principal, amount Amount) error {
	if err := env.validate(); err != nil {
		return err
	}
	state := NewState(env.Store)

	details, err := state.Details()
	if err != nil {
		return err
	}

	if err := requireAuth(auth, bidder); err != nil {
		return err
	}

	settled, err := state.IsSettled()
	if err != nil {
		return err
	}
	if settled {
		return ErrAlreadySettled
	}

	if now := env.Clock.Now(); now >= details.EndTime {
		return newError(KindAuctionEnded, "auction has ended at %d (now %d)", details.EndTime, now)
	}

	if !BidMeetsReserve(amount, details.ReservePrice) {
		return newError(KindBelowReserve, "bid %s lower than reserve price %s", amount, details.ReservePrice)
	}

	currentHighest, err := state.HighestBid()
	if err != nil {
		return err
	}
	if amount.Cmp(currentHighest) <= 0 {
		return newError(KindBidTooLow, "bid %s must be higher than current highest bid %s", amount, currentHighest)
	}

	previousBidder, hasPrevious, err := state.HighestBidder()
	if err != nil {
		return err
	}

	if err := env.Ledger.Transfer(ctx, details.BidToken, bidder, env.Contract, amount); err != nil {
		return transferFailed("deposit bid", err)
	}

	if hasPrevious {
		if err := env.Ledger.Transfer(ctx, details.BidToken, env.Contract, previousBidder, currentHighest); err != nil {
			return transferFailed("refund previous bidder", err)
		}
	}

	if err := state.SetHighestBidder(bidder); err != nil {
		return err
	}
	if err := state.SetHighestBid(amount); err != nil {
		return err
	}

	env.publish(ctx, TopicBid, BidEvent{Bidder: bidder, Amount: amount})
	a.logger.Info("new highest bid", "contract", env.Contract, "bidder", bidder, "amount", amount.String())
	return nil
}

// Settle closes the auction once it has ended. The settled flag is written
// before any transfer so a second call always fails with ErrAlreadySettled.
func (a *Auction) Settle(ctx context.Context, env Env) (*SettlementOutcome, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	state := NewState(env.Store)

	details, err := state.Details()
	if err != nil {
		return nil, err
	}

	settled, err := state.IsSettled()
	if err != nil {
		return nil, err
	}
	if settled {
		return nil, ErrAlreadySettled
	}

	now := env.Clock.Now()
	if now < details.EndTime {
		return nil, newError(KindNotEnded, "auction has not ended yet: ends at %d, now %d", details.EndTime, now)
	}

	if err := state.SetSettled(true); err != nil {
		return nil, err
	}

	winner, hasWinner, err := state.HighestBidder()
	if err != nil {
		return nil, err
	}
	highestBid, err := state.HighestBid()
	if err != nil {
		return nil, err
	}

	outcome := &SettlementOutcome{
		Seller:      details.Seller,
		AssetToken:  details.AssetToken,
		AssetAmount: details.AssetAmount,
		SettledAt:   now,
	}

	if hasWinner {
		if err := env.Ledger.Transfer(ctx, details.AssetToken, env.Contract, winner, details.AssetAmount); err != nil {
			return nil, transferFailed("deliver asset to winner", err)
		}
		if err := env.Ledger.Transfer(ctx, details.BidToken, env.Contract, details.Seller, highestBid); err != nil {
			return nil, transferFailed("pay seller", err)
		}
		outcome.Winner = &winner
		outcome.Amount = highestBid
		a.logger.Info("auction settled", "contract", env.Contract, "winner", winner, "amount", highestBid.String())
	} else {
		if err := env.Ledger.Transfer(ctx, details.AssetToken, env.Contract, details.Seller, details.AssetAmount); err != nil {
			return nil, transferFailed("return asset to seller", err)
		}
		a.logger.Info("auction closed with no winners, asset returned to seller", "contract", env.Contract, "seller", details.Seller)
	}

	env.publish(ctx, TopicSettled, *outcome)
	return outcome, nil
}

// Withdraw always fails: outbid bidders are refunded when they are outbid,
// so there is never anything to pull.
func (a *Auction) Withdraw(_ context.Context, _ Env, user Principal) error {
	return &Error{Kind: KindNotSupported, Msg: ErrNotSupported.Msg + " (user " + string(user) + ")"}
}

// GetAuctionDetails returns the details written by Create, or ErrNotFound.
func (a *Auction) GetAuctionDetails(env Env) (AuctionDetails, error) {
	if env.Store == nil {
		return AuctionDetails{}, ErrNotFound
	}
	return NewState(env.Store).Details()
}

// GetHighestBid returns the current highest bid, or an empty bid with amount
// zero when none was placed. It never reports an auction error; the returned
// error is only set when the store itself fails.
func (a *Auction) GetHighestBid(env Env) (HighestBid, error) {
	if env.Store == nil {
		return HighestBid{}, nil
	}
	state := NewState(env.Store)

	bidder, ok, err := state.HighestBidder()
	if err != nil {
		return HighestBid{}, err
	}
	amount, err := state.HighestBid()
	if err != nil {
		return HighestBid{}, err
	}

	result := HighestBid{Amount: amount}
	if ok {
		result.Bidder = &bidder
	}
	return result, nil
}
