package core_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/ledger"
)

const (
	assetToken core.AssetID = "asset"
	bidToken   core.AssetID = "xlm"

	seller  core.Principal = "seller"
	bidder1 core.Principal = "bidder_1"
	bidder2 core.Principal = "bidder_2"

	contractID = "auction-1"
)

// allowAll authorizes every principal.
type allowAll struct{}

func (allowAll) RequireAuth(core.Principal) error { return nil }

// allowOnly authorizes a fixed set of principals.
type allowOnly map[core.Principal]bool

func (a allowOnly) RequireAuth(p core.Principal) error {
	if !a[p] {
		return errors.New("signature missing")
	}
	return nil
}

// recordingSink captures committed events.
type recordingSink struct {
	topics   []string
	payloads []any
}

func (r *recordingSink) Emit(_ context.Context, _ string, topic string, payload any) {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *ledger.ManualClock
	host    *ledger.Memory
	sink    *recordingSink
	auction *core.Auction
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := ledger.NewManualClock(1_000)
	sink := &recordingSink{}
	return &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		host:    ledger.NewMemory(ledger.WithClock(clock), ledger.WithEventSink(sink)),
		sink:    sink,
		auction: core.NewAuction(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func (h *harness) mint(token core.AssetID, p core.Principal, amount int64) {
	h.t.Helper()
	assert.Nil(h.t, h.host.Mint(h.ctx, token, p, core.NewAmount(amount)))
}

func (h *harness) balance(token core.AssetID, p core.Principal) int64 {
	h.t.Helper()
	b, err := h.host.Balance(h.ctx, token, p)
	assert.Nil(h.t, err)
	return b.Decimal().IntPart()
}

func (h *harness) create(reserve int64, duration uint64) error {
	return h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		return h.auction.Create(h.ctx, env, allowAll{}, core.CreateParams{
			Seller:       seller,
			AssetToken:   assetToken,
			AssetAmount:  core.NewAmount(1),
			BidToken:     bidToken,
			ReservePrice: core.NewAmount(reserve),
			Duration:     duration,
		})
	})
}

func (h *harness) bid(bidder core.Principal, amount int64) error {
	return h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		return h.auction.PlaceBid(h.ctx, env, allowAll{}, bidder, core.NewAmount(amount))
	})
}

func (h *harness) settle() (*core.SettlementOutcome, error) {
	var outcome *core.SettlementOutcome
	err := h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		var err error
		outcome, err = h.auction.Settle(h.ctx, env)
		return err
	})
	return outcome, err
}

func (h *harness) highest() core.HighestBid {
	h.t.Helper()
	var hb core.HighestBid
	assert.Nil(h.t, h.host.View(h.ctx, contractID, func(env core.Env) error {
		var err error
		hb, err = h.auction.GetHighestBid(env)
		return err
	}))
	return hb
}

func (h *harness) details() (core.AuctionDetails, error) {
	var d core.AuctionDetails
	err := h.host.View(h.ctx, contractID, func(env core.Env) error {
		var err error
		d, err = h.auction.GetAuctionDetails(env)
		return err
	})
	return d, err
}

func (h *harness) custody(token core.AssetID) int64 {
	return h.balance(token, ledger.ContractPrincipal(contractID))
}

func TestSuccessfulAuctionFlow(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))

	check.Equal(t, int64(0), h.balance(assetToken, seller))
	check.Equal(t, int64(1), h.custody(assetToken))

	h.mint(bidToken, bidder1, 100)
	assert.Nil(t, h.bid(bidder1, 15))
	check.Equal(t, int64(85), h.balance(bidToken, bidder1))
	check.Equal(t, int64(15), h.custody(bidToken))

	h.mint(bidToken, bidder2, 100)
	assert.Nil(t, h.bid(bidder2, 20))

	// Bidder 1 is refunded automatically
	check.Equal(t, int64(100), h.balance(bidToken, bidder1))
	check.Equal(t, int64(80), h.balance(bidToken, bidder2))
	check.Equal(t, int64(20), h.custody(bidToken))

	h.clock.Advance(3601)

	outcome, err := h.settle()
	assert.Nil(t, err)
	assert.NotNil(t, outcome.Winner)
	check.Equal(t, bidder2, *outcome.Winner)
	check.Equal(t, "20", outcome.Amount.String())

	check.Equal(t, int64(20), h.balance(bidToken, seller))
	check.Equal(t, int64(1), h.balance(assetToken, bidder2))
	check.Equal(t, int64(0), h.custody(assetToken))
	check.Equal(t, int64(0), h.custody(bidToken))

	check.Equal(t, []string{core.TopicCreated, core.TopicBid, core.TopicBid, core.TopicSettled}, h.sink.topics)
	bidEvent, ok := h.sink.payloads[2].(core.BidEvent)
	assert.True(t, ok)
	check.Equal(t, core.BidEvent{Bidder: bidder2, Amount: core.NewAmount(20)}, bidEvent)
}

func TestBidLowerThanReserve(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 50)

	err := h.bid(bidder1, 5)
	check.True(t, errors.Is(err, core.ErrBelowReserve))
	check.Equal(t, core.KindBelowReserve, core.KindOf(err))

	check.Equal(t, int64(50), h.balance(bidToken, bidder1))
	check.Equal(t, int64(0), h.custody(bidToken))
	hb := h.highest()
	check.False(t, hb.HasBidder())
	check.True(t, hb.Amount.IsZero())
}

func TestBidAtReserveAccepted(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 50)

	assert.Nil(t, h.bid(bidder1, 10))
	check.Equal(t, "10", h.highest().Amount.String())
}

func TestBidAfterEnd(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))

	h.clock.Advance(3601)
	h.mint(bidToken, bidder1, 50)

	err := h.bid(bidder1, 50)
	check.True(t, errors.Is(err, core.ErrAuctionEnded))
	check.Equal(t, int64(50), h.balance(bidToken, bidder1))
	check.False(t, h.highest().HasBidder())
}

func TestBidExactlyAtEndTimeRejected(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(0, 3600))
	h.mint(bidToken, bidder1, 50)

	h.clock.Advance(3599)
	assert.Nil(t, h.bid(bidder1, 1))

	h.clock.Advance(1)
	check.True(t, errors.Is(h.bid(bidder1, 2), core.ErrAuctionEnded))
}

func TestSettleTooEarly(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))

	_, err := h.settle()
	check.True(t, errors.Is(err, core.ErrNotEnded))

	h.clock.Advance(3599)
	_, err = h.settle()
	check.True(t, errors.Is(err, core.ErrNotEnded))

	// end_time itself is settleable
	h.clock.Advance(1)
	_, err = h.settle()
	check.Nil(t, err)
}

func TestSettleWithNoBids(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))

	h.clock.Advance(3601)
	outcome, err := h.settle()
	assert.Nil(t, err)
	check.Nil(t, outcome.Winner)
	check.True(t, outcome.Amount.IsZero())

	check.Equal(t, int64(1), h.balance(assetToken, seller))
	check.Equal(t, int64(0), h.balance(bidToken, seller))
	check.Equal(t, int64(0), h.custody(assetToken))
}

func TestSettleExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)
	assert.Nil(t, h.bid(bidder1, 30))
	h.clock.Advance(4000)

	_, err := h.settle()
	assert.Nil(t, err)

	for range 3 {
		_, err := h.settle()
		check.True(t, errors.Is(err, core.ErrAlreadySettled))
	}
	check.Equal(t, int64(30), h.balance(bidToken, seller))
	check.Equal(t, int64(1), h.balance(assetToken, bidder1))
}

func TestBidAfterSettle(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.clock.Advance(3600)
	_, err := h.settle()
	assert.Nil(t, err)

	h.mint(bidToken, bidder1, 100)
	check.True(t, errors.Is(h.bid(bidder1, 50), core.ErrAlreadySettled))
}

func TestCreateTwice(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 2)
	assert.Nil(t, h.create(10, 3600))
	before, err := h.details()
	assert.Nil(t, err)

	h.clock.Advance(10)
	err = h.create(99, 10)
	check.True(t, errors.Is(err, core.ErrAlreadyExists))

	after, err := h.details()
	assert.Nil(t, err)
	check.Equal(t, before, after)
	check.Equal(t, int64(1), h.balance(assetToken, seller))
	check.Equal(t, int64(1), h.custody(assetToken))
}

func TestCreateInvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params core.CreateParams
	}{
		{"zero asset amount", core.CreateParams{Seller: seller, AssetToken: assetToken, AssetAmount: core.NewAmount(0), BidToken: bidToken, Duration: 10}},
		{"negative asset amount", core.CreateParams{Seller: seller, AssetToken: assetToken, AssetAmount: core.NewAmount(-1), BidToken: bidToken, Duration: 10}},
		{"negative reserve", core.CreateParams{Seller: seller, AssetToken: assetToken, AssetAmount: core.NewAmount(1), BidToken: bidToken, ReservePrice: core.NewAmount(-1), Duration: 10}},
		{"zero duration", core.CreateParams{Seller: seller, AssetToken: assetToken, AssetAmount: core.NewAmount(1), BidToken: bidToken}},
		{"missing bid token", core.CreateParams{Seller: seller, AssetToken: assetToken, AssetAmount: core.NewAmount(1), Duration: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.mint(assetToken, seller, 1)

			err := h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
				return h.auction.Create(h.ctx, env, allowAll{}, tt.params)
			})
			check.True(t, errors.Is(err, core.ErrInvalidParameters))
			check.Equal(t, int64(1), h.balance(assetToken, seller))

			_, err = h.details()
			check.True(t, errors.Is(err, core.ErrNotFound))
		})
	}
}

func TestCreateTimeOverflow(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)

	err := h.create(0, math.MaxUint64-500)
	check.True(t, errors.Is(err, core.ErrTimeOverflow))
	check.Equal(t, int64(1), h.balance(assetToken, seller))

	// The largest non-overflowing duration is accepted
	assert.Nil(t, h.create(0, math.MaxUint64-1_000))
	d, err := h.details()
	assert.Nil(t, err)
	check.Equal(t, core.Timestamp(math.MaxUint64), d.EndTime)
}

func TestCreateUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)

	err := h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		return h.auction.Create(h.ctx, env, allowOnly{bidder1: true}, core.CreateParams{
			Seller: seller, AssetToken: assetToken, AssetAmount: core.NewAmount(1),
			BidToken: bidToken, ReservePrice: core.NewAmount(1), Duration: 10,
		})
	})
	check.True(t, errors.Is(err, core.ErrUnauthorized))
	check.Equal(t, int64(1), h.balance(assetToken, seller))

	err = h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		return h.auction.Create(h.ctx, env, nil, core.CreateParams{Seller: seller})
	})
	check.True(t, errors.Is(err, core.ErrUnauthorized))
}

func TestCreateTransferFailsLeavesNoState(t *testing.T) {
	h := newHarness(t) // seller holds no asset

	err := h.create(10, 3600)
	check.True(t, errors.Is(err, core.ErrTransferFailed))
	check.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	_, err = h.details()
	check.True(t, errors.Is(err, core.ErrNotFound))
	check.Equal(t, 0, len(h.sink.topics))
}

func TestPlaceBidUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)

	err := h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		return h.auction.PlaceBid(h.ctx, env, allowOnly{bidder2: true}, bidder1, core.NewAmount(20))
	})
	check.True(t, errors.Is(err, core.ErrUnauthorized))
	check.Equal(t, int64(100), h.balance(bidToken, bidder1))
}

func TestPlaceBidNoAuction(t *testing.T) {
	h := newHarness(t)
	h.mint(bidToken, bidder1, 100)

	check.True(t, errors.Is(h.bid(bidder1, 20), core.ErrNotFound))
	_, err := h.settle()
	check.True(t, errors.Is(err, core.ErrNotFound))
}

func TestBidMonotonicity(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 1_000)
	h.mint(bidToken, bidder2, 1_000)

	assert.Nil(t, h.bid(bidder1, 20))

	// Ties lose: the first bidder at an amount keeps priority
	check.True(t, errors.Is(h.bid(bidder2, 20), core.ErrBidTooLow))
	check.True(t, errors.Is(h.bid(bidder2, 19), core.ErrBidTooLow))
	check.Equal(t, bidder1, *h.highest().Bidder)

	previous := h.highest().Amount
	for _, amount := range []int64{21, 30, 31, 500} {
		bidder := bidder1
		if amount%2 == 1 {
			bidder = bidder2
		}
		assert.Nil(t, h.bid(bidder, amount))
		current := h.highest().Amount
		check.Equal(t, 1, current.Cmp(previous))
		previous = current
	}
}

func TestBidderCanRaiseOwnBid(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)

	assert.Nil(t, h.bid(bidder1, 20))
	assert.Nil(t, h.bid(bidder1, 60))

	check.Equal(t, int64(40), h.balance(bidToken, bidder1))
	check.Equal(t, int64(60), h.custody(bidToken))
}

func TestBidDepositFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)
	assert.Nil(t, h.bid(bidder1, 20))

	h.mint(bidToken, bidder2, 10) // cannot cover 50
	err := h.bid(bidder2, 50)
	check.True(t, errors.Is(err, core.ErrTransferFailed))

	hb := h.highest()
	check.Equal(t, bidder1, *hb.Bidder)
	check.Equal(t, "20", hb.Amount.String())
	check.Equal(t, int64(80), h.balance(bidToken, bidder1))
	check.Equal(t, int64(10), h.balance(bidToken, bidder2))
}

// failingRefundLedger fails every transfer out of custody.
type failingRefundLedger struct {
	inner    core.Transferer
	contract core.Principal
}

func (f failingRefundLedger) Transfer(ctx context.Context, token core.AssetID, from, to core.Principal, amount core.Amount) error {
	if from == f.contract {
		return errors.New("refund rejected")
	}
	return f.inner.Transfer(ctx, token, from, to, amount)
}

func TestRefundFailureRollsBackNewBid(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)
	h.mint(bidToken, bidder2, 100)
	assert.Nil(t, h.bid(bidder1, 20))

	err := h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		env.Ledger = failingRefundLedger{inner: env.Ledger, contract: env.Contract}
		return h.auction.PlaceBid(h.ctx, env, allowAll{}, bidder2, core.NewAmount(30))
	})
	check.True(t, errors.Is(err, core.ErrTransferFailed))

	check.Equal(t, int64(100), h.balance(bidToken, bidder2))
	check.Equal(t, int64(80), h.balance(bidToken, bidder1))
	check.Equal(t, bidder1, *h.highest().Bidder)
}

func TestConservation(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(0, 3600))

	bidders := []core.Principal{"a", "b", "c", "d"}
	for _, b := range bidders {
		h.mint(bidToken, b, 1_000)
	}

	for i, amount := range []int64{5, 9, 13, 40, 41, 100} {
		assert.Nil(t, h.bid(bidders[i%len(bidders)], amount))
		check.Equal(t, amount, h.custody(bidToken))
		check.Equal(t, int64(1), h.custody(assetToken))

		var total int64
		for _, b := range bidders {
			total += h.balance(bidToken, b)
		}
		check.Equal(t, int64(4_000)-amount, total)
	}

	h.clock.Advance(3600)
	_, err := h.settle()
	assert.Nil(t, err)
	check.Equal(t, int64(0), h.custody(bidToken))
	check.Equal(t, int64(0), h.custody(assetToken))
}

func TestHighestBidInvariant(t *testing.T) {
	h := newHarness(t)

	hb := h.highest()
	check.False(t, hb.HasBidder())
	check.True(t, hb.Amount.IsZero())

	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(25, 3600))
	hb = h.highest()
	check.False(t, hb.HasBidder())
	check.True(t, hb.Amount.IsZero())

	h.mint(bidToken, bidder1, 100)
	assert.Nil(t, h.bid(bidder1, 25))
	hb = h.highest()
	check.True(t, hb.HasBidder())
	check.True(t, core.BidMeetsReserve(hb.Amount, core.NewAmount(25)))
}

func TestReadsArePure(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)
	assert.Nil(t, h.bid(bidder1, 20))

	first, err := h.details()
	assert.Nil(t, err)
	firstBid := h.highest()
	events := len(h.sink.topics)

	for range 5 {
		d, err := h.details()
		assert.Nil(t, err)
		check.Equal(t, first, d)
		check.Equal(t, firstBid, h.highest())
	}
	check.Equal(t, events, len(h.sink.topics))
	check.Equal(t, int64(80), h.balance(bidToken, bidder1))
}

func TestGetAuctionDetails(t *testing.T) {
	h := newHarness(t)

	_, err := h.details()
	check.True(t, errors.Is(err, core.ErrNotFound))

	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))

	d, err := h.details()
	assert.Nil(t, err)
	check.Equal(t, seller, d.Seller)
	check.Equal(t, assetToken, d.AssetToken)
	check.Equal(t, "1", d.AssetAmount.String())
	check.Equal(t, bidToken, d.BidToken)
	check.Equal(t, "10", d.ReservePrice.String())
	check.Equal(t, core.Timestamp(4_600), d.EndTime)
}

func TestWithdrawNotSupported(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))

	err := h.host.Invoke(h.ctx, contractID, func(env core.Env) error {
		return h.auction.Withdraw(h.ctx, env, bidder1)
	})
	check.True(t, errors.Is(err, core.ErrNotSupported))
	check.Equal(t, core.KindNotSupported, core.KindOf(err))
}

func TestEventsNotPublishedOnFailure(t *testing.T) {
	h := newHarness(t)
	h.mint(assetToken, seller, 1)
	assert.Nil(t, h.create(10, 3600))
	h.mint(bidToken, bidder1, 100)

	check.NotNil(t, h.bid(bidder1, 5))
	check.NotNil(t, h.bid(bidder1, 500))
	check.Equal(t, []string{core.TopicCreated}, h.sink.topics)
}
