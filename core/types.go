package core

// Principal identifies an account able to authorize actions and hold balances.
type Principal string

// AssetID identifies a token managed by the asset-transfer service.
type AssetID string

// Timestamp is a point in time in seconds, as reported by the host clock.
type Timestamp uint64

// AuctionDetails is written once when the auction is created.
type AuctionDetails struct {
	Seller       Principal `json:"seller"`
	AssetToken   AssetID   `json:"asset_token"`
	AssetAmount  Amount    `json:"asset_amount"`
	BidToken     AssetID   `json:"bid_token"`
	ReservePrice Amount    `json:"reserve_price"`
	EndTime      Timestamp `json:"end_time"`
}

// CreateParams are the seller-supplied inputs to Create.
type CreateParams struct {
	Seller       Principal `json:"seller"`
	AssetToken   AssetID   `json:"asset_token"`
	AssetAmount  Amount    `json:"asset_amount"`
	BidToken     AssetID   `json:"bid_token"`
	ReservePrice Amount    `json:"reserve_price"`
	// Duration is the bidding window in seconds.
	Duration uint64 `json:"duration"`
}

// HighestBid is the current leading bid. Bidder is empty before any bid.
type HighestBid struct {
	Bidder *Principal `json:"bidder,omitempty"`
	Amount Amount     `json:"amount"`
}

// HasBidder reports whether a qualifying bid has been placed.
func (h HighestBid) HasBidder() bool {
	return h.Bidder != nil
}

// BidEvent is published on TopicBid each time a bid is accepted.
type BidEvent struct {
	Bidder Principal `json:"bidder"`
	Amount Amount    `json:"amount"`
}

// SettlementOutcome is returned by Settle and published on TopicSettled.
// Winner is nil when the auction closed without bids.
type SettlementOutcome struct {
	Seller      Principal  `json:"seller"`
	Winner      *Principal `json:"winner,omitempty"`
	Amount      Amount     `json:"amount"`
	AssetToken  AssetID    `json:"asset_token"`
	AssetAmount Amount     `json:"asset_amount"`
	SettledAt   Timestamp  `json:"settled_at"`
}

// Event topics published by the auction.
const (
	TopicCreated = "created"
	TopicBid     = "bid"
	TopicSettled = "settled"
)
