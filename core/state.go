package core

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// State is a typed view over the auction record held in a Store.
type State struct {
	store Store
}

// NewState wraps store.
func NewState(store Store) *State {
	return &State{store: store}
}

// storedDetails is the persisted form of AuctionDetails. Amounts are kept as
// decimal strings to stay independent of the Go representation.
type storedDetails struct {
	Seller       string `cbor:"1,keyasint"`
	AssetToken   string `cbor:"2,keyasint"`
	AssetAmount  string `cbor:"3,keyasint"`
	BidToken     string `cbor:"4,keyasint"`
	ReservePrice string `cbor:"5,keyasint"`
	EndTime      uint64 `cbor:"6,keyasint"`
}

func (s *State) Exists() (bool, error) {
	ok, err := s.store.Has(KeyAuctionInfo)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", KeyAuctionInfo, err)
	}
	return ok, nil
}

// Details returns the auction details, or ErrNotFound.
func (s *State) Details() (AuctionDetails, error) {
	raw, ok, err := s.store.Get(KeyAuctionInfo)
	if err != nil {
		return AuctionDetails{}, fmt.Errorf("read %s: %w", KeyAuctionInfo, err)
	}
	if !ok {
		return AuctionDetails{}, ErrNotFound
	}

	var sd storedDetails
	if err := cbor.Unmarshal(raw, &sd); err != nil {
		return AuctionDetails{}, fmt.Errorf("decode %s: %w", KeyAuctionInfo, err)
	}
	assetAmount, err := ParseAmount(sd.AssetAmount)
	if err != nil {
		return AuctionDetails{}, fmt.Errorf("decode %s asset amount: %w", KeyAuctionInfo, err)
	}
	reserve, err := ParseAmount(sd.ReservePrice)
	if err != nil {
		return AuctionDetails{}, fmt.Errorf("decode %s reserve price: %w", KeyAuctionInfo, err)
	}

	return AuctionDetails{
		Seller:       Principal(sd.Seller),
		AssetToken:   AssetID(sd.AssetToken),
		AssetAmount:  assetAmount,
		BidToken:     AssetID(sd.BidToken),
		ReservePrice: reserve,
		EndTime:      Timestamp(sd.EndTime),
	}, nil
}

func (s *State) SetDetails(d AuctionDetails) error {
	return s.put(KeyAuctionInfo, storedDetails{
		Seller:       string(d.Seller),
		AssetToken:   string(d.AssetToken),
		AssetAmount:  d.AssetAmount.String(),
		BidToken:     string(d.BidToken),
		ReservePrice: d.ReservePrice.String(),
		EndTime:      uint64(d.EndTime),
	})
}

// HighestBidder returns ok=false until a bid has been accepted.
func (s *State) HighestBidder() (Principal, bool, error) {
	var p string
	ok, err := s.get(KeyHighestBidder, &p)
	if err != nil || !ok {
		return "", false, err
	}
	return Principal(p), true, nil
}

func (s *State) SetHighestBidder(p Principal) error {
	return s.put(KeyHighestBidder, string(p))
}

// HighestBid returns zero when no bid has been recorded.
func (s *State) HighestBid() (Amount, error) {
	var raw string
	ok, err := s.get(KeyHighestBid, &raw)
	if err != nil {
		return Amount{}, err
	}
	if !ok {
		return Amount{}, nil
	}
	amount, err := ParseAmount(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("decode %s: %w", KeyHighestBid, err)
	}
	return amount, nil
}

func (s *State) SetHighestBid(a Amount) error {
	return s.put(KeyHighestBid, a.String())
}

// IsSettled defaults to false when the flag was never written.
func (s *State) IsSettled() (bool, error) {
	var settled bool
	if _, err := s.get(KeyIsSettled, &settled); err != nil {
		return false, err
	}
	return settled, nil
}

func (s *State) SetSettled(settled bool) error {
	return s.put(KeyIsSettled, settled)
}

func (s *State) get(key DataKey, v any) (bool, error) {
	raw, ok, err := s.store.Get(key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) put(key DataKey, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Set(key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
