package auctionapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/escrowauction/core"
)

// Request types understood by the auction service.
const (
	TypePing              = "ping"
	TypeCreateAuction     = "create_auction"
	TypePlaceBid          = "place_bid"
	TypeSettle            = "settle"
	TypeWithdraw          = "withdraw"
	TypeGetAuctionDetails = "get_auction_details"
	TypeGetHighestBid     = "get_highest_bid"
	TypeBalance           = "balance"
	TypeMint              = "mint"
)

// Request is the envelope for every call to the auction service, over vsock,
// TCP or HTTP.
type Request struct {
	Type       string          `json:"type"`
	ContractID string          `json:"contract_id,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`

	// Nonce and IssuedAt make each signed request single-use.
	Nonce    string `json:"nonce,omitempty"`
	IssuedAt int64  `json:"issued_at,omitempty"` // unix seconds

	// Auth carries one proof per principal consenting to the call.
	Auth []AuthProof `json:"auth,omitempty"`
}

// AuthProof is a COSE_Sign1 message over the request's signing bytes,
// produced with the principal's Ed25519 key.
type AuthProof struct {
	Principal core.Principal `json:"principal"`
	Sign1     string         `json:"sign1"` // base64-encoded COSE_Sign1
}

// NewRequest builds a request with a fresh nonce.
func NewRequest(requestType, contractID string, params any) (Request, error) {
	req := Request{
		Type:       requestType,
		ContractID: contractID,
		Nonce:      uuid.NewString(),
		IssuedAt:   time.Now().Unix(),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s params: %w", requestType, err)
		}
		req.Params = raw
	}
	return req, nil
}

// SigningBytes is the canonical encoding covered by auth proofs: the request
// without its proofs.
func (r Request) SigningBytes() ([]byte, error) {
	r.Auth = nil
	return json.Marshal(r)
}

// DecodeParams unmarshals Params into v.
func (r Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%s request has no params", r.Type)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Type, err)
	}
	return nil
}

// CreateAuctionParams are the params of a create_auction request.
type CreateAuctionParams = core.CreateParams

// PlaceBidParams are the params of a place_bid request.
type PlaceBidParams struct {
	Bidder core.Principal `json:"bidder"`
	Amount core.Amount    `json:"amount"`
}

// WithdrawParams are the params of a withdraw request.
type WithdrawParams struct {
	User core.Principal `json:"user"`
}

// BalanceParams are the params of a balance request.
type BalanceParams struct {
	Token     core.AssetID   `json:"token"`
	Principal core.Principal `json:"principal"`
}

// MintParams are the params of a mint request (development faucet only).
type MintParams struct {
	Token  core.AssetID   `json:"token"`
	To     core.Principal `json:"to"`
	Amount core.Amount    `json:"amount"`
}

// BalanceResult is the result of a balance request.
type BalanceResult struct {
	Token     core.AssetID   `json:"token"`
	Principal core.Principal `json:"principal"`
	Amount    core.Amount    `json:"amount"`
}

// Response is returned for every request.
type Response struct {
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// AttestationCOSEBase64 is set on settle responses produced inside an enclave.
	AttestationCOSEBase64 AttestationCOSEBase64 `json:"attestation_cose_base64,omitempty"`
	ProcessingTime        int64                 `json:"processing_time_ms"`
}

// DecodeResult unmarshals Result into v.
func (r Response) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%s response has no result", r.Type)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.Type, err)
	}
	return nil
}

// Err rebuilds the failure carried by an unsuccessful response. Auction
// failures come back as *core.Error so errors.Is works across the wire.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	kind := core.ParseErrorKind(r.ErrorKind)
	if kind == core.KindUnknown {
		return fmt.Errorf("%s failed: %s", r.Type, r.Message)
	}
	return &core.Error{Kind: kind, Msg: r.Message}
}
