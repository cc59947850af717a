package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DataKey enumerates the fields of the auction record.
type DataKey string

const (
	KeyAuctionInfo   DataKey = "AuctionInfo"
	KeyHighestBidder DataKey = "HighestBidder"
	KeyHighestBid    DataKey = "HighestBid"
	KeyIsSettled     DataKey = "IsSettled"
)

// Store is the durable key-value store scoped to one contract instance.
type Store interface {
	Has(key DataKey) (bool, error)
	// Get returns ok=false when the key is absent.
	Get(key DataKey) (value []byte, ok bool, err error)
	Set(key DataKey, value []byte) error
}

// Transferer moves token balances between principals. It fails when the
// source lacks balance.
type Transferer interface {
	Transfer(ctx context.Context, token AssetID, from, to Principal, amount Amount) error
}

// Clock supplies the current time.
type Clock interface {
	Now() Timestamp
}

// EventPublisher delivers events on a best-effort basis.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

// Authorization proves which principals consented to the current call.
type Authorization interface {
	// RequireAuth returns an error if the caller cannot act on behalf of p.
	RequireAuth(p Principal) error
}

// Env is the handle to one contract instance for the duration of one call.
// Hosts build a fresh Env per call and commit or discard everything done
// through it as a unit.
type Env struct {
	Store  Store
	Ledger Transferer
	Clock  Clock
	Events EventPublisher
	// Contract is the custody account of this instance.
	Contract Principal
}

func (env Env) validate() error {
	if env.Store == nil || env.Ledger == nil || env.Clock == nil {
		return errors.New("incomplete environment: store, ledger and clock are required")
	}
	if env.Contract == "" {
		return errors.New("incomplete environment: contract principal is required")
	}
	return nil
}

func (env Env) publish(ctx context.Context, topic string, payload any) {
	if env.Events != nil {
		env.Events.Publish(ctx, topic, payload)
	}
}

// SystemClock reads the wall clock in whole seconds.
type SystemClock struct{}

func (SystemClock) Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// requireAuth converts any authorization failure into KindUnauthorized.
func requireAuth(auth Authorization, p Principal) error {
	if auth == nil {
		return newError(KindUnauthorized, "no authorization presented for %s", p)
	}
	if err := auth.RequireAuth(p); err != nil {
		if KindOf(err) == KindUnauthorized {
			return err
		}
		return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf("authorization for %s", p), Err: err}
	}
	return nil
}
