package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudx-io/escrowauction/core"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid transfer amount")
	ErrInvalidAccount      = errors.New("invalid account")
)

// EventSink receives events after the transaction that emitted them commits.
type EventSink interface {
	Emit(ctx context.Context, contractID, topic string, payload any)
}

// ContractPrincipal names the custody account of a contract instance.
func ContractPrincipal(contractID string) core.Principal {
	return core.Principal("contract:" + contractID)
}

type balanceKey struct {
	token     core.AssetID
	principal core.Principal
}

type pendingEvent struct {
	topic   string
	payload any
}

func validateTransfer(token core.AssetID, from, to core.Principal, amount core.Amount) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidAccount)
	}
	if from == "" || to == "" {
		return fmt.Errorf("%w: empty principal", ErrInvalidAccount)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	return nil
}

// eventBuffer collects events emitted during a call.
type eventBuffer struct {
	events []pendingEvent
}

func (b *eventBuffer) Publish(_ context.Context, topic string, payload any) {
	b.events = append(b.events, pendingEvent{topic: topic, payload: payload})
}

func (b *eventBuffer) flush(ctx context.Context, sink EventSink, contractID string) {
	if sink == nil {
		return
	}
	for _, e := range b.events {
		sink.Emit(ctx, contractID, e.topic, e.payload)
	}
}
