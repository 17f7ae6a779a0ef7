package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lalithlochan/nudge/internal/state"
)

// ErrNoAddress is returned when a recipient has no address for a channel.
var ErrNoAddress = errors.New("recipient has no address for channel")

// Address fields looked up in conversation state.
const (
	FieldPhone = "phone"
	FieldEmail = "email"
)

// AddressBook resolves a recipient to a channel-specific address.
type AddressBook interface {
	Lookup(ctx context.Context, recipientID int64, field string) (string, error)
}

// StateLoader is the subset of state.Manager used by StateAddressBook.
type StateLoader interface {
	LoadState(ctx context.Context, recipientID int64) (state.State, error)
}

// StateAddressBook reads addresses from the recipient's conversation state,
// where the bot stores them while onboarding the user.
type StateAddressBook struct {
	states StateLoader
}

func NewStateAddressBook(states StateLoader) *StateAddressBook {
	return &StateAddressBook{states: states}
}

func (b *StateAddressBook) Lookup(ctx context.Context, recipientID int64, field string) (string, error) {
	st, err := b.states.LoadState(ctx, recipientID)
	if err != nil {
		return "", fmt.Errorf("load recipient %d: %w", recipientID, err)
	}
	v, _ := st[field].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: recipient %d, field %s", ErrNoAddress, recipientID, field)
	}
	return v, nil
}

// StaticAddressBook is a fixed map, used in development and tests.
type StaticAddressBook map[int64]map[string]string

func (b StaticAddressBook) Lookup(_ context.Context, recipientID int64, field string) (string, error) {
	if v := b[recipientID][field]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: recipient %d, field %s", ErrNoAddress, recipientID, field)
}

// lookup resolves an address and maps lookup failures onto error classes.
func lookup(ctx context.Context, book AddressBook, recipientID int64, field string) (string, error) {
	addr, err := book.Lookup(ctx, recipientID, field)
	if err == nil {
		return addr, nil
	}
	if errors.Is(err, ErrNoAddress) {
		return "", NewPermanent("no_address", err)
	}
	return "", NewRetryable("address_lookup", err)
}
