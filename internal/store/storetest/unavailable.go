package storetest

import (
	"context"
	"errors"

	"llmready/internal/store"
)

var ErrUnavailable = errors.New("connection refused")

// Unavailable is a store.Store whose transactions never start.
type Unavailable struct{}

func (Unavailable) InTx(context.Context, func(tx store.Tx) error) error {
	return ErrUnavailable
}
