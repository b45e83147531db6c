package service

import (
	"errors"
	"fmt"

	"keybot/internal/model"
)

// classify leaves domain errors untouched and marks anything else (commit failures, driver errors)
// as a storage failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrStoreUnavailable) || errors.Is(err, model.ErrUnknownUser) ||
		errors.Is(err, model.ErrLedgerMismatch) || model.IsBusinessRule(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}
