package crawler

import (
	"context"
	"errors"
)

// Sentinel errors shared by stores, the controller and the API.
var (
	ErrSourceNotFound     = errors.New("source not found")
	ErrProductNotFound    = errors.New("product not found")
	ErrPaginationNotFound = errors.New("pagination not found")
	ErrStateConflict      = errors.New("source state conflict")
	ErrNotConfigured      = errors.New("source locators not configured")
	ErrMissingLocator     = errors.New("missing locator")
	ErrReprocessRunning   = errors.New("reprocessing pass already running")
	ErrInvalidLocators    = errors.New("invalid locators")
	ErrInvalidURL         = errors.New("invalid source url")
	ErrQueueClosed        = errors.New("queue closed")
)

// IsPermanent reports whether retrying the triggering task cannot help.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSourceNotFound),
		errors.Is(err, ErrPaginationNotFound),
		errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrNotConfigured),
		errors.Is(err, ErrInvalidLocators),
		errors.Is(err, ErrInvalidURL),
		errors.Is(err, ErrReprocessRunning),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}
