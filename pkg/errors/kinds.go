package errors

import (
	"errors"
	"fmt"
)

// Kind is the stable code of a simulation error, used on the control protocol.
type Kind string

// Simulation error kinds
const (
	KindUnknown                       Kind = ""
	KindInsufficientFunds             Kind = "insufficient_funds"
	KindDailyCapExceeded              Kind = "daily_cap_exceeded"
	KindNoActiveJob                   Kind = "no_active_job"
	KindUnknownLink                   Kind = "unknown_link"
	KindUnknownJob                    Kind = "unknown_job"
	KindUnknownTier                   Kind = "unknown_tier"
	KindInvalidAmount                 Kind = "invalid_amount"
	KindPriceOutOfSpread              Kind = "price_out_of_spread"
	KindMalformedIdentifier           Kind = "malformed_identifier"
	KindChecksumMismatch              Kind = "checksum_mismatch"
	KindLedgerCorruption              Kind = "ledger_corruption"
	KindInvalidDistributionParameters Kind = "invalid_distribution_parameters"
)

var (
	ErrInsufficientFunds             = errors.New("insufficient funds")
	ErrDailyCapExceeded              = errors.New("daily cap exceeded")
	ErrNoActiveJob                   = errors.New("no active job")
	ErrUnknownLink                   = errors.New("unknown link")
	ErrUnknownJob                    = errors.New("unknown job")
	ErrUnknownTier                   = errors.New("unknown upgrade tier")
	ErrInvalidAmount                 = errors.New("invalid amount")
	ErrPriceOutOfSpread              = errors.New("price out of spread")
	ErrLedgerCorruption              = errors.New("ledger corruption")
	ErrInvalidDistributionParameters = errors.New("invalid distribution parameters")

	// ErrInvalidIdentifier is the parent of both identifier failures.
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrMalformedIdentifier = fmt.Errorf("%w: malformed", ErrInvalidIdentifier)
	ErrChecksumMismatch    = fmt.Errorf("%w: checksum mismatch", ErrInvalidIdentifier)
)

// Order matters: the identifier children must be checked before their parent.
var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrDailyCapExceeded, KindDailyCapExceeded},
	{ErrNoActiveJob, KindNoActiveJob},
	{ErrUnknownLink, KindUnknownLink},
	{ErrUnknownJob, KindUnknownJob},
	{ErrUnknownTier, KindUnknownTier},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrPriceOutOfSpread, KindPriceOutOfSpread},
	{ErrMalformedIdentifier, KindMalformedIdentifier},
	{ErrChecksumMismatch, KindChecksumMismatch},
	{ErrLedgerCorruption, KindLedgerCorruption},
	{ErrInvalidDistributionParameters, KindInvalidDistributionParameters},
}

// KindOf returns the simulation kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Economy wraps a simulation sentinel as a non-retryable ServiceError.
func Economy(sentinel error, operation, message string) *ServiceError {
	se := Wrap(sentinel, ErrorTypeEconomy, operation, message)
	se.Retryable = false
	return se
}
