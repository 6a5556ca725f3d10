package engine

import "errors"

// Outcome errors. The buyer has already been told about every one of them;
// callers use them to report what happened, not to retry.
var (
	// ErrQuantityBelowMinimum is returned when an order is too small for
	// automatic fulfillment.
	ErrQuantityBelowMinimum = errors.New("quantity below minimum")

	// ErrInvalidHandleFormat is returned when the buyer's text holds no
	// valid handle.
	ErrInvalidHandleFormat = errors.New("invalid handle format")

	// ErrHandleNotFound is returned when the purchase service does not know
	// the handle.
	ErrHandleNotFound = errors.New("handle not found")

	// ErrNoTokenConfigured is returned when a purchase is requested but no
	// purchase token is configured.
	ErrNoTokenConfigured = errors.New("no purchase token configured")

	// ErrAmbiguousOrderReference is returned when a command without an order
	// id matches several open orders.
	ErrAmbiguousOrderReference = errors.New("ambiguous order reference")

	// ErrOrderNotFound is returned when a command names an order that is not
	// open in the chat.
	ErrOrderNotFound = errors.New("order not found")

	// ErrRefundFailed is returned when the marketplace rejects a refund.
	ErrRefundFailed = errors.New("refund failed")

	// ErrRefundDisabled is returned when manual refunds are switched off.
	ErrRefundDisabled = errors.New("manual refund disabled")

	// ErrNoActiveOrder is returned when a command arrives for a chat with
	// nothing open.
	ErrNoActiveOrder = errors.New("no active order")

	// ErrAwaitingPayment is returned when a confirmation targets an order
	// whose handle was captured before payment; it is sent on the paid notice.
	ErrAwaitingPayment = errors.New("order awaits payment notice")
)
