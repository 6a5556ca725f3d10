package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/engine"
	"github.com/tbourn/go-stars-fulfillment/internal/http/middleware"
)

// Outcome codes returned in Result.Outcome.
const (
	OutcomeOK              = "ok"
	OutcomeBelowMinimum    = "quantity_below_minimum"
	OutcomeInvalidHandle   = "invalid_handle_format"
	OutcomeHandleNotFound  = "handle_not_found"
	OutcomeNoToken         = "no_token_configured"
	OutcomeAmbiguous       = "ambiguous_order_reference"
	OutcomeOrderNotFound   = "order_not_found"
	OutcomeRefundDisabled  = "refund_disabled"
	OutcomeRefundFailed    = "refund_failed"
	OutcomeNoActiveOrder   = "no_active_order"
	OutcomeAwaitingPayment = "awaiting_payment"
	OutcomePurchaseFailed  = "purchase_failed"
)

var outcomeCodes = []struct {
	err  error
	code string
}{
	{engine.ErrQuantityBelowMinimum, OutcomeBelowMinimum},
	{engine.ErrInvalidHandleFormat, OutcomeInvalidHandle},
	{engine.ErrHandleNotFound, OutcomeHandleNotFound},
	{engine.ErrNoTokenConfigured, OutcomeNoToken},
	{engine.ErrAmbiguousOrderReference, OutcomeAmbiguous},
	{engine.ErrOrderNotFound, OutcomeOrderNotFound},
	{engine.ErrRefundDisabled, OutcomeRefundDisabled},
	{engine.ErrRefundFailed, OutcomeRefundFailed},
	{engine.ErrNoActiveOrder, OutcomeNoActiveOrder},
	{engine.ErrAwaitingPayment, OutcomeAwaitingPayment},
}

// Result is the body of every engine-backed endpoint.
type Result struct {
	Outcome string `json:"outcome"`
	// Kind and Reason are set for purchase_failed.
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	// Queue is the chat's queue after a command.
	Queue []domain.PendingOrder `json:"queue,omitempty"`
}

// resultFor maps an engine error to a Result. known is false for errors the
// engine did not classify; those are server failures.
func resultFor(err error) (res Result, known bool) {
	if err == nil {
		return Result{Outcome: OutcomeOK}, true
	}
	if f, ok := engine.IsFailure(err); ok {
		return Result{
			Outcome: OutcomePurchaseFailed,
			Kind:    string(f.Kind),
			Reason:  string(f.Reason),
			Message: f.Message,
		}, true
	}
	for _, oc := range outcomeCodes {
		if errors.Is(err, oc.err) {
			return Result{Outcome: oc.code, Message: err.Error()}, true
		}
	}
	return Result{}, false
}

// respond writes the Result of an engine call. queue, when non-nil, supplies
// the queue snapshot for command endpoints.
func respond(c *gin.Context, err error, queue func() []domain.PendingOrder) {
	res, known := resultFor(err)
	if !known {
		fail(c, http.StatusInternalServerError, ErrCodeEngineFailed, err.Error())
		return
	}
	middleware.SetOutcome(c, res.Outcome)
	if res.Outcome != OutcomeOK {
		middleware.LoggerFrom(c).Info().Str("outcome", res.Outcome).Msg("engine outcome")
	}
	if queue != nil {
		res.Queue = queue()
	}
	ok(c, http.StatusOK, res)
}
