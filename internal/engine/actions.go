package engine

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/outcome"
	"github.com/tbourn/go-stars-fulfillment/internal/parse"
)

const auditBodyLimit = 500

// Confirm is the explicit confirm action. With an empty oid it behaves like
// the buyer's "+" command.
func (e *Engine) Confirm(ctx context.Context, chat, oid string) error {
	ctx, span := tracer.Start(ctx, "Confirm", trace.WithAttributes(
		attribute.String("chat.key", chat), attribute.String("order.id", oid)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.detach(ctx)
	defer cancel()

	st := e.chatSettings(ctx, chat)
	if handled, err := e.confirmCommand(ctx, chat, st, oid); handled {
		return err
	}
	// a lone order still waiting for a handle gets the handle prompt again
	if items := e.queue.Actionable(chat); len(items) == 1 {
		return e.confirm(ctx, chat, st, items[0])
	}
	e.say(ctx, chat, st, domain.TplNoActiveOrder, domain.TemplateVars{})
	return ErrNoActiveOrder
}

// confirmCommand resolves the target of a confirmation. handled is false when
// a bare "+" matched no order awaiting confirmation, so the text can still be
// read as a handle.
func (e *Engine) confirmCommand(ctx context.Context, chat string, st domain.ChatSettings, oid string) (handled bool, err error) {
	if oid != "" {
		item := e.queue.FindByID(chat, oid)
		if item == nil {
			e.say(ctx, chat, st, domain.TplOrderNotFound, domain.TemplateVars{OrderID: oid, OrderURL: e.orderURL(oid)})
			return true, ErrOrderNotFound
		}
		return true, e.confirm(ctx, chat, st, item)
	}

	var waiting []*domain.PendingOrder
	for _, it := range e.queue.Actionable(chat) {
		if it.Stage == domain.StageAwaitConfirm {
			waiting = append(waiting, it)
		}
	}
	switch len(waiting) {
	case 0:
		if head := e.queue.Head(chat); head != nil && head.Stage == domain.StageAwaitPaid {
			return true, ErrAwaitingPayment
		}
		return false, nil
	case 1:
		return true, e.confirm(ctx, chat, st, waiting[0])
	default:
		ids := make([]string, 0, len(waiting))
		for _, it := range waiting {
			ids = append(ids, it.OrderID)
		}
		e.say(ctx, chat, st, domain.TplAmbiguous, domain.TemplateVars{OrderIDs: ids})
		return true, ErrAmbiguousOrderReference
	}
}

// confirm checks the preconditions of a purchase and runs it.
func (e *Engine) confirm(ctx context.Context, chat string, st domain.ChatSettings, item *domain.PendingOrder) error {
	if item.Stage == domain.StageAwaitPaid {
		return ErrAwaitingPayment
	}
	if item.Candidate == "" || !parse.Validate(item.Candidate) {
		item.Stage = domain.StageAwaitUsername
		item.Candidate = ""
		e.say(ctx, chat, st, domain.TplUsernameInvalid, e.vars(item))
		e.persist(ctx, chat)
		return ErrInvalidHandleFormat
	}
	if minQty := st.MinQty(); item.Quantity < minQty {
		e.say(ctx, chat, st, domain.TplBelowMinimum, domain.TemplateVars{Qty: minQty, OrderID: item.OrderID, OrderURL: e.orderURL(item.OrderID)})
		return ErrQuantityBelowMinimum
	}
	if !st.HasToken() {
		e.say(ctx, chat, st, domain.TplNoToken, e.vars(item))
		return ErrNoTokenConfigured
	}
	item.Confirmed = true
	return e.attemptPurchase(ctx, chat, st, item)
}

// attemptPurchase calls the purchase service for item and applies the
// outcome. A username failure reverts the order; a seller failure ends it.
func (e *Engine) attemptPurchase(ctx context.Context, chat string, st domain.ChatSettings, item *domain.PendingOrder) error {
	ctx, span := tracer.Start(ctx, "Purchase", trace.WithAttributes(
		attribute.String("order.id", item.OrderID),
		attribute.Int("order.qty", item.Quantity),
	))
	defer span.End()

	e.say(ctx, chat, st, domain.TplSending, e.vars(item))
	res, err := e.purchaser.Purchase(ctx, st.Token, item.Candidate, item.Quantity)
	e.log.Info().
		Str("chat", chat).
		Str("order_id", item.OrderID).
		Int("qty", item.Quantity).
		Bool("has_handle", item.Candidate != "").
		Int("status", res.Status).
		Str("body", clip(res.Body, auditBodyLimit)).
		Err(err).
		Msg("purchase attempt")

	if err == nil && res.OK {
		purchasesTotal.WithLabelValues("sent").Inc()
		item.Finalized = true
		wasHead := e.queue.Head(chat) == item
		e.say(ctx, chat, st, domain.TplSent, e.vars(item))
		e.finish(ctx, chat, item)
		if wasHead {
			e.promptNext(ctx, chat, st)
		}
		e.persist(ctx, chat)
		return nil
	}

	var fail outcome.Failure
	if err != nil {
		fail = outcome.FromError(err)
	} else {
		fail = e.classifier(chat, st.Token).Classify(ctx, res.Body, res.Status, item.Candidate)
	}
	span.SetAttributes(attribute.String("failure.reason", string(fail.Reason)))

	if fail.Retryable() {
		purchasesTotal.WithLabelValues("username").Inc()
		item.Stage = domain.StageAwaitUsername
		item.Candidate = ""
		item.Confirmed = false
		delete(e.preorders, item.OrderID)
		e.say(ctx, chat, st, domain.TplUsernameInvalid, e.vars(item))
		e.persist(ctx, chat)
		return fail
	}

	purchasesTotal.WithLabelValues("seller").Inc()
	item.Finalized = true
	v := e.vars(item)
	v.Reason = fail.Message
	e.say(ctx, chat, st, domain.TplFailed, v)
	e.log.Error().
		Str("chat", chat).
		Str("order_id", item.OrderID).
		Int("qty", item.Quantity).
		Int("status", res.Status).
		Str("reason", string(fail.Reason)).
		Str("body", clip(res.Body, auditBodyLimit)).
		Msg("purchase failed")

	e.refundPolicy(ctx, chat, st, item)
	e.checkBalance(ctx, st)

	wasHead := e.queue.Head(chat) == item
	e.finish(ctx, chat, item)
	if wasHead {
		e.promptNext(ctx, chat, st)
	}
	e.persist(ctx, chat)
	return fail
}

// refundPolicy runs after a seller-kind failure.
func (e *Engine) refundPolicy(ctx context.Context, chat string, st domain.ChatSettings, item *domain.PendingOrder) {
	if !st.AutoRefund || item.OrderID == "" {
		e.say(ctx, chat, st, domain.TplRefundWaitSeller, e.vars(item))
		return
	}
	if err := e.host.Refund(ctx, item.OrderID); err != nil {
		refundsTotal.WithLabelValues("auto", "error").Inc()
		e.log.Error().Err(err).Str("chat", chat).Str("order_id", item.OrderID).Msg("auto refund failed")
		v := e.vars(item)
		v.Reason = err.Error()
		e.say(ctx, chat, st, domain.TplRefundFailed, v)
		return
	}
	refundsTotal.WithLabelValues("auto", "ok").Inc()
	e.log.Info().Str("chat", chat).Str("order_id", item.OrderID).Msg("auto refund done")
	e.say(ctx, chat, st, domain.TplRefundOK, e.vars(item))
}

// checkBalance deactivates every lot when the purchase wallet runs low.
func (e *Engine) checkBalance(ctx context.Context, st domain.ChatSettings) {
	if !st.AutoDeactivate || !st.HasToken() {
		return
	}
	bal, err := e.purchaser.Balance(ctx, st.Token)
	if err != nil {
		e.log.Warn().Err(err).Msg("balance check failed")
		return
	}
	if bal < st.MinBalanceTON {
		e.deactivate(ctx, fmt.Sprintf("low balance: %.2f TON < %.2f TON", bal, st.MinBalanceTON), "low_balance")
	}
}

// deactivate switches off every lot. Failures are logged only.
func (e *Engine) deactivate(ctx context.Context, reason, cause string) {
	deactivationsTotal.WithLabelValues(cause).Inc()
	rep, err := e.host.DeactivateAllLots(ctx, reason)
	if err != nil {
		e.log.Error().Err(err).Str("reason", reason).Msg("lot deactivation failed")
		return
	}
	e.log.Warn().
		Str("reason", reason).
		Ints("deactivated", rep.Deactivated).
		Ints("skipped", rep.Skipped).
		Ints("failed", rep.Failed).
		Msg("lots deactivated")
}

// finish removes a resolved order and records it as done.
func (e *Engine) finish(ctx context.Context, chat string, item *domain.PendingOrder) {
	e.queue.Remove(chat, item)
	delete(e.preorders, item.OrderID)
	if item.OrderID == "" {
		return
	}
	e.dedup.UnmarkPrompted(chat, item.OrderID, true)
	if e.dedup.MarkDone(chat, item.OrderID) && e.store != nil {
		if err := e.store.MarkDone(ctx, chat, item.OrderID); err != nil {
			e.log.Warn().Err(err).Str("order_id", item.OrderID).Msg("persist done order failed")
		}
	}
}

// promptNext prompts the new head of chat, if any.
func (e *Engine) promptNext(ctx context.Context, chat string, st domain.ChatSettings) {
	head := e.queue.Head(chat)
	if head == nil || !head.Actionable() {
		return
	}
	switch {
	case head.Stage == domain.StageAwaitPaid:
		return
	case head.Stage == domain.StageAwaitConfirm && head.Candidate != "":
		e.say(ctx, chat, st, domain.TplConfirmPrompt, e.vars(head))
	default:
		e.say(ctx, chat, st, domain.TplNextOrder, e.vars(head))
	}
	head.Prompted = true
	e.dedup.MarkPrompted(chat, head.OrderID)
}

// Cancel drops the referenced order, or the head when oid is empty.
func (e *Engine) Cancel(ctx context.Context, chat, oid string) error {
	ctx, span := tracer.Start(ctx, "Cancel", trace.WithAttributes(
		attribute.String("chat.key", chat), attribute.String("order.id", oid)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.detach(ctx)
	defer cancel()
	return e.cancel(ctx, chat, e.chatSettings(ctx, chat), oid)
}

func (e *Engine) cancel(ctx context.Context, chat string, st domain.ChatSettings, oid string) error {
	head := e.queue.Head(chat)
	var item *domain.PendingOrder
	if oid != "" {
		item = e.queue.RemoveByID(chat, oid)
		if item == nil {
			e.say(ctx, chat, st, domain.TplOrderNotFound, domain.TemplateVars{OrderID: oid, OrderURL: e.orderURL(oid)})
			return ErrOrderNotFound
		}
		e.dedup.UnmarkPrompted(chat, item.OrderID, true)
	} else {
		// the queue's Release hook forgets the prompt marks of the head
		item = e.queue.PopHead(chat, false)
		if item == nil {
			e.say(ctx, chat, st, domain.TplNoActiveOrder, domain.TemplateVars{})
			return ErrNoActiveOrder
		}
	}

	wasHead := item == head
	delete(e.preorders, item.OrderID)
	e.log.Info().Str("chat", chat).Str("order_id", item.OrderID).Msg("order cancelled")
	e.say(ctx, chat, st, domain.TplCancelled, e.vars(item))
	if wasHead {
		e.promptNext(ctx, chat, st)
	}
	e.persist(ctx, chat)
	return nil
}

// ManualRefund refunds one open order on request of the buyer or seller.
func (e *Engine) ManualRefund(ctx context.Context, chat, oid string) error {
	ctx, span := tracer.Start(ctx, "ManualRefund", trace.WithAttributes(
		attribute.String("chat.key", chat), attribute.String("order.id", oid)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.detach(ctx)
	defer cancel()
	return e.manualRefund(ctx, chat, e.chatSettings(ctx, chat), oid)
}

func (e *Engine) manualRefund(ctx context.Context, chat string, st domain.ChatSettings, oid string) error {
	if !st.ManualRefundEnabled || (!st.ManualRefundPriority && !st.AutoRefund) {
		e.say(ctx, chat, st, domain.TplRefundDisabled, domain.TemplateVars{OrderID: oid})
		return ErrRefundDisabled
	}

	ids := e.queue.ActionableIDs(chat)
	if len(ids) == 0 {
		return ErrNoActiveOrder
	}

	var item *domain.PendingOrder
	switch {
	case oid != "":
		item = e.queue.FindByID(chat, oid)
		if item == nil {
			e.say(ctx, chat, st, domain.TplOrderNotFound, domain.TemplateVars{OrderID: oid, OrderURL: e.orderURL(oid)})
			return ErrOrderNotFound
		}
	case len(ids) > 1:
		e.say(ctx, chat, st, domain.TplAmbiguous, domain.TemplateVars{OrderIDs: ids})
		return ErrAmbiguousOrderReference
	default:
		item = e.queue.FindByID(chat, ids[0])
	}

	if err := e.host.Refund(ctx, item.OrderID); err != nil {
		refundsTotal.WithLabelValues("manual", "error").Inc()
		e.log.Error().Err(err).Str("chat", chat).Str("order_id", item.OrderID).Msg("manual refund failed")
		v := e.vars(item)
		v.Reason = err.Error()
		e.say(ctx, chat, st, domain.TplRefundFailed, v)
		return fmt.Errorf("%w: order %s: %v", ErrRefundFailed, item.OrderID, err)
	}
	refundsTotal.WithLabelValues("manual", "ok").Inc()
	e.log.Info().Str("chat", chat).Str("order_id", item.OrderID).Msg("manual refund done")
	e.say(ctx, chat, st, domain.TplRefundOK, e.vars(item))

	wasHead := e.queue.Head(chat) == item
	e.finish(ctx, chat, item)
	if wasHead {
		e.promptNext(ctx, chat, st)
	}
	e.persist(ctx, chat)
	return nil
}

// RequestHandleChange forgets the handle of an open order and asks for a
// new one.
func (e *Engine) RequestHandleChange(ctx context.Context, chat, oid string) error {
	ctx, span := tracer.Start(ctx, "RequestHandleChange", trace.WithAttributes(
		attribute.String("chat.key", chat), attribute.String("order.id", oid)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.detach(ctx)
	defer cancel()

	st := e.chatSettings(ctx, chat)
	var item *domain.PendingOrder
	if oid != "" {
		item = e.queue.FindByID(chat, oid)
	} else if head := e.queue.Head(chat); head.Actionable() {
		item = head
	}
	if item == nil {
		if oid != "" {
			e.say(ctx, chat, st, domain.TplOrderNotFound, domain.TemplateVars{OrderID: oid, OrderURL: e.orderURL(oid)})
			return ErrOrderNotFound
		}
		e.say(ctx, chat, st, domain.TplNoActiveOrder, domain.TemplateVars{})
		return ErrNoActiveOrder
	}

	item.Stage = domain.StageAwaitUsername
	item.Candidate = ""
	item.Confirmed = false
	delete(e.preorders, item.OrderID)
	e.say(ctx, chat, st, domain.TplHandleChange, e.vars(item))
	e.persist(ctx, chat)
	return nil
}

// IsFailure reports whether err carries a classified purchase failure.
func IsFailure(err error) (outcome.Failure, bool) {
	var f outcome.Failure
	ok := errors.As(err, &f)
	return f, ok
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
