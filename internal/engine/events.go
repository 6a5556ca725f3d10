package engine

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/parse"
)

var tracer = otel.Tracer("engine/Engine")

// HandleNewOrder applies a new-order event. Orders below the minimum
// quantity never enter the queue: the buyer is told the order is handled
// manually and every lot is deactivated.
func (e *Engine) HandleNewOrder(ctx context.Context, ev domain.NewOrderEvent) error {
	ctx, span := tracer.Start(ctx, "HandleNewOrder",
		trace.WithAttributes(
			attribute.String("chat.key", ev.ChatKey),
			attribute.String("order.id", ev.OrderID),
		),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.detach(ctx)
	defer cancel()

	chat, oid := ev.ChatKey, strings.TrimSpace(ev.OrderID)
	st := e.chatSettings(ctx, chat)
	if !st.PluginEnabled {
		return nil
	}
	if parse.IsExcludedOrder(ev.Title, ev.Description, ev.BuyerNote, ev.Message) {
		e.log.Info().Str("chat", chat).Str("order_id", oid).Msg("gift/account-login order ignored")
		return nil
	}
	if e.dedup.IsDone(oid) {
		return nil
	}

	minQty := st.MinQty()
	qty := ev.Quantity
	if qty <= 0 {
		qty = parse.QuantityFromTitle(ev.Title, minQty)
	}
	if qty > 0 && qty < minQty {
		e.log.Warn().Str("chat", chat).Str("order_id", oid).Int("qty", qty).Msg("order below minimum quantity")
		e.say(ctx, chat, st, domain.TplBelowMinimum, domain.TemplateVars{Qty: minQty, OrderID: oid, OrderURL: e.orderURL(oid)})
		e.deactivate(ctx, "below minimum: order #"+oid+" is under the minimum quantity", "below_minimum")
		return ErrQuantityBelowMinimum
	}
	if qty <= 0 {
		qty = minQty
	}

	// redelivered order: refresh the quantity only
	if oid != "" {
		if owner, known := e.queue.Lookup(oid); known != nil {
			e.queue.SetQuantity(owner, oid, qty)
			e.persist(ctx, owner)
			return nil
		}
	}

	ahead := len(e.queue.Actionable(chat)) > 0
	item := e.queue.Push(chat, domain.PendingOrder{OrderID: oid, Quantity: qty, Stage: domain.StageAwaitUsername})

	handle := parse.ExtractFromStructured(parse.OrderFields{
		Title:       ev.Title,
		Description: ev.Description,
		BuyerNote:   ev.BuyerNote,
		Message:     ev.Message,
		Attributes:  ev.Attributes,
	})
	if handle != "" && (e.isSeller(handle) || !parse.Validate(handle)) {
		handle = ""
	}

	if st.CaptureHandleFromOrder && handle != "" && oid != "" {
		item.Stage = domain.StageAwaitPaid
		item.Candidate = handle
		e.preorders[oid] = domain.Preorder{Username: handle, Quantity: qty}
		e.log.Info().Str("chat", chat).Str("order_id", oid).Msg("handle captured from order, waiting for payment")
		if !ahead {
			e.say(ctx, chat, st, domain.TplUsernameReceived, e.vars(item))
		}
		e.persist(ctx, chat)
		return nil
	}

	if ahead {
		e.say(ctx, chat, st, domain.TplQueuedMore, e.vars(item))
		e.persist(ctx, chat)
		return nil
	}

	e.promptOrder(ctx, chat, st, item, handle, domain.TplPurchaseCreated)
	e.persist(ctx, chat)
	return nil
}

// promptOrder asks the buyer about item: a confirmation when a usable handle
// is already known, otherwise a request for one using askKey.
func (e *Engine) promptOrder(ctx context.Context, chat string, st domain.ChatSettings, item *domain.PendingOrder, handle, askKey string) {
	if handle != "" && st.HasToken() && !e.handleExists(ctx, chat, handle, st.Token) {
		handle = ""
	}
	if handle != "" {
		item.Stage = domain.StageAwaitConfirm
		item.Candidate = handle
		e.say(ctx, chat, st, domain.TplUsernameValid, e.vars(item))
		e.say(ctx, chat, st, domain.TplConfirmPrompt, e.vars(item))
	} else {
		e.dedup.ShouldPromptOnce(chat, item.OrderID, item.Quantity)
		e.say(ctx, chat, st, askKey, e.vars(item))
	}
	item.Prompted = true
	e.dedup.MarkPrompted(chat, item.OrderID)
}

// HandleMessage applies a chat message: system paid notices, buyer commands
// and free text carrying a handle.
func (e *Engine) HandleMessage(ctx context.Context, ev domain.NewMessageEvent) error {
	ctx, span := tracer.Start(ctx, "HandleMessage",
		trace.WithAttributes(
			attribute.String("chat.key", ev.ChatKey),
			attribute.String("author", ev.Author),
		),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.detach(ctx)
	defer cancel()

	chat := ev.ChatKey
	if from, ok := e.queue.AdoptForeign(chat); ok {
		e.log.Warn().Str("from", from).Str("chat", chat).Msg("queue merged under new chat key")
		e.persist(ctx, from, chat)
	}

	if ev.IsAutoReply {
		e.log.Debug().Str("chat", chat).Msg("auto-reply skipped")
		return nil
	}

	text := strings.TrimSpace(ev.Text)
	system := strings.EqualFold(ev.Author, e.cfg.SystemAuthor)
	if system && parse.IsExcludedOrder(text) {
		e.log.Info().Str("chat", chat).Msg("gift/account-login system note ignored")
		return nil
	}

	st := e.chatSettings(ctx, chat)
	if !st.PluginEnabled {
		return nil
	}

	if pruned := e.queue.Prune(chat, e.dedup.IsDone); len(pruned) > 0 {
		for _, it := range pruned {
			delete(e.preorders, it.OrderID)
		}
		e.persist(ctx, chat)
	}

	if system {
		if parse.IsPaidNotice(text) {
			return e.onPaidNotice(ctx, chat, st, text)
		}
		return nil
	}
	if text == "" {
		return nil
	}
	if e.isSeller(ev.Author) && !awaitingInput(e.queue.Head(chat)) {
		return nil
	}

	cmd := parse.ParseCommand(text)
	switch cmd.Kind {
	case parse.CmdRefund:
		return e.manualRefund(ctx, chat, st, cmd.OrderID)
	case parse.CmdCancel:
		return e.cancel(ctx, chat, st, cmd.OrderID)
	case parse.CmdConfirm:
		if handled, err := e.confirmCommand(ctx, chat, st, cmd.OrderID); handled {
			return err
		}
	}
	return e.onFreeText(ctx, chat, st, text)
}

func awaitingInput(it *domain.PendingOrder) bool {
	return it != nil && (it.Stage == domain.StageAwaitUsername || it.Stage == domain.StageAwaitConfirm)
}

// onPaidNotice handles a marketplace "order paid" notice.
func (e *Engine) onPaidNotice(ctx context.Context, chat string, st domain.ChatSettings, text string) error {
	n := parse.PaidNoticeDetails(text)
	oid, qty := n.OrderID, n.Quantity
	if e.dedup.IsDone(oid) {
		return nil
	}
	minQty := st.MinQty()
	if qty > 0 && qty < minQty {
		e.log.Warn().Str("chat", chat).Str("order_id", oid).Int("qty", qty).Msg("paid notice below minimum quantity ignored")
		return nil
	}
	if oid != "" && qty > 0 {
		if owner, _ := e.queue.Lookup(oid); owner != "" {
			e.queue.SetQuantity(owner, oid, qty)
		}
		if pre, ok := e.preorders[oid]; ok {
			pre.Quantity = qty
			e.preorders[oid] = pre
		}
	}

	item := e.queue.Find(chat, oid)
	if item == nil && oid != "" {
		if owner, other := e.queue.Lookup(oid); other != nil {
			// the host reported the order under another chat key
			e.queue.Remove(owner, other)
			item = e.queue.Push(chat, *other)
			e.persist(ctx, owner)
		} else if pre, ok := e.preorders[oid]; ok {
			item = e.queue.Push(chat, domain.PendingOrder{OrderID: oid, Quantity: pre.Quantity, Stage: domain.StageAwaitPaid, Candidate: pre.Username})
		}
	}

	if item == nil {
		if oid == "" && e.queue.Len(chat) > 0 {
			return nil
		}
		if qty <= 0 {
			qty = minQty
		}
		ahead := len(e.queue.Actionable(chat)) > 0
		item = e.queue.Push(chat, domain.PendingOrder{OrderID: oid, Quantity: qty, Stage: domain.StageAwaitUsername})
		if e.dedup.ShouldPromptOnce(chat, oid, n.Quantity) {
			key := domain.TplPurchaseCreated
			if ahead {
				key = domain.TplQueuedMore
			}
			e.say(ctx, chat, st, key, e.vars(item))
			item.Prompted = true
			e.dedup.MarkPrompted(chat, oid)
		}
		e.persist(ctx, chat)
		return nil
	}

	if item.Stage == domain.StageAwaitPaid && item.Candidate != "" {
		if !st.HasToken() {
			if e.dedup.ShouldPromptOnce(chat, oid, n.Quantity) {
				e.say(ctx, chat, st, domain.TplNoToken, e.vars(item))
			}
			e.persist(ctx, chat)
			return ErrNoTokenConfigured
		}
		item.Prompted = true
		item.Confirmed = true
		e.dedup.MarkPrompted(chat, oid)
		return e.attemptPurchase(ctx, chat, st, item)
	}

	if !item.Prompted && !e.dedup.WasPrompted(chat, oid) {
		if e.dedup.ShouldPromptOnce(chat, oid, n.Quantity) {
			if item.Stage == domain.StageAwaitPaid {
				item.Stage = domain.StageAwaitUsername
			}
			key := domain.TplPurchaseCreated
			if e.queue.Head(chat) != item {
				key = domain.TplQueuedMore
			}
			e.say(ctx, chat, st, key, e.vars(item))
			item.Prompted = true
			e.dedup.MarkPrompted(chat, oid)
		}
	}
	e.persist(ctx, chat)
	return nil
}

// onFreeText treats text as a handle for the head order.
func (e *Engine) onFreeText(ctx context.Context, chat string, st domain.ChatSettings, text string) error {
	head := e.queue.Head(chat)
	if !awaitingInput(head) || !head.Actionable() {
		return nil
	}

	handle := parse.Normalize(parse.Extract(text))
	if handle == "" || !parse.Validate(handle) || e.isSeller(handle) {
		head.Stage = domain.StageAwaitUsername
		head.Candidate = ""
		e.say(ctx, chat, st, domain.TplUsernameInvalid, e.vars(head))
		e.persist(ctx, chat)
		return ErrInvalidHandleFormat
	}
	if st.HasToken() && !e.handleExists(ctx, chat, handle, st.Token) {
		head.Stage = domain.StageAwaitUsername
		head.Candidate = ""
		e.say(ctx, chat, st, domain.TplUsernameInvalid, e.vars(head))
		e.persist(ctx, chat)
		return ErrHandleNotFound
	}

	head.Candidate = handle
	head.Stage = domain.StageAwaitConfirm
	head.Confirmed = false
	e.say(ctx, chat, st, domain.TplUsernameValid, e.vars(head))
	e.say(ctx, chat, st, domain.TplConfirmPrompt, e.vars(head))
	e.persist(ctx, chat)
	return nil
}
