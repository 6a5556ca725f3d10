package engine

import (
	"context"
	"fmt"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// QueueView returns a copy of chat's queue, head first.
func (e *Engine) QueueView(chat string) []domain.PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Snapshot(chat)
}

// IsDone reports whether oid has been fulfilled or refunded.
func (e *Engine) IsDone(oid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dedup.IsDone(oid)
}

// Restore reloads queues and done order ids from the store. Preorders are
// rebuilt from AWAIT_PAID entries that carry a handle.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Restore")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	done, err := e.store.ListDone(ctx)
	if err != nil {
		return fmt.Errorf("load done orders: %w", err)
	}
	queues, err := e.store.LoadQueues(ctx)
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}

	e.dedup.RestoreDone(done)
	orders := 0
	for chat, items := range queues {
		e.queue.Restore(chat, items)
		for _, it := range items {
			if it.Prompted && it.OrderID != "" {
				e.dedup.MarkPrompted(chat, it.OrderID)
			}
			if it.Stage == domain.StageAwaitPaid && it.Candidate != "" && it.OrderID != "" {
				e.preorders[it.OrderID] = domain.Preorder{Username: it.Candidate, Quantity: it.Quantity}
			}
		}
		orders += len(items)
	}
	queueDepth.Set(float64(orders))
	e.log.Info().Int("chats", len(queues)).Int("orders", orders).Int("done", len(done)).Msg("engine state restored")
	return nil
}

// persist saves the queues of chats and refreshes the depth gauge. Store
// errors are logged; the in-memory state stays authoritative.
func (e *Engine) persist(ctx context.Context, chats ...string) {
	total := 0
	for _, c := range e.queue.Chats() {
		total += e.queue.Len(c)
	}
	queueDepth.Set(float64(total))

	if e.store == nil {
		return
	}
	for _, chat := range chats {
		if err := e.store.SaveQueue(ctx, chat, e.queue.Snapshot(chat)); err != nil {
			e.log.Warn().Err(err).Str("chat", chat).Msg("persist queue failed")
		}
	}
}
