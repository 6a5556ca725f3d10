// Package queue holds the per-chat FIFO of pending orders. The head of a
// chat's queue is the order the buyer is currently talking about; explicit
// order-id commands may reach any entry without reordering the rest.
//
// A Queue is not safe for concurrent use; the engine serializes access.
package queue

import (
	"sort"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// ReleaseFunc is called for every order popped with keepPrompted=false.
type ReleaseFunc func(chat, orderID string)

// Queue maps chat keys to ordered pending orders.
type Queue struct {
	chats   map[string][]*domain.PendingOrder
	created map[string]uint64 // creation sequence, used to pick the oldest foreign queue
	seq     uint64

	// Release, when set, forgets dedup marks of orders dropped without keeping them.
	Release ReleaseFunc
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		chats:   make(map[string][]*domain.PendingOrder),
		created: make(map[string]uint64),
	}
}

func (q *Queue) touch(chat string) {
	if _, ok := q.created[chat]; !ok {
		q.seq++
		q.created[chat] = q.seq
	}
}

// Push appends item to chat's queue, or merges it into the entry that
// already carries the same non-empty order id. When merging, only non-zero
// fields overwrite and flags can only be raised. It returns the stored entry.
func (q *Queue) Push(chat string, item domain.PendingOrder) *domain.PendingOrder {
	if item.OrderID != "" {
		for _, it := range q.chats[chat] {
			if it.OrderID == item.OrderID {
				merge(it, item)
				return it
			}
		}
	}
	if item.Stage == "" {
		item.Stage = domain.StageAwaitUsername
	}
	q.touch(chat)
	stored := item
	q.chats[chat] = append(q.chats[chat], &stored)
	return &stored
}

func merge(dst *domain.PendingOrder, src domain.PendingOrder) {
	if src.Quantity > 0 {
		dst.Quantity = src.Quantity
	}
	if src.Stage != "" {
		dst.Stage = src.Stage
	}
	if src.Candidate != "" {
		dst.Candidate = src.Candidate
	}
	dst.Confirmed = dst.Confirmed || src.Confirmed
	dst.Finalized = dst.Finalized || src.Finalized
	dst.Prompted = dst.Prompted || src.Prompted
}

// Head returns the oldest entry of chat, or nil.
func (q *Queue) Head(chat string) *domain.PendingOrder {
	items := q.chats[chat]
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

// PopHead removes and returns the head of chat. With keepPrompted=false the
// Release hook is invoked for the removed order.
func (q *Queue) PopHead(chat string, keepPrompted bool) *domain.PendingOrder {
	items := q.chats[chat]
	if len(items) == 0 {
		return nil
	}
	head := items[0]
	q.set(chat, items[1:])
	if !keepPrompted && head.OrderID != "" && q.Release != nil {
		q.Release(chat, head.OrderID)
	}
	return head
}

// FindByID returns the actionable entry of chat with the given order id.
func (q *Queue) FindByID(chat, oid string) *domain.PendingOrder {
	if oid == "" {
		return nil
	}
	for _, it := range q.chats[chat] {
		if it.OrderID == oid && it.Actionable() {
			return it
		}
	}
	return nil
}

// Find returns the entry of chat with the given order id in any stage.
func (q *Queue) Find(chat, oid string) *domain.PendingOrder {
	if oid == "" {
		return nil
	}
	for _, it := range q.chats[chat] {
		if it.OrderID == oid {
			return it
		}
	}
	return nil
}

// Lookup searches every chat for oid and reports the owning chat.
func (q *Queue) Lookup(oid string) (string, *domain.PendingOrder) {
	if oid == "" {
		return "", nil
	}
	for _, chat := range q.Chats() {
		if it := q.Find(chat, oid); it != nil {
			return chat, it
		}
	}
	return "", nil
}

// Remove deletes item from chat's queue, keeping the order of the others.
func (q *Queue) Remove(chat string, item *domain.PendingOrder) bool {
	items := q.chats[chat]
	for i, it := range items {
		if it == item {
			out := make([]*domain.PendingOrder, 0, len(items)-1)
			out = append(out, items[:i]...)
			out = append(out, items[i+1:]...)
			q.set(chat, out)
			return true
		}
	}
	return false
}

// RemoveByID deletes the entry of chat carrying oid, in any stage.
func (q *Queue) RemoveByID(chat, oid string) *domain.PendingOrder {
	it := q.Find(chat, oid)
	if it == nil {
		return nil
	}
	q.Remove(chat, it)
	return it
}

// AdoptForeign moves the oldest other queue holding an actionable entry
// under chat, when chat's own queue is empty. It returns the key the queue
// was taken from.
func (q *Queue) AdoptForeign(chat string) (string, bool) {
	if len(q.chats[chat]) > 0 {
		return "", false
	}
	for _, other := range q.Chats() {
		if other == chat {
			continue
		}
		items := q.chats[other]
		if !anyActionable(items) {
			continue
		}
		delete(q.chats, other)
		delete(q.created, other)
		q.touch(chat)
		q.chats[chat] = items
		return other, true
	}
	return "", false
}

func anyActionable(items []*domain.PendingOrder) bool {
	for _, it := range items {
		if it.Actionable() {
			return true
		}
	}
	return false
}

// Actionable returns chat's actionable entries in queue order.
func (q *Queue) Actionable(chat string) []*domain.PendingOrder {
	var out []*domain.PendingOrder
	for _, it := range q.chats[chat] {
		if it.Actionable() {
			out = append(out, it)
		}
	}
	return out
}

// ActionableIDs returns the order ids of chat's actionable entries.
func (q *Queue) ActionableIDs(chat string) []string {
	var out []string
	for _, it := range q.Actionable(chat) {
		if it.OrderID != "" {
			out = append(out, it.OrderID)
		}
	}
	return out
}

// Prune pops heads that are no longer actionable or whose order is done.
func (q *Queue) Prune(chat string, isDone func(oid string) bool) []*domain.PendingOrder {
	var removed []*domain.PendingOrder
	for {
		head := q.Head(chat)
		if head == nil {
			return removed
		}
		if head.Actionable() && (isDone == nil || !isDone(head.OrderID)) {
			return removed
		}
		removed = append(removed, q.PopHead(chat, true))
	}
}

// SetQuantity updates the quantity of the entry carrying oid in chat.
func (q *Queue) SetQuantity(chat, oid string, qty int) bool {
	it := q.Find(chat, oid)
	if it == nil || qty <= 0 {
		return false
	}
	it.Quantity = qty
	return true
}

// Len returns the number of entries in chat's queue.
func (q *Queue) Len(chat string) int { return len(q.chats[chat]) }

// Chats returns the keys of non-empty queues, oldest first.
func (q *Queue) Chats() []string {
	out := make([]string, 0, len(q.chats))
	for k := range q.chats {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return q.created[out[i]] < q.created[out[j]] })
	return out
}

// Snapshot returns a copy of chat's entries.
func (q *Queue) Snapshot(chat string) []domain.PendingOrder {
	items := q.chats[chat]
	out := make([]domain.PendingOrder, len(items))
	for i, it := range items {
		out[i] = *it
	}
	return out
}

// Restore replaces chat's queue with items.
func (q *Queue) Restore(chat string, items []domain.PendingOrder) {
	stored := make([]*domain.PendingOrder, 0, len(items))
	for i := range items {
		it := items[i]
		stored = append(stored, &it)
	}
	q.set(chat, stored)
}

func (q *Queue) set(chat string, items []*domain.PendingOrder) {
	if len(items) == 0 {
		delete(q.chats, chat)
		delete(q.created, chat)
		return
	}
	q.touch(chat)
	q.chats[chat] = items
}
