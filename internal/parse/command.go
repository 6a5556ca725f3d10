package parse

import (
	"regexp"
	"strings"
)

// CommandKind identifies a buyer command typed in chat.
type CommandKind int

const (
	// CmdNone means the text is not a command.
	CmdNone CommandKind = iota
	// CmdConfirm confirms the proposed handle ("+", "да", "ok", optionally "#ID").
	CmdConfirm
	// CmdRefund asks for a manual refund ("!back", "!бэк", "!бек").
	CmdRefund
	// CmdCancel cancels an order ("!cancel", "!отмена").
	CmdCancel
)

func (k CommandKind) String() string {
	switch k {
	case CmdConfirm:
		return "confirm"
	case CmdRefund:
		return "refund"
	case CmdCancel:
		return "cancel"
	}
	return "none"
}

// Command is a parsed buyer command. OrderID is empty when the buyer did
// not name an order.
type Command struct {
	Kind    CommandKind
	OrderID string
}

var (
	reConfirm = regexp.MustCompile(`(?i)^\s*(?:\+{1,2}|ok|ок|да)\s*(?:#([A-Za-z0-9]{6,}))?\s*$`)
	reRefund  = regexp.MustCompile(`(?i)^\s*!(?:бэк|бек|back)(?:\s+#?([A-Za-z0-9]{6,})|\s*#([A-Za-z0-9]{6,}))?\s*$`)
	reCancel  = regexp.MustCompile(`(?i)^\s*!(?:cancel|отмена)(?:\s+#?([A-Za-z0-9]{6,})|\s*#([A-Za-z0-9]{6,}))?\s*$`)
)

// ParseCommand recognises buyer commands. Anything else is CmdNone.
func ParseCommand(text string) Command {
	if m := reConfirm.FindStringSubmatch(text); m != nil {
		return Command{Kind: CmdConfirm, OrderID: m[1]}
	}
	if m := reRefund.FindStringSubmatch(text); m != nil {
		return Command{Kind: CmdRefund, OrderID: firstNonEmpty(m[1:]...)}
	}
	if m := reCancel.FindStringSubmatch(text); m != nil {
		return Command{Kind: CmdCancel, OrderID: firstNonEmpty(m[1:]...)}
	}
	return Command{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
