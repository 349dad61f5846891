// Package transport defines the narrow contract between the chat transport
// and the session router. The transport delivers inbound events and accepts
// outbound sends; everything else about the chat platform stays behind it.
package transport

import (
	"context"
	"fmt"
)

type ChatKind string

const (
	KindGroup   ChatKind = "group"
	KindPrivate ChatKind = "private"
)

func (k ChatKind) Valid() bool {
	switch k {
	case KindGroup, KindPrivate:
		return true
	default:
		return false
	}
}

// Inbound is one delivered chat message.
type Inbound struct {
	Kind     ChatKind
	ChatID   int64
	SenderID int64
	Text     string
}

func (in Inbound) Validate() error {
	if !in.Kind.Valid() {
		return fmt.Errorf("chat kind is invalid: %q", in.Kind)
	}
	if in.ChatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	return nil
}

// Sender is the outbound half of the transport.
type Sender interface {
	SendText(ctx context.Context, kind ChatKind, chatID int64, text string) error
	SendImage(ctx context.Context, kind ChatKind, chatID int64, path string) error
	SendRecord(ctx context.Context, kind ChatKind, chatID int64, path string) error
}
