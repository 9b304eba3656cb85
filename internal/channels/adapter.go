// Package channels abstracts the messaging surfaces users talk
// through. An Adapter owns one transport (Telegram, test harness); the
// Outbox in front of it serializes and paces deliveries per user.
package channels

import "context"

// Inbound is one user message arriving from a transport.
type Inbound struct {
	UserID      int64
	DisplayName string
	MessageID   int
	Text        string
	// FilePaths are attachments the adapter already downloaded into the
	// user's working directory.
	FilePaths []string
}

// Handler consumes inbound messages. Adapters call it from their
// receive loop; implementations must not block for long.
type Handler func(ctx context.Context, msg Inbound)

// MenuCommand is one entry of the transport's command menu.
type MenuCommand struct {
	Command     string
	Description string
}

// Adapter is a messaging transport.
type Adapter interface {
	Name() string

	// Start connects and begins delivering inbound messages to h until
	// ctx is cancelled.
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error

	// SendText delivers one chunk of text. Callers are responsible for
	// splitting; chunks longer than the transport limit are rejected.
	SendText(ctx context.Context, userID int64, text string) error
	// SendFile delivers a file from the local filesystem.
	SendFile(ctx context.Context, userID int64, path string, caption string) error
	// React acknowledges a message with an emoji, best-effort.
	React(ctx context.Context, userID int64, messageID int, emoji string) error
	// SetTyping signals activity while a reply is being produced.
	SetTyping(ctx context.Context, userID int64) error
}
