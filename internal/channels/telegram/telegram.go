// Package telegram is the Telegram transport, speaking the Bot API via
// long polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/agenthost/internal/channels"
)

// Adapter connects to Telegram via the Bot API using long polling.
type Adapter struct {
	bot *telego.Bot
	// downloadDir resolves where a user's inbound attachments land.
	downloadDir func(userID int64) string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram adapter. downloadDir maps a user to the
// directory their attachments are saved into.
func New(token string, downloadDir func(userID int64) string) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, downloadDir: downloadDir}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start begins long polling and forwards messages to h.
func (a *Adapter) Start(ctx context.Context, h channels.Handler) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "username", a.bot.Username())

	// Register the command menu with retry; a transient API failure
	// here must not take the whole channel down.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := a.syncMenuCommands(pollCtx, DefaultMenuCommands()); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
				continue
			}
			return
		}
	}()

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message == nil {
					continue
				}
				a.handleMessage(pollCtx, update.Message, h)
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the receive loop to exit so
// Telegram releases the getUpdates lock before a restart.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message, h channels.Handler) {
	if msg.From == nil {
		return
	}
	inbound := channels.Inbound{
		UserID:      msg.From.ID,
		DisplayName: displayName(msg.From),
		MessageID:   msg.MessageID,
		Text:        msg.Text,
	}
	if msg.Caption != "" && inbound.Text == "" {
		inbound.Text = msg.Caption
	}
	if msg.Document != nil {
		path, err := a.downloadDocument(ctx, msg.From.ID, msg.Document)
		if err != nil {
			slog.Warn("telegram document download failed",
				"user_id", msg.From.ID, "file", msg.Document.FileName, "error", err)
		} else {
			inbound.FilePaths = append(inbound.FilePaths, path)
		}
	}
	if inbound.Text == "" && len(inbound.FilePaths) == 0 {
		slog.Debug("telegram update skipped (no usable content)", "message_id", msg.MessageID)
		return
	}
	h(ctx, inbound)
}

func (a *Adapter) downloadDocument(ctx context.Context, userID int64, doc *telego.Document) (string, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: doc.FileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	dir := a.downloadDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := doc.FileName
	if name == "" {
		name = doc.FileID
	}
	dest := filepath.Join(dir, filepath.Base(name))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func (a *Adapter) SendText(ctx context.Context, userID int64, text string) error {
	_, err := a.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: userID},
		Text:   text,
	})
	return err
}

func (a *Adapter) SendFile(ctx context.Context, userID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = a.bot.SendDocument(ctx, &telego.SendDocumentParams{
		ChatID:   telego.ChatID{ID: userID},
		Document: telego.InputFile{File: f},
		Caption:  caption,
	})
	return err
}

func (a *Adapter) React(ctx context.Context, userID int64, messageID int, emoji string) error {
	return a.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: userID},
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
}

func (a *Adapter) SetTyping(ctx context.Context, userID int64) error {
	return a.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: userID},
		Action: telego.ChatActionTyping,
	})
}

func (a *Adapter) syncMenuCommands(ctx context.Context, commands []channels.MenuCommand) error {
	botCommands := make([]telego.BotCommand, len(commands))
	for i, c := range commands {
		botCommands[i] = telego.BotCommand{Command: c.Command, Description: c.Description}
	}
	if err := a.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: botCommands}); err != nil {
		return err
	}
	slog.Info("telegram menu commands synced", "count", len(botCommands))
	return nil
}

// DefaultMenuCommands is the command menu shown in the Telegram UI.
func DefaultMenuCommands() []channels.MenuCommand {
	return []channels.MenuCommand{
		{Command: "start", Description: "Start or resume your conversation"},
		{Command: "status", Description: "Show running tasks and storage usage"},
		{Command: "tasks", Description: "List background tasks"},
		{Command: "schedules", Description: "List scheduled tasks"},
		{Command: "memory", Description: "Show remembered facts"},
		{Command: "help", Description: "Show what I can do"},
	}
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
