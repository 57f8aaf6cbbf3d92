// Package notify pushes terminal task outcomes to external channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rovercraft/fleetbridge/internal/config"
	"github.com/rovercraft/fleetbridge/internal/watcher"
)

// sender is the slice of the bot API the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram announces task outcomes to a single chat. It is outbound only;
// delivery failures are logged, never surfaced to the retry loop.
type Telegram struct {
	bot    sender
	chatID int64
	log    *slog.Logger
}

// NewTelegram connects the bot. Returns nil without error when the
// channel is disabled in config.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram notifier started", "user", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: cfg.ChatID, log: logger}, nil
}

// TaskDone sends the outcome summary.
func (t *Telegram) TaskDone(_ context.Context, done watcher.CompletedTask) {
	text := formatOutcome(done)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warn("telegram send failed", "task_id", done.TaskID, "error", err)
	}
}

func formatOutcome(done watcher.CompletedTask) string {
	task := done.Payload.OriginalTask
	if task == "" {
		task = done.Payload.Task
	}
	dur := time.Duration(done.DurationSeconds * float64(time.Second)).Round(time.Second)
	return fmt.Sprintf("%s %s after %d attempt(s) in %s\n%s",
		done.TaskID, done.Status, done.Payload.Attempts, dur, task)
}
