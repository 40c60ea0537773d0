// Package notify tells guides about new tours and assignments over Telegram.
// Delivery is best effort: failures are logged and never surface to the
// command that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
)

// Notifier is what the dashboard calls after a committed mutation.
type Notifier interface {
	TourCreated(ctx context.Context, tour model.Tour, guides []model.Guide)
	GuideAssigned(ctx context.Context, tour model.Tour, guide model.Guide)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) TourCreated(context.Context, model.Tour, []model.Guide) {}
func (Nop) GuideAssigned(context.Context, model.Tour, model.Guide) {}

// Sender is the part of *bot.Bot used here.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Telegram sends plain-text messages to guides' tg_alias handles.
type Telegram struct {
	sender Sender
	format TimeFormatter
}

// TimeFormatter renders tour dates in the display zone.
type TimeFormatter func(model.Timestamp) string

// NewTelegram builds a bot client without calling getMe, so startup does not
// depend on Telegram being reachable.
func NewTelegram(token string, format TimeFormatter) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramWithSender(b, format), nil
}

// NewTelegramWithSender wraps an existing sender (tests pass a fake).
func NewTelegramWithSender(s Sender, format TimeFormatter) *Telegram {
	if format == nil {
		format = func(ts model.Timestamp) string { return ts.Format("2006-01-02 15:04") }
	}
	return &Telegram{sender: s, format: format}
}

// TourCreated broadcasts the new tour to every active guide with a handle.
func (t *Telegram) TourCreated(ctx context.Context, tour model.Tour, guides []model.Guide) {
	text := fmt.Sprintf("New tour %q on %s at %s (group of %d, %.1f h)",
		tour.Name, t.format(tour.Date), tour.Venue, tour.GroupSize, tour.Duration)

	sent := 0
	for _, g := range guides {
		if !g.IsActive || g.TgAlias == nil {
			continue
		}
		if t.send(ctx, *g.TgAlias, text, "tour_id", tour.ID, "guide_id", g.ID) {
			sent++
		}
	}
	appLog.Info("notify: tour created broadcast", "tour_id", tour.ID, "sent", sent)
}

// GuideAssigned tells the assigned guide about the tour.
func (t *Telegram) GuideAssigned(ctx context.Context, tour model.Tour, guide model.Guide) {
	if guide.TgAlias == nil {
		appLog.Debug("notify: guide has no telegram handle", "guide_id", guide.ID)
		return
	}
	text := fmt.Sprintf("You are assigned to %q on %s at %s", tour.Name, t.format(tour.Date), tour.Venue)
	t.send(ctx, *guide.TgAlias, text, "tour_id", tour.ID, "guide_id", guide.ID)
}

func (t *Telegram) send(ctx context.Context, alias, text string, kv ...any) bool {
	chatID, ok := ChatID(alias)
	if !ok {
		appLog.Warn("notify: unusable telegram handle", append([]any{"alias", alias}, kv...)...)
		return false
	}

	_, err := t.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		appLog.Error("notify: telegram send failed", err, kv...)
		return false
	}
	return true
}

// ChatID turns a stored handle into a Telegram chat id: numeric ids become
// int64, names get a leading "@".
func ChatID(alias string) (any, bool) {
	alias = strings.TrimSpace(alias)
	if alias == "" || alias == "@" {
		return nil, false
	}
	if id, err := strconv.ParseInt(alias, 10, 64); err == nil {
		return id, true
	}
	if !strings.HasPrefix(alias, "@") {
		alias = "@" + alias
	}
	return alias, true
}
