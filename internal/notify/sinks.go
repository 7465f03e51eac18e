package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"trendbot/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, ev Event) error {
	entry := s.log.WithComponent("notify").WithFields(logrus.Fields{
		"kind":   ev.Kind,
		"symbol": ev.Symbol,
	})
	if len(ev.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(ev.Fields))
	}
	switch ev.Kind {
	case KindError, KindHalt, KindOrderRejected:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}
	return nil
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramSink struct {
	bot    sender
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("Не удалось подключиться к Telegram: %w", err)
	}
	bot.Debug = false
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, Format(ev))
	_, err := s.bot.Send(msg)
	return err
}

var kindTitles = map[Kind]string{
	KindOrderPlaced:   "Заявка отправлена",
	KindOrderFilled:   "Заявка исполнена",
	KindOrderCanceled: "Заявка отменена",
	KindOrderRejected: "Заявка отклонена",
	KindDailySummary:  "Итоги дня",
	KindHalt:          "Торговля остановлена",
	KindError:         "Ошибка",
}

func Format(ev Event) string {
	var b strings.Builder
	title, ok := kindTitles[ev.Kind]
	if !ok {
		title = string(ev.Kind)
	}
	b.WriteString(title)
	if ev.Symbol != "" {
		b.WriteString(" ")
		b.WriteString(ev.Symbol)
	}
	if ev.Message != "" {
		b.WriteString("\n")
		b.WriteString(ev.Message)
	}

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, ev.Fields[k])
	}
	return b.String()
}
