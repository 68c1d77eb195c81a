package notifier

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/models"
	"go.uber.org/zap"
)

const queueSize = 64

// Notifier receives agent events worth pushing to the operator
type Notifier interface {
	NotifyTrade(userID uint, symbol string, rec *models.TradeRecord)
	NotifyAgent(userID uint, message string)
	NotifyError(userID uint, context string, err error)
	Close()
}

// Noop discards every notification
type Noop struct{}

func (Noop) NotifyTrade(uint, string, *models.TradeRecord) {}
func (Noop) NotifyAgent(uint, string)                      {}
func (Noop) NotifyError(uint, string, error)               {}
func (Noop) Close()                                        {}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts notifications to one chat. Sends are queued so a slow
// Telegram API never blocks an agent cycle; a full queue drops messages.
type Telegram struct {
	bot    sender
	chatID int64
	log    *zap.Logger

	queue chan string
	wg    sync.WaitGroup
	once  sync.Once
}

// New returns a Telegram notifier, or Noop when disabled or the bot cannot connect
func New(cfg config.TelegramConfig, log *zap.Logger) Notifier {
	log = log.Named("telegram")
	if !cfg.Enabled {
		return Noop{}
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", zap.Error(err))
		return Noop{}
	}
	log.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return newTelegram(bot, cfg.ChatID, log)
}

func newTelegram(bot sender, chatID int64, log *zap.Logger) *Telegram {
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		log:    log,
		queue:  make(chan string, queueSize),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *Telegram) NotifyTrade(userID uint, symbol string, rec *models.TradeRecord) {
	if rec == nil {
		return
	}
	emoji := "🟢"
	switch rec.Kind {
	case models.TradeKindSpot:
		if rec.Spot.Side == models.OrderSideSell {
			emoji = "🔴"
		}
	case models.TradeKindFutures:
		emoji = "🔴"
		if rec.Futures.RealizedPnL.IsPositive() {
			emoji = "💰"
		}
	}
	t.enqueue(fmt.Sprintf("%s *%s* user %d\n%s", emoji, symbol, userID, rec.Summary()))
}

func (t *Telegram) NotifyAgent(userID uint, message string) {
	t.enqueue(fmt.Sprintf("🤖 user %d: %s", userID, message))
}

func (t *Telegram) NotifyError(userID uint, context string, err error) {
	t.enqueue(fmt.Sprintf("⚠️ *Error* [%s] user %d\n%v", context, userID, err))
}

// Close flushes queued messages and stops the sender
func (t *Telegram) Close() {
	t.once.Do(func() {
		close(t.queue)
		t.wg.Wait()
	})
}

func (t *Telegram) enqueue(text string) {
	defer func() {
		// enqueue after Close
		_ = recover()
	}()
	select {
	case t.queue <- text:
	default:
		t.log.Warn("telegram queue full, dropping message")
	}
}

func (t *Telegram) loop() {
	defer t.wg.Done()
	for text := range t.queue {
		msg := tgbotapi.NewMessage(t.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			t.log.Error("send telegram message", zap.Error(err))
		}
	}
}
