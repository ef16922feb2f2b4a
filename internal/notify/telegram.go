package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramSender is the part of tgbotapi.BotAPI the notifier uses.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
		},
	}
}

// ErrQueueFull is returned by Notify when the send queue has no room.
var ErrQueueFull = errors.New("telegram: queue full")

const defaultQueueSize = 64

// TelegramNotifier forwards notifications to one chat. Notify only queues;
// a worker started with Start does the sending and retrying.
type TelegramNotifier struct {
	sender  TelegramSender
	chatID  int64
	limiter *rate.Limiter
	retry   RetryConfig
	logger  zerolog.Logger

	queue   chan Notification
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTelegramNotifier sends to chatID through sender, at most 20 messages a second.
func NewTelegramNotifier(sender TelegramSender, chatID int64, retry RetryConfig, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender:  sender,
		chatID:  chatID,
		limiter: rate.NewLimiter(20, 30),
		retry:   retry,
		logger:  logger.With().Str("component", "telegram").Logger(),
		queue:   make(chan Notification, defaultQueueSize),
	}
}

// Start launches the send worker. It stops when ctx is done or Stop is called.
func (t *TelegramNotifier) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.running = true

	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info().Int64("chat_id", t.chatID).Msg("telegram notifier started")
}

// Stop halts the worker and waits for it. Queued notifications are dropped.
func (t *TelegramNotifier) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info().Msg("telegram notifier stopped")
}

func (t *TelegramNotifier) loop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-t.queue:
			if err := t.deliver(ctx, n); err != nil {
				t.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notification not delivered")
			}
		}
	}
}

// Notify queues n for delivery and never waits on Telegram.
func (t *TelegramNotifier) Notify(_ context.Context, n Notification) error {
	select {
	case t.queue <- n:
		return nil
	default:
		t.logger.Warn().Str("kind", string(n.Kind)).Msg("telegram queue full, notification dropped")
		return ErrQueueFull
	}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return bot, nil
}

// deliver sends n with retries. 429 waits for the advertised retry-after;
// 400 and 403 are permanent.
func (t *TelegramNotifier) deliver(ctx context.Context, n Notification) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	msg := tgbotapi.NewMessage(t.chatID, n.Text())
	delays := t.retry.RetryDelays

	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		_, err := t.sender.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		var wait time.Duration
		if attempt < len(delays) {
			wait = delays[attempt]
		}

		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			switch tgErr.Code {
			case 429:
				if tgErr.RetryAfter > 0 {
					wait = time.Duration(tgErr.RetryAfter) * time.Second
				}
				t.logger.Info().Dur("retry_after", wait).Int("attempt", attempt).Msg("rate limited by Telegram, waiting")
			case 400, 403:
				t.logger.Error().Err(err).Int64("chat_id", t.chatID).Msg("telegram rejected message")
				return fmt.Errorf("telegram: %w", err)
			}
		}

		if attempt == t.retry.MaxRetries {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.logger.Error().Err(lastErr).Str("kind", string(n.Kind)).Msg("max retries exceeded for notification")
	return fmt.Errorf("telegram: %w", lastErr)
}
