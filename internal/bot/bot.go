// Package bot drives the Telegram side: command handling and outbound sends.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/keuin/kimikuri/internal/runtime/supervisor"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // 0 means default (10s)
	RatePerSec  int           // outbound send limit; 0 means default (25)
}

// Bot owns the telebot long-poll loop and exposes the outbound-message
// capability used by the relay flow.
type Bot struct {
	cfg     Config
	b       *tele.Bot
	reg     *Registrar
	log     zerolog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	sup    *supervisor.Supervisor
	runCtx context.Context
}

func New(cfg Config, reg *Registrar, log zerolog.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot: telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}

	b := &Bot{
		cfg:     cfg,
		b:       tb,
		reg:     reg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	b.registerHandlers()
	return b, nil
}

func (b *Bot) registerHandlers() {
	b.b.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})
	b.b.Handle("/start", b.handleStart)
}

func (b *Bot) handleStart(c tele.Context) error {
	msg := c.Message()
	if msg == nil || msg.Chat == nil {
		return nil
	}
	ev := StartEvent{ChatID: msg.Chat.ID}
	if msg.Sender != nil {
		ev.UserID = msg.Sender.ID
		ev.Username = msg.Sender.Username
	}

	reply, ok := b.reg.Register(b.handlerCtx(), ev)
	if !ok {
		return nil
	}
	if err := c.Send(reply, tele.ModeMarkdown); err != nil {
		// Never bubble errors out of the handler; a failed reply must not
		// crash the dispatch loop.
		b.log.Error().Err(err).Int64("chat_id", ev.ChatID).Msg("cannot send registration reply")
	}
	return nil
}

// handlerCtx returns the run context while the bot is started, so in-flight
// store calls unwind on shutdown.
func (b *Bot) handlerCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

// SendText delivers text to a chat. It applies the process-wide outbound rate
// limit before hitting the Telegram API.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.b.Send(&tele.Chat{ID: chatID}, text)
	return err
}

// Start launches the long-poll loop under an internal supervisor. It is
// idempotent.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	if b.sup != nil {
		b.mu.Unlock()
		return
	}
	b.sup = supervisor.New(ctx,
		supervisor.WithLogger(b.log),
		// A broken poller must not take down the whole process.
		supervisor.WithCancelOnError(false),
	)
	sup := b.sup
	b.runCtx = sup.Context()
	b.mu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.b.Stop()
	})

	// telebot's Start() blocks until Stop(); in some failure modes it can
	// return early, so run it under a restart loop.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		b.log.Info().Msg("polling started")
		b.b.Start()
		b.log.Info().Msg("polling stopped")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
}

// Stop shuts the poller down, bounded by ctx. Long-poll turnaround can lag;
// a timeout here is logged, not escalated.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.runCtx = nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn().Err(err).Msg("bot stop timed out")
			return nil
		}
		b.log.Warn().Err(err).Msg("bot stop error")
	}
	return nil
}
