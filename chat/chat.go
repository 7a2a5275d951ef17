// Package chat owns the Twitch IRC connection: the reconnect state
// machine, the read path that turns private messages into dispatch
// events, and the single writer goroutine that drains the outbound queue
// through the global send bucket.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streambot/command"
	"github.com/onnwee/streambot/dispatch"
	"github.com/onnwee/streambot/ratelimit"
	"github.com/onnwee/streambot/telemetry"
)

// State is the connection lifecycle state. Transitions only move along
// Disconnected -> Backoff -> Connecting -> Authenticating -> Connected
// and back to Backoff on any failure.
type State int32

const (
	StateDisconnected State = iota
	StateBackoff
	StateConnecting
	StateAuthenticating
	StateConnected
)

var stateNames = map[State]string{
	StateDisconnected:   "disconnected",
	StateBackoff:        "backoff",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateConnected:      "connected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Config holds connection parameters. Zero durations apply defaults.
type Config struct {
	Username string
	Token    string // "oauth:..." user access token
	Channels []string

	QueueSize   int           // outbound queue capacity (default 64)
	BackoffBase time.Duration // first retry delay (default 1s)
	BackoffCap  time.Duration // retry delay ceiling (default 2m)
	StableAfter time.Duration // session length that resets backoff (default 30s)
}

func (c *Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return 64
}

func (c *Config) backoffBase() time.Duration {
	if c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return time.Second
}

func (c *Config) backoffCap() time.Duration {
	if c.BackoffCap > 0 {
		return c.BackoffCap
	}
	return 2 * time.Minute
}

func (c *Config) stableAfter() time.Duration {
	if c.StableAfter > 0 {
		return c.StableAfter
	}
	return 30 * time.Second
}

// EventHandler receives one parsed chat event per message. Handle must
// not block; the dispatcher satisfies this.
type EventHandler interface {
	Handle(ctx context.Context, ev dispatch.Event)
}

type outbound struct {
	channel string
	line    string
}

// Bot manages one IRC connection and its outbound queue.
type Bot struct {
	cfg     Config
	handler EventHandler
	limiter *ratelimit.Limiter

	state atomic.Int32
	out   chan outbound
}

// New creates a Bot. Run must be called before messages flow.
func New(cfg Config, handler EventHandler, limiter *ratelimit.Limiter) *Bot {
	return &Bot{
		cfg:     cfg,
		handler: handler,
		limiter: limiter,
		out:     make(chan outbound, cfg.queueSize()),
	}
}

// State returns the current connection state.
func (b *Bot) State() State { return State(b.state.Load()) }

// QueueDepth reports how many outbound lines are waiting for the send
// bucket.
func (b *Bot) QueueDepth() int { return len(b.out) }

func (b *Bot) setState(s State) {
	old := State(b.state.Swap(int32(s)))
	if old == s {
		return
	}
	if telemetry.ConnectionState != nil {
		telemetry.ConnectionState.Set(float64(s))
	}
	slog.Info("chat connection state",
		slog.String("from", old.String()), slog.String("to", s.String()))
}

// Send queues one outbound line. Never blocks: when the queue is full the
// line is dropped with a warning. Implements dispatch.Sender.
func (b *Bot) Send(channel, line string) {
	select {
	case b.out <- outbound{channel: channel, line: line}:
		if telemetry.SendQueueDepth != nil {
			telemetry.SendQueueDepth.Set(float64(len(b.out)))
		}
	default:
		telemetry.Hit(telemetry.LinesDropped)
		slog.Warn("send queue full, dropping line", slog.String("channel", channel))
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx
// is cancelled. Returns nil on cancellation and an error only for
// failures retrying cannot fix (bad credentials).
func (b *Bot) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			b.setState(StateDisconnected)
			return nil
		}
		if attempt > 0 {
			telemetry.Hit(telemetry.Reconnects)
			b.setState(StateBackoff)
			delay := jitter(backoffDelay(b.cfg.backoffBase(), b.cfg.backoffCap(), attempt))
			slog.Info("reconnecting after backoff",
				slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				b.setState(StateDisconnected)
				return nil
			}
		}

		started := time.Now()
		err := b.session(ctx)
		b.drainQueue()
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			b.setState(StateDisconnected)
			return err
		}
		if ctx.Err() != nil {
			b.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			slog.Warn("chat connection lost", slog.Any("err", err))
		}
		// A session that held long enough resets the schedule.
		if time.Since(started) >= b.cfg.stableAfter() {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// session runs one connection attempt to completion. In-flight
// invocations inherit the session context, so a disconnect cancels them.
func (b *Bot) session(ctx context.Context) error {
	b.setState(StateConnecting)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	client := twitch.NewClient(b.cfg.Username, b.cfg.Token)

	client.OnConnect(func() {
		b.setState(StateConnected)
		slog.Info("chat connected",
			slog.String("username", b.cfg.Username),
			slog.Any("channels", b.cfg.Channels))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if strings.EqualFold(msg.User.Name, b.cfg.Username) {
			return
		}
		b.handler.Handle(sessionCtx, eventFromMessage(msg))
	})
	client.Join(b.cfg.Channels...)

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go b.writer(ctx, client, sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			if err := client.Disconnect(); err != nil {
				slog.Debug("disconnect", slog.Any("err", err))
			}
		case <-sessionDone:
		}
	}()

	// Connect dials and logs in before the welcome triggers OnConnect,
	// and blocks for the life of the connection.
	b.setState(StateAuthenticating)
	return client.Connect()
}

// writer drains the outbound queue through the global send bucket. Only
// one writer exists per session, so the bucket's ordering is the wire
// ordering.
func (b *Bot) writer(ctx context.Context, client *twitch.Client, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case msg := <-b.out:
			for {
				dec := b.limiter.Admit(ratelimit.GlobalSubject, ratelimit.ClassGlobalSend, 1)
				if dec.Admitted {
					break
				}
				select {
				case <-time.After(dec.RetryAfter):
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
			client.Say(msg.channel, msg.line)
			telemetry.Hit(telemetry.LinesSent)
			if telemetry.SendQueueDepth != nil {
				telemetry.SendQueueDepth.Set(float64(len(b.out)))
			}
		}
	}
}

// drainQueue discards everything queued for a dead connection. Stale
// replies are worse than silence after a reconnect.
func (b *Bot) drainQueue() {
	dropped := 0
	for {
		select {
		case <-b.out:
			dropped++
			telemetry.Hit(telemetry.LinesDropped)
		default:
			if dropped > 0 {
				slog.Info("dropped queued lines on disconnect", slog.Int("count", dropped))
			}
			if telemetry.SendQueueDepth != nil {
				telemetry.SendQueueDepth.Set(0)
			}
			return
		}
	}
}

// eventFromMessage maps an IRC message to a dispatch event, deriving the
// authority level from badges.
func eventFromMessage(msg twitch.PrivateMessage) dispatch.Event {
	return dispatch.Event{
		Channel:     msg.Channel,
		UserID:      msg.User.ID,
		Login:       msg.User.Name,
		DisplayName: msg.User.DisplayName,
		Level:       levelFromBadges(msg.User.Badges),
		Text:        msg.Message,
		Time:        msg.Time,
	}
}

func levelFromBadges(badges map[string]int) command.Level {
	switch {
	case badges["broadcaster"] > 0:
		return command.LevelBroadcaster
	case badges["moderator"] > 0:
		return command.LevelModerator
	case badges["vip"] > 0:
		return command.LevelVIP
	case badges["subscriber"] > 0, badges["founder"] > 0:
		return command.LevelSubscriber
	default:
		return command.LevelEveryone
	}
}

// backoffDelay is the capped exponential schedule before jitter.
// attempt 1 returns base.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// jitter spreads a delay over [d/2, d) so a fleet of bots does not
// reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
