// Package dispatch turns parsed chat events into at most one command
// invocation each: registry resolution, enabled and authorization
// checks, rate-limit admission, then handler execution on its own
// goroutine so a slow handler never blocks ingestion. All per-invocation
// failures are contained here; nothing a handler does can take down the
// read loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streambot/cache"
	"github.com/onnwee/streambot/command"
	"github.com/onnwee/streambot/ratelimit"
	"github.com/onnwee/streambot/script"
	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

// Event is one parsed chat message. Immutable once constructed; owned by
// the invocation it produces.
type Event struct {
	Channel     string
	UserID      string
	Login       string
	DisplayName string
	Level       command.Level
	Text        string
	Time        time.Time
}

// Sender queues one outbound chat line. The implementation owns the
// global send bucket.
type Sender interface {
	Send(channel, line string)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(channel, line string)

// Send implements Sender.
func (f SenderFunc) Send(channel, line string) { f(channel, line) }

// Dispatcher orchestrates one invocation pipeline per matched event.
type Dispatcher struct {
	store    *settings.Store
	registry *command.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	helix    *twitchapi.HelixClient // nil when Helix creds are absent
	sender   Sender

	sem      chan struct{}
	maxLines int
	wg       sync.WaitGroup

	builtins map[string]builtin
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrent caps in-flight handler goroutines.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithMaxLines caps outbound lines per invocation.
func WithMaxLines(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxLines = n
		}
	}
}

// WithHelix attaches the Helix client backing the stream-info builtins.
func WithHelix(hc *twitchapi.HelixClient) Option {
	return func(d *Dispatcher) { d.helix = hc }
}

// New creates a Dispatcher.
func New(store *settings.Store, registry *command.Registry, limiter *ratelimit.Limiter, c *cache.Cache, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: registry,
		limiter:  limiter,
		cache:    c,
		sender:   sender,
		sem:      make(chan struct{}, 32),
		maxLines: 3,
	}
	d.builtins = map[string]builtin{
		"uptime":   {fn: (*Dispatcher).uptimeCommand},
		"title":    {fn: (*Dispatcher).titleCommand},
		"game":     {fn: (*Dispatcher).gameCommand},
		"commands": {fn: (*Dispatcher).listCommand},
		"command":  {fn: (*Dispatcher).adminCommand, level: command.LevelModerator},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle processes one event. Called from the read loop in arrival
// order; returns as soon as the invocation is admitted or dropped, never
// blocking on handler work.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) {
	telemetry.Hit(telemetry.MessagesReceived)

	token := firstToken(ev.Text)
	if !strings.HasPrefix(token, "!") || len(token) < 2 {
		return
	}
	res, ok := d.resolve(ev.Channel, token[1:])
	if !ok {
		return
	}

	// Disabled short-circuits before authorization and admission: no
	// bucket cost is ever charged for a disabled command.
	if !res.Enabled {
		telemetry.Dropped("disabled")
		return
	}
	if !res.Level.Allows(ev.Level) {
		// Silent by design: no output, no side effects, nothing leaked
		// to unauthorized users.
		telemetry.Dropped("unauthorized")
		return
	}
	class := res.BucketClass
	if class == "" {
		class = ratelimit.ClassUserCommand
	}
	if dec := d.limiter.Admit(ev.UserID, class, 1); !dec.Admitted {
		telemetry.Dropped("rate-limited")
		slog.Debug("invocation rate limited",
			slog.String("command", res.Name), slog.String("user", ev.Login),
			slog.Duration("retry_after", dec.RetryAfter))
		return
	}

	select {
	case d.sem <- struct{}{}:
	default:
		// Tokens spent above are not refunded; they represent work
		// attempted.
		telemetry.Dropped("overloaded")
		slog.Warn("dispatch concurrency cap reached, dropping invocation",
			slog.String("command", res.Name), slog.String("channel", ev.Channel))
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("command handler panicked",
					slog.String("command", res.Name), slog.Any("panic", r))
			}
		}()
		d.invoke(ctx, res, ev)
	}()
}

// Wait blocks until all in-flight invocations finish. For shutdown and
// tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// resolve looks the token up in the registry, falling back to the
// builtin table. A registry record of kind native overrides a builtin's
// enabled flag and level, which is how built-ins are disabled per
// channel.
func (d *Dispatcher) resolve(channel, token string) (*command.Resolved, bool) {
	if res, ok := d.registry.Resolve(channel, token); ok {
		if res.Kind == command.KindNative {
			if _, known := d.builtins[res.Name]; !known {
				slog.Warn("native command record without builtin", slog.String("name", res.Name))
				return nil, false
			}
		}
		return res, true
	}
	name := strings.ToLower(token)
	b, ok := d.builtins[name]
	if !ok {
		return nil, false
	}
	return &command.Resolved{Command: command.Command{
		Channel: channel,
		Name:    name,
		Kind:    command.KindNative,
		Enabled: true,
		Level:   b.level,
	}}, true
}

// invoke runs the resolved handler and emits its output. Runs on its own
// goroutine with the per-invocation correlation id and span.
func (d *Dispatcher) invoke(ctx context.Context, res *command.Resolved, ev Event) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "dispatch", "command."+res.Name,
		attribute.String("channel", ev.Channel),
		attribute.String("kind", res.Kind),
	)
	defer span.End()

	// One snapshot per dispatch: configuration is logically frozen for
	// the whole invocation.
	snap := d.store.Current()

	var lines []string
	var err error
	start := time.Now()
	switch res.Kind {
	case command.KindNative:
		lines, err = d.builtins[res.Name].fn(d, ctx, snap, ev)
	case command.KindTemplate:
		lines, err = d.runTemplate(ctx, res, ev)
	case command.KindScript:
		lines, err = d.runScript(ctx, snap, res, ev)
	default:
		err = fmt.Errorf("unknown command kind %q", res.Kind)
	}
	if telemetry.HandlerDuration != nil {
		telemetry.HandlerDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		var fault *script.Fault
		if errors.As(err, &fault) {
			telemetry.Hit(telemetry.ScriptFaults)
		}
		telemetry.RecordError(span, err)
		slog.Error("command handler failed",
			slog.String("command", res.Name), slog.String("channel", ev.Channel),
			slog.String("correlation_id", telemetry.GetCorrelation(ctx)), slog.Any("err", err))
		if snap.GetBool("chat/error-replies", false) {
			d.sender.Send(ev.Channel, fmt.Sprintf("Command !%s failed, sorry.", res.Name))
		}
		return
	}

	telemetry.Dispatched(res.Kind)
	max := int(snap.GetInt("dispatch/max-lines", int64(d.maxLines)))
	if max > 0 && len(lines) > max {
		slog.Warn("handler output truncated",
			slog.String("command", res.Name), slog.Int("lines", len(lines)), slog.Int("max", max))
		lines = lines[:max]
	}
	for _, line := range lines {
		d.sender.Send(ev.Channel, line)
	}
}

func (d *Dispatcher) runTemplate(ctx context.Context, res *command.Resolved, ev Event) ([]string, error) {
	vars := eventVars(ev)
	if strings.Contains(res.Template, "{count}") {
		n, err := d.registry.IncrementCount(ctx, res.Channel, res.Name)
		if err != nil {
			slog.Warn("counter increment failed", slog.String("command", res.Name), slog.Any("err", err))
			n = res.Count + 1
		}
		vars["count"] = strconv.FormatInt(n, 10)
	}
	return []string{command.RenderTemplate(res.Template, vars)}, nil
}

func (d *Dispatcher) runScript(ctx context.Context, snap *settings.Snapshot, res *command.Resolved, ev Event) ([]string, error) {
	if res.Handle == nil {
		return nil, fmt.Errorf("script %s has no compiled handle", res.Name)
	}
	host := &script.Host{
		Setting:  d.scriptSetting,
		Lookup:   d.scriptLookup,
		Timeout:  snap.GetDuration("script/timeout", 2*time.Second),
		MaxSteps: uint64(snap.GetInt("script/max-steps", 500_000)),
	}
	return host.Invoke(ctx, res.Handle, eventVars(ev))
}

// scriptSetting exposes settings to scripts as strings.
func (d *Dispatcher) scriptSetting(key string) (string, bool) {
	v, ok := d.store.Get(key)
	if !ok {
		return "", false
	}
	if s, ok := v.AsString(); ok {
		return s, true
	}
	return string(v.Raw()), true
}

// eventVars is the variable set shared by templates and scripts.
func eventVars(ev Event) map[string]string {
	args := ""
	if _, rest, ok := strings.Cut(strings.TrimSpace(ev.Text), " "); ok {
		args = strings.TrimSpace(rest)
	}
	return map[string]string{
		"user":    ev.DisplayName,
		"login":   ev.Login,
		"channel": ev.Channel,
		"text":    ev.Text,
		"args":    args,
		"level":   ev.Level.String(),
	}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
