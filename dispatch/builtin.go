package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/streambot/command"
	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

// builtinFunc is the signature for built-in command handlers. Method
// expressions on Dispatcher satisfy it.
type builtinFunc func(*Dispatcher, context.Context, *settings.Snapshot, Event) ([]string, error)

// builtin pairs a handler with the level it requires when no registry
// record overrides it.
type builtin struct {
	fn    builtinFunc
	level command.Level
}

// errNoHelix means the stream-info builtins have no API backend.
var errNoHelix = errors.New("helix client not configured")

// Cache classes for external lookups. TTLs come from cache/<class>/ttl.
const (
	cacheClassStreams  = "streams"
	cacheClassUsers    = "users"
	cacheClassChannels = "channels"
)

func (d *Dispatcher) uptimeCommand(ctx context.Context, _ *settings.Snapshot, ev Event) ([]string, error) {
	st, err := d.fetchStream(ctx, ev.Channel)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return []string{"Stream is not live right now, try again later!"}, nil
	}
	return []string{fmt.Sprintf("Stream has been live for %s.", humanDuration(time.Since(st.StartedAt)))}, nil
}

func (d *Dispatcher) titleCommand(ctx context.Context, _ *settings.Snapshot, ev Event) ([]string, error) {
	if title := argsAfterToken(ev.Text); title != "" {
		return d.updateChannel(ctx, ev, twitchapi.ChannelPatch{Title: &title}, "Title updated.")
	}
	st, err := d.fetchStream(ctx, ev.Channel)
	if err != nil {
		return nil, err
	}
	if st != nil && st.Title != "" {
		return []string{st.Title}, nil
	}
	info, err := d.fetchChannelInfo(ctx, ev.Channel)
	if err != nil {
		return nil, err
	}
	return []string{info.Title}, nil
}

func (d *Dispatcher) gameCommand(ctx context.Context, _ *settings.Snapshot, ev Event) ([]string, error) {
	if game := argsAfterToken(ev.Text); game != "" {
		if !command.LevelModerator.Allows(ev.Level) {
			telemetry.Dropped("unauthorized")
			return nil, nil
		}
		if d.helix == nil {
			return nil, errNoHelix
		}
		id, err := d.helix.GetGameID(ctx, game)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return []string{fmt.Sprintf("No category matching %q.", game)}, nil
		}
		return d.updateChannel(ctx, ev, twitchapi.ChannelPatch{GameID: &id}, fmt.Sprintf("Game updated to %s.", game))
	}
	st, err := d.fetchStream(ctx, ev.Channel)
	if err != nil {
		return nil, err
	}
	if st != nil && st.GameName != "" {
		return []string{st.GameName}, nil
	}
	info, err := d.fetchChannelInfo(ctx, ev.Channel)
	if err != nil {
		return nil, err
	}
	if info.GameName == "" {
		return []string{"No game set."}, nil
	}
	return []string{info.GameName}, nil
}

func (d *Dispatcher) listCommand(_ context.Context, _ *settings.Snapshot, ev Event) ([]string, error) {
	var names []string
	for _, c := range d.registry.List(ev.Channel) {
		if c.Enabled {
			names = append(names, "!"+c.Name)
		}
	}
	if len(names) == 0 {
		return []string{"No custom commands."}, nil
	}
	return []string{"Custom commands: " + strings.Join(names, ", ")}, nil
}

const adminUsage = "Usage: !command edit <name> <template> | delete <name> | enable <name> | disable <name>"

// adminCommand is the moderator-facing edit surface for template
// commands, writing through the same settings path as the HTTP admin
// API. The dispatcher gates it at moderator level before it runs.
func (d *Dispatcher) adminCommand(ctx context.Context, _ *settings.Snapshot, ev Event) ([]string, error) {
	fields := strings.Fields(ev.Text)
	if len(fields) < 3 {
		return []string{adminUsage}, nil
	}
	verb := strings.ToLower(fields[1])
	name := strings.ToLower(strings.TrimPrefix(fields[2], "!"))
	switch verb {
	case "edit":
		if len(fields) < 4 {
			return []string{adminUsage}, nil
		}
		cmd := command.Command{
			Channel:  ev.Channel,
			Name:     name,
			Kind:     command.KindTemplate,
			Template: strings.Join(fields[3:], " "),
			Enabled:  true,
		}
		if existing, ok := d.registry.Get(ev.Channel, name); ok {
			if existing.Kind != command.KindTemplate {
				return []string{fmt.Sprintf("Command !%s is not a template command.", name)}, nil
			}
			cmd.Level = existing.Level
			cmd.Count = existing.Count
			cmd.BucketClass = existing.BucketClass
		}
		if err := d.registry.SetCommand(ctx, cmd); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("Command !%s updated.", name)}, nil
	case "delete":
		if _, ok := d.registry.Get(ev.Channel, name); !ok {
			return []string{fmt.Sprintf("No such command !%s.", name)}, nil
		}
		if err := d.registry.DeleteCommand(ctx, ev.Channel, name); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("Command !%s deleted.", name)}, nil
	case "enable", "disable":
		if _, ok := d.registry.Get(ev.Channel, name); !ok {
			if _, isBuiltin := d.builtins[name]; !isBuiltin {
				return []string{fmt.Sprintf("No such command !%s.", name)}, nil
			}
		}
		if err := d.registry.SetDisabled(ctx, ev.Channel, name, verb == "disable"); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("Command !%s %sd.", name, verb)}, nil
	default:
		return []string{adminUsage}, nil
	}
}

// updateChannel applies a moderator-gated channel patch and flushes the
// lookup caches so the next title/game query refetches.
func (d *Dispatcher) updateChannel(ctx context.Context, ev Event, patch twitchapi.ChannelPatch, reply string) ([]string, error) {
	if !command.LevelModerator.Allows(ev.Level) {
		telemetry.Dropped("unauthorized")
		return nil, nil
	}
	if d.helix == nil {
		return nil, errNoHelix
	}
	id, err := d.broadcasterID(ctx, ev.Channel)
	if err != nil {
		return nil, err
	}
	if err := d.helix.ModifyChannelInfo(ctx, id, patch); err != nil {
		return nil, err
	}
	d.cache.Invalidate(cacheClassChannels)
	d.cache.Invalidate(cacheClassStreams)
	return []string{reply}, nil
}

// argsAfterToken returns the message text after the command token, or
// "" when the command was invoked bare.
func argsAfterToken(text string) string {
	_, rest, ok := strings.Cut(strings.TrimSpace(text), " ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(rest)
}

// fetchStream returns the live stream for a channel login, or nil when
// offline. Concurrent identical calls coalesce into one Helix request.
func (d *Dispatcher) fetchStream(ctx context.Context, login string) (*twitchapi.Stream, error) {
	if d.helix == nil {
		return nil, errNoHelix
	}
	v, err := d.cache.GetOrFetch(ctx, cacheClassStreams, strings.ToLower(login), func(ctx context.Context) (any, error) {
		return d.helix.GetStream(ctx, login)
	})
	if err != nil {
		return nil, err
	}
	st, _ := v.(*twitchapi.Stream)
	return st, nil
}

// broadcasterID resolves a channel login to its user id through the
// cache.
func (d *Dispatcher) broadcasterID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(login)
	idv, err := d.cache.GetOrFetch(ctx, cacheClassUsers, login, func(ctx context.Context) (any, error) {
		return d.helix.GetUserID(ctx, login)
	})
	if err != nil {
		return "", err
	}
	id, _ := idv.(string)
	return id, nil
}

// fetchChannelInfo resolves login to a broadcaster id and fetches the
// channel record, both through the cache.
func (d *Dispatcher) fetchChannelInfo(ctx context.Context, login string) (*twitchapi.ChannelInfo, error) {
	if d.helix == nil {
		return nil, errNoHelix
	}
	id, err := d.broadcasterID(ctx, login)
	if err != nil {
		return nil, err
	}
	v, err := d.cache.GetOrFetch(ctx, cacheClassChannels, id, func(ctx context.Context) (any, error) {
		return d.helix.GetChannelInfo(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	info, ok := v.(*twitchapi.ChannelInfo)
	if !ok || info == nil {
		return nil, fmt.Errorf("no channel info for %s", login)
	}
	return info, nil
}

// scriptLookup is the lookup builtin exposed to scripts. Results are
// JSON-encoded so scripts can json.decode what they need.
func (d *Dispatcher) scriptLookup(ctx context.Context, class, key string) (string, error) {
	var v any
	var err error
	switch class {
	case cacheClassStreams:
		v, err = d.fetchStream(ctx, key)
	case cacheClassUsers:
		if d.helix == nil {
			return "", errNoHelix
		}
		v, err = d.cache.GetOrFetch(ctx, cacheClassUsers, strings.ToLower(key), func(ctx context.Context) (any, error) {
			return d.helix.GetUserID(ctx, strings.ToLower(key))
		})
	case cacheClassChannels:
		v, err = d.fetchChannelInfo(ctx, key)
	default:
		return "", fmt.Errorf("unknown lookup class %q", class)
	}
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// humanDuration renders a duration as "2h 13m 5s", omitting leading zero
// units.
func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Invalidate drops cached lookups so the next builtin invocation
// refetches. Used by the admin surface after channel updates.
func (d *Dispatcher) Invalidate(class string) {
	if d.cache != nil {
		d.cache.Invalidate(class)
	}
}
