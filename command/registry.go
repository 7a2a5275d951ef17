package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/onnwee/streambot/script"
	"github.com/onnwee/streambot/settings"
)

type ckey struct {
	channel string
	name    string
}

// index is one immutable generation of the registry. Lookups read it
// through an atomic pointer; refresh swaps a whole new generation.
type index struct {
	commands map[ckey]*Command
	aliases  map[ckey]string
	handles  map[ckey]*script.Handle
}

// Resolved is the outcome of resolving a chat token: a copy of the
// command plus, for script commands, its compiled handle.
type Resolved struct {
	Command
	Handle *script.Handle
}

// Registry mirrors commands and aliases from the settings bus. It never
// mutates records directly: every edit is written through the settings
// store and comes back as a snapshot refresh, so the admin surface and
// internal logic share one consistency mechanism.
type Registry struct {
	store *settings.Store
	idx   atomic.Pointer[index]

	countMu sync.Mutex // serializes counter read-modify-write cycles

	// latest per-prefix snapshots, owned by the Run goroutine (or by
	// Reload in tests).
	cmdSnap   *settings.Snapshot
	aliasSnap *settings.Snapshot
}

// NewRegistry creates a registry and builds its first index from the
// store's current snapshot.
func NewRegistry(store *settings.Store) *Registry {
	r := &Registry{store: store}
	r.idx.Store(&index{
		commands: map[ckey]*Command{},
		aliases:  map[ckey]string{},
		handles:  map[ckey]*script.Handle{},
	})
	r.Reload()
	return r
}

// Run consumes command and alias snapshots until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	cmdSub := r.store.Subscribe(commandPrefix)
	defer cmdSub.Close()
	aliasSub := r.store.Subscribe(aliasPrefix)
	defer aliasSub.Close()
	for {
		select {
		case snap := <-cmdSub.Updates():
			r.cmdSnap = snap
			r.rebuild()
		case snap := <-aliasSub.Updates():
			r.aliasSnap = snap
			r.rebuild()
		case <-ctx.Done():
			return
		}
	}
}

// Reload rebuilds the index synchronously from the store's current
// snapshot. Used at construction and by tests; Run keeps it fresh
// afterwards.
func (r *Registry) Reload() {
	cur := r.store.Current()
	r.cmdSnap = cur
	r.aliasSnap = cur
	r.rebuild()
}

// rebuild swaps in a new index generation, reusing compiled script
// handles whose source hash is unchanged. A script that fails to
// compile stays registered but disabled, carrying the diagnostic.
func (r *Registry) rebuild() {
	old := r.idx.Load()
	next := &index{
		commands: map[ckey]*Command{},
		aliases:  map[ckey]string{},
		handles:  map[ckey]*script.Handle{},
	}

	if r.cmdSnap != nil {
		r.cmdSnap.Range(func(k string, v settings.Value) bool {
			if !strings.HasPrefix(k, commandPrefix) {
				return true
			}
			channel, name, ok := splitKey(k, commandPrefix)
			if !ok {
				slog.Warn("skipping malformed command key", slog.String("key", k))
				return true
			}
			var cmd Command
			if err := v.Decode(&cmd); err != nil {
				slog.Warn("skipping undecodable command", slog.String("key", k), slog.Any("err", err))
				return true
			}
			cmd.Channel = channel
			cmd.Name = strings.ToLower(name)
			key := ckey{channel: channel, name: cmd.Name}

			if cmd.Kind == KindScript {
				r.compileInto(next, old, key, &cmd)
			}
			next.commands[key] = &cmd
			return true
		})
	}

	if r.aliasSnap != nil {
		r.aliasSnap.Range(func(k string, v settings.Value) bool {
			if !strings.HasPrefix(k, aliasPrefix) {
				return true
			}
			channel, name, ok := splitKey(k, aliasPrefix)
			if !ok {
				slog.Warn("skipping malformed alias key", slog.String("key", k))
				return true
			}
			var a Alias
			if err := v.Decode(&a); err != nil {
				slog.Warn("skipping undecodable alias", slog.String("key", k), slog.Any("err", err))
				return true
			}
			key := ckey{channel: channel, name: strings.ToLower(name)}
			target := strings.ToLower(a.Target)
			// Defense against records written before the target was
			// deleted or demoted to an alias: aliases only ever point at
			// concrete commands.
			if _, isCmd := next.commands[ckey{channel: channel, name: target}]; !isCmd {
				slog.Warn("skipping alias with no concrete target",
					slog.String("channel", channel), slog.String("alias", key.name), slog.String("target", target))
				return true
			}
			next.aliases[key] = target
			return true
		})
	}

	r.idx.Store(next)
}

// compileInto attaches a script handle to the next generation, reusing
// the previous compile when the source is unchanged.
func (r *Registry) compileInto(next, old *index, key ckey, cmd *Command) {
	if h, ok := old.handles[key]; ok && h.Hash() == script.SourceHash(cmd.Source) {
		next.handles[key] = h
		return
	}
	h, err := script.Compile(cmd.Name, cmd.Source)
	if err != nil {
		// Disabled-with-error, not removed: the record stays visible to
		// the admin surface and recovers when the source changes.
		cmd.Enabled = false
		cmd.Error = err.Error()
		slog.Error("script command failed to compile, disabling",
			slog.String("channel", key.channel), slog.String("command", key.name), slog.Any("err", err))
		return
	}
	next.handles[key] = h
}

// Resolve maps an incoming token to at most one command: first an exact
// alias match (rewritten once, single hop), then an exact command match.
// A miss is not an error.
func (r *Registry) Resolve(channel, token string) (*Resolved, bool) {
	name := strings.ToLower(token)
	idx := r.idx.Load()
	key := ckey{channel: channel, name: name}
	if target, ok := idx.aliases[key]; ok {
		key.name = target
	}
	cmd, ok := idx.commands[key]
	if !ok {
		return nil, false
	}
	res := &Resolved{Command: *cmd}
	if cmd.Kind == KindScript {
		res.Handle = idx.handles[key]
	}
	return res, true
}

// List returns the channel's commands sorted by name.
func (r *Registry) List(channel string) []Command {
	idx := r.idx.Load()
	out := make([]Command, 0)
	for k, c := range idx.commands {
		if k.channel == channel {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aliases returns the channel's aliases sorted by name.
func (r *Registry) Aliases(channel string) []Alias {
	idx := r.idx.Load()
	out := make([]Alias, 0)
	for k, target := range idx.aliases {
		if k.channel == channel {
			out = append(out, Alias{Channel: k.channel, Name: k.name, Target: target})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Size reports the number of registered commands and aliases.
func (r *Registry) Size() (commands, aliases int) {
	idx := r.idx.Load()
	return len(idx.commands), len(idx.aliases)
}

// SetCommand writes a command record through the settings store.
func (r *Registry) SetCommand(ctx context.Context, cmd Command) error {
	key, err := CommandKey(cmd.Channel, cmd.Name)
	if err != nil {
		return err
	}
	switch cmd.Kind {
	case KindNative, KindTemplate, KindScript:
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
	v, err := settings.ObjectValue(cmd)
	if err != nil {
		return err
	}
	_, err = r.store.Set(ctx, key, v)
	return err
}

// DeleteCommand removes a command record. Aliases pointing at it are
// dropped on the next rebuild.
func (r *Registry) DeleteCommand(ctx context.Context, channel, name string) error {
	key, err := CommandKey(channel, name)
	if err != nil {
		return err
	}
	_, err = r.store.Delete(ctx, key)
	return err
}

// SetDisabled flips a command's enabled flag through the settings write
// path. Disabling a name with no record creates a native record, which
// is how built-in commands are switched off per channel.
func (r *Registry) SetDisabled(ctx context.Context, channel, name string, disabled bool) error {
	name = strings.ToLower(name)
	cmd := Command{Channel: channel, Name: name, Kind: KindNative, Enabled: !disabled}
	idx := r.idx.Load()
	if existing, ok := idx.commands[ckey{channel: channel, name: name}]; ok {
		cmd = *existing
		cmd.Enabled = !disabled
		cmd.Error = ""
	}
	return r.SetCommand(ctx, cmd)
}

// RegisterAlias validates and writes an alias. Registration rejects any
// alias whose target is not a concrete existing command, which rules out
// self-reference, chains, and cycles in one check.
func (r *Registry) RegisterAlias(ctx context.Context, a Alias) error {
	key, err := AliasKey(a.Channel, a.Name)
	if err != nil {
		return err
	}
	name := strings.ToLower(a.Name)
	target := strings.ToLower(a.Target)
	if name == target {
		return fmt.Errorf("%w: %q targets itself", ErrAliasCycle, name)
	}
	idx := r.idx.Load()
	if _, isAlias := idx.aliases[ckey{channel: a.Channel, name: target}]; isAlias {
		return fmt.Errorf("%w: %q targets alias %q", ErrAliasCycle, name, target)
	}
	if _, isCmd := idx.commands[ckey{channel: a.Channel, name: target}]; !isCmd {
		return fmt.Errorf("%w: %q targets unknown command %q", ErrAliasCycle, name, target)
	}
	if _, shadows := idx.commands[ckey{channel: a.Channel, name: name}]; shadows {
		return fmt.Errorf("alias %q would shadow an existing command", name)
	}
	v, err := settings.ObjectValue(Alias{Target: target})
	if err != nil {
		return err
	}
	_, err = r.store.Set(ctx, key, v)
	return err
}

// DeleteAlias removes an alias record.
func (r *Registry) DeleteAlias(ctx context.Context, channel, name string) error {
	key, err := AliasKey(channel, name)
	if err != nil {
		return err
	}
	_, err = r.store.Delete(ctx, key)
	return err
}

// Get returns the channel's command by exact name, without the alias
// hop Resolve performs.
func (r *Registry) Get(channel, name string) (Command, bool) {
	idx := r.idx.Load()
	cmd, ok := idx.commands[ckey{channel: channel, name: strings.ToLower(name)}]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// IncrementCount bumps a command's persistent invocation counter through
// the settings write path and returns the new count. Increments are
// serialized and read the record back from the store, not the index: the
// index only refreshes on snapshot rebuild and may lag recent writes,
// which would lose counts on a hot command.
func (r *Registry) IncrementCount(ctx context.Context, channel, name string) (int64, error) {
	name = strings.ToLower(name)
	key, err := CommandKey(channel, name)
	if err != nil {
		return 0, err
	}
	r.countMu.Lock()
	defer r.countMu.Unlock()
	v, ok := r.store.Get(key)
	if !ok {
		return 0, fmt.Errorf("no such command %s/%s", channel, name)
	}
	var cmd Command
	if err := v.Decode(&cmd); err != nil {
		return 0, fmt.Errorf("decode command %s/%s: %w", channel, name, err)
	}
	cmd.Channel = channel
	cmd.Name = name
	cmd.Count++
	if err := r.SetCommand(ctx, cmd); err != nil {
		return 0, err
	}
	return cmd.Count, nil
}
