// Package script executes Starlark-backed command bodies in isolation.
// A compiled Handle is immutable and shared across concurrent
// invocations; every invocation runs top-level code and the script's
// handle function on a fresh thread with fresh globals, a wall-clock
// budget, and a step bound. Scripts see only the injected capability
// builtins; no file, network, or module access exists.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Entry point every script must define: handle(event) returning a
// string, a list of strings, or None.
const entryPoint = "handle"

// Builtin names available to scripts, fixed at compile time.
var predeclaredNames = map[string]bool{
	"setting": true,
	"lookup":  true,
	"now":     true,
}

// Fault is an isolated script failure. It never propagates beyond the
// invocation that produced it.
type Fault struct {
	Script string
	Phase  string // compile | init | call | convert
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("script %s: %s: %v", f.Script, f.Phase, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Handle is a compiled script body. Immutable after compilation.
type Handle struct {
	name string
	hash string
	prog *starlark.Program
}

// Name returns the script's command name.
func (h *Handle) Name() string { return h.name }

// Hash returns the hex SHA-256 of the source the handle was compiled
// from, used to detect source changes.
func (h *Handle) Hash() string { return h.hash }

// SourceHash returns the hex SHA-256 of src.
func SourceHash(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

var fileOpts = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
}

// Compile parses and compiles source into a shareable Handle.
func Compile(name, source string) (*Handle, error) {
	_, prog, err := starlark.SourceProgramOptions(fileOpts, name+".star", source, func(s string) bool {
		return predeclaredNames[s]
	})
	if err != nil {
		return nil, &Fault{Script: name, Phase: "compile", Err: err}
	}
	return &Handle{name: name, hash: SourceHash(source), prog: prog}, nil
}

// SettingFunc resolves a setting key for the setting() builtin.
type SettingFunc func(key string) (string, bool)

// LookupFunc performs a cache-backed external lookup for the lookup()
// builtin.
type LookupFunc func(ctx context.Context, class, key string) (string, error)

// Host runs compiled handles. The capability surface is fixed at
// construction; zero-value funcs degrade to errors inside the script.
type Host struct {
	Setting SettingFunc
	Lookup  LookupFunc

	// Timeout bounds one invocation's wall clock; MaxSteps bounds its
	// abstract computation. Zero values apply defaults (2s, 500k).
	Timeout  time.Duration
	MaxSteps uint64
}

func (h *Host) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return 2 * time.Second
}

func (h *Host) maxSteps() uint64 {
	if h.MaxSteps > 0 {
		return h.MaxSteps
	}
	return 500_000
}

// Invoke runs handle's entry point against event. The returned slice
// holds the script's outbound lines. Errors are always *Fault.
func (h *Host) Invoke(ctx context.Context, handle *Handle, event map[string]string) ([]string, error) {
	thread := &starlark.Thread{Name: handle.name}
	thread.SetMaxExecutionSteps(h.maxSteps())

	timer := time.AfterFunc(h.timeout(), func() { thread.Cancel("time budget exceeded") })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { thread.Cancel("invocation cancelled") })
	defer stop()

	// Init re-runs top-level code, so every invocation gets fresh globals
	// and no interpreter state is shared across calls.
	globals, err := handle.prog.Init(thread, h.predeclared(ctx))
	if err != nil {
		return nil, &Fault{Script: handle.name, Phase: "init", Err: err}
	}

	fn, ok := globals[entryPoint]
	if !ok {
		return nil, &Fault{Script: handle.name, Phase: "init",
			Err: fmt.Errorf("script does not define %s(event)", entryPoint)}
	}

	dict := starlark.NewDict(len(event))
	for k, v := range event {
		_ = dict.SetKey(starlark.String(k), starlark.String(v))
	}
	dict.Freeze()

	out, err := starlark.Call(thread, fn, starlark.Tuple{dict}, nil)
	if err != nil {
		return nil, &Fault{Script: handle.name, Phase: "call", Err: err}
	}
	lines, err := toLines(out)
	if err != nil {
		return nil, &Fault{Script: handle.name, Phase: "convert", Err: err}
	}
	return lines, nil
}

// predeclared builds the capability surface for one invocation. The ctx
// is captured so host calls are cancelled with the invocation.
func (h *Host) predeclared(ctx context.Context) starlark.StringDict {
	return starlark.StringDict{
		"setting": starlark.NewBuiltin("setting", func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key, def string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
				return nil, err
			}
			if h.Setting == nil {
				return starlark.String(def), nil
			}
			if v, ok := h.Setting(key); ok {
				return starlark.String(v), nil
			}
			return starlark.String(def), nil
		}),
		"lookup": starlark.NewBuiltin("lookup", func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var class, key string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "class", &class, "key", &key); err != nil {
				return nil, err
			}
			if h.Lookup == nil {
				return nil, errors.New("lookup is not available")
			}
			v, err := h.Lookup(ctx, class, key)
			if err != nil {
				return nil, fmt.Errorf("lookup %s/%s: %w", class, key, err)
			}
			return starlark.String(v), nil
		}),
		"now": starlark.NewBuiltin("now", func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			return starlark.MakeInt64(time.Now().Unix()), nil
		}),
	}
}

// toLines converts a script return value into outbound lines. None means
// no output.
func toLines(v starlark.Value) ([]string, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		s := strings.TrimSpace(string(v))
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	case *starlark.List:
		out := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			s, ok := starlark.AsString(v.Index(i))
			if !ok {
				return nil, fmt.Errorf("list element %d is %s, want string", i, v.Index(i).Type())
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("handle returned %s, want string, list of strings, or None", v.Type())
	}
}
