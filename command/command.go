// Package command holds the in-memory mirrors of configured commands and
// aliases, the resolution path from a chat token to a runnable command,
// and response template rendering. All mutation flows through the
// settings store; the registry only ever reacts to published snapshots.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// Handler kinds. A resolved command is exactly one of these, decided at
// lookup time.
const (
	KindNative   = "native"
	KindTemplate = "template"
	KindScript   = "script"
)

var (
	// ErrAliasCycle is returned when registering an alias whose target is
	// not a concrete command name (self-reference, alias chain, or shadow).
	ErrAliasCycle = errors.New("alias target must be a concrete command")

	// ErrBadName is returned for names that cannot form a settings key.
	ErrBadName = errors.New("invalid command or channel name")
)

// Command is one registered command, keyed by (channel, name). The
// registry hands out copies; the stored records are only replaced whole
// on snapshot refresh.
type Command struct {
	Channel string `json:"-"`
	Name    string `json:"-"`

	Kind        string `json:"kind"`
	Template    string `json:"template,omitempty"` // template kind
	Source      string `json:"source,omitempty"`   // script kind: Starlark body
	Level       Level  `json:"level,omitempty"`
	Enabled     bool   `json:"enabled"`
	Error       string `json:"error,omitempty"`        // sticky compile diagnostic
	BucketClass string `json:"bucket_class,omitempty"` // admission class override
	Count       int64  `json:"count,omitempty"`        // persistent invocation counter
}

// Alias maps (channel, name) to a concrete command name in the same
// channel. The alias graph is flat by construction: targets may not be
// aliases, so resolution is always a single hop.
type Alias struct {
	Channel string `json:"-"`
	Name    string `json:"-"`
	Target  string `json:"target"`
}

// Settings key layout. Channel and name become key segments, so neither
// may contain a slash.
const (
	commandPrefix = "commands/"
	aliasPrefix   = "aliases/"
)

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/ \t\r\n")
}

// CommandKey builds the settings key for a command record.
func CommandKey(channel, name string) (string, error) {
	if !validName(channel) || !validName(name) {
		return "", fmt.Errorf("%w: %q/%q", ErrBadName, channel, name)
	}
	return commandPrefix + channel + "/" + strings.ToLower(name), nil
}

// AliasKey builds the settings key for an alias record.
func AliasKey(channel, name string) (string, error) {
	if !validName(channel) || !validName(name) {
		return "", fmt.Errorf("%w: %q/%q", ErrBadName, channel, name)
	}
	return aliasPrefix + channel + "/" + strings.ToLower(name), nil
}

// splitKey returns (channel, name) from a command or alias settings key.
func splitKey(key, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	channel, name, ok := strings.Cut(rest, "/")
	if !ok || channel == "" || name == "" {
		return "", "", false
	}
	return channel, name, true
}
