package command

import "fmt"

// Level is a caller authority level. Levels form a total order; a
// command's required level admits any caller at or above it.
type Level int

const (
	LevelEveryone Level = iota
	LevelSubscriber
	LevelVIP
	LevelModerator
	LevelBroadcaster
)

var levelNames = map[Level]string{
	LevelEveryone:    "everyone",
	LevelSubscriber:  "subscriber",
	LevelVIP:         "vip",
	LevelModerator:   "moderator",
	LevelBroadcaster: "broadcaster",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel parses a level name as stored in command records.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return LevelEveryone, fmt.Errorf("unknown level %q", s)
}

// Allows reports whether a caller at level user may run a command
// requiring l.
func (l Level) Allows(user Level) bool { return user >= l }

// MarshalText implements encoding.TextMarshaler for command records.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler; an empty value
// means everyone.
func (l *Level) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*l = LevelEveryone
		return nil
	}
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
