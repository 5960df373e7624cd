// Package command defines the closed set of navigation commands understood by
// the collector's actuator controller.
package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is a discrete navigation instruction for the actuator controller.
// Only the five constants below are ever transmitted.
type Command string

const (
	Forward Command = "FORWARD"
	Left    Command = "LEFT"
	Right   Command = "RIGHT"
	Stop    Command = "STOP"
	Collect Command = "COLLECT"
)

// All lists every valid command in a stable order.
var All = []Command{Forward, Left, Right, Stop, Collect}

// aliases maps the legacy lower-case names some controller firmwares use.
var aliases = map[string]Command{
	"move_forward": Forward,
	"turn_left":    Left,
	"turn_right":   Right,
}

// Valid reports whether c is a member of the enum.
func (c Command) Valid() bool {
	switch c {
	case Forward, Left, Right, Stop, Collect:
		return true
	}
	return false
}

// String returns the canonical name.
func (c Command) String() string {
	return string(c)
}

// Lower returns the lower-case form used in path-style HTTP endpoints.
func (c Command) Lower() string {
	return strings.ToLower(string(c))
}

// Sanitize returns c if it is valid and Stop otherwise.
func Sanitize(c Command) Command {
	if c.Valid() {
		return c
	}
	return Stop
}

// Parse converts a name into a Command. Matching is case-insensitive and
// accepts the legacy aliases (move_forward, turn_left, turn_right).
func Parse(s string) (Command, error) {
	name := strings.TrimSpace(s)
	if c := Command(strings.ToUpper(name)); c.Valid() {
		return c, nil
	}
	if c, ok := aliases[strings.ToLower(name)]; ok {
		return c, nil
	}
	return Stop, fmt.Errorf("unknown command %q", s)
}

// UnmarshalJSON decodes a command name. Unknown names decode to Stop and
// return an error so callers can decide whether to reject the payload.
func (c *Command) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("command must be a string: %w", err)
	}
	parsed, err := Parse(raw)
	*c = parsed
	return err
}
