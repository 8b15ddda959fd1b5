package profile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PinType is the pin namespace of a board.
type PinType string

const (
	PinDigital PinType = "d"
	PinAnalog  PinType = "a"
	PinVirtual PinType = "v"
)

// ParsePinType validates a single-letter pin type.
func ParsePinType(s string) (PinType, error) {
	switch pt := PinType(s); pt {
	case PinDigital, PinAnalog, PinVirtual:
		return pt, nil
	}
	return "", fmt.Errorf("invalid pin type %q", s)
}

// PinKey identifies one pin of one dashboard.
type PinKey struct {
	DashID int
	Type   PinType
	Pin    int
}

// String renders the pin part of the key, e.g. "d13".
func (k PinKey) String() string {
	return pinField(k.Type, k.Pin)
}

func pinField(pt PinType, pin int) string {
	return string(pt) + strconv.Itoa(pin)
}

// PinState is the last known value and mode of a pin.
type PinState struct {
	Value string `json:"value,omitempty"`
	Mode  string `json:"pinMode,omitempty"`
}

// Op is what a hardware command does to a pin.
type Op byte

const (
	OpWrite Op = 'w'
	OpRead  Op = 'r'
	OpMode  Op = 'm'
)

// ModeSetting is one pin/mode pair of a pin-mode command.
type ModeSetting struct {
	Pin  int
	Mode string
}

// PinCommand is the parsed body of a hardware command such as "dw 13 1",
// "vr 5" or "pm 13 in 14 out".
type PinCommand struct {
	Op     Op
	Type   PinType
	Pin    int
	Values []string
	Modes  []ModeSetting
}

// PinModeCommand is the command name that configures pin modes.
const PinModeCommand = "pm"

var errShortCommand = errors.New("pin command needs a pin")

// ParsePinCommand parses hardware command fields. Commands it cannot parse
// are still valid traffic; callers forward them without tracking state.
func ParsePinCommand(fields []string) (PinCommand, error) {
	if len(fields) == 0 || len(fields[0]) != 2 {
		return PinCommand{}, fmt.Errorf("invalid pin command %q", fields)
	}

	if fields[0] == PinModeCommand {
		rest := fields[1:]
		if len(rest) == 0 || len(rest)%2 != 0 {
			return PinCommand{}, fmt.Errorf("pin mode needs pin/mode pairs, got %d fields", len(rest))
		}
		cmd := PinCommand{Op: OpMode, Type: PinDigital}
		for i := 0; i < len(rest); i += 2 {
			pin, err := parsePin(rest[i])
			if err != nil {
				return PinCommand{}, err
			}
			cmd.Modes = append(cmd.Modes, ModeSetting{Pin: pin, Mode: rest[i+1]})
		}
		return cmd, nil
	}

	pt, err := ParsePinType(fields[0][:1])
	if err != nil {
		return PinCommand{}, err
	}
	op := Op(fields[0][1])
	if op != OpWrite && op != OpRead {
		return PinCommand{}, fmt.Errorf("invalid pin operation %q", fields[0])
	}
	if len(fields) < 2 {
		return PinCommand{}, errShortCommand
	}
	pin, err := parsePin(fields[1])
	if err != nil {
		return PinCommand{}, err
	}
	cmd := PinCommand{Op: op, Type: pt, Pin: pin}
	if op == OpWrite {
		if len(fields) < 3 {
			return PinCommand{}, fmt.Errorf("write to %s%d without value", pt, pin)
		}
		cmd.Values = fields[2:]
	}
	return cmd, nil
}

// IsPinMode reports whether the fields form a pin-mode command.
func IsPinMode(fields []string) bool {
	return len(fields) > 0 && fields[0] == PinModeCommand
}

// Value is the written value, with multi-value writes joined by spaces.
func (c PinCommand) Value() string {
	return strings.Join(c.Values, " ")
}

func parsePin(s string) (int, error) {
	pin, err := strconv.Atoi(s)
	if err != nil || pin < 0 {
		return 0, fmt.Errorf("invalid pin %q", s)
	}
	return pin, nil
}
