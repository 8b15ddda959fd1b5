package protocol

import (
	"fmt"
	"strings"
)

// ParseLine builds a message from its human readable form, e.g.
// "hardware 1 dw 1". Spaces in the body become Separator, except for
// commands whose body is a JSON document.
func ParseLine(id uint16, line string) (*Message, error) {
	name, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	cmd, ok := CommandByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if cmd == CmdResponse {
		return nil, fmt.Errorf("responses have no text form")
	}

	m := &Message{ID: id, Command: cmd}
	if rest == "" {
		return m, nil
	}
	if cmd.jsonBody() {
		m.Body = []byte(rest)
	} else {
		m.Body = []byte(strings.ReplaceAll(rest, " ", string(Separator)))
	}
	return m, nil
}

// MustParseLine is ParseLine for fixed inputs; it panics on error.
func MustParseLine(id uint16, line string) *Message {
	m, err := ParseLine(id, line)
	if err != nil {
		panic(err)
	}
	return m
}
