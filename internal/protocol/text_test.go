package protocol

import (
	"bytes"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCmd  Command
		wantBody []byte
		wantErr  bool
	}{
		{name: "no body", line: "ping", wantCmd: CmdPing},
		{name: "fields", line: "hardware 1 dw 1", wantCmd: CmdHardware, wantBody: []byte("1\x00dw\x001")},
		{name: "json kept verbatim", line: `createDash {"id":10, "name":"test board"}`, wantCmd: CmdCreateDash, wantBody: []byte(`{"id":10, "name":"test board"}`)},
		{name: "lowercase graph command", line: "getgraphdata 1 d 8 24 h", wantCmd: CmdGetGraphData, wantBody: []byte("1\x00d\x008\x0024\x00h")},
		{name: "unknown", line: "reboot now", wantErr: true},
		{name: "response", line: "response 200", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseLine(3, tt.line)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLine(%q) error = nil, want error", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine(%q) error = %v", tt.line, err)
			}
			if m.ID != 3 || m.Command != tt.wantCmd {
				t.Errorf("ParseLine(%q) = %v", tt.line, m)
			}
			if !bytes.Equal(m.Body, tt.wantBody) {
				t.Errorf("body = %q, want %q", m.Body, tt.wantBody)
			}
		})
	}
}

func TestMessage_String(t *testing.T) {
	if got := New(4, CmdHardware, "1", "aw", "1", "1").String(); got != "hardware#4 1 aw 1 1" {
		t.Errorf("String() = %q", got)
	}
	if got := NewResponse(2, StatusNoActiveDashboard).String(); got != "response#2 no_active_dashboard" {
		t.Errorf("String() = %q", got)
	}
}

func TestCommands_AllValid(t *testing.T) {
	cmds := Commands()
	if len(cmds) != len(commandNames) {
		t.Fatalf("Commands() = %d entries, want %d", len(cmds), len(commandNames))
	}
	for _, c := range cmds {
		if got, ok := CommandByName(c.String()); !ok || got != c {
			t.Errorf("CommandByName(%q) = %v, %v", c.String(), got, ok)
		}
	}
	if Command(11).Valid() {
		t.Error("code 11 must be undefined")
	}
}
