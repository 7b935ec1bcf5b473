package message

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"config", &ConfigSync{ConfigHash: "abc123", ConfigData: "{\"k\":1}"}},
		{"exec", &RemoteExec{Command: "ls", Args: []string{"-la", "/tmp"}}},
		{"status", &StatusPush{CPUUsage: 12.5, MemoryUsage: 40, DiskUsage: 70.25, UptimeSecs: 3600, ActiveSessions: 2, AIStatus: "idle"}},
		{"result", &RemoteExecResult{Command: "ls", ExitCode: 2, Stdout: "a\nb", Stderr: "denied"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if data[0] != tc.msg.Tag() {
				t.Errorf("tag byte = 0x%02x, want 0x%02x", data[0], tc.msg.Tag())
			}
			if !strings.Contains(string(data[1:]), `"type":"`+tc.msg.Kind()+`"`) {
				t.Errorf("body %s missing type field", data[1:])
			}

			got := Deserialize(data)
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("Deserialize() = %#v, want %#v", got, tc.msg)
			}
		})
	}
}

func TestSerialize_NilArgs(t *testing.T) {
	data, err := Serialize(&RemoteExec{Command: "uptime"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"args":[]`) {
		t.Errorf("nil args should encode as empty list: %s", data)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrEmpty},
		{"unknown tag", append([]byte{0x20}, `{"type":"config_sync"}`...), ErrUnknownTag},
		{"bad json", append([]byte{TagConfigSync}, `{"config_hash":`...), ErrMalformed},
		{"tag only", []byte{TagStatusPush}, ErrMalformed},
		{"type mismatch", append([]byte{TagRemoteExec}, `{"type":"status_push"}`...), ErrMalformed},
		{"wrong field type", append([]byte{TagRemoteExecResult}, `{"exit_code":"zero"}`...), ErrMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("Decode() error = %v, want %v", err, tc.want)
			}
			if m != nil {
				t.Errorf("Decode() returned %#v on bad input", m)
			}
			if Deserialize(tc.data) != nil {
				t.Error("Deserialize() should return nil")
			}
		})
	}
}

func TestDecode_ToleratesMissingType(t *testing.T) {
	m := Deserialize(append([]byte{TagConfigSync}, `{"config_hash":"h","config_data":"d"}`...))
	cs, ok := m.(*ConfigSync)
	if !ok || cs.ConfigHash != "h" {
		t.Errorf("Deserialize() = %#v", m)
	}
}

func TestKindForTag(t *testing.T) {
	if KindForTag(TagStatusPush) != KindStatusPush || KindForTag(0xFF) != "" {
		t.Error("KindForTag mapping wrong")
	}
}
