// Package message defines the application messages carried inside encrypted
// data frames. On the wire a message is one tag byte followed by a JSON body
// whose "type" field names the same kind.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message tags.
const (
	TagConfigSync       uint8 = 0x10
	TagRemoteExec       uint8 = 0x11
	TagStatusPush       uint8 = 0x12
	TagRemoteExecResult uint8 = 0x13
)

// Kind names used in the JSON "type" field.
const (
	KindConfigSync       = "config_sync"
	KindRemoteExec       = "remote_exec"
	KindStatusPush       = "status_push"
	KindRemoteExecResult = "remote_exec_result"
)

var (
	ErrEmpty      = errors.New("empty message")
	ErrUnknownTag = errors.New("unknown message tag")
	ErrMalformed  = errors.New("malformed message body")
)

// Message is implemented by the four message kinds.
type Message interface {
	Tag() uint8
	Kind() string
}

// ConfigSync carries a configuration snapshot from the agent.
type ConfigSync struct {
	ConfigHash string `json:"config_hash"`
	ConfigData string `json:"config_data"`
}

// RemoteExec asks the agent to run a command.
type RemoteExec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// StatusPush is the agent's periodic telemetry.
type StatusPush struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	DiskUsage      float64 `json:"disk_usage"`
	UptimeSecs     uint64  `json:"uptime_secs"`
	ActiveSessions uint32  `json:"active_sessions"`
	AIStatus       string  `json:"ai_status"`
}

// RemoteExecResult reports the outcome of a RemoteExec.
type RemoteExecResult struct {
	Command  string `json:"command"`
	ExitCode int32  `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (*ConfigSync) Tag() uint8       { return TagConfigSync }
func (*RemoteExec) Tag() uint8       { return TagRemoteExec }
func (*StatusPush) Tag() uint8       { return TagStatusPush }
func (*RemoteExecResult) Tag() uint8 { return TagRemoteExecResult }

func (*ConfigSync) Kind() string       { return KindConfigSync }
func (*RemoteExec) Kind() string       { return KindRemoteExec }
func (*StatusPush) Kind() string       { return KindStatusPush }
func (*RemoteExecResult) Kind() string { return KindRemoteExecResult }

// KindForTag maps a tag to its kind name, or "" for unknown tags.
func KindForTag(tag uint8) string {
	switch tag {
	case TagConfigSync:
		return KindConfigSync
	case TagRemoteExec:
		return KindRemoteExec
	case TagStatusPush:
		return KindStatusPush
	case TagRemoteExecResult:
		return KindRemoteExecResult
	default:
		return ""
	}
}

// Serialize encodes m as tag || JSON.
func Serialize(m Message) ([]byte, error) {
	var body any
	switch v := m.(type) {
	case *ConfigSync:
		body = struct {
			Type string `json:"type"`
			*ConfigSync
		}{KindConfigSync, v}
	case *RemoteExec:
		if v.Args == nil {
			v = &RemoteExec{Command: v.Command, Args: []string{}}
		}
		body = struct {
			Type string `json:"type"`
			*RemoteExec
		}{KindRemoteExec, v}
	case *StatusPush:
		body = struct {
			Type string `json:"type"`
			*StatusPush
		}{KindStatusPush, v}
	case *RemoteExecResult:
		body = struct {
			Type string `json:"type"`
			*RemoteExecResult
		}{KindRemoteExecResult, v}
	default:
		return nil, fmt.Errorf("cannot serialize %T", m)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, m.Tag())
	return append(out, data...), nil
}

// Decode parses tag || JSON and explains why input was rejected.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	var m Message
	switch data[0] {
	case TagConfigSync:
		m = &ConfigSync{}
	case TagRemoteExec:
		m = &RemoteExec{}
	case TagStatusPush:
		m = &StatusPush{}
	case TagRemoteExecResult:
		m = &RemoteExecResult{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, data[0])
	}

	var envelope struct {
		Type string `json:"type"`
	}
	body := data[1:]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Type != "" && envelope.Type != m.Kind() {
		return nil, fmt.Errorf("%w: tag 0x%02x carries type %q", ErrMalformed, data[0], envelope.Type)
	}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Deserialize is Decode without the reason: it returns nil for empty,
// malformed or unknown input.
func Deserialize(data []byte) Message {
	m, err := Decode(data)
	if err != nil {
		return nil
	}
	return m
}
