// Package policy decides whether a role may use a capability. Capabilities
// carry a risk level; each role may use anything up to its ceiling.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RiskLevel orders capabilities by potential for harm.
type RiskLevel uint8

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("risk(%d)", uint8(r))
	}
}

// Role is a caller's privilege tier.
type Role uint8

const (
	RoleViewer Role = iota
	RoleOperator
	RoleAdmin
	RoleOwner
)

// ErrInvalidRole is returned for role names outside viewer/operator/admin/owner.
var ErrInvalidRole = errors.New("invalid role")

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return RoleViewer, nil
	case "operator":
		return RoleOperator, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// MaxRisk is the highest risk level the role may use.
func (r Role) MaxRisk() RiskLevel {
	return RiskLevel(r)
}

// Capability names.
const (
	CapStatusQuery    = "status_query"
	CapHeartbeat      = "heartbeat"
	CapFileRead       = "file_read"
	CapSensorRead     = "sensor_read"
	CapClipboardRead  = "clipboard_read"
	CapFileWrite      = "file_write"
	CapConfigChange   = "config_change"
	CapClipboardWrite = "clipboard_write"
	CapShellExec      = "shell_exec"
	CapFirmwareUpdate = "firmware_update"
	CapSystemReboot   = "system_reboot"
)

// Capability is a named action with a risk level.
type Capability struct {
	Name        string
	Risk        RiskLevel
	Description string
}

// DefaultCapabilities is the built-in capability table.
func DefaultCapabilities() []Capability {
	return []Capability{
		{CapStatusQuery, RiskNone, "Query device status"},
		{CapHeartbeat, RiskNone, "Send/receive heartbeat"},
		{CapFileRead, RiskLow, "Read files from device"},
		{CapSensorRead, RiskLow, "Read sensor data"},
		{CapClipboardRead, RiskLow, "Read clipboard content"},
		{CapFileWrite, RiskMedium, "Write files to device"},
		{CapConfigChange, RiskMedium, "Modify device configuration"},
		{CapClipboardWrite, RiskMedium, "Write to clipboard"},
		{CapShellExec, RiskHigh, "Execute shell commands"},
		{CapFirmwareUpdate, RiskHigh, "Update device firmware"},
		{CapSystemReboot, RiskHigh, "Reboot device"},
	}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	Risk    RiskLevel
}

// Evaluator is what the agent consults before acting on a request.
type Evaluator interface {
	Evaluate(capability, role string) (Decision, error)
}

// Engine is the table-driven Evaluator. Unknown capabilities are denied and
// treated as high risk.
type Engine struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewEngine returns an Engine loaded with DefaultCapabilities.
func NewEngine() *Engine {
	e := &Engine{caps: make(map[string]Capability)}
	for _, c := range DefaultCapabilities() {
		e.caps[c.Name] = c
	}
	return e
}

// Register adds or replaces a capability.
func (e *Engine) Register(c Capability) {
	e.mu.Lock()
	e.caps[c.Name] = c
	e.mu.Unlock()
}

// Capabilities lists the table sorted by risk then name.
func (e *Engine) Capabilities() []Capability {
	e.mu.RLock()
	out := make([]Capability, 0, len(e.caps))
	for _, c := range e.caps {
		out = append(out, c)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Risk != out[j].Risk {
			return out[i].Risk < out[j].Risk
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Evaluate implements Evaluator.
func (e *Engine) Evaluate(capability, roleName string) (Decision, error) {
	role, err := ParseRole(roleName)
	if err != nil {
		return Decision{}, err
	}

	e.mu.RLock()
	c, ok := e.caps[capability]
	e.mu.RUnlock()

	if !ok {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("unknown capability %q: default deny", capability),
			Risk:    RiskHigh,
		}, nil
	}

	if c.Risk <= role.MaxRisk() {
		return Decision{
			Allowed: true,
			Reason:  fmt.Sprintf("role %q allowed for capability %q (risk level %d)", role, capability, c.Risk),
			Risk:    c.Risk,
		}, nil
	}
	return Decision{
		Allowed: false,
		Reason: fmt.Sprintf("role %q denied for capability %q (risk level %d exceeds max %d)",
			role, capability, c.Risk, role.MaxRisk()),
		Risk: c.Risk,
	}, nil
}
