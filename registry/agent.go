// Package registry maintains the directory of live agents: capabilities,
// load metrics, health, and load-balanced selection. In-process indices
// serve reads; a KV mirror lets a fresh process rebuild them on start.
package registry

import (
	"time"
)

// Capability is a closed enumeration of what an agent can do
type Capability string

const (
	CapCodeGeneration          Capability = "code_generation"
	CapCodeAnalysis            Capability = "code_analysis"
	CapDebugging               Capability = "debugging"
	CapTesting                 Capability = "testing"
	CapDocumentation           Capability = "documentation"
	CapDeployment              Capability = "deployment"
	CapSecurityAudit           Capability = "security_audit"
	CapPerformanceOptimization Capability = "performance_optimization"
	CapArchitectureDesign      Capability = "architecture_design"
	CapIntegration             Capability = "integration"
	CapBrowserAutomation       Capability = "browser_automation"
	CapMemoryManagement        Capability = "memory_management"
)

// KnownCapabilities lists every valid capability tag
var KnownCapabilities = []Capability{
	CapCodeGeneration, CapCodeAnalysis, CapDebugging, CapTesting,
	CapDocumentation, CapDeployment, CapSecurityAudit,
	CapPerformanceOptimization, CapArchitectureDesign, CapIntegration,
	CapBrowserAutomation, CapMemoryManagement,
}

// AgentStatus tracks an agent through its lifecycle
type AgentStatus string

const (
	StatusStarting    AgentStatus = "starting"
	StatusIdle        AgentStatus = "idle"
	StatusBusy        AgentStatus = "busy"
	StatusOverloaded  AgentStatus = "overloaded"
	StatusError       AgentStatus = "error"
	StatusMaintenance AgentStatus = "maintenance"
	StatusStopping    AgentStatus = "stopping"
	StatusOffline     AgentStatus = "offline"
)

// AgentMetrics carries the load and performance figures an agent
// reports with its heartbeats.
type AgentMetrics struct {
	TotalTasks          int64     `json:"total_tasks"`
	CompletedTasks      int64     `json:"completed_tasks"`
	FailedTasks         int64     `json:"failed_tasks"`
	AverageResponseTime float64   `json:"average_response_time"`
	CurrentLoad         int       `json:"current_load"`
	MaxConcurrent       int       `json:"max_concurrent"`
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryPercent       float64   `json:"memory_percent"`
	LastActivity        time.Time `json:"last_activity"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
}

// AgentRecord is the registry's view of one agent
type AgentRecord struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Capabilities      []Capability      `json:"capabilities"`
	Status            AgentStatus       `json:"status"`
	Version           string            `json:"version,omitempty"`
	Host              string            `json:"host,omitempty"`
	Port              int               `json:"port,omitempty"`
	Endpoint          string            `json:"endpoint,omitempty"`
	Weight            float64           `json:"weight"`
	Tags              map[string]string `json:"tags,omitempty"`
	Config            map[string]string `json:"config,omitempty"`
	Metrics           AgentMetrics      `json:"metrics"`
	RegisteredAt      time.Time         `json:"registered_at"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
}

// Healthy reports whether the agent is reporting heartbeats on time.
// An agent is healthy iff its last heartbeat is within twice its
// heartbeat interval and it is not offline.
func (a *AgentRecord) Healthy(now time.Time) bool {
	if a.Status == StatusOffline {
		return false
	}
	if a.HeartbeatInterval <= 0 {
		return true
	}
	return now.Sub(a.LastHeartbeat) <= 2*a.HeartbeatInterval
}

// HasCapability reports whether the agent declares the capability
func (a *AgentRecord) HasCapability(cap Capability) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CanAcceptTask reports whether the agent is eligible for new work:
// accepting status, spare concurrency, and healthy.
func (a *AgentRecord) CanAcceptTask(now time.Time) bool {
	if a.Status != StatusIdle && a.Status != StatusBusy {
		return false
	}
	if a.Metrics.MaxConcurrent > 0 && a.Metrics.CurrentLoad >= a.Metrics.MaxConcurrent {
		return false
	}
	return a.Healthy(now)
}

// clone returns a deep enough copy that callers cannot mutate registry state
func (a *AgentRecord) clone() *AgentRecord {
	c := *a
	c.Capabilities = append([]Capability(nil), a.Capabilities...)
	if a.Tags != nil {
		c.Tags = make(map[string]string, len(a.Tags))
		for k, v := range a.Tags {
			c.Tags[k] = v
		}
	}
	if a.Config != nil {
		c.Config = make(map[string]string, len(a.Config))
		for k, v := range a.Config {
			c.Config[k] = v
		}
	}
	return &c
}
