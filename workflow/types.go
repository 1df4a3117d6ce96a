// Package workflow orchestrates multi-agent work: task assignment via
// the registry, execution strategies over task graphs, timeout
// monitoring, and collaboration sessions.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/revoagent/fabric/messaging"
	"github.com/revoagent/fabric/registry"
)

// TaskStatus tracks a task through its lifecycle
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskTimeout    TaskStatus = "timeout"
)

// terminal reports whether the status admits no further transitions
func (s TaskStatus) terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// Task is one unit of work assigned to an agent
type Task struct {
	ID                 string                 `json:"id"`
	Type               string                 `json:"type"`
	Description        string                 `json:"description,omitempty"`
	Params             map[string]interface{} `json:"params,omitempty"`
	RequiredCapability registry.Capability    `json:"required_capability,omitempty"`
	RequiredAgentType  string                 `json:"required_agent_type,omitempty"`
	Priority           messaging.Priority     `json:"priority"`
	TimeoutSeconds     int                    `json:"timeout_seconds,omitempty"`
	RetryCount         int                    `json:"retry_count"`
	MaxRetries         int                    `json:"max_retries"`
	Status             TaskStatus             `json:"status"`
	AssignedAgent      string                 `json:"assigned_agent,omitempty"`
	Result             map[string]interface{} `json:"result,omitempty"`
	Error              string                 `json:"error,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	DependsOn          []string               `json:"depends_on,omitempty"`

	// ConditionEquals gates the task under CONDITIONAL execution: every
	// listed key must equal the corresponding key in the merged results
	// of the task's dependencies (or the previous task when it has
	// none). ConditionFunc, when set, takes precedence.
	ConditionEquals map[string]interface{}                  `json:"condition_equals,omitempty"`
	ConditionFunc   func(prior map[string]interface{}) bool `json:"-"`
}

// NewTask creates a task with defaults applied
func NewTask(taskType string, params map[string]interface{}) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Params:     params,
		Priority:   messaging.PriorityNormal,
		MaxRetries: 3,
		Status:     TaskPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// ExecutionType selects how a workflow's tasks are scheduled
type ExecutionType string

const (
	ExecSequential  ExecutionType = "sequential"
	ExecParallel    ExecutionType = "parallel"
	ExecConditional ExecutionType = "conditional"
	ExecPipeline    ExecutionType = "pipeline"
	ExecMapReduce   ExecutionType = "map_reduce"
)

// CollaborationPattern names how agents organize within a session
type CollaborationPattern string

const (
	PatternMasterWorker CollaborationPattern = "master_worker"
	PatternPeerToPeer   CollaborationPattern = "peer_to_peer"
	PatternHierarchical CollaborationPattern = "hierarchical"
	PatternPipeline     CollaborationPattern = "pipeline"
	PatternConsensus    CollaborationPattern = "consensus"
)

// WorkflowStatus tracks a workflow through its lifecycle
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowTimedOut  WorkflowStatus = "timeout"
)

// Workflow is an ordered collection of tasks under one execution policy
type Workflow struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Tasks          []*Task                `json:"tasks"`
	ExecutionType  ExecutionType          `json:"execution_type"`
	Pattern        CollaborationPattern   `json:"pattern,omitempty"`
	Status         WorkflowStatus         `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Progress is the fraction of tasks that have completed
func (w *Workflow) Progress() float64 {
	if len(w.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range w.Tasks {
		if t.Status == TaskCompleted {
			done++
		}
	}
	return float64(done) / float64(len(w.Tasks))
}

// Collaboration is a live multi-agent session
type Collaboration struct {
	ID        string                 `json:"id"`
	Agents    []string               `json:"agents"`
	Pattern   CollaborationPattern   `json:"pattern"`
	Context   map[string]interface{} `json:"context,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
}

// EventType enumerates workflow lifecycle events
type EventType string

const (
	EventWorkflowStarted        EventType = "workflow_started"
	EventWorkflowCompleted      EventType = "workflow_completed"
	EventWorkflowFailed         EventType = "workflow_failed"
	EventTaskAssigned           EventType = "task_assigned"
	EventTaskCompleted          EventType = "task_completed"
	EventTaskFailed             EventType = "task_failed"
	EventCollaborationStarted   EventType = "collaboration_started"
	EventCollaborationCompleted EventType = "collaboration_completed"
)

// Event describes a workflow state transition
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
