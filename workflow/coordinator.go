package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/messaging"
	"github.com/revoagent/fabric/registry"
)

const coordinatorID = "coordinator"

// Stats summarizes coordinator traffic
type Stats struct {
	WorkflowsStarted     uint64  `json:"workflows_started"`
	WorkflowsCompleted   uint64  `json:"workflows_completed"`
	WorkflowsFailed      uint64  `json:"workflows_failed"`
	TasksAssigned        uint64  `json:"tasks_assigned"`
	TasksCompleted       uint64  `json:"tasks_completed"`
	TasksFailed          uint64  `json:"tasks_failed"`
	TasksRetried         uint64  `json:"tasks_retried"`
	AverageTaskTime      float64 `json:"average_task_time"`
	ActiveWorkflows      int     `json:"active_workflows"`
	ActiveCollaborations int     `json:"active_collaborations"`
}

// Coordinator drives workflows: it selects agents through the
// registry, delivers assignments through the message queue, and
// advances task graphs as completions arrive.
type Coordinator struct {
	registry *registry.Registry
	queue    *messaging.Queue
	cfg      core.WorkflowConfig
	logger   core.Logger
	metrics  core.MetricsCollector
	strategy registry.SelectionStrategy

	mu             sync.Mutex
	tasks          map[string]*Task
	workflows      map[string]*Workflow
	taskToWorkflow map[string]string
	collaborations map[string]*Collaboration

	workflowsStarted   uint64
	workflowsCompleted uint64
	workflowsFailed    uint64
	tasksAssigned      uint64
	tasksCompleted     uint64
	tasksFailed        uint64
	tasksRetried       uint64
	avgTaskTime        float64
	taskTimeSamples    uint64

	subMu       sync.RWMutex
	subscribers []func(Event)

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// CoordinatorOption customizes coordinator construction
type CoordinatorOption func(*Coordinator)

// WithSelectionStrategy sets the default agent selection strategy
func WithSelectionStrategy(s registry.SelectionStrategy) CoordinatorOption {
	return func(c *Coordinator) { c.strategy = s }
}

// WithMetrics installs a metrics collector
func WithMetrics(m core.MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewCoordinator creates a workflow coordinator
func NewCoordinator(reg *registry.Registry, queue *messaging.Queue, cfg core.WorkflowConfig, opts ...CoordinatorOption) *Coordinator {
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 5 * time.Minute
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	c := &Coordinator{
		registry:       reg,
		queue:          queue,
		cfg:            cfg,
		logger:         &core.NoOpLogger{},
		metrics:        &core.NoOpMetrics{},
		strategy:       registry.SelectRoundRobin,
		tasks:          make(map[string]*Task),
		workflows:      make(map[string]*Workflow),
		taskToWorkflow: make(map[string]string),
		collaborations: make(map[string]*Collaboration),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger sets the logger for coordinator operations
func (c *Coordinator) SetLogger(logger core.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Subscribe registers a handler for workflow events. Handlers run
// synchronously and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Coordinator) emit(ev Event) {
	ev.Timestamp = time.Now().UTC()
	c.subMu.RLock()
	subs := append([]func(Event){}, c.subscribers...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// ExecuteWorkflow registers the workflow, marks it running, and
// assigns its initial task set per the execution type. Subsequent
// progress is driven by HandleTaskCompletion.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, wf *Workflow) (string, error) {
	if wf == nil || len(wf.Tasks) == 0 {
		return "", fmt.Errorf("workflow.Execute: workflow has no tasks: %w", core.ErrInvalidConfiguration)
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.Status = WorkflowRunning
	wf.StartedAt = &now

	c.mu.Lock()
	c.workflows[wf.ID] = wf
	for _, t := range wf.Tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		c.tasks[t.ID] = t
		c.taskToWorkflow[t.ID] = wf.ID
	}
	c.workflowsStarted++
	c.mu.Unlock()

	c.logger.Info("Workflow started", map[string]interface{}{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"execution":   string(wf.ExecutionType),
		"tasks":       len(wf.Tasks),
	})
	c.emit(Event{Type: EventWorkflowStarted, WorkflowID: wf.ID})
	c.metrics.RecordCounter("workflow.started", 1, map[string]string{"execution": string(wf.ExecutionType)})

	if err := c.dispatchInitial(ctx, wf); err != nil {
		return wf.ID, err
	}
	// A conditional workflow can skip every task up front
	c.settleWorkflow(wf)
	return wf.ID, nil
}

func (c *Coordinator) dispatchInitial(ctx context.Context, wf *Workflow) error {
	switch wf.ExecutionType {
	case ExecParallel:
		return c.assignBatch(ctx, wf.Tasks)
	case ExecMapReduce:
		return c.assignBatch(ctx, tasksWithPrefix(wf.Tasks, "map_"))
	case ExecPipeline:
		return c.assignBatch(ctx, c.readyTasks(wf))
	case ExecSequential, ExecConditional, "":
		return c.assignNextInOrder(ctx, wf)
	default:
		return fmt.Errorf("workflow.Execute [%s]: unsupported execution type %q: %w", wf.ID, wf.ExecutionType, core.ErrInvalidConfiguration)
	}
}

// assignBatch dispatches a set of independent tasks concurrently
func (c *Coordinator) assignBatch(ctx context.Context, batch []*Task) error {
	if len(batch) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range batch {
		t := t
		g.Go(func() error {
			_, err := c.AssignTask(gctx, t, c.strategy)
			return err
		})
	}
	return g.Wait()
}

// assignNextInOrder drives sequential and conditional execution: the
// first non-terminal task in declaration order is assigned, skipping
// conditionally gated tasks whose predicate is false.
func (c *Coordinator) assignNextInOrder(ctx context.Context, wf *Workflow) error {
	for {
		c.mu.Lock()
		var next *Task
		var prior map[string]interface{}
		for i, t := range wf.Tasks {
			if t.Status.terminal() {
				continue
			}
			if t.Status != TaskPending {
				c.mu.Unlock()
				return nil
			}
			next = t
			prior = c.priorResultsLocked(wf, i)
			break
		}
		c.mu.Unlock()

		if next == nil {
			return nil
		}
		if wf.ExecutionType == ExecConditional && !conditionHolds(next, prior) {
			c.mu.Lock()
			next.Status = TaskCancelled
			c.mu.Unlock()
			c.logger.Debug("Task skipped by condition", map[string]interface{}{
				"workflow_id": wf.ID,
				"task_id":     next.ID,
			})
			continue
		}
		_, err := c.AssignTask(ctx, next, c.strategy)
		return err
	}
}

// priorResultsLocked merges the results a conditional task may inspect:
// its dependencies' results, or the previous task's when it has none.
func (c *Coordinator) priorResultsLocked(wf *Workflow, idx int) map[string]interface{} {
	merged := make(map[string]interface{})
	if len(wf.Tasks[idx].DependsOn) > 0 {
		for _, dep := range wf.Tasks[idx].DependsOn {
			if t, ok := c.tasks[dep]; ok {
				for k, v := range t.Result {
					merged[k] = v
				}
			}
		}
		return merged
	}
	if idx > 0 {
		for k, v := range wf.Tasks[idx-1].Result {
			merged[k] = v
		}
	}
	return merged
}

func conditionHolds(t *Task, prior map[string]interface{}) bool {
	if t.ConditionFunc != nil {
		return t.ConditionFunc(prior)
	}
	for k, want := range t.ConditionEquals {
		if got, ok := prior[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// readyTasks returns pending tasks whose dependencies have all completed
func (c *Coordinator) readyTasks(wf *Workflow) []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ready []*Task
	for _, t := range wf.Tasks {
		if t.Status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			d, exists := c.tasks[dep]
			if !exists || d.Status != TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

func tasksWithPrefix(tasks []*Task, prefix string) []*Task {
	var out []*Task
	for _, t := range tasks {
		if strings.HasPrefix(t.Type, prefix) && t.Status == TaskPending {
			out = append(out, t)
		}
	}
	return out
}

// AssignTask selects an agent, marks the task assigned, bumps the
// agent's load, and delivers a task_assignment message correlated to
// the task id with reply-to addressed to the coordinator.
func (c *Coordinator) AssignTask(ctx context.Context, task *Task, strategy registry.SelectionStrategy) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	c.mu.Lock()
	if _, tracked := c.tasks[task.ID]; !tracked {
		c.tasks[task.ID] = task
	}
	c.mu.Unlock()

	agent, err := c.registry.Select(task.RequiredCapability, task.RequiredAgentType, strategy)
	if err != nil {
		return "", fmt.Errorf("workflow.AssignTask [%s]: %w", task.ID, err)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	task.Status = TaskAssigned
	task.AssignedAgent = agent.ID
	task.StartedAt = &now
	c.mu.Unlock()
	c.registry.AdjustLoad(agent.ID, 1)

	// the attempt number keeps reassignments distinct under
	// content-hash deduplication
	msg := messaging.NewMessage("task_assignment", coordinatorID, agent.ID, map[string]interface{}{
		"task_id":     task.ID,
		"task_type":   task.Type,
		"description": task.Description,
		"params":      task.Params,
		"attempt":     task.RetryCount,
	})
	msg.CorrelationID = task.ID
	msg.ReplyTo = coordinatorID
	msg.Priority = task.Priority

	if err := c.queue.Send(ctx, msg); err != nil {
		c.registry.AdjustLoad(agent.ID, -1)
		c.mu.Lock()
		task.Status = TaskPending
		task.AssignedAgent = ""
		task.StartedAt = nil
		c.mu.Unlock()
		return "", fmt.Errorf("workflow.AssignTask [%s]: delivery failed: %w", task.ID, err)
	}

	c.mu.Lock()
	c.tasksAssigned++
	c.mu.Unlock()
	c.logger.Info("Task assigned", map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": agent.ID,
		"type":     task.Type,
	})
	c.emit(Event{Type: EventTaskAssigned, TaskID: task.ID, AgentID: agent.ID, WorkflowID: c.workflowOf(task.ID)})
	c.metrics.RecordCounter("workflow.task.assigned", 1, map[string]string{"type": task.Type})
	return agent.ID, nil
}

func (c *Coordinator) workflowOf(taskID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskToWorkflow[taskID]
}

// HandleTaskCompletion folds a task result into coordinator state:
// agent load and averages are updated, failures are retried while
// budget remains, and the owning workflow is advanced.
func (c *Coordinator) HandleTaskCompletion(ctx context.Context, taskID string, result map[string]interface{}, success bool, errMsg string) error {
	now := time.Now().UTC()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("workflow.HandleTaskCompletion [%s]: %w", taskID, core.ErrKeyNotFound)
	}
	if task.Status.terminal() {
		c.mu.Unlock()
		return nil
	}
	agentID := task.AssignedAgent
	var elapsed time.Duration
	if task.StartedAt != nil {
		elapsed = now.Sub(*task.StartedAt)
	}
	retrying := false
	if success {
		task.Status = TaskCompleted
		task.Result = result
		task.CompletedAt = &now
		c.tasksCompleted++
		c.taskTimeSamples++
		c.avgTaskTime += (elapsed.Seconds() - c.avgTaskTime) / float64(c.taskTimeSamples)
	} else if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = TaskPending
		task.AssignedAgent = ""
		task.StartedAt = nil
		task.Error = errMsg
		c.tasksRetried++
		retrying = true
	} else {
		if errMsg == "Task timeout" {
			task.Status = TaskTimeout
		} else {
			task.Status = TaskFailed
		}
		task.Error = errMsg
		task.CompletedAt = &now
		c.tasksFailed++
	}
	c.mu.Unlock()

	if agentID != "" {
		c.registry.AdjustLoad(agentID, -1)
		c.registry.RecordTaskOutcome(agentID, elapsed, success)
	}

	if success {
		c.emit(Event{Type: EventTaskCompleted, TaskID: taskID, AgentID: agentID, WorkflowID: c.workflowOf(taskID)})
	} else if !retrying {
		c.emit(Event{Type: EventTaskFailed, TaskID: taskID, AgentID: agentID, Detail: errMsg, WorkflowID: c.workflowOf(taskID)})
	}

	if retrying {
		c.logger.Warn("Task failed, retrying", map[string]interface{}{
			"task_id": taskID,
			"error":   errMsg,
		})
		if _, err := c.AssignTask(ctx, task, c.strategy); err != nil {
			return err
		}
		return nil
	}

	if wfID := c.workflowOf(taskID); wfID != "" {
		return c.advanceWorkflow(ctx, wfID)
	}
	return nil
}

// advanceWorkflow assigns newly unblocked tasks and settles terminal state
func (c *Coordinator) advanceWorkflow(ctx context.Context, wfID string) error {
	c.mu.Lock()
	wf, ok := c.workflows[wfID]
	if !ok || wf.Status != WorkflowRunning {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var assignErr error
	switch wf.ExecutionType {
	case ExecSequential, ExecConditional, "":
		if !c.hasFailedTask(wf) {
			assignErr = c.assignNextInOrder(ctx, wf)
		}
	case ExecPipeline:
		assignErr = c.assignBatch(ctx, c.readyTasks(wf))
	case ExecMapReduce:
		if c.allWithPrefixCompleted(wf, "map_") {
			assignErr = c.assignBatch(ctx, tasksWithPrefix(wf.Tasks, "reduce_"))
		}
	case ExecParallel:
		// everything was dispatched up front
	}
	if assignErr != nil {
		return assignErr
	}

	c.settleWorkflow(wf)
	return nil
}

func (c *Coordinator) hasFailedTask(wf *Workflow) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range wf.Tasks {
		if t.Status == TaskFailed || t.Status == TaskTimeout {
			return true
		}
	}
	return false
}

func (c *Coordinator) allWithPrefixCompleted(wf *Workflow, prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range wf.Tasks {
		if strings.HasPrefix(t.Type, prefix) && t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// settleWorkflow transitions the workflow once its tasks permit it
func (c *Coordinator) settleWorkflow(wf *Workflow) {
	now := time.Now().UTC()

	c.mu.Lock()
	if wf.Status != WorkflowRunning {
		c.mu.Unlock()
		return
	}
	failed := false
	allTerminal := true
	for _, t := range wf.Tasks {
		if t.Status == TaskFailed || t.Status == TaskTimeout {
			failed = true
		}
		if !t.Status.terminal() {
			allTerminal = false
		}
	}

	// Sequential and conditional workflows stop at the first failure
	// even though later tasks never ran.
	stopOnFail := wf.ExecutionType == ExecSequential || wf.ExecutionType == ExecConditional || wf.ExecutionType == ""
	var done bool
	var final WorkflowStatus
	switch {
	case failed && (allTerminal || stopOnFail):
		done, final = true, WorkflowFailed
	case allTerminal:
		done, final = true, WorkflowCompleted
	}
	if done {
		wf.Status = final
		wf.CompletedAt = &now
		if final == WorkflowCompleted {
			c.workflowsCompleted++
		} else {
			c.workflowsFailed++
		}
	}
	c.mu.Unlock()

	if !done {
		return
	}
	c.logger.Info("Workflow finished", map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      string(final),
		"progress":    wf.Progress(),
	})
	if final == WorkflowCompleted {
		c.emit(Event{Type: EventWorkflowCompleted, WorkflowID: wf.ID})
	} else {
		c.emit(Event{Type: EventWorkflowFailed, WorkflowID: wf.ID})
	}
	c.metrics.RecordCounter("workflow.finished", 1, map[string]string{"status": string(final)})
}

// GetWorkflow returns the tracked workflow, if any
func (c *Coordinator) GetWorkflow(id string) (*Workflow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.workflows[id]
	return wf, ok
}

// GetTask returns the tracked task, if any
func (c *Coordinator) GetTask(id string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

// StartCollaboration records a session and invites every listed agent
// with a high-priority message.
func (c *Coordinator) StartCollaboration(ctx context.Context, id string, agents []string, pattern CollaborationPattern, contextData map[string]interface{}) error {
	if id == "" {
		id = uuid.NewString()
	}
	collab := &Collaboration{
		ID:        id,
		Agents:    append([]string(nil), agents...),
		Pattern:   pattern,
		Context:   contextData,
		StartedAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.collaborations[id] = collab
	c.mu.Unlock()

	for _, agent := range agents {
		// the addressee is part of the content so per-agent invites
		// survive content-hash deduplication
		msg := messaging.NewMessage("collaboration_invite", coordinatorID, agent, map[string]interface{}{
			"collaboration_id": id,
			"agent":            agent,
			"pattern":          string(pattern),
			"agents":           agents,
			"context":          contextData,
		})
		msg.Priority = messaging.PriorityHigh
		if err := c.queue.Send(ctx, msg); err != nil {
			return fmt.Errorf("workflow.StartCollaboration [%s]: invite to %s failed: %w", id, agent, err)
		}
	}

	c.emit(Event{Type: EventCollaborationStarted, Detail: id})
	return nil
}

// EndCollaboration closes a session and notifies its participants
func (c *Coordinator) EndCollaboration(ctx context.Context, id string, result map[string]interface{}) error {
	now := time.Now().UTC()
	c.mu.Lock()
	collab, ok := c.collaborations[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("workflow.EndCollaboration [%s]: %w", id, core.ErrKeyNotFound)
	}
	collab.EndedAt = &now
	collab.Result = result
	agents := append([]string(nil), collab.Agents...)
	c.mu.Unlock()

	for _, agent := range agents {
		msg := messaging.NewMessage("collaboration_end", coordinatorID, agent, map[string]interface{}{
			"collaboration_id": id,
			"agent":            agent,
			"result":           result,
		})
		msg.Priority = messaging.PriorityHigh
		if err := c.queue.Send(ctx, msg); err != nil {
			return fmt.Errorf("workflow.EndCollaboration [%s]: notify %s failed: %w", id, agent, err)
		}
	}

	c.emit(Event{Type: EventCollaborationCompleted, Detail: id})
	return nil
}

// Stats returns a snapshot of coordinator counters
func (c *Coordinator) Stats() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, wf := range c.workflows {
		if wf.Status == WorkflowRunning {
			active++
		}
	}
	activeCollabs := 0
	for _, collab := range c.collaborations {
		if collab.EndedAt == nil {
			activeCollabs++
		}
	}
	return &Stats{
		WorkflowsStarted:     c.workflowsStarted,
		WorkflowsCompleted:   c.workflowsCompleted,
		WorkflowsFailed:      c.workflowsFailed,
		TasksAssigned:        c.tasksAssigned,
		TasksCompleted:       c.tasksCompleted,
		TasksFailed:          c.tasksFailed,
		TasksRetried:         c.tasksRetried,
		AverageTaskTime:      c.avgTaskTime,
		ActiveWorkflows:      active,
		ActiveCollaborations: activeCollabs,
	}
}

// Start launches the timeout monitor
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweepTimeouts(ctx)
			}
		}
	}()
}

// Stop halts the timeout monitor and waits for it to exit
func (c *Coordinator) Stop() {
	c.stopped.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// sweepTimeouts synthesizes failed completions for overdue tasks and
// times out overdue workflows.
func (c *Coordinator) sweepTimeouts(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var overdueTasks []string
	for id, t := range c.tasks {
		if t.Status != TaskAssigned && t.Status != TaskInProgress {
			continue
		}
		if t.StartedAt == nil {
			continue
		}
		timeout := time.Duration(t.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = c.cfg.DefaultTaskTimeout
		}
		if now.Sub(*t.StartedAt) > timeout {
			overdueTasks = append(overdueTasks, id)
		}
	}
	var overdueWorkflows []*Workflow
	for _, wf := range c.workflows {
		if wf.Status != WorkflowRunning || wf.StartedAt == nil || wf.TimeoutSeconds <= 0 {
			continue
		}
		if now.Sub(*wf.StartedAt) > time.Duration(wf.TimeoutSeconds)*time.Second {
			overdueWorkflows = append(overdueWorkflows, wf)
		}
	}
	c.mu.Unlock()

	for _, id := range overdueTasks {
		if err := c.HandleTaskCompletion(ctx, id, nil, false, "Task timeout"); err != nil {
			c.logger.Error("Task timeout handling failed", map[string]interface{}{
				"task_id": id,
				"error":   err.Error(),
			})
		}
	}
	for _, wf := range overdueWorkflows {
		c.timeoutWorkflow(wf)
	}
}

func (c *Coordinator) timeoutWorkflow(wf *Workflow) {
	now := time.Now().UTC()

	c.mu.Lock()
	if wf.Status != WorkflowRunning {
		c.mu.Unlock()
		return
	}
	wf.Status = WorkflowTimedOut
	wf.CompletedAt = &now
	c.workflowsFailed++
	var releasedAgents []string
	for _, t := range wf.Tasks {
		if !t.Status.terminal() {
			if t.AssignedAgent != "" {
				releasedAgents = append(releasedAgents, t.AssignedAgent)
			}
			t.Status = TaskCancelled
			t.Error = "workflow timeout"
		}
	}
	c.mu.Unlock()

	for _, agent := range releasedAgents {
		c.registry.AdjustLoad(agent, -1)
	}
	c.logger.Warn("Workflow timed out", map[string]interface{}{"workflow_id": wf.ID})
	c.emit(Event{Type: EventWorkflowFailed, WorkflowID: wf.ID, Detail: "workflow timeout"})
}
