package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/model"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/store"
	"github.com/planweave/planweave/stream"
	"github.com/planweave/planweave/tool"
	"github.com/planweave/planweave/workflow"
)

// Options configures execution behavior. Zero values select defaults.
type Options struct {
	// MaxConcurrentNodes bounds simultaneously dispatched nodes. Default 8.
	MaxConcurrentNodes int

	// MaxSteps bounds total node dispatches per graph execution, the hard
	// safeguard against runaway loops. Default 1000.
	MaxSteps int

	// DefaultNodeTimeout bounds a single handler invocation. Default 30s.
	DefaultNodeTimeout time.Duration

	// ConfirmTimeout is the per-node side-effect confirmation window.
	// Default 5m.
	ConfirmTimeout time.Duration

	// RunWallClock bounds one run end to end. Default 1h.
	RunWallClock time.Duration

	// CancelGrace is how long in-flight dispatches get after cancellation
	// before being dropped. Default 10s.
	CancelGrace time.Duration

	// MaxDepth bounds nested executions (loop bodies, subflows). Default 4.
	MaxDepth int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentNodes <= 0 {
		o.MaxConcurrentNodes = 8
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = 1000
	}
	if o.DefaultNodeTimeout <= 0 {
		o.DefaultNodeTimeout = 30 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 5 * time.Minute
	}
	if o.RunWallClock <= 0 {
		o.RunWallClock = time.Hour
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 10 * time.Second
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 4
	}
	return o
}

// Deps are the collaborators an Executor dispatches through. Model and the
// tools are the C6 ports; Runs guards the status machine; Broker carries
// side-effect confirmations.
type Deps struct {
	Model     model.ChatModel
	Retriever tool.Retriever
	HTTP      tool.Tool
	Workflows store.WorkflowRepository
	Runs      runlog.RunRepository
	Broker    *confirm.Broker
	Logger    *logrus.Logger
	Metrics   *Metrics
}

// Executor schedules validated workflows node by node in dependency order.
//
// One Executor serves many concurrent runs; all per-run state lives in the
// scheduling loop's locals and the HandlerContext.
type Executor struct {
	deps     Deps
	opts     Options
	handlers map[workflow.NodeType]Handler
}

// New builds an Executor with the full handler registry.
func New(deps Deps, opts Options) *Executor {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	e := &Executor{deps: deps, opts: opts.withDefaults()}
	e.handlers = e.buildRegistry()
	return e
}

// Execute runs a workflow to completion under the given run handle.
//
// The created → running transition is taken through the repository's CAS;
// losing it returns ErrRunNotStartable without emitting anything. The run's
// terminal status always reflects the outcome, and the event stream always
// ends with workflow_complete or workflow_error.
func (e *Executor) Execute(ctx context.Context, w *workflow.Workflow, run runlog.Run, initial map[string]interface{}, pub *stream.Publisher) error {
	ok, err := e.deps.Runs.UpdateStatusIfCurrent(ctx, run.ID, runlog.RunCreated, runlog.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	if !ok {
		return ErrRunNotStartable
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunWallClock)
	defer cancel()

	log := e.deps.Logger.WithFields(logrus.Fields{
		"component":   "executor",
		"run_id":      run.ID,
		"workflow_id": w.ID,
	})
	log.Info("run started")

	_ = pub.Publish(runCtx, runlog.Event{
		RunID:   run.ID,
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindWorkflowStart,
		Payload: map[string]interface{}{"workflow_id": w.ID},
	})

	outputs, execErr := e.executeGraph(runCtx, w, run, initial, pub, 0, nil)

	if execErr != nil {
		code := CodeOf(execErr)
		status := runlog.RunFailed
		if code == CodeCancelled {
			status = runlog.RunCancelled
		}
		if _, err := e.deps.Runs.UpdateStatusIfCurrent(context.WithoutCancel(ctx), run.ID, runlog.RunRunning, status); err != nil {
			log.WithError(err).Warn("failed to record terminal status")
		}
		_ = e.deps.Runs.SetSummary(context.WithoutCancel(ctx), run.ID, execErr.Error())
		e.deps.Metrics.runFinished(string(status))

		_ = pub.Publish(context.WithoutCancel(ctx), runlog.Event{
			RunID:   run.ID,
			Channel: runlog.ChannelExecution,
			Kind:    runlog.KindWorkflowError,
			Payload: map[string]interface{}{"code": string(code), "message": execErr.Error()},
		})
		log.WithError(execErr).Info("run failed")
		return execErr
	}

	summary := terminalSummary(w, outputs)
	if _, err := e.deps.Runs.UpdateStatusIfCurrent(context.WithoutCancel(ctx), run.ID, runlog.RunRunning, runlog.RunCompleted); err != nil {
		log.WithError(err).Warn("failed to record terminal status")
	}
	_ = e.deps.Runs.SetSummary(context.WithoutCancel(ctx), run.ID, summary)
	e.deps.Metrics.runFinished(string(runlog.RunCompleted))

	_ = pub.Publish(context.WithoutCancel(ctx), runlog.Event{
		RunID:   run.ID,
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindWorkflowComplete,
		Payload: map[string]interface{}{"content": summary},
	})
	log.Info("run completed")
	return nil
}

// nodeState tracks one node through the scheduling loop.
type nodeState struct {
	remaining int  // unresolved predecessors
	satisfied int  // predecessors completed with a passing edge guard
	tainted   bool // an upstream failure reached this node
}

// dispatchResult is the outcome of one node dispatch.
type dispatchResult struct {
	nodeID string
	output map[string]interface{}
	err    error
}

// executeGraph runs the dependency-ordered scheduling loop over the nodes
// reachable from start. It returns the accumulated outputs keyed by node id.
//
// The loop is one scheduling step repeated: launch every ready node (up to
// the concurrency bound), wait for any one dispatch to finish, update the
// ready set from its outcome, until nothing is ready, nothing is in flight,
// or cancellation fires.
func (e *Executor) executeGraph(ctx context.Context, w *workflow.Workflow, run runlog.Run, initial map[string]interface{}, pub *stream.Publisher, depth int, meta map[string]interface{}) (map[string]map[string]interface{}, error) {
	if depth > e.opts.MaxDepth {
		return nil, nodeErr(CodeNodeExecutionError, "", fmt.Sprintf("nested execution depth %d exceeds limit", depth), nil)
	}

	reachable := w.ReachableFromStart()
	nodes := map[string]workflow.Node{}
	for _, n := range w.Nodes {
		if reachable[n.ID] {
			nodes[n.ID] = n
		}
	}

	states := map[string]*nodeState{}
	for id := range nodes {
		states[id] = &nodeState{}
	}
	for _, edge := range w.Edges {
		if reachable[edge.Source] && reachable[edge.Target] {
			states[edge.Target].remaining++
		}
	}

	var ready []string
	for id, st := range states {
		if st.remaining == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	outputs := map[string]map[string]interface{}{}
	// Buffered to MaxConcurrentNodes so a dispatch finishing after the
	// scheduler abandoned the run (grace timeout) never blocks forever.
	results := make(chan dispatchResult, e.opts.MaxConcurrentNodes)
	inflight := 0
	steps := 0

	// graphCtx lets a fail-fast outcome cancel sibling dispatches.
	graphCtx, graphCancel := context.WithCancel(ctx)
	defer graphCancel()

	launch := func(id string) error {
		steps++
		if steps > e.opts.MaxSteps {
			return nodeErr(CodeStepLimitExceeded, id, fmt.Sprintf("execution exceeded %d steps", e.opts.MaxSteps), nil)
		}
		node := nodes[id]
		hc := &HandlerContext{
			Run:       run,
			Workflow:  w,
			Inputs:    inputsFor(w, id, outputs),
			Initial:   initial,
			Publisher: pub,
			Meta:      meta,
			Depth:     depth,
			exec:      e,
		}
		inflight++
		go e.dispatch(graphCtx, node, hc, results)
		return nil
	}

	// skipNode resolves a node without executing it; cascade propagates a
	// resolved node's outcome to its successors. Failure-tainted skips are
	// visible as UpstreamFailed node errors; guard skips are silent
	// routing.
	var cascade func(id string, tainted bool)
	skipNode := func(id string, tainted bool) {
		if tainted {
			payload := map[string]interface{}{
				"code":    string(CodeUpstreamFailed),
				"message": "skipped because an upstream node failed",
			}
			for k, v := range meta {
				payload[k] = v
			}
			_ = pub.Publish(ctx, runlog.Event{
				RunID:   run.ID,
				Channel: runlog.ChannelExecution,
				Kind:    runlog.KindNodeError,
				NodeID:  id,
				Payload: payload,
			})
		}
		cascade(id, tainted)
	}
	cascade = func(id string, tainted bool) {
		for _, succ := range w.Successors(id) {
			st, ok := states[succ]
			if !ok {
				continue
			}
			st.remaining--
			if tainted {
				st.tainted = true
			}
			if st.remaining == 0 {
				if st.satisfied > 0 {
					ready = append(ready, succ)
				} else {
					skipNode(succ, st.tainted)
				}
			}
		}
	}

	var firstErr error
	setErr := func(err error) {
		if firstErr == nil {
			firstErr = err
			graphCancel()
		}
	}
	for {
		if ctx.Err() != nil && firstErr == nil {
			setErr(nodeErr(CodeCancelled, "", "run cancelled", ctx.Err()))
		}
		if firstErr == nil {
			for len(ready) > 0 && inflight < e.opts.MaxConcurrentNodes {
				id := ready[0]
				ready = ready[1:]
				if err := launch(id); err != nil {
					setErr(err)
					break
				}
			}
		}
		if inflight == 0 {
			break
		}

		var res dispatchResult
		if firstErr != nil {
			// Draining: give in-flight dispatches a bounded grace period.
			grace := time.NewTimer(e.opts.CancelGrace)
			select {
			case res = <-results:
				grace.Stop()
			case <-grace.C:
				e.deps.Logger.WithField("run_id", run.ID).Warn("dropped in-flight dispatches after cancellation grace period")
				return outputs, firstErr
			}
		} else {
			res = <-results
		}
		inflight--

		node := nodes[res.nodeID]
		if res.err != nil {
			policy := policyFor(node)
			code := CodeOf(res.err)
			if firstErr == nil && policy.Kind == Continue && code != CodeCancelled {
				// Mark failed, keep going; dependents skip.
				cascade(res.nodeID, true)
				continue
			}
			setErr(res.err)
			continue
		}

		outputs[res.nodeID] = res.output

		// Resolve successors: guard evaluation decides satisfaction.
		for _, edge := range w.Edges {
			if edge.Source != res.nodeID {
				continue
			}
			st, ok := states[edge.Target]
			if !ok {
				continue
			}
			st.remaining--
			pass, err := EvalGuard(edge.Guard, outputs)
			if err != nil {
				setErr(nodeErr(CodeNodeExecutionError, edge.Target, "guard evaluation failed: "+err.Error(), err))
				continue
			}
			if pass {
				st.satisfied++
			}
			if st.remaining == 0 {
				if st.satisfied > 0 {
					ready = append(ready, edge.Target)
				} else {
					skipNode(edge.Target, st.tainted)
				}
			}
		}
	}

	if firstErr != nil {
		return outputs, firstErr
	}
	return outputs, nil
}

// dispatch executes one node: side-effect gate, handler invocation with
// per-node timeout, retry policy, and the node's event lifecycle
// (node_start, then node_complete or node_error).
func (e *Executor) dispatch(ctx context.Context, node workflow.Node, hc *HandlerContext, results chan<- dispatchResult) {
	payload := map[string]interface{}{"node_type": string(node.Type)}
	for k, v := range hc.Meta {
		payload[k] = v
	}
	_ = hc.Publisher.Publish(ctx, runlog.Event{
		RunID:   hc.Run.ID,
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindNodeStart,
		NodeID:  node.ID,
		Payload: payload,
	})

	e.deps.Metrics.nodeStarted()
	started := time.Now()

	output, err := e.runNode(ctx, node, hc)

	status := "success"
	if err != nil {
		status = "error"
	}
	e.deps.Metrics.nodeFinished(string(node.Type), time.Since(started), status)

	if err != nil {
		code := CodeOf(err)
		errPayload := map[string]interface{}{"code": string(code), "message": err.Error()}
		for k, v := range hc.Meta {
			errPayload[k] = v
		}
		_ = hc.Publisher.Publish(ctx, runlog.Event{
			RunID:   hc.Run.ID,
			Channel: runlog.ChannelExecution,
			Kind:    runlog.KindNodeError,
			NodeID:  node.ID,
			Payload: errPayload,
		})
	} else {
		donePayload := map[string]interface{}{"output": output}
		for k, v := range hc.Meta {
			donePayload[k] = v
		}
		_ = hc.Publisher.Publish(ctx, runlog.Event{
			RunID:   hc.Run.ID,
			Channel: runlog.ChannelExecution,
			Kind:    runlog.KindNodeComplete,
			NodeID:  node.ID,
			Payload: donePayload,
		})
	}

	results <- dispatchResult{nodeID: node.ID, output: output, err: err}
}

// runNode applies the side-effect gate once, then invokes the handler under
// the retry policy. The confirmation decision covers retries of the same
// dispatch; a retried action is the same approved action, not a new one.
func (e *Executor) runNode(ctx context.Context, node workflow.Node, hc *HandlerContext) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, nodeErr(CodeCancelled, node.ID, "run cancelled", ctx.Err())
	}

	if workflow.IsSideEffecting(node) {
		if err := e.gate(ctx, node, hc); err != nil {
			return nil, err
		}
	}

	handler, ok := e.handlers[node.Type]
	if !ok {
		return nil, nodeErr(CodeUnknownNodeType, node.ID, fmt.Sprintf("no handler for type %q", node.Type), nil)
	}

	policy := policyFor(node)
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- retry jitter, not security

	var lastErr error
	attempts := 1
	if policy.Kind == Retry {
		attempts = policy.MaxAttempts + 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.deps.Metrics.nodeRetried(string(node.Type))
			delay := computeBackoff(attempt-1, policy.BaseDelay, rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nodeErr(CodeCancelled, node.ID, "run cancelled during retry backoff", ctx.Err())
			}
		}

		nodeCtx := ctx
		cancel := context.CancelFunc(func() {})
		if nodeTimeoutApplies(node.Type) {
			nodeCtx, cancel = context.WithTimeout(ctx, e.opts.DefaultNodeTimeout)
		}
		output, err := handler.Execute(nodeCtx, node, hc)
		cancel()
		if err == nil {
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nodeErr(CodeCancelled, node.ID, "run cancelled", ctx.Err())
		}
		if !retryable(err) {
			break
		}
	}

	var ne *NodeError
	if errors.As(lastErr, &ne) {
		return nil, lastErr
	}
	return nil, nodeErr(CodeNodeExecutionError, node.ID, lastErr.Error(), lastErr)
}

// gate runs the side-effect confirmation protocol: emit the request, await
// the decision, translate deny and timeout into typed failures.
func (e *Executor) gate(ctx context.Context, node workflow.Node, hc *HandlerContext) error {
	confirmID := uuid.NewString()
	e.deps.Broker.Request(hc.Run.ID, confirmID)
	e.deps.Metrics.confirmStarted()
	defer e.deps.Metrics.confirmFinished()

	payload := map[string]interface{}{
		"confirm_id": confirmID,
		"summary":    actionSummary(node),
		"config":     stream.Redact(node.Config),
	}
	for k, v := range hc.Meta {
		payload[k] = v
	}
	_ = hc.Publisher.Publish(ctx, runlog.Event{
		RunID:   hc.Run.ID,
		Channel: runlog.ChannelExecution,
		Kind:    runlog.KindSideEffectRequest,
		NodeID:  node.ID,
		Payload: payload,
	})

	decision, err := e.deps.Broker.Await(ctx, confirmID, e.opts.ConfirmTimeout)
	switch {
	case err == confirm.ErrTimeout:
		return nodeErr(CodeConfirmationTimeout, node.ID, "side-effect confirmation timed out", err)
	case err != nil:
		return nodeErr(CodeCancelled, node.ID, "run cancelled while awaiting confirmation", err)
	case decision == confirm.Deny:
		return nodeErr(CodeConfirmationDenied, node.ID, "side-effect denied by user", nil)
	}
	return nil
}

// nodeTimeoutApplies exempts node types that legitimately outlive the
// default dispatch timeout: human nodes wait on the confirmation window,
// loop and subflow nodes orchestrate whole sub-graphs with their own
// per-node budgets, and code nodes carry an explicit timeout_seconds.
func nodeTimeoutApplies(t workflow.NodeType) bool {
	switch t {
	case workflow.TypeHuman, workflow.TypeLoop, workflow.TypeSubflow, workflow.TypeCode:
		return false
	}
	return true
}

// inputsFor assembles the upstream outputs visible to a node: every
// completed predecessor's output record, keyed by node id.
func inputsFor(w *workflow.Workflow, id string, outputs map[string]map[string]interface{}) map[string]map[string]interface{} {
	inputs := map[string]map[string]interface{}{}
	for _, pred := range w.Predecessors(id) {
		if out, ok := outputs[pred]; ok {
			inputs[pred] = out
		}
	}
	return inputs
}

// actionSummary renders the one-line description shown in a side-effect
// confirmation prompt.
func actionSummary(node workflow.Node) string {
	switch node.Type {
	case workflow.TypeHTTP:
		method, _ := node.Config["method"].(string)
		url, _ := node.Config["url"].(string)
		return fmt.Sprintf("%s %s", method, url)
	case workflow.TypeFile:
		path, _ := node.Config["path"].(string)
		return "write file " + path
	case workflow.TypeDatabase:
		statement, _ := node.Config["statement"].(string)
		return "execute statement: " + truncate(statement, 120)
	case workflow.TypeNotification:
		channel, _ := node.Config["channel"].(string)
		target, _ := node.Config["target"].(string)
		return fmt.Sprintf("send notification via %s to %s", channel, target)
	case workflow.TypeCode:
		language, _ := node.Config["language"].(string)
		return "run unsandboxed " + language + " code"
	default:
		return string(node.Type) + " side effect"
	}
}

// terminalSummary extracts the run's human-readable result from the end
// node's output, falling back to a node count.
func terminalSummary(w *workflow.Workflow, outputs map[string]map[string]interface{}) string {
	for _, n := range w.Nodes {
		if n.Type != workflow.TypeEnd {
			continue
		}
		if out, ok := outputs[n.ID]; ok {
			if s, ok := out["result"].(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("completed %d nodes", len(outputs))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

