package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/planweave/planweave/model"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/store"
	"github.com/planweave/planweave/stream"
	"github.com/planweave/planweave/tool"
	"github.com/planweave/planweave/workflow"
)

// Options bounds a planning session.
type Options struct {
	// MaxIterations caps outer ReAct iterations. Default 50.
	MaxIterations int

	// MaxRetries caps parse/validation failures per turn; the next
	// failure is terminal. Default 3.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 50
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Deps are the planner's collaborators: the LLM and knowledge ports plus
// the workflow repository edits are committed through.
type Deps struct {
	Model     model.ChatModel
	Retriever tool.Retriever
	Workflows store.WorkflowRepository
	Logger    *logrus.Logger
}

// Planner drives the ReAct loop for one platform instance. Stateless across
// sessions; safe for concurrent use.
type Planner struct {
	deps Deps
	opts Options
}

// New builds a Planner.
func New(deps Deps, opts Options) *Planner {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	return &Planner{deps: deps, opts: opts.withDefaults()}
}

// Result is the outcome of a successful planning session.
type Result struct {
	// Workflow is the committed document.
	Workflow *workflow.Workflow

	// Changed reports whether any patch was applied.
	Changed bool

	// Summary is the model's closing description.
	Summary string
}

// Plan runs one planning session: user message in, validated workflow out.
//
// Progress streams through pub on the planning channel: thinking chunks
// while the model generates, tool_call events for knowledge lookups, one
// patch event per accepted dry-run, and a terminal final or error event.
// On failure the stored workflow is untouched and the returned error is a
// *PlanningError; the in-band error event has already been emitted.
func (p *Planner) Plan(ctx context.Context, w *workflow.Workflow, userMessage, rules string, pub *stream.Publisher) (*Result, error) {
	log := p.deps.Logger.WithFields(logrus.Fields{
		"component":   "planner",
		"workflow_id": w.ID,
	})

	publish := func(kind runlog.Kind, nodeID string, payload map[string]interface{}) {
		_ = pub.Publish(ctx, runlog.Event{
			RunID:   planningRunID(w),
			Channel: runlog.ChannelPlanning,
			Kind:    kind,
			NodeID:  nodeID,
			Payload: payload,
		})
	}

	fail := func(err *PlanningError) (*Result, error) {
		log.WithError(err).Info("planning failed")
		publish(runlog.KindError, "", map[string]interface{}{
			"code":    string(err.Code),
			"message": err.Message,
		})
		return nil, err
	}

	publish(runlog.KindThinking, "", map[string]interface{}{
		"content":     "",
		"phase":       "planning_started",
		"workflow_id": w.ID,
	})

	current := w.Clone()
	baseline := w.Clone()
	messages := []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt(current, rules)},
		{Role: model.RoleUser, Content: userMessage},
	}

	changed := false
	retries := 0

	for iteration := 0; iteration < p.opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return fail(planErr(CodeLLMUnavailable, "planning cancelled", ctx.Err()))
		}

		text, err := p.invoke(ctx, messages, publish)
		if err != nil {
			return fail(planErr(CodeLLMUnavailable, "LLM invocation failed: "+err.Error(), err))
		}

		action, parseErr := ParseAction(text)
		if parseErr != nil {
			retries++
			if retries > p.opts.MaxRetries {
				pe := parseErr.(*PlanningError)
				return fail(planErr(pe.Code, fmt.Sprintf("retries exhausted: %s", pe.Message), pe))
			}
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: text},
				model.Message{Role: model.RoleUser, Content: retryPrompt(text, parseErr)},
			)
			continue
		}

		switch action.Action {
		case ActionQueryKnowledge:
			observation := "Knowledge base is not configured."
			if p.deps.Retriever != nil {
				results, err := p.deps.Retriever.Retrieve(ctx, action.Query, action.Scope, 5)
				if err != nil {
					observation = "Knowledge lookup failed: " + err.Error()
				} else {
					observation = knowledgeObservation(results)
				}
			}
			publish(runlog.KindToolCall, "", map[string]interface{}{
				"tool":    ActionQueryKnowledge,
				"thought": action.Thought,
				"query":   action.Query,
			})
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: text},
				model.Message{Role: model.RoleUser, Content: observation},
			)
			retries = 0

		case ActionPreviewPatch:
			next, applyErr := p.dryRun(current, baseline, *action.Patch, userMessage)
			if applyErr != nil {
				retries++
				if retries > p.opts.MaxRetries {
					pe := applyErr.(*PlanningError)
					return fail(planErr(pe.Code, fmt.Sprintf("retries exhausted: %s", pe.Message), pe))
				}
				messages = append(messages,
					model.Message{Role: model.RoleAssistant, Content: text},
					model.Message{Role: model.RoleUser, Content: retryPrompt(text, applyErr)},
				)
				continue
			}

			current = next
			changed = true
			retries = 0
			publish(runlog.KindPatch, "", map[string]interface{}{
				"summary": action.Patch.Summary(),
				"thought": action.Thought,
				"ops":     len(action.Patch.Ops),
			})
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: text},
				model.Message{Role: model.RoleUser, Content: patchObservation(*action.Patch)},
			)

		case ActionFinalize:
			if changed {
				current.Status = workflow.StatusActive
				if err := p.deps.Workflows.SaveWorkflow(ctx, current); err != nil {
					return fail(planErr(CodeLLMUnavailable, "failed to persist workflow: "+err.Error(), err))
				}
			}
			publish(runlog.KindFinal, "", map[string]interface{}{
				"content":     action.Summary,
				"workflow_id": current.ID,
				"changed":     changed,
			})
			log.WithField("changed", changed).Info("planning completed")
			return &Result{Workflow: current, Changed: changed, Summary: action.Summary}, nil
		}
	}

	return fail(planErr(CodeStepLimitExceeded,
		fmt.Sprintf("planning exceeded %d iterations", p.opts.MaxIterations), nil))
}

// invoke runs one model turn, streaming thinking chunks as they arrive.
func (p *Planner) invoke(ctx context.Context, messages []model.Message, publish func(runlog.Kind, string, map[string]interface{})) (string, error) {
	chunks, err := model.StreamOrChat(ctx, p.deps.Model, messages)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Text)
		publish(runlog.KindThinking, "", map[string]interface{}{"content": chunk.Text})
	}
	return sb.String(), nil
}

// dryRun applies the patch to a copy and enforces the isolation guarantee:
// pre-existing nodes outside the component reachable from start may only be
// touched when the user message names them.
func (p *Planner) dryRun(current, baseline *workflow.Workflow, patch workflow.Patch, userMessage string) (*workflow.Workflow, error) {
	next, err := current.Apply(patch)
	if err != nil {
		verr, ok := err.(*workflow.ValidationError)
		if !ok {
			return nil, planErr(CodeSchemaViolation, err.Error(), err)
		}
		code := CodeSchemaViolation
		switch {
		case verr.HasCode(workflow.CodeUnknownNodeType):
			code = CodeUnknownNodeType
		case verr.HasCode(workflow.CodeAcyclicityViolation):
			code = CodeAcyclicityViolation
		}
		return nil, planErr(code, verr.Error(), verr)
	}

	reachable := current.ReachableFromStart()
	lowerMessage := strings.ToLower(userMessage)
	for _, id := range patch.MutatedNodeIDs() {
		node, existed := baseline.NodeByID(id)
		if !existed || reachable[id] {
			continue
		}
		if nodeNamedIn(lowerMessage, node) {
			continue
		}
		return nil, planErr(CodeIsolationViolation,
			fmt.Sprintf("node %q is not reachable from start and was not named by the user", id), nil)
	}

	return next, nil
}

// nodeNamedIn reports whether the user message mentions the node by id or
// display name.
func nodeNamedIn(lowerMessage string, node workflow.Node) bool {
	if strings.Contains(lowerMessage, strings.ToLower(node.ID)) {
		return true
	}
	return node.Name != "" && strings.Contains(lowerMessage, strings.ToLower(node.Name))
}

// planningRunID derives the event-log stream id for a workflow's planning
// sessions. Planning events and execution events share the run_events
// store; planning sessions log under a per-workflow planning stream.
func planningRunID(w *workflow.Workflow) string {
	return "plan:" + w.ID
}
