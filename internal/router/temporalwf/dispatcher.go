// Package temporalwf implements router.WorkflowDispatcher for the "code"
// task type by starting a Temporal workflow execution, following the
// client construction and handle shape of
// runtime/agent/engine/temporal/engine.go, trimmed to the single
// start-and-remember-the-handle operation the router needs.
package temporalwf

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/flowmesh/conductor/internal/request"
)

// Options configures the Temporal-backed dispatcher.
type Options struct {
	// Client is a pre-configured Temporal client. Required.
	Client client.Client
	// TaskQueue is the queue the code-execution workflow is registered on.
	TaskQueue string
	// WorkflowName is the registered workflow type to start, e.g.
	// "conductor.code_execution".
	WorkflowName string
}

// Dispatcher starts one Temporal workflow execution per dispatched request
// and returns its run id as the request's workflow_handle (spec §3).
type Dispatcher struct {
	client       client.Client
	taskQueue    string
	workflowName string
}

// New constructs a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporalwf: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporalwf: task queue is required")
	}
	if opts.WorkflowName == "" {
		return nil, fmt.Errorf("temporalwf: workflow name is required")
	}
	return &Dispatcher{client: opts.Client, taskQueue: opts.TaskQueue, workflowName: opts.WorkflowName}, nil
}

// workflowInput is the payload handed to the registered code-execution
// workflow; field names are part of the workflow's stable contract.
type workflowInput struct {
	RequestID string         `json:"request_id"`
	Query     string         `json:"query"`
	RepoURL   string         `json:"repo_url"`
	Executor  string         `json:"executor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Dispatch implements router.WorkflowDispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, req *request.Request) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:        "conductor-" + req.ID,
		TaskQueue: d.taskQueue,
	}
	input := workflowInput{
		RequestID: req.ID,
		Query:     req.Query,
		RepoURL:   req.Hints.RepoURL,
		Executor:  req.Hints.Executor,
		Metadata:  req.Hints.Metadata,
	}
	run, err := d.client.ExecuteWorkflow(ctx, opts, d.workflowName, input)
	if err != nil {
		return "", fmt.Errorf("temporalwf: start workflow for request %s: %w", req.ID, err)
	}
	return run.GetRunID(), nil
}
