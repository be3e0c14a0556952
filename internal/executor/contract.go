// Package executor runs agents as external commands. The command receives a
// ToolInput document on stdin and answers with a ToolOutput document on stdout.
package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/orchestrator"
)

// ToolInput is written to the command's stdin, after which stdin is closed.
//
// Example JSON:
//
//	{
//	  "agent": "receipt_writer",
//	  "subscription": "receipt_writer#1",
//	  "reason": "artifact",
//	  "iteration": 0,
//	  "trigger": [{"id": "...", "type": "Order", "payload": {"id": 1}, ...}],
//	  "context": []
//	}
type ToolInput struct {
	Agent        string                 `json:"agent"`
	Subscription string                 `json:"subscription"`
	Reason       string                 `json:"reason"`
	Iteration    int                    `json:"iteration"`
	ScheduledAt  *time.Time             `json:"scheduled_at,omitempty"`
	Produces     []string               `json:"produces"`
	Trigger      []*blackboard.Artifact `json:"trigger"`
	Context      []*blackboard.Artifact `json:"context"`
}

// ToolOutput is the single JSON object the command writes to stdout.
//
// Example JSON:
//
//	{
//	  "outputs": [
//	    {"type": "Receipt", "payload": {"order_id": 1}},
//	    {"type": "Receipt", "payload": {"order_id": 2}, "visibility": {"kind": "private", "agents": ["auditor"]}}
//	  ]
//	}
type ToolOutput struct {
	Outputs []blackboard.Draft `json:"outputs"`
}

// Validate checks that every output names a type.
func (o *ToolOutput) Validate() error {
	for i, d := range o.Outputs {
		if d.Type == "" {
			return fmt.Errorf("outputs[%d].type is required and cannot be empty", i)
		}
	}
	return nil
}

// NewToolInput builds the stdin document for a request.
func NewToolInput(req *orchestrator.Request) *ToolInput {
	in := &ToolInput{
		Agent:     req.AgentID,
		Reason:    string(req.Reason),
		Iteration: req.Iteration,
		Trigger:   req.Trigger,
		Context:   req.Context,
	}
	if req.Subscription != nil {
		in.Subscription = req.Subscription.ID
		in.Produces = req.Subscription.Produces
	}
	if !req.ScheduledAt.IsZero() {
		at := req.ScheduledAt
		in.ScheduledAt = &at
	}
	if in.Trigger == nil {
		in.Trigger = []*blackboard.Artifact{}
	}
	if in.Context == nil {
		in.Context = []*blackboard.Artifact{}
	}
	if in.Produces == nil {
		in.Produces = []string{}
	}
	return in
}

// parseToolOutput unmarshals and validates the command's stdout.
func parseToolOutput(stdout []byte) (*ToolOutput, error) {
	if len(stdout) == 0 {
		return nil, fmt.Errorf("tool produced no output on stdout")
	}

	var output ToolOutput
	if err := json.Unmarshal(stdout, &output); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := output.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &output, nil
}
