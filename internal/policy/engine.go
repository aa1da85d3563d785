// Package policy authorizes inbound chat frames with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the chat policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Input is the document a frame is evaluated against.
type Input struct {
	Action  string `json:"action"`
	Subject string `json:"subject"`
	// SenderID is the sender claimed by the frame.
	SenderID       string `json:"sender_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Room           string `json:"room,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat.authz"),
		rego.Module("chat_authz.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for input and the policy's reason, if any.
// A policy that yields nothing denies.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionDeny, "no decision", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return DecisionDeny, "unexpected policy result", nil
	}
	decision, _ := doc["decision"].(string)
	reason, _ := doc["reason"].(string)
	if decision == "" {
		return DecisionDeny, "no decision", nil
	}
	return decision, reason, nil
}

// DefaultPolicy is the default policy content: a frame may only be sent in
// the name of the connection's own identity.
const DefaultPolicy = `
package chat.authz

import rego.v1

default decision := "deny"

default reason := "sender_id does not match the authenticated user"

decision := "allow" if {
	input.action == "mark_read"
}

decision := "allow" if {
	input.action == "message"
	input.sender_id == input.subject
}

reason := "" if {
	decision == "allow"
}
`
