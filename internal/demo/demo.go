// Package demo holds the handlers shipped with the durable binary: a timed
// greeting, a signal-driven approval and a parallel join.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/pkg/schema"
)

// Handler names.
const (
	Greet    = "greet"
	Approval = "approval"
	Join     = "join"
)

// ApprovalSignal is the signal the approval handler waits on.
const ApprovalSignal = "approve"

// ApprovalTimeout bounds how long an approval request stays open.
const ApprovalTimeout = 24 * time.Hour

var greetSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1}
	},
	"required": ["name"]
}`)

var approvalSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"amount": {"type": "number", "minimum": 0}
	},
	"required": ["amount"]
}`)

// Register adds every demo handler to reg.
func Register(reg *engine.Registry) error {
	return errors.Join(
		reg.Register(Greet, greet, engine.WithInputSchema(greetSchema)),
		reg.Register(Approval, approval, engine.WithInputSchema(approvalSchema)),
		reg.Register(Join, join),
	)
}

type greetInput struct {
	Name string `json:"name"`
}

// GreetOutput is the result of the greet handler.
type GreetOutput struct {
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
}

func greet(ctx context.Context, dc *engine.DurableContext, input json.RawMessage) (any, error) {
	var in greetInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode greet input: %s", err.Error())
	}

	message, err := engine.Step(ctx, dc, "compose", func(context.Context) (string, error) {
		return "Hello, " + in.Name, nil
	})
	if err != nil {
		return nil, err
	}
	if err := dc.Wait(ctx, "pause", 2*time.Second); err != nil {
		return nil, err
	}
	return engine.Step(ctx, dc, "deliver", func(context.Context) (GreetOutput, error) {
		dc.Logger().Info("greeting delivered", "message", message)
		return GreetOutput{Message: message, Delivered: true}, nil
	})
}

type approvalInput struct {
	Amount float64 `json:"amount"`
}

// Decision is the payload of the approve signal and the approval result.
type Decision struct {
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

func approval(ctx context.Context, dc *engine.DurableContext, input json.RawMessage) (any, error) {
	var in approvalInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode approval input: %s", err.Error())
	}

	requestID, err := engine.Step(ctx, dc, "request", func(context.Context) (string, error) {
		return fmt.Sprintf("req-%s", dc.ExecutionID()), nil
	})
	if err != nil {
		return nil, err
	}

	var decision Decision
	payload, err := dc.WaitForSignal(ctx, "decision", ApprovalSignal, engine.WithWaitTimeout(ApprovalTimeout))
	switch {
	case schema.IsCode(err, schema.ErrCodeWaitTimeout):
		decision.Reason = "timed out"
	case err != nil:
		return nil, err
	case len(payload) > 0:
		if err := json.Unmarshal(payload, &decision); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode decision: %s", err.Error())
		}
	}

	return engine.Step(ctx, dc, "record", func(context.Context) (Decision, error) {
		decision.RequestID = requestID
		if in.Amount > 1000 && decision.Approved && decision.Reason == "" {
			decision.Reason = "large amount"
		}
		return decision, nil
	})
}

func join(ctx context.Context, dc *engine.DurableContext, _ json.RawMessage) (any, error) {
	if _, err := dc.WaitAll(ctx,
		engine.Sleep("fast", time.Second),
		engine.Sleep("slow", 2*time.Second),
	); err != nil {
		return nil, err
	}
	return dc.Step(ctx, "report", func(context.Context) (any, error) {
		return "joined", nil
	})
}
