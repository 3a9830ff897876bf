// Package query filters journals with jq programs.
package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// JQ evaluates jq expressions over JSON documents. Compiled programs are
// cached and shared across goroutines.
type JQ struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQ creates an empty JQ engine.
func NewJQ() *JQ {
	return &JQ{cache: make(map[string]*gojq.Code)}
}

// Compile checks that expression parses and compiles.
func (q *JQ) Compile(expression string) error {
	_, err := q.getOrCompile(expression)
	return err
}

// Evaluate runs expression against input and collects every output.
// input must already be in generic JSON form (maps, slices, float64).
func (q *JQ) Evaluate(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := q.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	results := []any{}
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// FilterEvents runs expression with the journal, as a JSON array of events,
// as its input.
func (q *JQ) FilterEvents(ctx context.Context, expression string, events []*store.Event) ([]any, error) {
	doc, err := toGeneric(events)
	if err != nil {
		return nil, err
	}
	return q.Evaluate(ctx, expression, doc)
}

func (q *JQ) getOrCompile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	q.mu.RLock()
	code, ok := q.cache[expression]
	q.mu.RUnlock()
	if ok {
		return code, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if code, ok := q.cache[expression]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// No $ENV: queries arrive over HTTP.
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	q.cache[expression] = code
	return code, nil
}

// toGeneric round-trips v through encoding/json so gojq sees plain maps,
// slices and float64 numbers.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode jq input: %s", err.Error()).WithCause(err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode jq input: %s", err.Error()).WithCause(err)
	}
	return out, nil
}
