package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/pkg/schema"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitFailure      = 1 // execution failed, replay diverged
	exitCommandError = 2 // bad flags, unknown ids, unreachable storage
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps an error to a process exit code. Durable errors raised by the
// caller's input are command errors; everything else is a failure.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var de *schema.DurableError
	if errors.As(err, &de) {
		switch de.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
			return exitCommandError
		}
	}
	return exitFailure
}

// printer writes command results as indented JSON or short text.
type printer struct {
	format string
	w      io.Writer
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// result prints an invocation result. A failed or cancelled execution is
// reported as an exitFailure error after printing.
func (p *printer) result(res *engine.ExecutionResult) error {
	if p.format == formatJSON {
		if err := p.json(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(p.w, "execution %s %s\n", res.ExecutionID, res.Status)
		if len(res.Pending) > 0 {
			fmt.Fprintf(p.w, "pending: %s\n", strings.Join(res.Pending, ", "))
		}
		if len(res.Output) > 0 {
			fmt.Fprintf(p.w, "output: %s\n", res.Output)
		}
		if res.Error != nil {
			fmt.Fprintf(p.w, "error: %s\n", res.Error.Error())
		}
	}
	switch res.Status {
	case schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled:
		return withExitCode(exitFailure, fmt.Errorf("execution %s %s", res.ExecutionID, res.Status))
	}
	return nil
}
