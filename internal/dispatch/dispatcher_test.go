package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	name string
	fn   func(record call.Call) error
}

func (h *funcHandler) Name() string {
	return h.name
}

func (h *funcHandler) OnCallTerminal(_ context.Context, record call.Call) error {
	return h.fn(record)
}

type failure struct {
	callID  string
	handler string
	cause   error
}

type recordingFailures struct {
	mu       sync.Mutex
	failures []failure
}

func (r *recordingFailures) RecordFailure(_ context.Context, record call.Call, handler string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures = append(r.failures, failure{callID: record.ID, handler: handler, cause: cause})

	return nil
}

func (r *recordingFailures) snapshot() []failure {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]failure(nil), r.failures...)
}

func terminalCall() call.Call {
	return call.Call{ID: "call-1", OrganizationID: "org-1", Status: status.Completed}
}

func TestDispatchRunsEveryHandler(t *testing.T) {
	seen := make(chan string, 2)

	first := &funcHandler{name: "first", fn: func(record call.Call) error {
		seen <- "first:" + record.ID
		return nil
	}}
	second := &funcHandler{name: "second", fn: func(record call.Call) error {
		seen <- "second:" + record.ID
		return nil
	}}

	failures := &recordingFailures{}

	dispatcher, err := newDispatcher(2, time.Second, failures, first, second)
	require.NoError(t, err)
	defer dispatcher.Close(time.Second)

	dispatcher.Dispatch(terminalCall())

	assert.Equal(t, "first:call-1", <-seen)
	assert.Equal(t, "second:call-1", <-seen)
	assert.Empty(t, failures.snapshot())
}

func TestDispatchDeadLettersFailuresAndPanics(t *testing.T) {
	failures := &recordingFailures{}

	broken := &funcHandler{name: "broken", fn: func(call.Call) error {
		return errors.New("broker unavailable")
	}}
	panicking := &funcHandler{name: "panicking", fn: func(call.Call) error {
		panic("boom")
	}}

	dispatcher, err := newDispatcher(1, time.Second, failures, broken, panicking)
	require.NoError(t, err)
	defer dispatcher.Close(time.Second)

	dispatcher.Dispatch(terminalCall())

	require.Eventually(t, func() bool {
		return len(failures.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	recorded := failures.snapshot()
	assert.Equal(t, "broken", recorded[0].handler)
	assert.Equal(t, "panicking", recorded[1].handler)
	require.ErrorIs(t, recorded[1].cause, ErrHandlerPanic)
}

func TestRedeliver(t *testing.T) {
	calls := 0
	handler := &funcHandler{name: "counter", fn: func(call.Call) error {
		calls++
		return nil
	}}

	dispatcher, err := newDispatcher(1, time.Second, nil, handler)
	require.NoError(t, err)
	defer dispatcher.Close(time.Second)

	require.NoError(t, dispatcher.Redeliver(context.Background(), "counter", terminalCall()))
	assert.Equal(t, 1, calls)

	err = dispatcher.Redeliver(context.Background(), "missing", terminalCall())
	require.ErrorIs(t, err, ErrUnknownHandler)
}
