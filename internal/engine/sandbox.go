package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/user/notibot/internal/bridge"
	"github.com/user/notibot/internal/types"
)

const scriptName = "bot.js"

var (
	preludeProgram = goja.MustCompile("prelude.js", prelude, false)
	lookupProgram  = goja.MustCompile("lookup.js", lookupEntryPoint, false)
)

// Sandbox is one isolated evaluation context. It is not safe for
// concurrent use: Initialize, Execute and Close must be called from the
// same goroutine, which also runs the guest.
type Sandbox struct {
	engine  *Engine
	runID   types.RunID
	event   *types.NotificationEvent
	logger  *slog.Logger
	session *bridge.Session

	state State
	vm    *goja.Runtime
	ctx   context.Context

	jsonParse     goja.Callable
	jsonStringify goja.Callable

	// jobs carries completions from worker goroutines back to the loop.
	jobs     chan func()
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

// NewSandbox returns an idle sandbox for one invocation.
func (e *Engine) NewSandbox(runID types.RunID, ev *types.NotificationEvent) *Sandbox {
	return &Sandbox{
		engine: e,
		runID:  runID,
		event:  ev,
		logger: e.logger.With("run_id", runID),
		state:  StateIdle,
		ctx:    context.Background(),
		jobs:   make(chan func()),
		done:   make(chan struct{}),
	}
}

func (sb *Sandbox) State() State { return sb.state }

func (sb *Sandbox) setState(s State) {
	sb.state = s
	if sb.engine.onStateChange != nil {
		sb.engine.onStateChange(sb.runID, s)
	}
}

// Initialize allocates a fresh runtime and binds the bridge into it.
func (sb *Sandbox) Initialize() error {
	if sb.state != StateIdle {
		return fmt.Errorf("initialize sandbox in state %s", sb.state)
	}
	if sb.engine.bridge == nil {
		return errors.New("engine has no bridge")
	}
	sb.setState(StateInitializing)

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	sb.vm = vm
	sb.session = sb.engine.bridge.NewSession(sb.runID, sb.event)

	// Captured before any guest code runs so a script cannot swap them out.
	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, okParse := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, okStringify := goja.AssertFunction(jsonObj.Get("stringify"))
	if !okParse || !okStringify {
		sb.setState(StateFaulted)
		return &ExecutionError{Kind: ErrParseOrLoad, Err: errors.New("JSON builtins unavailable")}
	}
	sb.jsonParse, sb.jsonStringify = parse, stringify

	if err := vm.Set("Android", sb.androidObject()); err != nil {
		sb.setState(StateFaulted)
		return &ExecutionError{Kind: ErrParseOrLoad, Err: fmt.Errorf("bind bridge: %w", err)}
	}
	if _, err := vm.RunProgram(preludeProgram); err != nil {
		sb.setState(StateFaulted)
		return &ExecutionError{Kind: ErrParseOrLoad, Err: fmt.Errorf("run prelude: %w", err)}
	}
	return nil
}

// Execute loads script, calls its entry point with the notification and
// waits for the result up to the engine timeout. A sandbox executes once.
func (sb *Sandbox) Execute(ctx context.Context, script string) (*Response, error) {
	if sb.state != StateInitializing {
		return nil, fmt.Errorf("execute sandbox in state %s", sb.state)
	}
	sb.setState(StateRunning)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, sb.engine.timeout)
	defer cancel()
	sb.ctx = ctx

	vm := sb.vm
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ErrTimeout) })

	resp, err := sb.execute(ctx, script)

	stop()
	sb.session.EndTurn()
	sb.closeDone()

	switch {
	case err == nil:
		sb.setState(StateCompleted)
	case errors.Is(err, ErrTimeout):
		sb.setState(StateTimedOut)
	default:
		sb.setState(StateFaulted)
	}
	sb.logger.Debug("bot execution finished", "state", sb.state, "duration", time.Since(start), "error", err)
	return resp, err
}

func (sb *Sandbox) execute(ctx context.Context, script string) (*Response, error) {
	prog, err := goja.Compile(scriptName, script, false)
	if err != nil {
		return nil, &ExecutionError{Kind: ErrParseOrLoad, JSError: err.Error(), Err: err}
	}
	if _, err := sb.vm.RunProgram(prog); err != nil {
		return nil, sb.fault(ctx, ErrParseOrLoad, err)
	}
	sb.session.EndTurn()

	fnVal, err := sb.vm.RunProgram(lookupProgram)
	if err != nil {
		return nil, sb.fault(ctx, ErrParseOrLoad, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &ExecutionError{Kind: ErrMissingEntryPoint}
	}

	arg, err := sb.guestEvent()
	if err != nil {
		return nil, sb.fault(ctx, ErrRuntimeFault, err)
	}
	result, err := fn(goja.Undefined(), arg)
	sb.session.EndTurn()
	if err != nil {
		return nil, sb.fault(ctx, ErrRuntimeFault, err)
	}

	result, err = sb.await(ctx, result)
	if err != nil {
		return nil, err
	}
	return sb.decode(ctx, result)
}

// await runs the event loop until v settles. Values that are not promises
// are returned as they are.
func (sb *Sandbox) await(ctx context.Context, v goja.Value) (goja.Value, error) {
	if v == nil {
		return v, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, sb.rejection(p.Result())
		}

		select {
		case job := <-sb.jobs:
			job()
			sb.session.EndTurn()
		case <-ctx.Done():
			return nil, &ExecutionError{Kind: ErrTimeout, Err: ctx.Err()}
		}
	}
}

func (sb *Sandbox) decode(ctx context.Context, v goja.Value) (*Response, error) {
	if isAbsent(v) {
		return nil, &ExecutionError{Kind: ErrInvalidResponseShape, Err: errors.New("entry point returned no value")}
	}
	out, err := sb.jsonStringify(goja.Undefined(), v)
	if err != nil {
		return nil, sb.fault(ctx, ErrInvalidResponseShape, err)
	}
	if isAbsent(out) {
		return nil, &ExecutionError{Kind: ErrInvalidResponseShape, Err: errors.New("response is not serializable")}
	}
	return ParseResponse(out.String())
}

func (sb *Sandbox) guestEvent() (goja.Value, error) {
	data, err := json.Marshal(newGuestEvent(sb.event))
	if err != nil {
		return nil, err
	}
	return sb.jsonParse(goja.Undefined(), sb.vm.ToValue(string(data)))
}

// goja reports these without an exception value.
const (
	msgStackOverflow = "RangeError: Maximum call stack size exceeded"
	msgNoValue       = "exception without a value"
)

// fault classifies an error returned by the runtime. Anything raised after
// the deadline is reported as a timeout.
func (sb *Sandbox) fault(ctx context.Context, kind error, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || ctx.Err() != nil {
		return &ExecutionError{Kind: ErrTimeout, Err: ctx.Err()}
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &ExecutionError{Kind: kind, JSError: msgStackOverflow, Stack: overflow.String(), Err: err}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		e := &ExecutionError{Kind: kind, Stack: exc.String(), Err: err}
		if v := exc.Value(); v != nil && v.String() != "<nil>" {
			e.JSError = v.String()
		} else {
			e.JSError = msgNoValue
		}
		return e
	}
	return &ExecutionError{Kind: kind, Err: err}
}

func (sb *Sandbox) rejection(reason goja.Value) error {
	e := &ExecutionError{Kind: ErrRuntimeFault, JSError: "promise rejected"}
	if isAbsent(reason) {
		return e
	}
	e.JSError = reason.String()
	if obj, ok := reason.(*goja.Object); ok {
		if st := obj.Get("stack"); !isAbsent(st) {
			e.Stack = st.String()
		}
	}
	return e
}

// post hands a completion to the loop. It is dropped once the loop is gone.
func (sb *Sandbox) post(job func()) {
	select {
	case sb.jobs <- job:
	case <-sb.done:
	}
}

func (sb *Sandbox) closeDone() {
	sb.doneOnce.Do(func() { close(sb.done) })
}

// Close releases the runtime. It is safe to call more than once and in any
// state; the transition to StateCleaned happens exactly once.
func (sb *Sandbox) Close() {
	if sb.closed {
		return
	}
	sb.closed = true
	sb.closeDone()
	if sb.session != nil {
		sb.session.EndTurn()
	}
	sb.vm = nil
	sb.jsonParse, sb.jsonStringify = nil, nil
	sb.setState(StateCleaned)
}
