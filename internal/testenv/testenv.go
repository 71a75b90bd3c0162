// Package testenv provides the scripted step and recording env test
// doubles shared by the executor's scenario tests. Steps are fully
// serializable, so crash-recovery tests can reopen a store and rehydrate
// a stack mid-flight; their behavior lives in the Env (which survives in
// the test process, not the store), keyed by step name.
package testenv

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/meatballspaghetti/fate/pkg/fate"
	"github.com/meatballspaghetti/fate/pkg/types"
)

// StepTag is the registry tag for scripted steps.
const StepTag = "test.scripted"

// Behavior scripts one named step.
type Behavior struct {
	// ReadyDefers is consumed one value per Ready invocation; once
	// exhausted Ready returns 0.
	ReadyDefers []types.DurationMillis
	// ReadyErr, when set, is returned by every Ready invocation.
	ReadyErr *types.StepError
	// CallErr, when set, is returned by every Call invocation.
	CallErr *types.StepError
	// Next names the successor step; empty means the transaction is
	// complete.
	Next string
	// ReturnValue is exposed to the worker through the final step.
	ReturnValue string
}

// Env is a recording types.Env. It owns the behavior table for scripted
// steps and counts every Ready/Call/Undo invocation by step name.
type Env struct {
	mu           sync.Mutex
	shuttingDown bool
	behaviors    map[string]*Behavior
	readys       map[string]int
	calls        map[string]int
	undos        map[string]int
	// effects records the externally visible side effect of each Call,
	// keyed by "txid/step"; idempotent replay bumps calls but records the
	// effect only once, the way a real step tags its work with the
	// transaction id and short-circuits on replay.
	effects map[string]int
}

// NewEnv creates an empty recording env.
func NewEnv() *Env {
	return &Env{
		behaviors: make(map[string]*Behavior),
		readys:    make(map[string]int),
		calls:     make(map[string]int),
		undos:     make(map[string]int),
		effects:   make(map[string]int),
	}
}

// Script installs the behavior for a named step.
func (e *Env) Script(name string, b Behavior) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.behaviors[name] = &b
}

// SetShuttingDown flips the shutdown predicate steps observe.
func (e *Env) SetShuttingDown(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shuttingDown = v
}

// ShuttingDown implements types.Env.
func (e *Env) ShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// Readys returns how many times the named step's Ready ran.
func (e *Env) Readys(name string) int { e.mu.Lock(); defer e.mu.Unlock(); return e.readys[name] }

// Calls returns how many times the named step's Call ran.
func (e *Env) Calls(name string) int { e.mu.Lock(); defer e.mu.Unlock(); return e.calls[name] }

// Undos returns how many times the named step's Undo ran.
func (e *Env) Undos(name string) int { e.mu.Lock(); defer e.mu.Unlock(); return e.undos[name] }

// Effects returns how many durable side effects the named step produced
// for the given transaction; idempotent replay keeps this at one.
func (e *Env) Effects(id types.ID, name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effects[id.String()+"/"+name]
}

// Step is the serializable scripted step. Only its name crosses the
// store; behavior is resolved from the Env at invocation time.
type Step struct {
	StepName string `json:"name"`

	// ret caches the scripted return value once Call has produced it, so
	// the worker's completion path can read it off the same in-memory
	// step object.
	ret string
}

type stepPayload struct {
	Name string `json:"name"`
}

// NewStep builds a scripted step for the named behavior.
func NewStep(name string) *Step {
	return &Step{StepName: name}
}

// Register installs the scripted-step factory into registry.
func Register(registry *fate.Registry) {
	registry.Register(StepTag, func(version int, payload []byte) (types.Step, error) {
		var p stepPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return &Step{StepName: p.Name}, nil
	})
}

func (s *Step) Name() string { return s.StepName }

func (s *Step) Tag() string { return StepTag }

func (s *Step) Version() int { return 1 }

func (s *Step) MarshalPayload() ([]byte, error) {
	return json.Marshal(stepPayload{Name: s.StepName})
}

func (s *Step) behavior(env types.Env) (*Env, *Behavior) {
	e := env.(*Env)
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.behaviors[s.StepName]
	if b == nil {
		b = &Behavior{}
		e.behaviors[s.StepName] = b
	}
	return e, b
}

func (s *Step) Ready(ctx context.Context, id types.ID, env types.Env) (types.Defer, *types.StepError) {
	e, b := s.behavior(env)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readys[s.StepName]++
	if b.ReadyErr != nil {
		return 0, b.ReadyErr
	}
	if len(b.ReadyDefers) > 0 {
		d := b.ReadyDefers[0]
		b.ReadyDefers = b.ReadyDefers[1:]
		return d, nil
	}
	return 0, nil
}

func (s *Step) Call(ctx context.Context, id types.ID, env types.Env) (types.Step, *types.StepError) {
	e, b := s.behavior(env)
	e.mu.Lock()
	e.calls[s.StepName]++
	if b.CallErr != nil {
		e.mu.Unlock()
		return nil, b.CallErr
	}
	key := id.String() + "/" + s.StepName
	if e.effects[key] == 0 {
		e.effects[key] = 1
	}
	next := b.Next
	s.ret = b.ReturnValue
	e.mu.Unlock()

	if next == "" {
		return nil, nil
	}
	return NewStep(next), nil
}

func (s *Step) Undo(ctx context.Context, id types.ID, env types.Env) error {
	e, _ := s.behavior(env)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.undos[s.StepName]++
	key := id.String() + "/" + s.StepName
	if e.effects[key] > 0 {
		e.effects[key] = 0
	}
	return nil
}

// ReturnValue exposes the scripted return value to the worker's
// completion path.
func (s *Step) ReturnValue() string {
	return s.ret
}
