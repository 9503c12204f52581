package agent

import "context"

// Result is what a worker hands back to the router.
type Result struct {
	State         State
	MissingFields []string
	Clarification string
	Next          Step
}

// Worker is one node of the graph. A worker must not mutate the state it
// receives; it returns the updated copy in Result.State.
type Worker interface {
	Name() Step
	Run(ctx context.Context, s State) (Result, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc struct {
	Step Step
	Fn   func(ctx context.Context, s State) (Result, error)
}

func (w WorkerFunc) Name() Step { return w.Step }

func (w WorkerFunc) Run(ctx context.Context, s State) (Result, error) {
	return w.Fn(ctx, s)
}
