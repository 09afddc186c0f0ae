package remote

import "context"

// Request is one unit of work against the remote model dependency.
type Request struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

// Response carries the raw generated content back to the caller.
type Response struct {
	Content string `json:"content"`
}

// Invoker is the abstract "invoke remote operation" capability the pipeline
// consumes. Implementations must raise tagged errors (retry.RateLimitError)
// when the dependency throttles, so the governor can classify the failure
// without probing message text.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
