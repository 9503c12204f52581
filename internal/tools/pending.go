package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/spediresicuro/anne/internal/agent"
)

// FromState builds the execution context of a worker pass.
func FromState(s agent.State) ExecContext {
	return ExecContext{
		ActorID:     s.Context.ActorID,
		TargetID:    s.Context.UserID,
		WorkspaceID: s.Context.WorkspaceID,
		Role:        s.Context.UserRole,
		TraceID:     s.Context.TraceID,
		Message:     s.LastUserMessage(),
	}
}

// Pending parks args as an action waiting for the user's confirmation.
func Pending(args Args, summary string, now time.Time) (*agent.PendingAction, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", args.ToolName(), err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", args.ToolName(), err)
	}
	flat := make(map[string]string, len(generic))
	for k, v := range generic {
		switch v := v.(type) {
		case string:
			flat[k] = v
		case bool:
			flat[k] = strconv.FormatBool(v)
		case float64:
			flat[k] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("%w: %s.%s is not a scalar", ErrInvalidArgs, args.ToolName(), k)
		}
	}
	return &agent.PendingAction{Tool: args.ToolName(), Arguments: flat, Summary: summary, CreatedAt: now}, nil
}

// CallFromPending rebuilds the call of a pending action, typing each
// argument after the tool's schema.
func CallFromPending(p *agent.PendingAction) (Call, error) {
	spec, ok := Lookup(p.Tool)
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrUnknownTool, p.Tool)
	}
	out := make(map[string]any, len(p.Arguments))
	for k, v := range p.Arguments {
		var prop *openapi3.Schema
		if spec.Schema != nil {
			if ref := spec.Schema.Properties[k]; ref != nil {
				prop = ref.Value
			}
		}
		switch {
		case prop != nil && prop.Type.Is(openapi3.TypeBoolean):
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Call{}, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, k, err)
			}
			out[k] = b
		case prop != nil && (prop.Type.Is(openapi3.TypeNumber) || prop.Type.Is(openapi3.TypeInteger)):
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Call{}, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, k, err)
			}
			out[k] = f
		default:
			out[k] = v
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Call{}, err
	}
	return Call{Name: spec.Name, Arguments: raw}, nil
}
