package rlm

import (
	"context"
	"errors"

	"github.com/iuriikogan/rlm-sandbox/internal/env"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

// Resolve returns the value bound to the name a termination directive
// refers to. Every rejection is a MalformedTerminationError; nothing is ever
// substituted for a missing binding.
func Resolve(ctx context.Context, req types.FinalAnswerRequest, ns *env.Namespace) (types.Value, error) {
	if !req.Valid {
		return types.Value{}, types.NewError(types.CodeMalformedTermination, "%s", req.Reason)
	}
	if ns.IsProtected(req.Name) {
		return types.Value{}, types.NewError(types.CodeMalformedTermination,
			"%q is a sandbox helper, not a result; assign the result to a variable", req.Name)
	}
	v, err := ns.Read(ctx, req.Name)
	switch {
	case errors.Is(err, env.ErrUnbound):
		return types.Value{}, types.NewError(types.CodeMalformedTermination,
			"%q is not defined; assign it in a code block first", req.Name)
	case err != nil:
		return types.Value{}, types.WrapError(types.CodeMalformedTermination, err)
	}
	return v, nil
}
