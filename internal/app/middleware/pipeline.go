package middleware

import (
	"context"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/outbox"
	"dealroom/internal/app/queries"
)

// Stack is the dealroom request pipeline. Commands pass, outermost first,
// through validation, participant authorization, idempotent replay and the
// outbox flush. Authorization precedes replay so a cached result is only
// served to a participant of the conversation it belongs to. The flush sits
// innermost so replays never re-flush. Queries get validation and
// authorization only.
type Stack struct {
	Authorizer  Authorizer
	Idempotency IdempotencyStore
	Outbox      outbox.Outbox
}

func (st Stack) Commands(base commands.Bus) commands.Bus {
	mws := []CommandMiddleware{
		Validation(SelfValidator{}),
		Authorization(st.Authorizer),
	}
	if st.Idempotency != nil {
		mws = append(mws, Idempotency(st.Idempotency, nil))
	}
	if st.Outbox != nil {
		mws = append(mws, OutboxFlush(st.Outbox))
	}
	return ChainCommands(base, mws...)
}

func (st Stack) Queries(base queries.Bus) queries.Bus {
	return ChainQueries(base,
		QueryValidation(SelfValidator{}),
		QueryAuthorization(st.Authorizer),
	)
}

// CommandMiddleware wraps a command bus with additional behavior.
type CommandMiddleware func(next commands.Bus) commands.Bus

type QueryMiddleware func(next queries.Bus) queries.Bus

// ChainCommands applies mws around base, outermost first.
func ChainCommands(base commands.Bus, mws ...CommandMiddleware) commands.Bus {
	wrapped := base
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

func ChainQueries(base queries.Bus, mws ...QueryMiddleware) queries.Bus {
	wrapped := base
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

type commandFunc func(ctx context.Context, cmd commands.Command) (any, error)

func (f commandFunc) Dispatch(ctx context.Context, cmd commands.Command) (any, error) {
	return f(ctx, cmd)
}

func wrapCommand(next commands.Bus) commandFunc {
	return func(ctx context.Context, cmd commands.Command) (any, error) {
		return next.Dispatch(ctx, cmd)
	}
}

type queryFunc func(ctx context.Context, query queries.Query) (any, error)

func (f queryFunc) Ask(ctx context.Context, q queries.Query) (any, error) {
	return f(ctx, q)
}

func wrapQuery(next queries.Bus) queryFunc {
	return func(ctx context.Context, q queries.Query) (any, error) {
		return next.Ask(ctx, q)
	}
}
