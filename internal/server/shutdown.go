package server

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks releases the agent's resources in the order they were
// registered. A failing hook is logged and the remaining hooks still run.
type ShutdownHooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook that is given the shutdown context, which may
// carry a deadline. Nil hooks are ignored with a warning logged.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that does not need the shutdown context.
func (s *ShutdownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// AddClose registers closer.Close as a hook; its error is reported like any
// other hook failure.
func (s *ShutdownHooks) AddClose(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.Add(name, closer.Close)
}

// Len reports the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs every hook with ctx and returns the number that failed.
func (s *ShutdownHooks) Execute(ctx context.Context) int {
	l := log.Ctx(ctx)
	failed := 0
	for _, hook := range s.hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			failed++
			hookLog.Warn().Err(err).Msg("shutdown failed")
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}

	return failed
}
