// Package notice keeps the latest message shown against each form. A notice
// disappears on its own once its lifetime has passed.
package notice

import (
	"context"
	"time"

	"github.com/skillnet/skillnet-agent/internal/cache"
)

// Lifetime is how long a notice stays visible.
const Lifetime = 5 * time.Second

const maxForms = 256

type Kind string

const (
	KindError   Kind = "error"
	KindSuccess Kind = "success"
)

type Notice struct {
	Form    string    `json:"form"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Posted  time.Time `json:"posted"`
}

// Board holds at most one notice per form.
type Board struct {
	notices cache.Cache[Notice]
}

func NewBoard(lifetime time.Duration) (*Board, error) {
	notices, err := cache.NewMemory[Notice](lifetime, maxForms)
	if err != nil {
		return nil, err
	}

	return &Board{notices: notices}, nil
}

// Post replaces the notice for form. The new notice gets a full lifetime.
func (b *Board) Post(ctx context.Context, form string, kind Kind, message string) Notice {
	n := Notice{
		Form:    form,
		Kind:    kind,
		Message: message,
		Posted:  time.Now(),
	}

	_ = b.notices.Invalidate(ctx, form)
	_ = b.notices.Set(ctx, form, n)

	return n
}

// Error posts a failure. message is what the user sees, not the internal
// error text.
func (b *Board) Error(ctx context.Context, form, message string) Notice {
	return b.Post(ctx, form, KindError, message)
}

func (b *Board) Success(ctx context.Context, form, message string) Notice {
	return b.Post(ctx, form, KindSuccess, message)
}

// Current returns the live notice for form, if any.
func (b *Board) Current(ctx context.Context, form string) (Notice, bool) {
	n, found, err := b.notices.Get(ctx, form)
	if err != nil {
		return Notice{}, false
	}
	return n, found
}

func (b *Board) Dismiss(ctx context.Context, form string) {
	_ = b.notices.Invalidate(ctx, form)
}
