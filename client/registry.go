package client

import (
	"context"
	"errors"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry keeps one live session per plugin program.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Client]
	opts     []Option
}

// NewRegistry returns an empty registry whose sessions are opened with opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		sessions: cmap.New[*Client](),
		opts:     opts,
	}
}

// Open returns the ready session for program, starting the plugin if there
// is none. A faulted or closed session is replaced.
func (r *Registry) Open(ctx context.Context, program string) (*Client, error) {
	for {
		if c, ok := r.sessions.Get(program); ok {
			if c.State() == StateReady {
				return c, nil
			}
			r.sessions.RemoveCb(program, func(_ string, v *Client, exists bool) bool {
				return exists && v == c
			})
			_ = c.Close()
		}

		c, err := Open(ctx, program, r.opts...)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", program, err)
		}
		if r.sessions.SetIfAbsent(program, c) {
			return c, nil
		}
		// lost a race with another Open
		_ = c.Close()
	}
}

// Get returns the session for program, if any.
func (r *Registry) Get(program string) (*Client, bool) {
	return r.sessions.Get(program)
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	return r.sessions.Count()
}

// Remove closes and forgets the session for program.
func (r *Registry) Remove(program string) error {
	c, ok := r.sessions.Pop(program)
	if !ok {
		return nil
	}
	return c.Close()
}

// Shutdown closes every session.
func (r *Registry) Shutdown() error {
	var errs []error
	for _, program := range r.sessions.Keys() {
		if err := r.Remove(program); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", program, err))
		}
	}
	return errors.Join(errs...)
}
