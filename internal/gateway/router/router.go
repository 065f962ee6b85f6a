// Package router selects an upstream channel for a (group, model) pair.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// ErrNoChannel is returned when no enabled ability matches the request.
var ErrNoChannel = errors.New("no available channel")

// Store is the read contract the router needs from configuration storage.
type Store interface {
	EnabledAbilities(ctx context.Context, group, model string) ([]models.Ability, error)
	GetChannel(ctx context.Context, id int64) (*models.Channel, error)
}

// Router picks channels by priority tier and weight.
type Router struct {
	store Store

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a router backed by store.
func New(store Store) *Router {
	return &Router{store: store, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithSeed creates a router with a deterministic random source.
func NewWithSeed(store Store, seed int64) *Router {
	return &Router{store: store, rng: rand.New(rand.NewSource(seed))}
}

// Route returns a channel from the highest enabled priority tier for
// (group, model).
func (r *Router) Route(ctx context.Context, group, model string) (*models.Channel, error) {
	return r.RouteExcluding(ctx, group, model, nil)
}

// RouteExcluding routes while ignoring the listed channel ids. Callers use
// it to fail over: once every channel of the top tier is excluded the next
// tier becomes the top tier.
func (r *Router) RouteExcluding(ctx context.Context, group, model string, exclude map[int64]bool) (*models.Channel, error) {
	abilities, err := r.store.EnabledAbilities(ctx, group, model)
	if err != nil {
		return nil, fmt.Errorf("route %s/%s: %w", group, model, err)
	}

	candidates := TopPriority(abilities, exclude)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("route %s/%s: %w", group, model, ErrNoChannel)
	}

	picked := r.pick(candidates)
	ch, err := r.store.GetChannel(ctx, picked.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("route %s/%s: %w", group, model, err)
	}
	return ch, nil
}

// TopPriority returns the enabled abilities sharing the maximum priority.
func TopPriority(abilities []models.Ability, exclude map[int64]bool) []models.Ability {
	var (
		top   int64
		found bool
	)
	for _, a := range abilities {
		if !a.Enabled || exclude[a.ChannelID] {
			continue
		}
		if !found || a.Priority > top {
			top, found = a.Priority, true
		}
	}
	if !found {
		return nil
	}

	var out []models.Ability
	for _, a := range abilities {
		if a.Enabled && !exclude[a.ChannelID] && a.Priority == top {
			out = append(out, a)
		}
	}
	return out
}

func (r *Router) pick(candidates []models.Ability) models.Ability {
	if len(candidates) == 1 {
		return candidates[0]
	}

	var total int64
	for _, c := range candidates {
		if c.Weight > 0 {
			total += int64(c.Weight)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if total <= 0 {
		return candidates[r.rng.Intn(len(candidates))]
	}

	n := r.rng.Int63n(total)
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		if n < int64(c.Weight) {
			return c
		}
		n -= int64(c.Weight)
	}
	return candidates[len(candidates)-1]
}
