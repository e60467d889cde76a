// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package lifecycle allows controlling groups of items with start and close
// semantics.
package lifecycle

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Item is a single item in a lifecycle group.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group implements a collection of items that have a start and close
// sequence. Items run concurrently and close in reverse registration order.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup creates a new lifecycle group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds an item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items in the group and returns when every Run callback has
// finished or one of them has failed.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() error {
			group.log.Debug("starting", zap.String("item", item.Name))
			err := item.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				group.log.Error("unexpected exit",
					zap.String("item", item.Name), zap.Error(err))
				return errs.Wrap(err)
			}
			return nil
		})
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var group2 errs.Group
	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		group.log.Debug("closing", zap.String("item", item.Name))
		group2.Add(item.Close())
	}
	return group2.Err()
}
