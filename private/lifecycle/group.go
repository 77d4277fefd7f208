// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of services and chores as a
// unit: started together under one errgroup and closed in reverse order.
package lifecycle

import (
	"context"
	"errors"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

var mon = monkit.Package()

// Item is a single service or chore in a group.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group is an ordered collection of items.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add appends an item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items in the group on the provided errgroup.
// Context cancellation is not treated as an item failure.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			group.log.Debug("starting", zap.String("item", item.Name))
			err := item.Run(ctx)
			if errs2.IsCanceled(err) || errors.Is(err, context.Canceled) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of item",
					zap.String("item", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
