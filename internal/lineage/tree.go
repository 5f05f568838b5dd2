// Package lineage assembles lineage trees and keeps search cache entries in
// step with the lineage rows they track.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// DefaultMaxDepth bounds ancestor walks
const DefaultMaxDepth = 64

// Builder assembles tree snapshots from the lineage store
type Builder struct {
	store    storage.LineageStore
	maxDepth int
	now      func() time.Time
}

// NewBuilder creates a new tree builder
func NewBuilder(store storage.LineageStore, maxDepth int) *Builder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Builder{store: store, maxDepth: maxDepth, now: time.Now}
}

// Tree returns the ancestor chain and direct descendants of account. The walk
// stops at a missing ancestor, a repeated address or the depth bound.
func (b *Builder) Tree(ctx context.Context, account string, network types.Network) (*models.LineageTree, error) {
	e, err := b.store.GetLineage(ctx, account, network)
	if err != nil {
		return nil, err
	}

	tree := &models.LineageTree{
		Account:     account,
		Network:     network,
		Node:        models.NodeFromEntry(e),
		Ancestors:   []models.LineageNode{},
		Descendants: []models.LineageNode{},
		GeneratedAt: b.now().UTC(),
	}

	complete := e.Status.IsSettled()
	visited := map[string]bool{account: true}
	cur := e
	for hops := 0; cur.HasCreator(); hops++ {
		if hops >= b.maxDepth {
			complete = false
			break
		}
		creator := cur.Creator()
		if visited[creator] {
			tree.Cycle = true
			break
		}
		visited[creator] = true

		parent, err := b.store.GetLineage(ctx, creator, network)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// discovered but not yet enqueued
				tree.Ancestors = append(tree.Ancestors, models.LineageNode{
					AccountAddress: creator,
					Depth:          cur.Depth + 1,
					Tags:           []string{},
				})
				complete = false
				break
			}
			return nil, fmt.Errorf("failed to load ancestor %s: %w", creator, err)
		}
		tree.Ancestors = append(tree.Ancestors, models.NodeFromEntry(parent))
		if !parent.Status.IsSettled() {
			complete = false
		}
		cur = parent
	}
	tree.Complete = complete

	children, err := b.store.ListLineageByCreator(ctx, account, network)
	if err != nil {
		return nil, fmt.Errorf("failed to load descendants of %s: %w", account, err)
	}
	for _, child := range children {
		if child.AccountAddress == account {
			continue
		}
		tree.Descendants = append(tree.Descendants, models.NodeFromEntry(child))
	}
	return tree, nil
}

// AncestorPath returns the addresses on the creator chain from root down to
// account, root first. The walk is bounded by the depth limit.
func (b *Builder) AncestorPath(ctx context.Context, root, account string, network types.Network) ([]string, error) {
	path := []string{root}
	if root == account {
		return path, nil
	}
	seen := map[string]bool{root: true}
	cur := root
	for hops := 0; hops < b.maxDepth; hops++ {
		e, err := b.store.GetLineage(ctx, cur, network)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return path, nil
			}
			return nil, fmt.Errorf("failed to walk ancestor path at %s: %w", cur, err)
		}
		if !e.HasCreator() {
			return path, nil
		}
		next := e.Creator()
		if seen[next] {
			return path, nil
		}
		seen[next] = true
		path = append(path, next)
		if next == account {
			return path, nil
		}
		cur = next
	}
	return path, nil
}
