// Package discovery walks the tenant hierarchy and collects the tenants that
// can own agents.
package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fleetupdater/internal/models"
)

// Directory is the part of the tenant directory the walker needs.
type Directory interface {
	ChildTenants(ctx context.Context, parent models.Tenant) ([]models.Tenant, error)
	TenantUsers(ctx context.Context, tenantID uuid.UUID) ([]models.User, error)
}

// Walker expands the hierarchy breadth first, one frontier at a time.
type Walker struct {
	dir         Directory
	log         logrus.FieldLogger
	concurrency int
}

// NewWalker returns a Walker expanding at most concurrency siblings at once.
// A concurrency below one expands siblings sequentially.
func NewWalker(dir Directory, log logrus.FieldLogger, concurrency int) *Walker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Walker{dir: dir, log: log, concurrency: concurrency}
}

type node struct {
	tenant models.Tenant
	depth  int
}

// expansion is what classifying one tenant yields: its own contribution to
// the result and the children to visit next.
type expansion struct {
	partial  models.TraversalResult
	children []models.Tenant
}

// DiscoverLeafTenants returns every non-excluded tenant that can own agents,
// together with the deepest level reached. The root sits at depth zero.
// Excluded tenants are skipped with their whole subtree but still count
// toward the depth of the level they sit on. Any directory
// failure aborts the walk.
func (w *Walker) DiscoverLeafTenants(ctx context.Context, root models.Tenant, exclude map[uuid.UUID]struct{}) (models.TraversalResult, error) {
	var result models.TraversalResult
	frontier := []node{{tenant: root, depth: 0}}

	for len(frontier) > 0 {
		expansions := make([]expansion, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.concurrency)
		for i, n := range frontier {
			g.Go(func() error {
				e, err := w.classify(gctx, n, exclude)
				if err != nil {
					return err
				}
				expansions[i] = e
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return models.TraversalResult{}, err
		}

		var next []node
		for i, e := range expansions {
			result.Merge(e.partial)
			for _, c := range e.children {
				next = append(next, node{tenant: c, depth: frontier[i].depth + 1})
			}
		}
		frontier = next
	}

	w.log.WithFields(logrus.Fields{
		"leaf_tenants": len(result.LeafTenants),
		"max_depth":    result.MaxDepth,
	}).Info("tenant discovery finished")
	return result, nil
}

func (w *Walker) classify(ctx context.Context, n node, exclude map[uuid.UUID]struct{}) (expansion, error) {
	t := n.tenant
	log := w.log.WithFields(logrus.Fields{"tenant": t.Name, "tenant_id": t.ID, "depth": n.depth})

	if _, skip := exclude[t.ID]; skip {
		log.Info("tenant is excluded, skipping it and its subtree")
		return expansion{partial: models.TraversalResult{MaxDepth: n.depth}}, nil
	}

	e := expansion{partial: models.TraversalResult{MaxDepth: n.depth}}
	if t.Kind.CanOwnAgents() {
		log.WithField("users", len(t.Users)).Debug("adding leaf tenant")
		e.partial.LeafTenants = []models.Tenant{t}
	}
	if !t.Kind.CanHaveChildren() {
		return e, nil
	}

	children, err := w.dir.ChildTenants(ctx, t)
	if err != nil {
		return expansion{}, fmt.Errorf("list children of tenant %s (%s): %w", t.Name, t.ID, err)
	}
	for i := range children {
		if _, skip := exclude[children[i].ID]; skip {
			continue
		}
		users, err := w.dir.TenantUsers(ctx, children[i].ID)
		if err != nil {
			return expansion{}, fmt.Errorf("list users of tenant %s (%s): %w", children[i].Name, children[i].ID, err)
		}
		children[i].Users = users
	}
	e.children = children
	return e, nil
}
