package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetupdater/internal/models"
)

// fakeDirectory serves a fixed tree and counts queries per tenant.
type fakeDirectory struct {
	mu        sync.Mutex
	tenants   map[uuid.UUID]models.Tenant
	children  map[uuid.UUID][]uuid.UUID
	users     map[uuid.UUID][]models.User
	fail      map[uuid.UUID]error
	childHits map[uuid.UUID]int
	userHits  map[uuid.UUID]int
	reverse   bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenants:   make(map[uuid.UUID]models.Tenant),
		children:  make(map[uuid.UUID][]uuid.UUID),
		users:     make(map[uuid.UUID][]models.User),
		fail:      make(map[uuid.UUID]error),
		childHits: make(map[uuid.UUID]int),
		userHits:  make(map[uuid.UUID]int),
	}
}

func (d *fakeDirectory) add(parent models.Tenant, name string, kind models.TenantKind) models.Tenant {
	t := models.Tenant{ID: uuid.New(), Name: name, Kind: kind, ParentID: parent.ID}
	d.tenants[t.ID] = t
	d.children[parent.ID] = append(d.children[parent.ID], t.ID)
	d.users[t.ID] = []models.User{{ID: uuid.New(), Username: name + "-user", TenantID: t.ID, PersonalTenantID: uuid.New()}}
	return t
}

func (d *fakeDirectory) ChildTenants(_ context.Context, parent models.Tenant) ([]models.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.childHits[parent.ID]++
	if err := d.fail[parent.ID]; err != nil {
		return nil, err
	}
	ids := d.children[parent.ID]
	out := make([]models.Tenant, 0, len(ids))
	for i := range ids {
		id := ids[i]
		if d.reverse {
			id = ids[len(ids)-1-i]
		}
		t := d.tenants[id]
		t.ParentName = parent.Name
		out = append(out, t)
	}
	return out, nil
}

func (d *fakeDirectory) TenantUsers(_ context.Context, tenantID uuid.UUID) ([]models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userHits[tenantID]++
	return d.users[tenantID], nil
}

func leafNames(r models.TraversalResult) []string {
	names := make([]string, 0, len(r.LeafTenants))
	for _, t := range r.LeafTenants {
		names = append(names, t.Name)
	}
	return names
}

func newTestWalker(dir Directory, concurrency int) (*Walker, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewWalker(dir, log, concurrency), hook
}

func TestDiscoverExcludedSubtreeIsNeverQueried(t *testing.T) {
	dir := newFakeDirectory()
	root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
	a := dir.add(root, "A", models.KindCustomer)
	b := dir.add(root, "B", models.KindFolder)
	dir.add(b, "C", models.KindCustomer)

	w, hook := newTestWalker(dir, 4)
	res, err := w.DiscoverLeafTenants(context.Background(), root, map[uuid.UUID]struct{}{a.ID: {}})
	require.NoError(t, err)

	assert.Equal(t, []string{"C"}, leafNames(res))
	assert.Equal(t, 2, res.MaxDepth)
	assert.Zero(t, dir.childHits[a.ID])
	assert.Zero(t, dir.userHits[a.ID])

	var skipped int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel && e.Data["tenant_id"] == a.ID {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestDiscoverExcludedTenantCountsTowardDepth(t *testing.T) {
	dir := newFakeDirectory()
	root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
	a := dir.add(root, "A", models.KindCustomer)

	w, _ := newTestWalker(dir, 2)
	res, err := w.DiscoverLeafTenants(context.Background(), root, map[uuid.UUID]struct{}{a.ID: {}})
	require.NoError(t, err)

	assert.Empty(t, res.LeafTenants)
	assert.Equal(t, 1, res.MaxDepth)
	assert.Zero(t, dir.childHits[a.ID])
}

func TestDiscoverExpandsBranchKinds(t *testing.T) {
	for _, kind := range []models.TenantKind{models.KindPartner, models.KindFolder, models.KindUnit} {
		t.Run(string(kind), func(t *testing.T) {
			dir := newFakeDirectory()
			root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
			branch := dir.add(root, "branch", kind)
			dir.add(branch, "leaf", models.KindCustomer)

			w, _ := newTestWalker(dir, 2)
			res, err := w.DiscoverLeafTenants(context.Background(), root, nil)
			require.NoError(t, err)

			assert.Equal(t, 1, dir.childHits[branch.ID])
			assert.Contains(t, leafNames(res), "leaf")
			assert.Equal(t, 2, res.MaxDepth)
		})
	}
}

func TestDiscoverDoesNotExpandCustomers(t *testing.T) {
	dir := newFakeDirectory()
	root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
	c := dir.add(root, "customer", models.KindCustomer)

	w, _ := newTestWalker(dir, 1)
	_, err := w.DiscoverLeafTenants(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Zero(t, dir.childHits[c.ID])
}

func TestDiscoverUnitIsLeafAndBranch(t *testing.T) {
	dir := newFakeDirectory()
	root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
	p := dir.add(root, "P", models.KindPartner)
	f := dir.add(p, "F", models.KindFolder)
	u := dir.add(f, "U", models.KindUnit)
	dir.add(u, "U2", models.KindUnit)

	w, _ := newTestWalker(dir, 3)
	res, err := w.DiscoverLeafTenants(context.Background(), root, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"U", "U2"}, leafNames(res))
	assert.Equal(t, 4, res.MaxDepth)
	for _, lt := range res.LeafTenants {
		require.Len(t, lt.Users, 1, "leaf %s carries its users", lt.Name)
		assert.Equal(t, lt.Name+"-user", lt.Users[0].Username)
	}
}

func TestDiscoverRootLeaf(t *testing.T) {
	root := models.Tenant{ID: uuid.New(), Name: "solo", Kind: models.KindCustomer}
	w, _ := newTestWalker(newFakeDirectory(), 1)

	res, err := w.DiscoverLeafTenants(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, leafNames(res))
	assert.Zero(t, res.MaxDepth)
}

func TestDiscoverExcludedRoot(t *testing.T) {
	dir := newFakeDirectory()
	root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
	dir.add(root, "A", models.KindCustomer)

	w, _ := newTestWalker(dir, 1)
	res, err := w.DiscoverLeafTenants(context.Background(), root, map[uuid.UUID]struct{}{root.ID: {}})
	require.NoError(t, err)
	assert.Empty(t, res.LeafTenants)
	assert.Zero(t, dir.childHits[root.ID])
}

func TestDiscoverMaxDepthIndependentOfOrder(t *testing.T) {
	build := func(reverse bool) (*fakeDirectory, models.Tenant) {
		dir := newFakeDirectory()
		dir.reverse = reverse
		root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
		deep := dir.add(root, "deep", models.KindFolder)
		mid := dir.add(deep, "mid", models.KindFolder)
		dir.add(mid, "bottom", models.KindCustomer)
		dir.add(root, "shallow", models.KindCustomer)
		return dir, root
	}

	for _, reverse := range []bool{false, true} {
		for _, concurrency := range []int{1, 8} {
			dir, root := build(reverse)
			w, _ := newTestWalker(dir, concurrency)
			res, err := w.DiscoverLeafTenants(context.Background(), root, nil)
			require.NoError(t, err)
			assert.Equal(t, 3, res.MaxDepth, "reverse=%v concurrency=%d", reverse, concurrency)
			assert.ElementsMatch(t, []string{"bottom", "shallow"}, leafNames(res))
		}
	}
}

func TestDiscoverDirectoryFailureAbortsWalk(t *testing.T) {
	dir := newFakeDirectory()
	root := models.Tenant{ID: uuid.New(), Name: "root", Kind: models.KindPartner}
	dir.add(root, "ok", models.KindCustomer)
	broken := dir.add(root, "broken", models.KindFolder)
	boom := errors.New("boom")
	dir.fail[broken.ID] = boom

	w, _ := newTestWalker(dir, 2)
	res, err := w.DiscoverLeafTenants(context.Background(), root, nil)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, res.LeafTenants)
}
