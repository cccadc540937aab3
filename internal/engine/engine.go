// Package engine implements the mode transitions between the hashed
// small-map store and the learned-index tree, and the background
// migration/expansion tasks that drive them. State transitions are CAS'd
// through an atomic.Uint32; background work runs under a
// golang.org/x/sync/errgroup.Group so Close can join on outstanding work
// before tearing down pool files.
package engine

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kvtree/combotree/internal/alevel"
	"github.com/kvtree/combotree/internal/blevel"
	"github.com/kvtree/combotree/internal/cbucket"
	"github.com/kvtree/combotree/internal/config"
	"github.com/kvtree/combotree/internal/manifest"
	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/smallmap"
	"github.com/kvtree/combotree/internal/status"
)

// State is one of the four modes a Handle can be in.
type State uint32

const (
	UsingSmall State = iota
	MigratingToTree
	UsingTree
	TreeExpanding
)

func (s State) String() string {
	switch s {
	case UsingSmall:
		return "UsingSmall"
	case MigratingToTree:
		return "MigratingToTree"
	case UsingTree:
		return "UsingTree"
	case TreeExpanding:
		return "TreeExpanding"
	default:
		return "Unknown"
	}
}

// KV is a plain pair threaded through Scan/Iterator.
type KV struct {
	Key   uint64
	Value uint64
}

// Handle owns every pool file and in-memory structure for one open index,
// plus the state word and background task group coordinating transitions
// between them.
type Handle struct {
	dir    string
	cfg    config.Options
	logger *slog.Logger

	state atomic.Uint32

	smallArena *pmemarena.Arena
	small      *smallmap.Store

	treeArena *pmemarena.Arena
	tree      atomic.Pointer[blevel.BLevel]
	nextTree  atomic.Pointer[blevel.BLevel] // published only during TreeExpanding
	router    alevel.Snapshot

	manifestPath string

	group        *errgroup.Group
	permitDelete sync.WaitGroup

	deleteCount atomic.Uint64 // throttles MergeAdjacentUnderfull, see maybeMergeUnderfull
	closed      atomic.Bool
}

// Open attaches to (or creates) a pool directory: a manifest file plus one
// or two pmemarena.Arena pool files, depending on IsTreeMode.
func Open(poolDir string, poolSize int64, create bool, cfg config.Options) (*Handle, error) {
	cfg = cfg.WithDefaults()
	logger := slog.Default().With("component", "combotree", "dir", poolDir)

	manifestPath := filepath.Join(poolDir, "MANIFEST")
	m, ok, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !create {
			return nil, status.ErrNotFound
		}
		m = &manifest.Manifest{
			SmallStorePath: filepath.Join(poolDir, "small.pool"),
			TreePoolPath:   filepath.Join(poolDir, "tree.pool"),
			IsTreeMode:     false,
		}
		if err := manifest.Save(manifestPath, m); err != nil {
			return nil, err
		}
	}

	h := &Handle{
		dir:          poolDir,
		cfg:          cfg,
		logger:       logger,
		manifestPath: manifestPath,
		group:        &errgroup.Group{},
	}

	smallArena, err := pmemarena.Open(m.SmallStorePath, poolSize, true)
	if err != nil {
		return nil, err
	}
	h.smallArena = smallArena

	if m.IsTreeMode {
		h.state.Store(uint32(UsingTree))
		treeArena, err := pmemarena.Open(m.TreePoolPath, poolSize, true)
		if err != nil {
			return nil, err
		}
		h.treeArena = treeArena
		bl, err := h.reopenTree(treeArena)
		if err != nil {
			return nil, err
		}
		h.tree.Store(bl)
		h.rebuildRouter(bl)
	} else {
		h.state.Store(uint32(UsingSmall))
		small, err := h.openSmall(smallArena)
		if err != nil {
			return nil, err
		}
		h.small = small
	}

	logger.Info("opened", "state", State(h.state.Load()).String())
	return h, nil
}

func (h *Handle) openSmall(a *pmemarena.Arena) (*smallmap.Store, error) {
	if a.Root() != pmemarena.NullOffset {
		return smallmap.Open(a)
	}
	return smallmap.Create(a)
}

// reopenTree reattaches to the B-layer a prior process built in this tree
// arena, via blevel.Open: the dense entries array, routing-key mirror and
// slot locks are all rebuilt from the arena's own root pointer rather than
// fabricated fresh, so every key migrated into tree mode before the last
// Close survives a reopen (see DESIGN.md).
func (h *Handle) reopenTree(a *pmemarena.Arena) (*blevel.BLevel, error) {
	return blevel.Open(a)
}

func (h *Handle) rebuildRouter(bl *blevel.BLevel) {
	bl.SetRouter(&h.router)
	h.router.Rebuild(h.cfg.Router, bl.Keys(), int(h.cfg.RouterEpsilon))
}

// State returns the current mode.
func (h *Handle) State() State { return State(h.state.Load()) }

// Get dispatches to whichever store currently owns key. Reading the small
// store goes through AcquireReader/ReleaseReader, the same refcount
// handshake Insert already applies on the write side: it lets
// runMigration's NoReadRefs() wait actually observe in-flight readers
// instead of always reporting zero, which is what makes it safe to close
// and remove the small store's arena once the wait returns.
func (h *Handle) Get(key uint64) (uint64, error) {
	if h.closed.Load() {
		return 0, status.ErrClosed
	}
	switch h.State() {
	case UsingSmall, MigratingToTree:
		if h.small != nil && h.small.AcquireReader() {
			v, err := h.small.Get(key)
			h.small.ReleaseReader()
			if err == nil {
				return v, nil
			}
		}
		if tree := h.tree.Load(); tree != nil {
			return tree.Get(key)
		}
		return 0, status.ErrNotFound
	default:
		return h.getFromTree(key)
	}
}

// getFromTree implements TreeExpanding's routing rule: keys already copied
// into the replacement B-layer are served from there; keys not yet copied
// are served from the old one.
func (h *Handle) getFromTree(key uint64) (uint64, error) {
	next := h.nextTree.Load()
	if next == nil {
		return h.tree.Load().Get(key)
	}
	_, maxKey, expanding := h.tree.Load().ExpandBookends()
	if expanding && key <= maxKey {
		return next.Get(key)
	}
	return h.tree.Load().Get(key)
}

// Insert adds key if absent.
func (h *Handle) Insert(key, value uint64) error {
	if h.closed.Load() {
		return status.ErrClosed
	}
	switch h.State() {
	case UsingSmall:
		if !h.small.AcquireWriter() {
			return h.Insert(key, value) // small store just flipped; retry against the tree
		}
		defer h.small.ReleaseWriter()
		err := h.small.Insert(key, value)
		if err == nil && h.small.Size() >= uint64(h.cfg.MigrationThreshold) {
			h.startMigration()
		}
		return err
	case MigratingToTree:
		// Accept into whichever side still takes writes; a concurrent
		// migration drains the small store and will pick this up if it
		// landed there before the drain reached it, or here directly if
		// the drain already passed this key's bucket.
		if h.small.AcquireWriter() {
			defer h.small.ReleaseWriter()
			return h.small.Insert(key, value)
		}
		return h.insertAfterMigration(key, value)
	default:
		return h.treeInsert(key, value)
	}
}

// insertAfterMigration waits for runMigration to publish the tree before
// inserting into it. AcquireWriter failing only means the small store has
// stopped taking writers (MarkWriteInvalid runs first); the tree is not
// guaranteed published until tree.Store runs moments later, so calling
// treeInsert immediately here could still observe a nil tree.
func (h *Handle) insertAfterMigration(key, value uint64) error {
	h.waitForTree()
	return h.treeInsert(key, value)
}

// waitForTree spins until runMigration publishes the tree. Migration is
// mid-flight between invalidating the small store's writers and publishing
// the tree; this window is microseconds, not worth a condition variable
// for a background one-time event.
func (h *Handle) waitForTree() *blevel.BLevel {
	for {
		if tree := h.tree.Load(); tree != nil {
			return tree
		}
	}
}

// treeWriteTarget returns which BLevel a write for key belongs on while a
// background expansion is in flight: the replacement once the expansion
// has already absorbed key's range, the source BLevel otherwise — the same
// boundary getFromTree already applies to reads, now reused for writes so
// a write never lands on a BLevel that is about to be discarded.
func (h *Handle) treeWriteTarget(tree *blevel.BLevel, key uint64) *blevel.BLevel {
	next := h.nextTree.Load()
	if next == nil {
		return tree
	}
	_, maxKey, expanding := tree.ExpandBookends()
	if expanding && key <= maxKey {
		return next
	}
	return tree
}

func (h *Handle) treeInsert(key, value uint64) error {
	tree := h.tree.Load()
	target := h.treeWriteTarget(tree, key)
	if target != tree {
		// key's range has already been copied into the replacement; a
		// fresh key is inserted directly there so it survives the swap,
		// but the source is checked first since it is still authoritative
		// for any key that already existed before expansion began.
		if _, err := tree.Get(key); err == nil {
			return status.ErrAlreadyExists
		}
		return target.Put(key, value)
	}
	err := tree.Put(key, value)
	if err == nil {
		h.rebuildRouter(tree)
		threshold := h.cfg.InitialBLevelEntries * h.cfg.BLevelGrowthFactor
		if uint64(tree.NumEntries()) >= threshold {
			h.startExpansion()
		}
	}
	return err
}

// Update rewrites an existing key. It routes through the same
// AcquireWriter/ReleaseWriter handshake as Insert: once write_valid is
// flipped false on the small store, a concurrent Update must not keep
// mutating it out from under the migration drain's snapshot, and must
// wait for the replacement tree the same way a racing Insert does.
func (h *Handle) Update(key, value uint64) error {
	if h.closed.Load() {
		return status.ErrClosed
	}
	switch h.State() {
	case UsingSmall:
		if !h.small.AcquireWriter() {
			return h.Update(key, value) // small store just flipped; retry against the tree
		}
		defer h.small.ReleaseWriter()
		return h.small.Update(key, value)
	case MigratingToTree:
		if h.small.AcquireWriter() {
			defer h.small.ReleaseWriter()
			return h.small.Update(key, value)
		}
		return h.waitForTree().Update(key, value)
	default:
		tree := h.tree.Load()
		return h.treeWriteTarget(tree, key).Update(key, value)
	}
}

// Delete removes key, returning its prior value. Gated on the small
// store's writer handshake for the same reason Update is.
func (h *Handle) Delete(key uint64) (uint64, error) {
	if h.closed.Load() {
		return 0, status.ErrClosed
	}
	switch h.State() {
	case UsingSmall:
		if !h.small.AcquireWriter() {
			return h.Delete(key)
		}
		defer h.small.ReleaseWriter()
		return h.small.Delete(key)
	case MigratingToTree:
		if h.small.AcquireWriter() {
			defer h.small.ReleaseWriter()
			return h.small.Delete(key)
		}
		return h.treeDelete(h.waitForTree(), key)
	default:
		return h.treeDelete(h.tree.Load(), key)
	}
}

// treeDelete deletes key from whichever BLevel currently owns its range and
// opportunistically merges underfull neighbors on success.
func (h *Handle) treeDelete(tree *blevel.BLevel, key uint64) (uint64, error) {
	tree = h.treeWriteTarget(tree, key)
	v, err := tree.Delete(key)
	if err == nil {
		h.maybeMergeUnderfull(tree)
	}
	return v, err
}

// mergeCheckInterval throttles blevel.MergeAdjacentUnderfull to roughly
// once every this many deletes: cheap enough to keep the dense array from
// growing unboundedly sparse under a delete-heavy workload, without paying
// its full-array scan on every single delete.
const mergeCheckInterval = 64

func (h *Handle) maybeMergeUnderfull(tree *blevel.BLevel) {
	if h.deleteCount.Add(1)%mergeCheckInterval == 0 {
		tree.MergeAdjacentUnderfull()
	}
}

// Size returns the total live key count across whichever stores are active.
func (h *Handle) Size() uint64 {
	var n uint64
	if h.small != nil {
		n += h.small.Size()
	}
	if tree := h.tree.Load(); tree != nil {
		n += tree.Size()
	}
	return n
}

// Scan returns up to limit pairs with minK <= key <= maxK in ascending key
// order (limit == 0 means no limit), merging the small store and tree when
// both are live.
func (h *Handle) Scan(minK, maxK uint64, limit uint64) []KV {
	if limit == 0 {
		limit = math.MaxUint64
	}
	var merged []KV
	if h.small != nil {
		for _, p := range h.small.SnapshotIter() {
			if p.Key >= minK && p.Key <= maxK {
				merged = append(merged, KV{Key: p.Key, Value: p.Value})
			}
		}
	}
	if tree := h.tree.Load(); tree != nil {
		for _, p := range tree.Scan(minK, maxK, limit) {
			merged = append(merged, KV{Key: p.Key, Value: p.Value})
		}
	}
	sortKV(merged)
	if uint64(len(merged)) > limit {
		merged = merged[:limit]
	}
	return merged
}

func sortKV(pairs []KV) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].Key < pairs[j-1].Key; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
}

// startMigration transitions UsingSmall -> MigratingToTree and launches the
// background drain-and-build task.
func (h *Handle) startMigration() {
	if !h.state.CompareAndSwap(uint32(UsingSmall), uint32(MigratingToTree)) {
		return
	}
	h.logger.Info("migration starting", "entries", h.small.Size())
	h.permitDelete.Add(1)
	h.group.Go(func() error {
		defer h.permitDelete.Done()
		return h.runMigration()
	})
}

func (h *Handle) runMigration() error {
	h.small.MarkWriteInvalid()
	for !h.small.NoWriteRefs() {
		// Brief spin until in-flight writers release; migration is a
		// background task, not latency-sensitive.
	}

	pairs := h.small.SnapshotIter()
	treeArena, err := pmemarena.Open(filepath.Join(h.dir, "tree.pool"), int64(h.smallArena.Size()), true)
	if err != nil {
		return fmt.Errorf("engine: migration: open tree pool: %w", err)
	}
	h.treeArena = treeArena

	tree, err := blevel.New(treeArena, cbucket.Sorted)
	if err != nil {
		return fmt.Errorf("engine: migration: new tree: %w", err)
	}
	for _, p := range pairs {
		if err := tree.Put(p.Key, p.Value); err != nil {
			return fmt.Errorf("engine: migration: put %d: %w", p.Key, err)
		}
	}
	h.tree.Store(tree)
	h.rebuildRouter(tree)

	h.small.MarkReadInvalid()
	for !h.small.NoReadRefs() {
	}

	if err := manifest.Save(h.manifestPath, &manifest.Manifest{
		SmallStorePath: h.smallArena.Path(),
		TreePoolPath:   treeArena.Path(),
		IsTreeMode:     true,
	}); err != nil {
		return fmt.Errorf("engine: migration: save manifest: %w", err)
	}

	h.state.Store(uint32(UsingTree))
	h.logger.Info("migration complete", "entries", len(pairs))

	oldArena := h.smallArena
	oldPath := oldArena.Path()
	if err := oldArena.Close(); err == nil {
		_ = pmemarena.Remove(oldPath)
	}
	h.small = nil
	return nil
}

// startExpansion transitions UsingTree -> TreeExpanding and launches the
// background copy task that rebuilds the B-layer by inserting every key
// into a fresh replacement B-layer.
func (h *Handle) startExpansion() {
	if !h.state.CompareAndSwap(uint32(UsingTree), uint32(TreeExpanding)) {
		return
	}
	h.permitDelete.Add(1)
	h.group.Go(func() error {
		defer h.permitDelete.Done()
		return h.runExpansion()
	})
}

func (h *Handle) runExpansion() error {
	old := h.tree.Load()
	old.BeginExpand()
	h.logger.Info("expansion starting", "entries", old.NumEntries())

	replacement, err := blevel.New(h.treeArena, cbucket.Sorted)
	if err != nil {
		return fmt.Errorf("engine: expansion: new blevel: %w", err)
	}
	h.nextTree.Store(replacement)

	for _, p := range old.Scan(0, math.MaxUint64, math.MaxUint64) {
		if err := replacement.Put(p.Key, p.Value); err != nil {
			return fmt.Errorf("engine: expansion: put %d: %w", p.Key, err)
		}
		old.AdvanceExpand(p.Key)
	}

	h.tree.Store(replacement)
	h.nextTree.Store(nil)
	old.FinishExpand()
	h.rebuildRouter(replacement)
	h.state.Store(uint32(UsingTree))
	h.logger.Info("expansion complete", "entries", replacement.NumEntries())
	return nil
}

// Close waits for any in-flight background task to finish, then unmaps and
// closes every open pool file.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil // already closed
	}
	h.permitDelete.Wait()
	if err := h.group.Wait(); err != nil {
		h.logger.Error("background task error on close", "error", err)
	}
	var firstErr error
	if h.smallArena != nil {
		if err := h.smallArena.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.treeArena != nil {
		if err := h.treeArena.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
