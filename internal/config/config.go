// Package config collects the runtime tunables that the original ComboTree
// source (original_source/src/config.h) hard-codes as preprocessor defines
// into one plain struct, in the spirit of the teacher's New(pages int, alloc
// Type) constructor: a zero value always means "use the default" rather than
// "use zero".
package config

// RouterKind selects which A-layer routing function backs a tree-mode
// Handle. See internal/alevel.
type RouterKind int

const (
	// RouterCDF is the equal-width CDF table. It is the default: always
	// correct, O(1), and the simplest of the three to reason about under
	// concurrent rebuilds.
	RouterCDF RouterKind = iota
	// RouterPGM is a piecewise-linear segmentation with bounded error.
	RouterPGM
	// RouterRMI is the two-stage recursive model index with exponential
	// local search correction.
	RouterRMI
)

// Options holds every runtime tunable, mirroring
// original_source/src/config.h's preprocessor defines as plain fields.
type Options struct {
	// MigrationThreshold is the small-map size at or above which
	// UsingSmall transitions to MigratingToTree.
	MigrationThreshold uint64

	// ExpansionFactor is filled in by WithDefaults but not read by
	// internal/engine: the UsingTree -> TreeExpanding trigger is set by
	// InitialBLevelEntries and BLevelGrowthFactor alone.
	ExpansionFactor uint64

	// InitialBLevelEntries, multiplied by BLevelGrowthFactor, is the B-layer
	// entry count at or above which UsingTree transitions to TreeExpanding.
	// The migration task does not pre-size the first tree-mode B-layer from
	// it: that B-layer starts as a single entry and grows by splits.
	InitialBLevelEntries uint64

	// BLevelGrowthFactor is the multiplier on InitialBLevelEntries that
	// sets the expansion trigger. The replacement B-layer an expansion
	// builds is not sized from it: it starts as a single entry and every
	// key is inserted into it again.
	BLevelGrowthFactor uint64

	// CBucketCapacity is the number of (key,value) slots a C-bucket holds.
	// Fixed by the 256-byte on-disk layout (internal/cbucket); exposed
	// here only so tests can assert against it without importing cbucket.
	CBucketCapacity int

	// Router selects the A-layer implementation used after every B-layer
	// rebuild (initial migration and every expansion).
	Router RouterKind

	// RouterEpsilon bounds the PGM router's prediction error. Unused by
	// RouterCDF and RouterRMI.
	RouterEpsilon uint64
}

const (
	defaultMigrationThreshold   = 1 << 16 // 65536 keys
	defaultExpansionFactor      = 2
	defaultInitialBLevelEntries = 1 << 12 // 4096 entries
	defaultBLevelGrowthFactor   = 4
	defaultRouterEpsilon        = 32

	// defaultCBucketCapacity mirrors internal/cbucket.MaxEntries. Kept as a
	// plain constant rather than an import of cbucket to avoid pulling a
	// domain package into the ambient config package; cbucket_test.go
	// cross-checks the two stay in sync.
	defaultCBucketCapacity = 15
)

// Default returns the Options production code should use when the embedding
// caller does not override anything.
func Default() Options {
	return Options{
		MigrationThreshold:   defaultMigrationThreshold,
		ExpansionFactor:      defaultExpansionFactor,
		InitialBLevelEntries: defaultInitialBLevelEntries,
		BLevelGrowthFactor:   defaultBLevelGrowthFactor,
		CBucketCapacity:      defaultCBucketCapacity,
		Router:               RouterCDF,
		RouterEpsilon:        defaultRouterEpsilon,
	}
}

// WithDefaults fills any zero-valued field of o with the production default,
// mirroring arena.go's "pages == 0 -> 1 page" treatment of zero as "unset"
// rather than "use zero capacity".
func (o Options) WithDefaults() Options {
	d := Default()
	if o.MigrationThreshold == 0 {
		o.MigrationThreshold = d.MigrationThreshold
	}
	if o.ExpansionFactor == 0 {
		o.ExpansionFactor = d.ExpansionFactor
	}
	if o.InitialBLevelEntries == 0 {
		o.InitialBLevelEntries = d.InitialBLevelEntries
	}
	if o.BLevelGrowthFactor == 0 {
		o.BLevelGrowthFactor = d.BLevelGrowthFactor
	}
	if o.RouterEpsilon == 0 {
		o.RouterEpsilon = d.RouterEpsilon
	}
	if o.CBucketCapacity == 0 {
		o.CBucketCapacity = d.CBucketCapacity
	}
	return o
}
