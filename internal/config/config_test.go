package config

import "testing"

func TestWithDefaultsFillsOnlyZeroFields(t *testing.T) {
	o := Options{MigrationThreshold: 10}.WithDefaults()
	if o.MigrationThreshold != 10 {
		t.Fatalf("expected explicit MigrationThreshold to survive, got %d", o.MigrationThreshold)
	}
	d := Default()
	if o.ExpansionFactor != d.ExpansionFactor {
		t.Fatalf("expected ExpansionFactor defaulted to %d, got %d", d.ExpansionFactor, o.ExpansionFactor)
	}
	if o.Router != RouterCDF {
		t.Fatalf("expected Router defaulted to RouterCDF, got %v", o.Router)
	}
}

func TestDefaultIsInternallyConsistent(t *testing.T) {
	d := Default()
	if d.CBucketCapacity <= 0 {
		t.Fatal("expected a positive default CBucketCapacity")
	}
	if d.BLevelGrowthFactor == 0 {
		t.Fatal("expected a non-zero default BLevelGrowthFactor")
	}
}
