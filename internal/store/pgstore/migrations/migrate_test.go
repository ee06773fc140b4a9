package migrations

import (
	"strings"
	"testing"
)

func TestNamesAreOrderedSQLFiles(test *testing.T) {
	test.Parallel()
	names, err := Names()
	if err != nil {
		test.Fatalf("names: %v", err)
	}
	if len(names) < 2 {
		test.Fatalf("expected at least two migrations, got %v", names)
	}
	for index, name := range names {
		if !strings.HasSuffix(name, ".sql") {
			test.Fatalf("unexpected migration file %q", name)
		}
		if index > 0 && names[index-1] >= name {
			test.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestReservationsMigrationDeclaresExclusionConstraint(test *testing.T) {
	test.Parallel()
	sql, err := Read("0001_reservations.sql")
	if err != nil {
		test.Fatalf("read: %v", err)
	}
	for _, fragment := range []string{"btree_gist", "EXCLUDE USING gist", "tstzrange(start_time, end_time, '[)')", "status IN ('PENDING', 'ACTIVE')"} {
		if !strings.Contains(sql, fragment) {
			test.Fatalf("expected %q in reservations migration", fragment)
		}
	}
}
