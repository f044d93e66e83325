package taxonomy

import (
	"sort"
	"testing"
)

func TestDefaultTableShape(t *testing.T) {
	table := Default()
	if len(table) != 6 {
		t.Fatalf("expected 6 categories, got %d", len(table))
	}
	for category, fields := range table {
		if len(fields) != 4 {
			t.Fatalf("category %s: expected 4 fields, got %d", category, len(fields))
		}
	}
}

func TestCategoriesSorted(t *testing.T) {
	cats := Default().Categories()
	if !sort.StringsAreSorted(cats) {
		t.Fatalf("categories not sorted: %v", cats)
	}
	if len(cats) != 6 {
		t.Fatalf("expected 6 categories, got %d", len(cats))
	}
}

func TestLookups(t *testing.T) {
	table := Default()
	if !table.HasCategory("Plumbing") {
		t.Fatalf("Plumbing missing")
	}
	if table.HasCategory("Gardening") {
		t.Fatalf("Gardening should not exist")
	}
	if !table.HasField("Plumbing", "Pipe Repair") {
		t.Fatalf("Pipe Repair should belong to Plumbing")
	}
	if table.HasField("Plumbing", "Pothole Fixing") {
		t.Fatalf("Pothole Fixing does not belong to Plumbing")
	}
	if fields := table.FieldsFor("Electrical"); len(fields) != 4 {
		t.Fatalf("expected 4 electrical fields, got %v", fields)
	}
}

func TestFieldsForSkillsUnion(t *testing.T) {
	table := Default()
	union := table.FieldsForSkills([]string{"Plumbing", "Electrical"})
	if !union["Pipe Repair"] || !union["Wiring Repair"] {
		t.Fatalf("union missing expected fields: %v", union)
	}
	if union["Pothole Fixing"] {
		t.Fatalf("union must not include fields of unselected categories")
	}
	if len(union) != 8 {
		t.Fatalf("expected 8 fields in union, got %d", len(union))
	}
}
