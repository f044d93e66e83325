// Package taxonomy holds the fixed repair category to field table shared by
// volunteer validation, assignment validation and form population. It is
// configuration, not data: callers never mutate it at runtime.
package taxonomy

import "sort"

// Table maps a repair category to its fixed list of fields.
type Table map[string][]string

// Default returns the built-in category/field table.
func Default() Table {
	return Table{
		"Electrical":    {"Wiring Repair", "Light Fixture Installation", "Circuit Breaker Issues", "Generator Maintenance"},
		"Plumbing":      {"Pipe Repair", "Drainage Issues", "Water Supply", "Fixture Installation"},
		"Road Repair":   {"Pothole Fixing", "Sidewalk Repair", "Street Sign Installation", "Road Marking"},
		"Construction":  {"Wall Repair", "Foundation Work", "Structural Support", "Building Enhancement"},
		"Carpentry":     {"Woodwork Repair", "Furniture Making", "Door Installation", "Cabinet Work"},
		"Garbage Clean": {"Trash Collection", "Street Sweeping", "Recycling Pickup", "Waste Disposal"},
	}
}

// Categories returns the category names in stable order.
func (t Table) Categories() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCategory reports whether category is part of the table.
func (t Table) HasCategory(category string) bool {
	_, ok := t[category]
	return ok
}

// HasField reports whether field belongs to category.
func (t Table) HasField(category, field string) bool {
	for _, f := range t[category] {
		if f == field {
			return true
		}
	}
	return false
}

// FieldsFor returns the fields of a category, nil if unknown.
func (t Table) FieldsFor(category string) []string {
	return t[category]
}

// FieldsForSkills returns the union of fields for the given skill categories.
func (t Table) FieldsForSkills(skills []string) map[string]bool {
	union := map[string]bool{}
	for _, skill := range skills {
		for _, f := range t[skill] {
			union[f] = true
		}
	}
	return union
}
