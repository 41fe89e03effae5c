package cdr

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// highestPlaceholder returns the largest $n referenced across the clauses.
func highestPlaceholder(t *testing.T, where []string) int {
	t.Helper()
	max := 0
	for _, w := range where {
		for _, m := range placeholderRe.FindAllStringSubmatch(w, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				t.Fatalf("bad placeholder in %q: %v", w, err)
			}
			if n > max {
				max = n
			}
		}
	}
	return max
}

func TestEntityFilterSQLNameClause(t *testing.T) {
	where, args := entityFilterSQL(EntityFilter{Class: ClassPatient, NameContains: "smith"})

	var nameClause string
	for _, w := range where {
		if strings.Contains(w, "'names'") {
			nameClause = w
		}
	}
	if nameClause == "" {
		t.Fatalf("no name clause rendered: %v", where)
	}
	// A cast applied to the key literal instead of the extracted value
	// leaves the ILIKE operand as jsonb, which Postgres rejects.
	if strings.Contains(nameClause, "'names'::") {
		t.Fatalf("cast binds to the key literal, not the jsonb value: %q", nameClause)
	}
	if !strings.Contains(nameClause, "jsonb_array_elements") {
		t.Errorf("name clause should iterate the names array: %q", nameClause)
	}
	if !strings.Contains(nameClause, "ILIKE") {
		t.Errorf("name clause should match case-insensitively: %q", nameClause)
	}

	found := false
	for _, a := range args {
		if a == "%smith%" {
			found = true
		}
	}
	if !found {
		t.Errorf("needle not passed as an argument: %v", args)
	}
}

func TestEntityFilterSQLPlaceholdersMatchArgs(t *testing.T) {
	target := uuid.New()
	cases := []struct {
		name   string
		filter EntityFilter
	}{
		{"empty", EntityFilter{}},
		{"class only", EntityFilter{Class: ClassPatient}},
		{"name", EntityFilter{NameContains: "ng"}},
		{"identifier", EntityFilter{IdentifierSystem: "MRN", IdentifierValue: "MRN-001"}},
		{"address", EntityFilter{City: "Portland", State: "OR"}},
		{"related", EntityFilter{RelatedTo: target, RelatedType: RelationshipPatient}},
		{"everything", EntityFilter{
			Class:            ClassPerson,
			Keys:             []uuid.UUID{uuid.New()},
			IdentifierSystem: "MRN",
			IdentifierValue:  "x",
			NameContains:     "smith",
			City:             "Hanoi",
			RelatedTo:        target,
			RelatedType:      RelationshipPatient,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			where, args := entityFilterSQL(tc.filter)
			if len(where) == 0 {
				t.Fatal("expected at least the status clause")
			}
			if got := highestPlaceholder(t, where); got != len(args) {
				t.Errorf("highest placeholder $%d does not match %d args", got, len(args))
			}
		})
	}
}

func TestEntityFilterSQLIdentifierClause(t *testing.T) {
	where, args := entityFilterSQL(EntityFilter{IdentifierSystem: "MRN", IdentifierValue: "MRN-001"})

	var clause string
	for _, w := range where {
		if strings.Contains(w, "'identifiers'") {
			clause = w
		}
	}
	if clause == "" {
		t.Fatalf("no identifier clause rendered: %v", where)
	}
	if !strings.Contains(clause, "@>") {
		t.Errorf("identifier match should use jsonb containment: %q", clause)
	}
	if len(args) != 1 {
		t.Fatalf("expected 1 argument, got %v", args)
	}
	doc, ok := args[0].(string)
	if !ok || !strings.Contains(doc, `"authority":"MRN"`) || !strings.Contains(doc, `"value":"MRN-001"`) {
		t.Errorf("unexpected containment document: %v", args[0])
	}
}
