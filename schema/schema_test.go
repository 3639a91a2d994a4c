package schema

import "testing"

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tbl := &Table{
		Name:      "events",
		KeyColumn: "id",
		Columns: []Column{
			{Name: "id", Type: Int},
			{Name: "value", Type: Text},
		},
	}
	if err := r.Register(tbl); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Get("events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.KeyColumnIndex() != 0 {
		t.Fatalf("expected key column index 0, got %d", got.KeyColumnIndex())
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	tbl := &Table{Name: "t", KeyColumn: "id", Columns: []Column{{Name: "id", Type: Int}}}
	if err := r.Register(tbl); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(tbl); err != ErrTableExists {
		t.Fatalf("expected ErrTableExists, got %v", err)
	}
}

func TestRegisterRequiresValidKeyColumn(t *testing.T) {
	r := NewRegistry()
	tbl := &Table{Name: "t", KeyColumn: "missing", Columns: []Column{{Name: "id", Type: Int}}}
	if err := r.Register(tbl); err != ErrColumnNotFound {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}
}
