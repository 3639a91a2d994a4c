package lisc

import (
	"context"
	"testing"

	"lisc/liscconfig"
	"lisc/row"
	"lisc/schema"
)

func testTable() *schema.Table {
	return &schema.Table{
		Name:      "events",
		KeyColumn: "id",
		Columns: []schema.Column{
			{Name: "id", Type: schema.Int},
			{Name: "label", Type: schema.Text},
		},
	}
}

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir, liscconfig.Defaults())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.RegisterTable(testTable()); err != nil {
		t.Fatalf("register table: %v", err)
	}
	return db
}

func TestInsertAndLookup(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()

	ctx := context.Background()
	if err := db.Insert(ctx, "events", []row.Value{row.NewInt(1), row.NewText("a")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r, ok, err := db.Lookup("events", 1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected lookup hit")
	}
	v, err := r.Column(testTable(), "label")
	if err != nil || v.Text() != "a" {
		t.Fatalf("unexpected value: %v %v", v, err)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()

	ctx := context.Background()
	if err := db.Insert(ctx, "events", []row.Value{row.NewInt(1), row.NewText("a")}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := db.Insert(ctx, "events", []row.Value{row.NewInt(1), row.NewText("b")}); err == nil {
		t.Fatalf("expected error on duplicate key insert")
	}
}

func TestCheckpointThenReopenRecoversData(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		if err := db.Insert(ctx, "events", []row.Value{row.NewInt(i), row.NewText("v")}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	for i := int64(5); i < 8; i++ {
		if err := db.Insert(ctx, "events", []row.Value{row.NewInt(i), row.NewText("v")}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := openTestDB(t, dir)
	defer db2.Close()
	for i := int64(0); i < 8; i++ {
		if _, ok, err := db2.Lookup("events", i); err != nil || !ok {
			t.Fatalf("expected key %d recovered, ok=%v err=%v", i, ok, err)
		}
	}
}

func TestRangeOrdered(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()

	ctx := context.Background()
	for _, k := range []int64{5, 1, 3, 2, 4} {
		if err := db.Insert(ctx, "events", []row.Value{row.NewInt(k), row.NewText("v")}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	var keys []int64
	err := db.Range("events", 0, 10, func(key int64, r row.Row) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Fatalf("expected ascending order, got %v", keys)
		}
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %d", len(keys))
	}
}

func TestLockPreventsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()

	_, err := Open(dir, liscconfig.Defaults())
	if err == nil {
		t.Fatalf("expected second Open of the same directory to fail")
	}
}

