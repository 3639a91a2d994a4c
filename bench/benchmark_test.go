package bench

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"lisc/liscconfig"
	"lisc/pkg/lisc"
	"lisc/row"
	"lisc/schema"
)

func benchTable() *schema.Table {
	return &schema.Table{
		Name:      "bench",
		KeyColumn: "id",
		Columns: []schema.Column{
			{Name: "id", Type: schema.Int},
			{Name: "name", Type: schema.Text},
			{Name: "value", Type: schema.Int},
		},
	}
}

// BenchmarkInsert_LISC benchmarks INSERT throughput for the learned-index core.
func BenchmarkInsert_LISC(b *testing.B) {
	dir := filepath.Join(b.TempDir(), "lisc")
	db, err := lisc.Open(dir, liscconfig.Defaults())
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	table := benchTable()
	if err := db.RegisterTable(table); err != nil {
		b.Fatalf("register table: %v", err)
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		values := []row.Value{row.NewInt(int64(i)), row.NewText(fmt.Sprintf("name%d", i)), row.NewInt(int64(i * 10))}
		if err := db.Insert(ctx, table.Name, values); err != nil {
			b.Fatalf("insert %d: %v", i, err)
		}
	}
}

// BenchmarkInsert_SQLite benchmarks INSERT throughput for SQLite.
func BenchmarkInsert_SQLite(b *testing.B) {
	dbPath := filepath.Join(b.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE bench (id INT PRIMARY KEY, name TEXT, value INT)"); err != nil {
		b.Fatalf("create table: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.Exec("INSERT INTO bench VALUES (?, ?, ?)", i, fmt.Sprintf("name%d", i), i*10); err != nil {
			b.Fatalf("insert %d: %v", i, err)
		}
	}
}

// BenchmarkLookup_LISC benchmarks point-lookup throughput for the
// learned-index core against 10k rows checkpointed into an immutable
// segment.
func BenchmarkLookup_LISC(b *testing.B) {
	dir := filepath.Join(b.TempDir(), "lisc")
	db, err := lisc.Open(dir, liscconfig.Defaults())
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	table := benchTable()
	if err := db.RegisterTable(table); err != nil {
		b.Fatalf("register table: %v", err)
	}

	ctx := context.Background()
	const rows = 10000
	for i := 0; i < rows; i++ {
		values := []row.Value{row.NewInt(int64(i)), row.NewText(fmt.Sprintf("name%d", i)), row.NewInt(int64(i * 10))}
		if err := db.Insert(ctx, table.Name, values); err != nil {
			b.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := db.Checkpoint(); err != nil {
		b.Fatalf("checkpoint: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok, err := db.Lookup(table.Name, int64(i%rows)); err != nil || !ok {
			b.Fatalf("lookup %d: ok=%v err=%v", i, ok, err)
		}
	}
}

// BenchmarkLookup_SQLite benchmarks point-lookup throughput for SQLite
// against the same 10k-row table.
func BenchmarkLookup_SQLite(b *testing.B) {
	dbPath := filepath.Join(b.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE bench (id INT PRIMARY KEY, name TEXT, value INT)"); err != nil {
		b.Fatalf("create table: %v", err)
	}
	const rows = 10000
	for i := 0; i < rows; i++ {
		if _, err := db.Exec("INSERT INTO bench VALUES (?, ?, ?)", i, fmt.Sprintf("name%d", i), i*10); err != nil {
			b.Fatalf("insert %d: %v", i, err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := db.QueryRow("SELECT value FROM bench WHERE id = ?", i%rows)
		var value int
		if err := r.Scan(&value); err != nil {
			b.Fatalf("lookup %d: %v", i, err)
		}
	}
}
