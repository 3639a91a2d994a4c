// cmd/liscbench runs a side-by-side insert/lookup comparison between
// the learned-index core and SQLite, printing a timing table.
//
// Usage:
//
//	liscbench [-n rows] [-dir path]
//
// Grounded on the teacher's tests/benchmark_test.go TurDB-vs-SQLite
// pairing, turned into a standalone runnable comparison (rather than a
// `go test -bench` target) since spec §8 asks for a comparison report
// a reader can run directly; package bench still carries the
// `go test -bench` equivalents for CI-style tracking.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lisc/liscconfig"
	"lisc/pkg/lisc"
	"lisc/row"
	"lisc/schema"
)

func main() {
	n := flag.Int("n", 10000, "number of rows to insert/lookup")
	dir := flag.String("dir", "", "working directory (defaults to a temp dir)")
	flag.Parse()

	workDir := *dir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "liscbench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "liscbench: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	fmt.Printf("liscbench: %d rows, workdir=%s\n\n", *n, workDir)

	liscInsert, liscLookup, err := runLISC(filepath.Join(workDir, "lisc"), *n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liscbench: lisc run failed: %v\n", err)
		os.Exit(1)
	}
	sqliteInsert, sqliteLookup, err := runSQLite(filepath.Join(workDir, "sqlite.db"), *n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liscbench: sqlite run failed: %v\n", err)
		os.Exit(1)
	}

	printRow := func(label string, lisc, sqlite time.Duration) {
		fmt.Printf("%-24s  lisc=%-14s  sqlite=%-14s  ratio=%.2fx\n",
			label, lisc, sqlite, float64(sqlite)/float64(lisc))
	}
	printRow(fmt.Sprintf("insert x%d", *n), liscInsert, sqliteInsert)
	printRow(fmt.Sprintf("point lookup x%d", *n), liscLookup, sqliteLookup)
}

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

func runLISC(dir string, n int) (insertDur, lookupDur time.Duration, err error) {
	db, err := lisc.Open(dir, liscconfig.Defaults())
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	table := benchTable()
	if err := db.RegisterTable(table); err != nil {
		return 0, 0, err
	}

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < n; i++ {
		values := []row.Value{
			row.NewInt(int64(i)),
			row.NewText(fmt.Sprintf("name%d", i)),
			row.NewInt(int64(i * 10)),
		}
		if err := db.Insert(ctx, table.Name, values); err != nil {
			return 0, 0, fmt.Errorf("insert %d: %w", i, err)
		}
	}
	insertDur = time.Since(start)

	start = time.Now()
	for i := 0; i < n; i++ {
		if _, ok, err := db.Lookup(table.Name, int64(i)); err != nil || !ok {
			return 0, 0, fmt.Errorf("lookup %d: ok=%v err=%v", i, ok, err)
		}
	}
	lookupDur = time.Since(start)
	return insertDur, lookupDur, nil
}

func runSQLite(path string, n int) (insertDur, lookupDur time.Duration, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE bench (id INT PRIMARY KEY, name TEXT, value INT)"); err != nil {
		return 0, 0, err
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := db.Exec("INSERT INTO bench VALUES (?, ?, ?)", i, fmt.Sprintf("name%d", i), i*10); err != nil {
			return 0, 0, fmt.Errorf("insert %d: %w", i, err)
		}
	}
	insertDur = time.Since(start)

	start = time.Now()
	for i := 0; i < n; i++ {
		row := db.QueryRow("SELECT value FROM bench WHERE id = ?", i)
		var value int
		if err := row.Scan(&value); err != nil {
			return 0, 0, fmt.Errorf("lookup %d: %w", i, err)
		}
	}
	lookupDur = time.Since(start)
	return insertDur, lookupDur, nil
}
