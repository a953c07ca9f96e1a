package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
)

type options struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" description:"Postgres connection string"`
	Dir         string `long:"dir" default:"migrations" description:"directory holding the .sql files"`
	List        bool   `long:"list" description:"print applied migrations and exit"`
	Verify      bool   `long:"verify" description:"check the tracking schema and analytics drift, exit non-zero on failure"`
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type checkResult struct {
	Name   string
	Passed bool
	Detail string
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}
	if opts.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", opts.DatabaseURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if err := ensureMigrationsTable(ctx, db); err != nil {
		log.Fatal(err)
	}

	switch {
	case opts.List:
		if err := listApplied(ctx, db, os.Stdout); err != nil {
			log.Fatal(err)
		}
	case opts.Verify:
		results := verify(ctx, db)
		if !report(os.Stdout, results) {
			os.Exit(1)
		}
	default:
		files, err := migrationFiles(opts.Dir)
		if err != nil {
			log.Fatal(err)
		}
		done, err := appliedVersions(ctx, db)
		if err != nil {
			log.Fatal(err)
		}
		okCount, errCount := apply(ctx, db, opts.Dir, files, done, os.Stdout)
		log.Printf("Done: %d applied, %d skipped, %d errors", okCount, len(done), errCount)
		if errCount > 0 {
			os.Exit(1)
		}
		log.Println("Migrations complete")
	}
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// migrationFiles returns the non-empty .sql files in dir, sorted by name.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

// apply runs each pending file in its own transaction together with its
// schema_migrations row. A failed file is rolled back and the rest still run.
func apply(ctx context.Context, db *sql.DB, dir string, files []string, done map[string]bool, out io.Writer) (okCount, errCount int) {
	for _, f := range files {
		if done[f] {
			continue
		}
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "  %s ... READ ERROR: %v\n", f, err)
			errCount++
			continue
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(out, "  %s ... ", f)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			fmt.Fprintf(out, "BEGIN ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.ExecContext(ctx, content); err != nil {
			tx.Rollback()
			fmt.Fprintf(out, "ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			fmt.Fprintf(out, "ERROR: %v\n", err)
			errCount++
			continue
		}
		if err := tx.Commit(); err != nil {
			fmt.Fprintf(out, "COMMIT ERROR: %v\n", err)
			errCount++
			continue
		}
		fmt.Fprintln(out, "OK")
		okCount++
	}
	return okCount, errCount
}

func listApplied(ctx context.Context, db *sql.DB, out io.Writer) error {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-40s %s\n", v, at.UTC().Format(time.RFC3339))
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Total: %d migrations\n", n)
	return nil
}

var requiredTables = []string{"engagement_events", "campaign_analytics", "unsubscribe_records", "campaigns"}

// verify checks that the tracking schema is in place and that no stored
// analytics row disagrees with the ledger on its sent count.
func verify(ctx context.Context, db *sql.DB) []checkResult {
	var results []checkResult
	for _, table := range requiredTables {
		results = append(results, checkTable(ctx, db, table))
	}
	results = append(results, checkSentIndex(ctx, db))
	results = append(results, checkSentDrift(ctx, db))
	return results
}

func checkTable(ctx context.Context, db *sql.DB, table string) checkResult {
	r := checkResult{Name: "table " + table}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
		r.Detail = err.Error()
		return r
	}
	r.Passed = exists
	if !exists {
		r.Detail = "missing; run migrate"
	}
	return r
}

func checkSentIndex(ctx context.Context, db *sql.DB) checkResult {
	r := checkResult{Name: "unique sent index"}
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)`,
		"idx_engagement_events_sent").Scan(&exists)
	if err != nil {
		r.Detail = err.Error()
		return r
	}
	r.Passed = exists
	if !exists {
		r.Detail = "idx_engagement_events_sent missing; duplicate sends are not rejected"
	}
	return r
}

func checkSentDrift(ctx context.Context, db *sql.DB) checkResult {
	r := checkResult{Name: "analytics sent_count matches ledger"}
	var drifted int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_analytics a
		WHERE a.sent_count <> (
			SELECT COUNT(*) FROM engagement_events e
			WHERE e.campaign_id = a.campaign_id AND e.event_type = 'sent')`).Scan(&drifted)
	if err != nil {
		r.Detail = err.Error()
		return r
	}
	r.Passed = drifted == 0
	if drifted > 0 {
		r.Detail = fmt.Sprintf("%d campaigns out of date; run trackctl refresh", drifted)
	}
	return r
}

func report(out io.Writer, results []checkResult) bool {
	allPassed := true
	for i, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			allPassed = false
		}
		fmt.Fprintf(out, "  [%d] %-40s %s\n", i+1, r.Name, status)
		if r.Detail != "" {
			fmt.Fprintf(out, "      %s\n", r.Detail)
		}
	}
	if allPassed {
		fmt.Fprintln(out, "OVERALL: PASS")
	} else {
		fmt.Fprintln(out, "OVERALL: FAIL")
	}
	return allPassed
}
