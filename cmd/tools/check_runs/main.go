package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/opengrants/aggregator/internal/config"
	"github.com/opengrants/aggregator/internal/db"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, "SELECT run_id, scope, status, sources_processed, successful_sources, total_opportunities, started_at, completed_at FROM scrape_runs ORDER BY started_at DESC LIMIT 10")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Scope", "Status", "Sources", "OK", "Grants", "Duration", "Started At"})

	for rows.Next() {
		var runID, scope, status string
		var processed, succeeded, total int
		var startedAt time.Time
		var completedAt *time.Time

		if err := rows.Scan(&runID, &scope, &status, &processed, &succeeded, &total, &startedAt, &completedAt); err != nil {
			log.Printf("Scan error: %v", err)
			continue
		}

		duration := "Running..."
		if completedAt != nil {
			duration = completedAt.Sub(startedAt).Round(time.Second).String()
		}

		t.AppendRow(table.Row{runID, scope, status, processed, succeeded, total, duration, startedAt.Format("15:04:05")})
	}
	t.Render()
}
