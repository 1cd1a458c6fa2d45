package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/caseward/ecl/pkg/config"
	"github.com/caseward/ecl/pkg/ledger"
)

// runVerifyCmd re-verifies artifact hash chains straight from the database.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		artifactID string
		jsonOutput bool
	)
	cmd.StringVar(&artifactID, "artifact", "", "Verify a single artifact (default: all)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.Load()
	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		fmt.Fprintln(stderr, "verify requires a durable database (DATABASE_DRIVER=postgres or sqlite)")
		return exitConfig
	}

	ctx := context.Background()
	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "database open failed: %v\n", err)
		return exitConfig
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(stderr, "database ping failed: %v\n", err)
		return exitIO
	}

	chain := ledger.New(ledger.NewSQLStore(db), nil)

	results := map[string]ledger.VerifyResult{}
	if artifactID != "" {
		res, err := chain.Verify(ctx, artifactID)
		if err != nil {
			fmt.Fprintf(stderr, "verify %s: %v\n", artifactID, err)
			return exitFailed
		}
		results[artifactID] = res
	} else {
		results, err = chain.VerifyAll(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "verify: %v\n", err)
			return exitFailed
		}
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	broken := 0
	for _, id := range ids {
		if !results[id].OK {
			broken++
		}
	}

	if jsonOutput {
		out := map[string]any{
			"artifacts": len(results),
			"broken":    broken,
			"results":   results,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		for _, id := range ids {
			res := results[id]
			if res.OK {
				fmt.Fprintf(stdout, "ok     %s\n", id)
			} else {
				fmt.Fprintf(stdout, "BROKEN %s at seq %d\n", id, *res.FirstBadSeq)
			}
		}
		fmt.Fprintf(stdout, "%d artifacts verified, %d broken\n", len(results), broken)
	}

	if broken > 0 {
		return exitFailed
	}
	return exitOK
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return exitFailed
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return exitFailed
	}

	fmt.Fprintln(stdout, "OK")
	return exitOK
}
