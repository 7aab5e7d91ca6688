// Package loadtest drives a store with concurrent clients to check that the
// serialized write path stays consistent under contention and to measure
// per-operation latency.
//
// Clients mix full-text searches, table reads and persisted writes. After
// the run the search index and database integrity are verified, and the
// number of work log rows must equal the seeded rows plus every successful
// write.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/pulse/internal/store/db"
)

// Op is the kind of one client operation.
type Op string

const (
	OpSearch Op = "search"
	OpRead   Op = "read"
	OpWrite  Op = "write"
)

// Config controls a run.
type Config struct {
	Clients      int `json:"clients"`
	OpsPerClient int `json:"opsPerClient"`
	// Projects seeded before the run; each gets two tasks and one work log
	// entry.
	Projects int `json:"projects"`
	// WriteRatio is the fraction of operations that write (0-1).
	WriteRatio float64 `json:"writeRatio"`
	// Seed makes the operation mix reproducible.
	Seed uint64 `json:"seed"`
}

// DefaultConfig returns a small mixed workload.
func DefaultConfig() Config {
	return Config{
		Clients:      16,
		OpsPerClient: 25,
		Projects:     200,
		WriteRatio:   0.2,
		Seed:         42,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch {
	case c.Clients <= 0:
		return fmt.Errorf("clients must be positive")
	case c.OpsPerClient <= 0:
		return fmt.Errorf("ops per client must be positive")
	case c.Projects <= 0:
		return fmt.Errorf("projects must be positive")
	case c.WriteRatio < 0 || c.WriteRatio > 1:
		return fmt.Errorf("write ratio must be between 0 and 1")
	}
	return nil
}

// LatencyStats summarizes the latencies of one operation kind.
type LatencyStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"minNs"`
	Mean  time.Duration `json:"meanNs"`
	P50   time.Duration `json:"p50Ns"`
	P95   time.Duration `json:"p95Ns"`
	P99   time.Duration `json:"p99Ns"`
	Max   time.Duration `json:"maxNs"`
}

// Report is the outcome of a run.
type Report struct {
	Config     Config               `json:"config"`
	Elapsed    time.Duration        `json:"elapsedNs"`
	Throughput float64              `json:"opsPerSecond"`
	Ops        map[Op]*LatencyStats `json:"ops"`
	Writes     int                  `json:"writes"`
	WorkLog    int                  `json:"workLogEntries"`
	Index      *db.IndexReport      `json:"searchIndex"`
	Integrity  db.IntegrityReport   `json:"integrity"`
}

// Consistent reports whether the store passed every post-run check.
func (r *Report) Consistent() bool {
	return r.Index.OK() && r.Integrity.OK() && r.WorkLog == r.Config.Projects+r.Writes
}

// Seed fills an empty store with the given number of projects in one transaction
// followed by one persistence pass.
func Seed(ctx context.Context, d *db.DB, projects int) error {
	statuses := []string{"Green", "Amber", "Red"}
	return d.RunTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		for i := 0; i < projects; i++ {
			res, err := tx.Execute(ctx,
				`INSERT INTO projects (title, description, status) VALUES (?, ?, ?)`,
				fmt.Sprintf("Project %d", i),
				fmt.Sprintf("load test project in batch %d", i/50),
				statuses[i%len(statuses)])
			if err != nil {
				return fmt.Errorf("failed to seed project %d: %w", i, err)
			}
			pid := res.LastInsertID
			for j := 0; j < 2; j++ {
				if _, err := tx.Execute(ctx,
					`INSERT INTO tasks (project_id, title, status) VALUES (?, ?, ?)`,
					pid, fmt.Sprintf("Task %d.%d review", i, j), "open"); err != nil {
					return fmt.Errorf("failed to seed task %d.%d: %w", i, j, err)
				}
			}
			if _, err := tx.Execute(ctx,
				`INSERT INTO work_log_entries (project_id, note) VALUES (?, ?)`,
				pid, fmt.Sprintf("seeded entry for project %d", i)); err != nil {
				return fmt.Errorf("failed to seed work log %d: %w", i, err)
			}
		}
		return nil
	})
}

var searchTerms = []string{"project", "review", "batch", "seeded", "load test", "task"}

// Run executes the workload against a store seeded with Seed.
func Run(ctx context.Context, d *db.DB, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		latencies = make(map[Op][]time.Duration)
		writes    int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for client := 0; client < cfg.Clients; client++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(client)))
			local := make(map[Op][]time.Duration)
			wrote := 0

			for i := 0; i < cfg.OpsPerClient; i++ {
				op := pick(rng, cfg.WriteRatio)
				began := time.Now()
				var err error
				switch op {
				case OpSearch:
					_, err = d.Search(gctx, searchTerms[rng.IntN(len(searchTerms))], db.DefaultSearchLimit)
				case OpRead:
					_, err = d.Query(gctx,
						`SELECT p.id, p.title, COUNT(t.id) AS tasks
						FROM projects p LEFT JOIN tasks t ON t.project_id = p.id
						WHERE p.id = ? GROUP BY p.id`,
						rng.IntN(cfg.Projects)+1)
				case OpWrite:
					_, err = d.Run(gctx,
						`INSERT INTO work_log_entries (project_id, note) VALUES (?, ?)`,
						rng.IntN(cfg.Projects)+1,
						fmt.Sprintf("client %d note %d", client, i))
					if err == nil {
						wrote++
					}
				}
				if err != nil {
					return fmt.Errorf("client %d op %d (%s): %w", client, i, op, err)
				}
				local[op] = append(local[op], time.Since(began))
			}

			mu.Lock()
			defer mu.Unlock()
			for op, ds := range local {
				latencies[op] = append(latencies[op], ds...)
			}
			writes += wrote
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	report := &Report{
		Config:  cfg,
		Elapsed: elapsed,
		Ops:     make(map[Op]*LatencyStats, len(latencies)),
		Writes:  writes,
	}
	total := 0
	for op, ds := range latencies {
		report.Ops[op] = computeLatencyStats(ds)
		total += len(ds)
	}
	if elapsed > 0 {
		report.Throughput = float64(total) / elapsed.Seconds()
	}

	return report, verify(ctx, d, report)
}

func pick(rng *rand.Rand, writeRatio float64) Op {
	if rng.Float64() < writeRatio {
		return OpWrite
	}
	if rng.IntN(2) == 0 {
		return OpSearch
	}
	return OpRead
}

func verify(ctx context.Context, d *db.DB, r *Report) error {
	rows, err := d.Query(ctx, `SELECT COUNT(*) AS n FROM work_log_entries`)
	if err != nil {
		return fmt.Errorf("failed to count work log entries: %w", err)
	}
	if n, ok := rows[0]["n"].(int64); ok {
		r.WorkLog = int(n)
	}
	if r.Index, err = d.CheckSearchIndex(ctx); err != nil {
		return err
	}
	if r.Integrity, err = d.IntegrityCheck(ctx); err != nil {
		return err
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Max:   sorted[len(sorted)-1],
	}
}

// Print writes a human readable summary of r.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Clients: %d, ops/client: %d, write ratio: %.0f%%\n",
		r.Config.Clients, r.Config.OpsPerClient, r.Config.WriteRatio*100)
	fmt.Fprintf(w, "Elapsed: %v (%.0f ops/s)\n\n", r.Elapsed.Round(time.Millisecond), r.Throughput)

	ops := make([]Op, 0, len(r.Ops))
	for op := range r.Ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		s := r.Ops[op]
		fmt.Fprintf(w, "  %-7s n=%-5d min=%-10v p50=%-10v p95=%-10v p99=%-10v max=%v\n",
			op, s.Count, s.Min, s.P50, s.P95, s.P99, s.Max)
	}
	fmt.Fprintf(w, "\nWork log rows: %d (seeded %d + written %d)\n", r.WorkLog, r.Config.Projects, r.Writes)
}
