// README: Benchmark cases for the tracking API; environment, ingest/read, cache consistency and performance checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	trackingBase = "/api/v1/car-tracking"
	// historyCap mirrors the server's per-vehicle history bound.
	historyCap = 600
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	dbErr error
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	r.connectDB(ctx)
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) connectDB(ctx context.Context) {
	if r.cfg.DSN == "" {
		return
	}
	db, err := pgxpool.New(ctx, r.cfg.DSN)
	if err != nil {
		r.dbErr = fmt.Errorf("db connect: %w", err)
		return
	}
	r.db = db
}

// dbMissing reports a result for cases that need Postgres when no pool is
// available: FAIL if the DSN was given but unusable, SKIP if none was given.
func (r *Runner) dbMissing() (Result, bool) {
	switch {
	case r.dbErr != nil:
		return Result{Status: statusFail, Note: r.dbErr.Error()}, true
	case r.db == nil:
		return Result{Status: statusSkip, Note: "db not configured"}, true
	}
	return Result{}, false
}

func (r *Runner) vehicle(name string) string {
	return r.cfg.Prefix + "-" + name
}

func (r *Runner) cases() []TestCase {
	seoul := r.vehicle("seoul")
	capped := r.vehicle("capped")
	racer := r.vehicle("racer")

	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "durable store reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, missing := r.dbMissing(); missing {
					return res
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "cache reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusSkip, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if res, missing := r.dbMissing(); missing {
					res.Status = statusFail
					return res
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "tables from the migration file exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, missing := r.dbMissing(); missing {
					return res
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass}
			},
		},

		httpCase("API: health", http.MethodGet, trackingBase+"/health", nil, http.StatusOK),

		// Ingest
		httpCase("Ingest: valid sample", http.MethodPost, trackingBase+"/receive",
			sample(seoul, 37.5665, 126.9780, "RUNNING", time.Now().UTC()), http.StatusOK),
		httpCase("Ingest: missing vehicleId -> 400", http.MethodPost, trackingBase+"/receive",
			map[string]any{"latitude": 37.5, "longitude": 127.0}, http.StatusBadRequest),
		httpCase("Ingest: invalid coords -> 400", http.MethodPost, trackingBase+"/receive",
			sample(seoul, 123.0, 456.0, "RUNNING", time.Now().UTC()), http.StatusBadRequest),

		// Reads
		{
			Name:  "Read: latest reflects last ingest",
			Focus: "latest overwrite",
			Run: func(ctx context.Context, r *Runner) Result {
				return latestMatches(ctx, r, seoul, "RUNNING")
			},
		},
		httpCase("Read: unknown vehicle -> 404", http.MethodGet, trackingBase+"/vehicle/"+r.vehicle("ghost")+"/latest", nil, http.StatusNotFound),
		{
			Name:  "Read: nearby finds vehicle",
			Focus: "radius query over latest",
			Run: func(ctx context.Context, r *Runner) Result {
				q := url.Values{"lat": {"37.57"}, "lng": {"126.98"}, "radiusKm": {"2"}}
				return listContains(ctx, r, trackingBase+"/locations/nearby?"+q.Encode(), seoul)
			},
		},
		{
			Name:  "Read: area finds vehicle",
			Focus: "bounding box over latest",
			Run: func(ctx context.Context, r *Runner) Result {
				q := url.Values{"minLat": {"37"}, "maxLat": {"38"}, "minLng": {"126"}, "maxLng": {"128"}}
				return listContains(ctx, r, trackingBase+"/locations/area?"+q.Encode(), seoul)
			},
		},
		{
			Name:  "Read: time range finds vehicle",
			Focus: "registry scan over cached history",
			Run: func(ctx context.Context, r *Runner) Result {
				now := time.Now().UTC()
				q := url.Values{
					"startTime": {now.Add(-time.Hour).Format(time.RFC3339)},
					"endTime":   {now.Add(time.Minute).Format(time.RFC3339)},
				}
				return listContains(ctx, r, trackingBase+"/locations/time-range?"+q.Encode(), seoul)
			},
		},
		{
			Name:  "Status: update rewrites latest",
			Focus: "status update goes through the write path",
			Run: func(ctx context.Context, r *Runner) Result {
				status, _, latency, err := r.do(ctx, http.MethodPut, trackingBase+"/vehicle/"+seoul+"/status?status=STOPPED", nil)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if status != http.StatusOK {
					return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
				}
				res := latestMatches(ctx, r, seoul, "STOPPED")
				res.Latency = latency
				return res
			},
		},
		httpCase("Status: unknown vehicle -> 404", http.MethodPut, trackingBase+"/vehicle/"+r.vehicle("ghost")+"/status?status=STOPPED", nil, http.StatusNotFound),

		// Consistency
		{
			Name:  "Consistency: history capped and newest first",
			Focus: "history bound",
			Run: func(ctx context.Context, r *Runner) Result {
				return historyCapped(ctx, r, capped)
			},
		},
		{
			Name:  "Consistency: redis key layout",
			Focus: "latest key, history list and id registry",
			Run: func(ctx context.Context, r *Runner) Result {
				return redisLayout(ctx, r, capped)
			},
		},
		{
			Name:  "Consistency: durable archive rows",
			Focus: "archive writer mirrors ingests",
			Run: func(ctx context.Context, r *Runner) Result {
				return archiveRows(ctx, r, seoul)
			},
		},

		// Concurrency
		{
			Name:  "Concurrency: parallel ingest for one vehicle",
			Focus: "no lost history entries",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentIngest(ctx, r, racer)
			},
		},

		// Performance
		{
			Name:  "Perf: ingest throughput",
			Focus: "sustained POST /receive",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfIngest(ctx, r)
			},
		},
		{
			Name:  "Perf: current locations latency",
			Focus: "GET /current-locations",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfRead(ctx, r, trackingBase+"/current-locations")
			},
		},
	}
}

func sample(id string, lat, lng float64, status string, ts time.Time) map[string]any {
	return map[string]any{
		"vehicleId": id,
		"latitude":  lat,
		"longitude": lng,
		"speed":     42.0,
		"status":    status,
		"timestamp": ts.Format(time.RFC3339Nano),
	}
}

func (r *Runner) do(ctx context.Context, method, path string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, time.Since(start), err
}

func httpCase(name, method, path string, body any, want int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.do(ctx, method, path, body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if status != want {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
			}
			return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
		},
	}
}

type sampleView struct {
	VehicleID string    `json:"vehicleId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type listView struct {
	Items []sampleView `json:"items"`
	Count int          `json:"count"`
}

func latestMatches(ctx context.Context, r *Runner, id, wantStatus string) Result {
	status, body, latency, err := r.do(ctx, http.MethodGet, trackingBase+"/vehicle/"+id+"/latest", nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusOK {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	var s sampleView
	if err := json.Unmarshal(body, &s); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if s.VehicleID != id || s.Status != wantStatus {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("got %s/%s", s.VehicleID, s.Status)}
	}
	return Result{Status: statusPass, Latency: latency}
}

func listContains(ctx context.Context, r *Runner, path, id string) Result {
	status, body, latency, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusOK {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	var list listView
	if err := json.Unmarshal(body, &list); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range list.Items {
		if s.VehicleID == id {
			return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("count=%d", list.Count)}
		}
	}
	return Result{Status: statusFail, Latency: latency, Note: id + " not in result"}
}

func historyCapped(ctx context.Context, r *Runner, id string) Result {
	base := time.Now().UTC().Add(-time.Hour)
	total := historyCap + 5
	for i := 0; i < total; i++ {
		status, _, _, err := r.do(ctx, http.MethodPost, trackingBase+"/receive",
			sample(id, 37.5+float64(i)*0.0001, 127.0, "RUNNING", base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if status != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("ingest %d status=%d", i, status)}
		}
	}

	status, body, latency, err := r.do(ctx, http.MethodGet, trackingBase+"/vehicle/"+id+"/history", nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusOK {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	var list listView
	if err := json.Unmarshal(body, &list); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if list.Count != historyCap {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("count=%d want=%d", list.Count, historyCap)}
	}
	newest := base.Add(time.Duration(total-1) * time.Second)
	if !list.Items[0].Timestamp.Equal(newest) {
		return Result{Status: statusFail, Latency: latency, Note: "first entry is not the newest"}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("count=%d", list.Count)}
}

func redisLayout(ctx context.Context, r *Runner, id string) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	n, err := r.redis.Exists(ctx, "vehicle:latest:"+id).Result()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if n != 1 {
		return Result{Status: statusSkip, Note: "latest key missing; server may use the memory cache"}
	}
	length, err := r.redis.LLen(ctx, "vehicle:history:"+id).Result()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if length != historyCap {
		return Result{Status: statusFail, Note: fmt.Sprintf("history len=%d want=%d", length, historyCap)}
	}
	member, err := r.redis.SIsMember(ctx, "vehicles:ids", id).Result()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if !member {
		return Result{Status: statusFail, Note: "id missing from registry"}
	}
	return Result{Status: statusPass}
}

func archiveRows(ctx context.Context, r *Runner, id string) Result {
	if res, missing := r.dbMissing(); missing {
		return res
	}
	// The archive writer is asynchronous.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var n int
		err := r.db.QueryRow(ctx, "SELECT count(*) FROM car_tracking WHERE vehicle_id = $1", id).Scan(&n)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if n > 0 {
			return Result{Status: statusPass, Note: fmt.Sprintf("rows=%d", n)}
		}
		if time.Now().After(deadline) {
			return Result{Status: statusSkip, Note: "no rows; is tracking.archive_samples enabled?"}
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func concurrentIngest(ctx context.Context, r *Runner, id string) Result {
	perWorker := 10
	workers := r.cfg.Concurrency
	if workers*perWorker > historyCap {
		workers = historyCap / perWorker
	}
	base := time.Now().UTC().Add(-30 * time.Minute)

	var failed atomic.Int64
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ts := base.Add(time.Duration(w*perWorker+i) * time.Millisecond)
				status, _, _, err := r.do(ctx, http.MethodPost, trackingBase+"/receive", sample(id, 37.5, 127.0, "RUNNING", ts))
				if err != nil || status != http.StatusOK {
					failed.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	status, body, _, err := r.do(ctx, http.MethodGet, trackingBase+"/vehicle/"+id+"/history", nil)
	if err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("history status=%d err=%v", status, err)}
	}
	var list listView
	if err := json.Unmarshal(body, &list); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	want := workers*perWorker - int(failed.Load())
	if list.Count != want {
		return Result{Status: statusFail, Note: fmt.Sprintf("history=%d want=%d failed=%d", list.Count, want, failed.Load())}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("writes=%d", want)}
}

func perfIngest(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				id := r.vehicle(fmt.Sprintf("perf-%d", rand.IntN(r.cfg.Vehicles)))
				lat := 37.4 + rand.Float64()*0.3
				lng := 126.8 + rand.Float64()*0.4
				status, _, _, err := r.do(ctx, http.MethodPost, trackingBase+"/receive", sample(id, lat, lng, "RUNNING", time.Now().UTC()))
				if err != nil || status != http.StatusOK {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func perfRead(ctx context.Context, r *Runner, path string) Result {
	const rounds = 50
	var total, worst time.Duration
	for i := 0; i < rounds; i++ {
		status, _, latency, err := r.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if status != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", status)}
		}
		total += latency
		worst = max(worst, latency)
	}
	return Result{Status: statusPass, Latency: total / rounds, Note: fmt.Sprintf("max=%s", worst)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
