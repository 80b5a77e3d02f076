package migrate

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/adapter"
)

// DefaultBaselineThreshold is the degradation ratio that trips the
// baseline check: post-migration timings twice as slow as before.
const DefaultBaselineThreshold = 2.0

// Baseline stages sampled copies of the affected tables under the
// managed prefix, times a small representative workload against them,
// and drops the copies again. Capturing once before and once after a
// migration yields comparable per-query timings because both runs work
// on samples of the same size.
type Baseline struct {
	DB  adapter.Adapter
	Log *zap.Logger

	// SampleRows caps how many rows each staged copy holds. Zero means
	// 1000.
	SampleRows int

	// Runs is how many times each query is timed; the median counts.
	// Zero means 3.
	Runs int

	// Threshold is the worst acceptable after/before ratio. Zero means
	// DefaultBaselineThreshold.
	Threshold float64

	// AbortOnDegradation reverses the migration when the ratio exceeds
	// the threshold instead of only warning.
	AbortOnDegradation bool
}

// BaselineReport carries both captures and the worst per-query ratio.
type BaselineReport struct {
	Before map[string]time.Duration
	After  map[string]time.Duration
	Ratio  float64
}

func (b *Baseline) threshold() float64 {
	if b.Threshold > 0 {
		return b.Threshold
	}
	return DefaultBaselineThreshold
}

func (b *Baseline) sampleRows() int {
	if b.SampleRows > 0 {
		return b.SampleRows
	}
	return 1000
}

func (b *Baseline) runs() int {
	if b.Runs > 0 {
		return b.Runs
	}
	return 3
}

func (b *Baseline) logger() *zap.Logger {
	if b.Log != nil {
		return b.Log
	}
	return zap.NewNop()
}

// Capture stages each table, times the workload, and returns query key
// to median duration. Tables that cannot stage (dropped mid-plan, or
// created by the plan and absent beforehand) are skipped.
func (b *Baseline) Capture(ctx context.Context, tables []string) (map[string]time.Duration, error) {
	d := b.DB.Dialect()
	out := map[string]time.Duration{}
	for _, table := range tables {
		staged := stagedName(table)
		create := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s LIMIT %d",
			d.QuoteIdent(staged), d.QuoteIdent(table), b.sampleRows())
		if _, err := b.DB.ExecDML(ctx, create); err != nil {
			b.logger().Debug("baseline stage skipped", zap.String("table", table), zap.Error(err))
			continue
		}
		queries := map[string]string{
			table + "/count": fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QuoteIdent(staged)),
			table + "/scan":  fmt.Sprintf("SELECT * FROM %s LIMIT 100", d.QuoteIdent(staged)),
		}
		for key, q := range queries {
			med, err := b.timeQuery(ctx, q)
			if err != nil {
				b.logger().Debug("baseline query skipped", zap.String("query", key), zap.Error(err))
				continue
			}
			out[key] = med
		}
		if _, err := b.DB.ExecDML(ctx, "DROP TABLE "+d.QuoteIdent(staged)); err != nil {
			b.logger().Warn("baseline stage cleanup failed", zap.String("table", staged), zap.Error(err))
		}
	}
	return out, nil
}

func (b *Baseline) timeQuery(ctx context.Context, query string) (time.Duration, error) {
	runs := make([]time.Duration, 0, b.runs())
	for i := 0; i < b.runs(); i++ {
		start := time.Now()
		if _, err := b.DB.Query(ctx, query); err != nil {
			return 0, err
		}
		runs = append(runs, time.Since(start))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i] < runs[j] })
	return runs[len(runs)/2], nil
}

// worstRatio is the largest after/before ratio over queries present in
// both captures. Sub-microsecond baselines clamp up so noise on trivial
// tables does not masquerade as a regression.
func worstRatio(before, after map[string]time.Duration) float64 {
	worst := 1.0
	for key, b := range before {
		a, ok := after[key]
		if !ok {
			continue
		}
		if b < time.Microsecond {
			b = time.Microsecond
		}
		if r := float64(a) / float64(b); r > worst {
			worst = r
		}
	}
	return worst
}

// stagedName keeps the staged copy under the managed prefix so the
// comparator never reports it, and inside the identifier length cap.
func stagedName(table string) string {
	name := "dataflow_stage_" + table
	if len(name) <= ident.MaxLen {
		return name
	}
	h := fnv.New64a()
	h.Write([]byte(table))
	return fmt.Sprintf("dataflow_stage_%x", h.Sum64())
}
