package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/scorer"
	"github.com/ashita-ai/rarity/internal/testutil"
	"github.com/ashita-ai/rarity/internal/wordstore"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, store wordstore.Store) *Service {
	t.Helper()
	return New(store, testutil.TestLogger(),
		WithOutputDir(filepath.Join(t.TempDir(), "out")),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func words(n int) []model.WordRow {
	out := make([]model.WordRow, n)
	for i := range out {
		out[i] = model.WordRow{ID: int64(i + 1), Word: fmt.Sprintf("cuvant%d", i+1), Type: "N"}
	}
	return out
}

func writeBase(t *testing.T, rows []model.WordRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "base.csv")
	require.NoError(t, writeBaseRows(path, rows))
	return path
}

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readTable(t *testing.T, path string) csvtable.Table {
	t.Helper()
	table, err := csvtable.ReadTable(path)
	require.NoError(t, err)
	return table
}

func column(table csvtable.Table, name string) []string {
	out := make([]string, len(table.Records))
	for i, rec := range table.Records {
		out[i] = rec.Get(name)
	}
	return out
}

func openSQLite(t *testing.T, rows []model.WordRow) *wordstore.SQLite {
	t.Helper()
	ctx := context.Background()
	store, err := wordstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "words.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InsertWords(ctx, rows))
	return store
}

// fakeScorer assigns level id%5+1 and drops the ids in skip.
type fakeScorer struct {
	mu      sync.Mutex
	skip    map[int64]bool
	failOn  int // ScoreBatch call number (1-based) that returns err
	err     error
	calls   int
	batches [][]int64
	seen    []scorer.Context
}

func (f *fakeScorer) ScoreBatch(ctx context.Context, batch []model.WordRow, sc scorer.Context) ([]model.ScoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	f.batches = append(f.batches, ids)
	f.seen = append(f.seen, sc)
	if f.failOn > 0 && f.calls == f.failOn {
		return nil, f.err
	}
	var out []model.ScoreResult
	for _, r := range batch {
		if f.skip[r.ID] {
			continue
		}
		out = append(out, model.ScoreResult{
			WordID: r.ID, Word: r.Word, Type: r.Type,
			RarityLevel: int(r.ID%5) + 1, Tag: "common", Confidence: 0.8,
		})
	}
	return out, nil
}

type fakeResolver struct {
	preflightErr error
	preflights   int
}

func (f *fakeResolver) ResolveEndpoint(_ context.Context, endpoint, baseURL string) (lmstudio.Endpoint, error) {
	if endpoint == "" {
		endpoint = strings.TrimRight(baseURL, "/") + lmstudio.OpenAIChatPath
	}
	return lmstudio.Endpoint{ChatURL: endpoint, Flavor: model.OpenAICompat, Source: "test"}, nil
}

func (f *fakeResolver) Preflight(context.Context, lmstudio.Endpoint, string) error {
	f.preflights++
	return f.preflightErr
}

var errBoom = errors.New("boom")
