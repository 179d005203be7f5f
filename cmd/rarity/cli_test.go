package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rarity/internal/config"
	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/testutil"
	"github.com/ashita-ai/rarity/internal/wordstore"
)

type promptItem struct {
	LocalID int    `json:"local_id"`
	WordID  int64  `json:"word_id"`
	Word    string `json:"word"`
	Type    string `json:"type"`
}

// fakeServer lists one model and answers chat calls: score requests get
// level id%3+1, selection requests get the first two entries.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(lmstudio.OpenAIModelsPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":"qwen"}]}`)
	})
	mux.HandleFunc(lmstudio.OpenAIChatPath, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) < 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var items []promptItem
		_ = json.Unmarshal([]byte(req.Messages[1].Content), &items)

		var results []map[string]any
		for _, it := range items {
			if it.LocalID > 0 {
				if it.LocalID <= 2 {
					results = append(results, map[string]any{"local_id": it.LocalID})
				}
				continue
			}
			results = append(results, map[string]any{
				"word_id": it.WordID, "word": it.Word, "type": it.Type,
				"rarity_level": it.WordID%3 + 1, "tag": "common", "confidence": 0.9,
			})
		}
		content, _ := json.Marshal(map[string]any{"results": results})
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": string(content)}}},
		})
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		OutputDir:           filepath.Join(dir, "out"),
		SQLitePath:          filepath.Join(dir, "words.db"),
		LMStudioBaseURL:     baseURL,
		PreflightTimeout:    5 * time.Second,
		BatchSize:           100,
		MaxRetries:          3,
		Timeout:             300 * time.Second,
		MaxTokens:           8000,
		OutlierThreshold:    2,
		ConfidenceThreshold: 0.55,
		RebalanceBatchSize:  60,
		RebalanceLowerRatio: 1.0 / 3.0,
		LogLevel:            "info",
	}
}

func seedWords(t *testing.T, path string, n int) {
	t.Helper()
	ctx := context.Background()
	store, err := wordstore.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	words := make([]model.WordRow, n)
	for i := range words {
		words[i] = model.WordRow{ID: int64(i + 1), Word: "cuvant" + strconv.Itoa(i+1), Type: "N"}
	}
	require.NoError(t, store.InsertWords(ctx, words))
}

func execute(t *testing.T, a *app, args ...string) error {
	t.Helper()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPipelineEndToEnd(t *testing.T) {
	srv := fakeServer(t)
	cfg := testConfig(t, srv.URL)
	seedWords(t, cfg.SQLitePath, 5)
	a := newApp(cfg, testutil.TestLogger())
	tmpl := writeFile(t, "user.txt", lmstudio.InputPlaceholder)

	require.NoError(t, execute(t, a, "step1"))
	base := filepath.Join(cfg.OutputDir, "step1_words.csv")
	require.FileExists(t, base)

	work := t.TempDir()
	runA, runB := filepath.Join(work, "run_a.csv"), filepath.Join(work, "run_b.csv")
	for _, run := range []struct{ slug, path string }{{"a", runA}, {"b", runB}} {
		require.NoError(t, execute(t, a, "step2",
			"--run", run.slug, "--model", "qwen",
			"--base-csv", base, "--output-csv", run.path,
			"--batch-size", "2", "--user-template-file", tmpl,
		))
	}

	final := filepath.Join(work, "final.csv")
	require.NoError(t, execute(t, a, "step3", "--run-a-csv", runA, "--run-b-csv", runB, "--output-csv", final))
	require.FileExists(t, filepath.Join(cfg.OutputDir, "step3_outliers.csv"))

	require.NoError(t, execute(t, a, "step4", "--final-csv", final, "--upload-batch-id", "b1"))
	require.FileExists(t, filepath.Join(cfg.OutputDir, "step4_upload_report.csv"))

	store, err := wordstore.OpenSQLite(context.Background(), cfg.SQLitePath, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	levels, err := store.FetchAllWordLevels(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 5)
	for _, l := range levels {
		assert.Equal(t, int(l.ID%3)+1, l.RarityLevel, "word %d", l.ID)
	}

	table, err := csvtable.ReadTable(final)
	require.NoError(t, err)
	for _, rec := range table.Records {
		assert.Equal(t, "b1", rec.Get("upload_batch_id"))
	}
}

func TestStep5Rebalances(t *testing.T) {
	srv := fakeServer(t)
	a := newApp(testConfig(t, srv.URL), testutil.TestLogger())
	input := writeFile(t, "final.csv", "word_id,word,type,final_level\n"+
		"1,a,N,2\n2,b,N,2\n3,c,N,2\n4,d,N,2\n5,e,N,2\n6,f,N,2\n")
	output := filepath.Join(t.TempDir(), "rebalanced.csv")

	require.NoError(t, execute(t, a, "step5",
		"--run", "rb", "--model", "qwen",
		"--input-csv", input, "--output-csv", output,
		"--from-level", "2", "--to-level", "1", "--seed", "3",
		"--user-template-file", writeFile(t, "user.txt", lmstudio.InputPlaceholder),
	))

	table, err := csvtable.ReadTable(output)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, rec := range table.Records {
		counts[rec.Get("final_level")]++
	}
	assert.Equal(t, map[string]int{"1": 2, "2": 4}, counts)
}

func TestCommandErrors(t *testing.T) {
	a := newApp(testConfig(t, "http://127.0.0.1:1"), testutil.TestLogger())
	input := writeFile(t, "final.csv", "word_id,word,type,final_level\n1,a,N,2\n")
	output := filepath.Join(t.TempDir(), "out.csv")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing run", []string{"step2", "--model", "m", "--base-csv", input, "--output-csv", output}, `required flag(s) "run" not set`},
		{"missing model", []string{"step2", "--run", "a", "--base-csv", input, "--output-csv", output}, "missing required option --model"},
		{"bad slug", []string{"step2", "--run", "a b", "--model", "m", "--base-csv", input, "--output-csv", output}, "invalid run slug 'a b'"},
		{"bad mode", []string{"step4", "--final-csv", input, "--mode", "all"}, "invalid --mode 'all', use one of: partial, full-fallback"},
		{"half transition", []string{"step5", "--run", "r", "--model", "m", "--input-csv", input, "--output-csv", output, "--from-level", "2"}, "--from-level and --to-level must be given together"},
		{"bad transition", []string{"step5", "--run", "r", "--model", "m", "--input-csv", input, "--output-csv", output, "--transitions", "3:1"}, "invalid transition '3:1'"},
		{"missing input", []string{"step5", "--run", "r", "--model", "m", "--output-csv", output}, "missing required option --step2-csv (alias: --input-csv)"},
		{"missing prompt", []string{"step5", "--run", "r", "--model", "m", "--input-csv", input, "--output-csv", output, "--system-prompt-file", "/nonexistent/p.txt"}, "prompts: file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, a, tt.args...)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %q", err.Error())
		})
	}
}
