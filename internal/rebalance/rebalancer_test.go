package rebalance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/runstore"
	"github.com/ashita-ai/rarity/internal/scorer"
	"github.com/ashita-ai/rarity/internal/testutil"
)

// selectingScorer picks the highest ids of each batch, or none when pickNone
// is set.
type selectingScorer struct {
	pickNone bool
	err      error
	calls    []scorer.Context
}

func (s *selectingScorer) ScoreBatch(_ context.Context, batch []model.WordRow, sc scorer.Context) ([]model.ScoreResult, error) {
	s.calls = append(s.calls, sc)
	if s.err != nil {
		return nil, s.err
	}
	if s.pickNone {
		return nil, nil
	}
	sorted := slices.Clone(batch)
	slices.SortFunc(sorted, func(a, b model.WordRow) int { return int(b.ID - a.ID) })
	out := make([]model.ScoreResult, 0, sc.Expected)
	for _, w := range sorted[:sc.Expected] {
		out = append(out, lmstudio.SelectedScore(w, sc.ForcedLevel))
	}
	return out, nil
}

type stubResolver struct{}

func (stubResolver) ResolveEndpoint(context.Context, string, string) (lmstudio.Endpoint, error) {
	return lmstudio.Endpoint{ChatURL: "http://lm/v1/chat/completions", Flavor: model.OpenAICompat, Source: "test"}, nil
}

func (stubResolver) Preflight(context.Context, lmstudio.Endpoint, string) error { return nil }

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "final.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newRebalancer(t *testing.T, s scorer.BatchScorer) (*Rebalancer, string) {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return New(s, stubResolver{}, testutil.TestLogger(), WithOutputDir(dir), WithClock(func() time.Time { return now })), dir
}

func options(input, output string, transitions ...Transition) Options {
	seed := uint64(7)
	return Options{
		RunSlug:      "rb",
		Model:        "qwen",
		InputCSV:     input,
		OutputCSV:    output,
		BatchSize:    DefaultBatchSize,
		LowerRatio:   DefaultLowerRatio,
		MaxRetries:   1,
		Seed:         &seed,
		Transitions:  transitions,
		SystemPrompt: "from {{FROM_LEVEL}} to {{TO_LEVEL}}",
		UserTemplate: "pick {{TARGET_COUNT}} for {{TO_LEVEL}}, rest {{OTHER_LEVEL}}: {{INPUT_JSON}}",
	}
}

func levelsOf(t *testing.T, path string) map[string]string {
	t.Helper()
	table, err := csvtable.ReadTable(path)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, rec := range table.Records {
		out[rec.Get("word_id")] = rec.Get("final_level")
	}
	return out
}

const sixAtLevelTwo = "word_id,word,type,final_level,note\n" +
	"1,a,N,2,x\n2,b,N,2,x\n3,c,N,2,x\n4,d,N,2,x\n5,e,N,2,x\n6,f,N,2,x\n7,g,N,4,y\n"

func TestRunMovesExactShare(t *testing.T) {
	s := &selectingScorer{}
	r, dir := newRebalancer(t, s)
	output := filepath.Join(t.TempDir(), "rebalanced.csv")
	opts := options(writeInput(t, sixAtLevelTwo), output, Transition{From: 2, To: 1})

	result, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, result.Summaries, 1)
	assert.Equal(t, Summary{Transition: Transition{From: 2, To: 1}, Eligible: 6, TargetAssigned: 2, Switched: 2}, result.Summaries[0])
	assert.Equal(t, uint64(7), result.Seed)

	require.Len(t, s.calls, 1)
	call := s.calls[0]
	assert.Equal(t, "rb_2_1", call.RunSlug)
	assert.Equal(t, model.SelectedWordIDs, call.Mode)
	assert.Equal(t, 1, call.ForcedLevel)
	assert.Equal(t, 2, call.Expected)
	assert.Equal(t, "from 2 to 1", call.SystemPrompt)
	assert.Equal(t, "pick 2 for 1, rest 2: {{INPUT_JSON}}", call.UserTemplate)

	assert.Equal(t, map[string]string{"1": "2", "2": "2", "3": "2", "4": "2", "5": "1", "6": "1", "7": "4"}, levelsOf(t, output))

	table, err := csvtable.ReadTable(output)
	require.NoError(t, err)
	assert.Equal(t, []string{"word_id", "word", "type", "final_level", "note", "rebalance_rule", "rebalance_model", "rebalance_run", "rebalanced_at"}, table.Headers)
	row6 := table.Records[5]
	assert.Equal(t, "2->1 (via 2:1)", row6.Get("rebalance_rule"))
	assert.Equal(t, "qwen", row6.Get("rebalance_model"))
	assert.Equal(t, "rb", row6.Get("rebalance_run"))
	assert.Equal(t, "2026-05-01T12:00:00Z", row6.Get("rebalanced_at"))
	assert.Equal(t, "x", row6.Get("note"))
	assert.Empty(t, table.Records[0].Get("rebalance_rule"))

	switched, _, err := runstore.ReadLines[switchedLine](filepath.Join(dir, "rebalance", "switched_words", "rb.switched.jsonl"))
	require.NoError(t, err)
	require.Len(t, switched, 2)
	assert.Equal(t, 2, switched[0].PreviousLevel)
	assert.Equal(t, 1, switched[0].NewLevel)
	assert.Equal(t, "2->1", switched[0].Transition)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	s := &selectingScorer{}
	r, _ := newRebalancer(t, s)
	output := filepath.Join(t.TempDir(), "rebalanced.csv")
	opts := options(writeInput(t, sixAtLevelTwo), output, Transition{From: 2, To: 1})

	_, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	first := levelsOf(t, output)

	result, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, s.calls, 1, "no words left to process")
	assert.Equal(t, 0, result.Summaries[0].Eligible)
	assert.Equal(t, 1, result.ResumedBatches)
	assert.Equal(t, 6, result.ResumedProcessed)
	assert.Equal(t, 2, result.ResumedSwitched)
	assert.Equal(t, first, levelsOf(t, output))
}

func TestRunPadsShortSelectionByID(t *testing.T) {
	r, _ := newRebalancer(t, &selectingScorer{pickNone: true})
	output := filepath.Join(t.TempDir(), "rebalanced.csv")
	opts := options(writeInput(t, sixAtLevelTwo), output, Transition{From: 2, To: 1})

	_, err := r.Run(context.Background(), opts)
	require.NoError(t, err)
	levels := levelsOf(t, output)
	assert.Equal(t, "1", levels["1"])
	assert.Equal(t, "1", levels["2"])
	assert.Equal(t, "2", levels["3"])
}

func TestRunSkipsSmallBatches(t *testing.T) {
	s := &selectingScorer{}
	r, _ := newRebalancer(t, s)
	output := filepath.Join(t.TempDir(), "rebalanced.csv")
	input := writeInput(t, "word_id,word,type,rarity_level\n1,a,N,4\n2,b,N,4\n")

	result, err := r.Run(context.Background(), options(input, output, Transition{From: 4, To: 3}))
	require.NoError(t, err)
	assert.Empty(t, s.calls)
	assert.Equal(t, 2, result.Summaries[0].Eligible)
	assert.Zero(t, result.Switched)
	assert.Equal(t, map[string]string{"1": "4", "2": "4"}, levelsOf(t, output))
}

func TestRunPairTransition(t *testing.T) {
	s := &selectingScorer{}
	r, _ := newRebalancer(t, s)
	output := filepath.Join(t.TempDir(), "rebalanced.csv")
	input := writeInput(t, "word_id,word,type,final_level\n"+
		"1,a,N,2\n2,b,N,2\n3,c,N,2\n4,d,N,3\n5,e,N,3\n6,f,N,3\n")

	result, err := r.Run(context.Background(), options(input, output, Transition{From: 2, Upper: 3, To: 2}))
	require.NoError(t, err)
	require.Len(t, s.calls, 1)
	assert.Equal(t, "rb_2_3_2", s.calls[0].RunSlug)
	assert.Equal(t, "from 2-3 to 2", s.calls[0].SystemPrompt)

	counts := map[string]int{}
	for _, l := range levelsOf(t, output) {
		counts[l]++
	}
	assert.Equal(t, map[string]int{"2": 2, "3": 4}, counts)
	assert.Equal(t, 6, result.Summaries[0].Eligible)
}

func TestRunSinglePassOverTransitions(t *testing.T) {
	s := &selectingScorer{}
	r, _ := newRebalancer(t, s)
	output := filepath.Join(t.TempDir(), "rebalanced.csv")
	input := writeInput(t, "word_id,word,type,final_level\n"+
		"1,a,N,2\n2,b,N,2\n3,c,N,2\n4,d,N,3\n5,e,N,3\n6,f,N,3\n")

	result, err := r.Run(context.Background(), options(input, output, Transition{From: 2, To: 1}, Transition{From: 3, To: 2}))
	require.NoError(t, err)
	require.Len(t, result.Summaries, 2)
	assert.Equal(t, 3, result.Summaries[0].Eligible)
	assert.Equal(t, 3, result.Summaries[1].Eligible)
	assert.Equal(t, map[string]string{"1": "2", "2": "2", "3": "1", "4": "3", "5": "3", "6": "2"}, levelsOf(t, output))
}

func TestRunScorerErrorIsFatal(t *testing.T) {
	boom := errors.New("connectivity")
	r, _ := newRebalancer(t, &selectingScorer{err: boom})
	output := filepath.Join(t.TempDir(), "rebalanced.csv")

	_, err := r.Run(context.Background(), options(writeInput(t, sixAtLevelTwo), output, Transition{From: 2, To: 1}))
	require.ErrorIs(t, err, boom)
	assert.NoFileExists(t, output)
}

func TestRunRejectsBadOptions(t *testing.T) {
	r, _ := newRebalancer(t, &selectingScorer{})
	input := writeInput(t, sixAtLevelTwo)
	output := filepath.Join(t.TempDir(), "out.csv")

	opts := options(input, output)
	_, err := r.Run(context.Background(), opts)
	require.Error(t, err, "no transitions")

	opts = options(input, output, Transition{From: 2, To: 1})
	opts.LowerRatio = 1
	_, err = r.Run(context.Background(), opts)
	require.Error(t, err)

	opts = options(input, output, Transition{From: 2, To: 1})
	opts.InputCSV = writeInput(t, "word_id,word,type\n1,a,N\n")
	_, err = r.Run(context.Background(), opts)
	require.ErrorContains(t, err, "must contain one of: final_level, rarity_level, median_level")
}
