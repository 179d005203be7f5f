package pipeline

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/runstore"
)

// Step 3 defaults.
const (
	DefaultOutlierThreshold    = 2
	DefaultConfidenceThreshold = 0.55
)

// Step3Options configures a run comparison.
type Step3Options struct {
	BaseCSV string
	RunA    string
	RunB    string
	// RunC is an optional third run.
	RunC string

	OutputCSV   string
	OutliersCSV string

	OutlierThreshold    int
	ConfidenceThreshold float64
}

// Step3Result summarizes a comparison.
type Step3Result struct {
	Rows        int
	Outliers    int
	OutputCSV   string
	OutliersCSV string
}

// Comparison is the reconciled view of one word across runs.
type Comparison struct {
	Word        model.WordRow
	Levels      []*int
	Confidences []*float64
	Median      int
	Spread      int
	Outlier     bool
	Reason      string
}

// FinalLevel is the level a comparison settles on.
func (c Comparison) FinalLevel() int { return c.Median }

var runLabels = []string{"a", "b", "c"}

// Step3 compares the runs word by word over the base table and writes the
// comparison and outlier tables.
func (s *Service) Step3(ctx context.Context, opts Step3Options) (Step3Result, error) {
	paths := []string{opts.RunA, opts.RunB}
	if opts.RunC != "" {
		paths = append(paths, opts.RunC)
	}

	var base []model.WordRow
	runs := make([]map[int64]model.RunRow, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := runstore.LoadBaseRows(opts.BaseCSV)
		base = rows
		return err
	})
	for i, path := range paths {
		g.Go(func() error {
			rows, err := runstore.LoadRunRows(path)
			runs[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Step3Result{}, err
	}

	labels := runLabels[:len(paths)]
	var comparisonRows, outlierRows [][]string
	for _, word := range base {
		c := Compare(word, runs, opts.OutlierThreshold, opts.ConfidenceThreshold)
		comparisonRows = append(comparisonRows, c.comparisonRow())
		if c.Outlier {
			outlierRows = append(outlierRows, c.outlierRow())
		}
	}

	if err := csvtable.WriteTableAtomic(opts.OutputCSV, ComparisonHeaders(labels), comparisonRows); err != nil {
		return Step3Result{}, err
	}
	if err := csvtable.WriteTableAtomic(opts.OutliersCSV, OutlierHeaders(labels), outlierRows); err != nil {
		return Step3Result{}, err
	}

	result := Step3Result{
		Rows:        len(comparisonRows),
		Outliers:    len(outlierRows),
		OutputCSV:   absPath(opts.OutputCSV),
		OutliersCSV: absPath(opts.OutliersCSV),
	}
	s.logger.Info("step 3 complete",
		"outliers", result.Outliers,
		"comparison", result.OutputCSV,
		"outliers_csv", result.OutliersCSV,
	)
	return result, nil
}

// ComparisonHeaders lists the comparison columns for runs labelled a, b...
func ComparisonHeaders(labels []string) []string {
	headers := slices.Clone(runstore.BaseHeaders)
	for _, l := range labels {
		headers = append(headers, "run_"+l+"_level", "run_"+l+"_confidence")
	}
	return append(headers, "median_level", "spread", "is_outlier", "reason", "final_level")
}

// OutlierHeaders lists the outlier columns for runs labelled a, b...
func OutlierHeaders(labels []string) []string {
	headers := slices.Clone(runstore.BaseHeaders)
	for _, l := range labels {
		headers = append(headers, "run_"+l+"_level")
	}
	return append(headers, "spread", "reason")
}

// Compare reconciles word across runs. A word is an outlier only when at
// least two runs scored it and they disagree by outlierThreshold levels or
// one of them is below confidenceThreshold.
func Compare(word model.WordRow, runs []map[int64]model.RunRow, outlierThreshold int, confidenceThreshold float64) Comparison {
	c := Comparison{
		Word:        word,
		Levels:      make([]*int, len(runs)),
		Confidences: make([]*float64, len(runs)),
	}
	var levels []int
	lowConfidence := false
	for i, run := range runs {
		row, ok := run[word.ID]
		if !ok {
			continue
		}
		level, conf := row.RarityLevel, row.Confidence
		c.Levels[i], c.Confidences[i] = &level, &conf
		levels = append(levels, level)
		if conf < confidenceThreshold {
			lowConfidence = true
		}
	}

	c.Median = model.FallbackRarity
	if len(levels) > 0 {
		c.Median = Median(levels)
	}
	if len(levels) >= 2 {
		c.Spread = slices.Max(levels) - slices.Min(levels)
	}

	var reasons []string
	if c.Spread >= outlierThreshold {
		reasons = append(reasons, fmt.Sprintf("spread>=%d", outlierThreshold))
	}
	if lowConfidence {
		reasons = append(reasons, "low_confidence<"+strconv.FormatFloat(confidenceThreshold, 'f', -1, 64))
	}
	c.Outlier = len(levels) >= 2 && (c.Spread >= outlierThreshold || lowConfidence)
	c.Reason = strings.Join(reasons, ";")
	return c
}

// Median returns the middle value; an even count averages the middle pair
// and rounds half up. values must not be empty.
func Median(values []int) int {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return int(math.Floor(float64(sorted[mid-1]+sorted[mid])/2 + 0.5))
}

func (c Comparison) comparisonRow() []string {
	row := []string{strconv.FormatInt(c.Word.ID, 10), c.Word.Word, c.Word.Type}
	for i := range c.Levels {
		row = append(row, optionalInt(c.Levels[i]), optionalFloat(c.Confidences[i]))
	}
	return append(row,
		strconv.Itoa(c.Median),
		strconv.Itoa(c.Spread),
		strconv.FormatBool(c.Outlier),
		c.Reason,
		strconv.Itoa(c.FinalLevel()),
	)
}

func (c Comparison) outlierRow() []string {
	row := []string{strconv.FormatInt(c.Word.ID, 10), c.Word.Word, c.Word.Type}
	for i := range c.Levels {
		row = append(row, optionalInt(c.Levels[i]))
	}
	return append(row, strconv.Itoa(c.Spread), c.Reason)
}
