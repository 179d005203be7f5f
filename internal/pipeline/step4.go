package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/runstore"
	"github.com/ashita-ai/rarity/internal/wordstore"
)

// UploadMode selects which words Step 4 writes.
type UploadMode int

const (
	// UploadPartial writes only words present in the final table.
	UploadPartial UploadMode = iota
	// UploadFullFallback writes every stored word, defaulting those missing
	// from the final table to model.FallbackRarity.
	UploadFullFallback
)

func (m UploadMode) String() string {
	if m == UploadFullFallback {
		return "full-fallback"
	}
	return "partial"
}

// ParseUploadMode accepts partial, full-fallback or full_fallback. Blank
// means partial.
func ParseUploadMode(value string) (UploadMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "partial":
		return UploadPartial, nil
	case "full-fallback", "full_fallback":
		return UploadFullFallback, nil
	}
	return 0, fmt.Errorf("pipeline: invalid --mode '%s', use one of: partial, full-fallback", value)
}

// Upload statuses and report sources.
const (
	StatusUploaded      = "uploaded"
	StatusMissingDBWord = "missing_db_word"
	SourceFinalCSV      = "final_csv"
	SourceFallback      = "fallback_4"
)

// UploadReportHeaders are the Step 4 report columns.
var UploadReportHeaders = []string{"word_id", "previous_level", "new_level", "source"}

// Step4Options configures an upload.
type Step4Options struct {
	FinalCSV  string
	Mode      UploadMode
	ReportCSV string
	// BatchID labels the markers; upload_<unix millis> when blank.
	BatchID string
}

// Step4Result summarizes an upload.
type Step4Result struct {
	Updated   int
	Applied   int
	ReportCSV string
	BatchID   string
	Markers   MarkerResult
}

// UploadPlan is the set of level writes and per-word statuses for an upload.
type UploadPlan struct {
	Updates  map[int64]int
	Report   [][]string
	StatusBy map[int64]string
}

// Step4 writes final levels to the word store, then records a report and
// marks the uploaded rows of the final table.
func (s *Service) Step4(ctx context.Context, opts Step4Options) (Step4Result, error) {
	if s.store == nil {
		return Step4Result{}, wordstore.ErrNotConfigured
	}
	finalLevels, err := runstore.LoadFinalLevels(opts.FinalCSV)
	if err != nil {
		return Step4Result{}, err
	}
	stored, err := s.store.FetchAllWordLevels(ctx)
	if err != nil {
		return Step4Result{}, err
	}

	plan := BuildUploadPlan(opts.Mode, finalLevels, stored)
	applied, err := s.store.UpdateRarityLevels(ctx, plan.Updates)
	if err != nil {
		return Step4Result{}, err
	}
	s.uploadedWords.Add(ctx, int64(applied), metric.WithAttributes(attribute.String("rarity.upload_mode", opts.Mode.String())))

	batchID := opts.BatchID
	if strings.TrimSpace(batchID) == "" {
		batchID = fmt.Sprintf("upload_%d", s.now().UnixMilli())
	}
	uploadedAt := s.timestamp()

	var markers MarkerResult
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return csvtable.WriteTableAtomic(opts.ReportCSV, UploadReportHeaders, plan.Report)
	})
	g.Go(func() error {
		var err error
		markers, err = MarkUploadedRows(opts.FinalCSV, plan.Updates, plan.StatusBy, batchID, uploadedAt)
		return err
	})
	if err := g.Wait(); err != nil {
		return Step4Result{}, err
	}

	result := Step4Result{
		Updated:   len(plan.Updates),
		Applied:   applied,
		ReportCSV: absPath(opts.ReportCSV),
		BatchID:   batchID,
		Markers:   markers,
	}
	s.logger.Info("step 4 complete",
		"mode", opts.Mode.String(),
		"updated", result.Updated,
		"report", result.ReportCSV,
		"markers", absPath(markers.Path),
		"companion", markers.Companion,
		"marked_rows", markers.Marked,
	)
	return result, nil
}

// BuildUploadPlan decides the level writes for mode. Words of the final
// table that the store does not know are reported as missing in both modes.
func BuildUploadPlan(mode UploadMode, finalLevels map[int64]int, stored []model.WordLevel) UploadPlan {
	storedBy := make(map[int64]model.WordLevel, len(stored))
	for _, w := range stored {
		storedBy[w.ID] = w
	}
	plan := UploadPlan{
		Updates:  make(map[int64]int),
		StatusBy: make(map[int64]string),
	}

	if mode == UploadFullFallback {
		ordered := slices.Clone(stored)
		sortByID(ordered, func(w model.WordLevel) int64 { return w.ID })
		for _, w := range ordered {
			level, ok := finalLevels[w.ID]
			source := SourceFinalCSV
			if !ok {
				level, source = model.FallbackRarity, SourceFallback
			}
			plan.Updates[w.ID] = level
			plan.Report = append(plan.Report, []string{
				strconv.FormatInt(w.ID, 10), previousLevel(w), strconv.Itoa(level), source,
			})
		}
		for id := range finalLevels {
			if _, ok := storedBy[id]; ok {
				plan.StatusBy[id] = StatusUploaded
			} else {
				plan.StatusBy[id] = StatusMissingDBWord
			}
		}
		return plan
	}

	ids := make([]int64, 0, len(finalLevels))
	for id := range finalLevels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		w, ok := storedBy[id]
		if !ok {
			plan.Report = append(plan.Report, []string{strconv.FormatInt(id, 10), "", "", StatusMissingDBWord})
			plan.StatusBy[id] = StatusMissingDBWord
			continue
		}
		level := finalLevels[id]
		plan.Updates[id] = level
		plan.Report = append(plan.Report, []string{
			strconv.FormatInt(id, 10), previousLevel(w), strconv.Itoa(level), SourceFinalCSV,
		})
		plan.StatusBy[id] = StatusUploaded
	}
	return plan
}

// previousLevel renders a stored level; 0 means never set.
func previousLevel(w model.WordLevel) string {
	if w.RarityLevel == 0 {
		return ""
	}
	return strconv.Itoa(w.RarityLevel)
}
