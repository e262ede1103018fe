package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgallion1/docdraft/internal/doctree"
	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/workpool"
)

// planBatches splits pageCount pages into contiguous ranges of at most limit
// pages. An unknown page count yields a single whole-document range.
func planBatches(pageCount, limit int) []parser.PageRange {
	if pageCount <= 0 {
		return []parser.PageRange{{}}
	}
	if limit <= 0 || pageCount <= limit {
		return []parser.PageRange{{First: 1, Last: pageCount}}
	}
	batches := make([]parser.PageRange, 0, (pageCount+limit-1)/limit)
	for first := 1; first <= pageCount; first += limit {
		batches = append(batches, parser.PageRange{First: first, Last: min(first+limit-1, pageCount)})
	}
	return batches
}

// extract pulls page text, fanning large documents out across the worker
// pool. Records come back ordered by page regardless of which batch finished
// first.
func (p *Pipeline) extract(ctx context.Context, data []byte, mime string) ([]doctree.PageText, error) {
	n, err := p.extractor.PageCount(data, mime)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	batches := planBatches(n, p.cfg.PageBatchLimit)
	if len(batches) == 1 {
		return p.extractor.Extract(ctx, data, mime, batches[0])
	}

	jobs := make([]workpool.Job[int, []doctree.PageText], len(batches))
	for i, pr := range batches {
		jobs[i] = workpool.Job[int, []doctree.PageText]{
			Key: pr.First,
			Run: func(ctx context.Context) ([]doctree.PageText, error) {
				return p.extractor.Extract(ctx, data, mime, pr)
			},
		}
	}
	results, err := workpool.Run(ctx, p.cfg.ExtractWorkers, jobs)
	if err != nil {
		return nil, err
	}
	return mergePages(results), nil
}

func mergePages(results []workpool.Result[int, []doctree.PageText]) []doctree.PageText {
	var pages []doctree.PageText
	for _, r := range results {
		pages = append(pages, r.Value...)
	}
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].PageStart != pages[j].PageStart {
			return pages[i].PageStart < pages[j].PageStart
		}
		return pages[i].PageEnd < pages[j].PageEnd
	})
	return pages
}
