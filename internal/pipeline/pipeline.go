// Package pipeline drives one ingest run end to end: plan the windows,
// fetch each window's pages, transform, commit, advance the checkpoint,
// and record the outcome in the job log.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vulnwatch/cvesync/internal/metrics"
	"github.com/vulnwatch/cvesync/internal/nvd"
	"github.com/vulnwatch/cvesync/internal/transform"
	"github.com/vulnwatch/cvesync/internal/types"
	"github.com/vulnwatch/cvesync/internal/window"
)

// CheckpointKeyIncremental names the incremental mode's high-water mark row.
const CheckpointKeyIncremental = "incremental_last_modified"

const (
	jobTypeFull        = "full_load"
	jobTypeIncremental = "incremental_sync"
)

// PageIter is a lazy page sequence for one window.
type PageIter interface {
	Next(ctx context.Context) (*nvd.Page, error)
}

// Feed yields the pages of a window filtered on one time field.
type Feed interface {
	Pages(win types.Window, field nvd.TimeField) PageIter
}

// NVDFeed adapts the concrete client to the Feed interface.
type NVDFeed struct {
	Client *nvd.Client
}

func (f NVDFeed) Pages(win types.Window, field nvd.TimeField) PageIter {
	return f.Client.Pages(win, field)
}

// Store is the persistence surface one run needs.
type Store interface {
	Checkpoint(ctx context.Context, key string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, key string, ts time.Time) error
	CreateJobLog(ctx context.Context, jobType string, start, end time.Time) (int64, error)
	FinishJobLog(ctx context.Context, id int64, status string, counts types.Counts, errText string) error
	UpsertBatch(ctx context.Context, batch []transform.Result) (upserted, stale int, err error)
}

// Report is the outcome of one run, mirrored into the job log.
type Report struct {
	Status           string
	Counts           types.Counts
	WindowsPlanned   int
	WindowsCommitted int
	Err              error
}

type Pipeline struct {
	feed    Feed
	store   Store
	tf      *transform.Transformer
	planner window.Planner
	log     *zap.SugaredLogger
	now     func() time.Time
}

func New(feed Feed, store Store, tf *transform.Transformer, planner window.Planner, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		feed:    feed,
		store:   store,
		tf:      tf,
		planner: planner,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one invocation of the given sync mode. Windows are processed
// strictly in increasing time order; the incremental checkpoint advances
// only after a window has fully committed. The returned report is also
// written to the job log; the error return is reserved for failures to
// record the run itself.
func (p *Pipeline) Run(ctx context.Context, mode window.Mode) (*Report, error) {
	tr := otel.Tracer("cvesync/pipeline")
	ctx, span := tr.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("sync.mode", string(mode)))

	now := p.now()
	var (
		wins    []types.Window
		field   nvd.TimeField
		jobType string
	)
	switch mode {
	case window.ModeFull:
		wins = []types.Window{p.planner.Full(now)}
		field = nvd.FieldPublished
		jobType = jobTypeFull
	case window.ModeIncremental:
		cp, _, err := p.store.Checkpoint(ctx, CheckpointKeyIncremental)
		if err != nil {
			return nil, err
		}
		wins = p.planner.Incremental(cp, now)
		field = nvd.FieldLastModified
		jobType = jobTypeIncremental
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}

	boundsStart, boundsEnd := now, now
	if len(wins) > 0 {
		boundsStart, boundsEnd = wins[0].Start, wins[len(wins)-1].End
	}
	jobID, err := p.store.CreateJobLog(ctx, jobType, boundsStart, boundsEnd)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	p.log.Infow("run started",
		"mode", mode, "job_id", jobID, "windows", len(wins),
		"start", boundsStart, "end", boundsEnd)

	var counts types.Counts
	var runErr error
	committed := 0
	for _, win := range wins {
		if err := p.runWindow(ctx, win, field, &counts); err != nil {
			// Incremental windows depend on their predecessors: a failed
			// window must also stop everything after it, or the checkpoint
			// would skip a gap.
			runErr = fmt.Errorf("window %s..%s: %w",
				win.Start.Format(time.RFC3339), win.End.Format(time.RFC3339), err)
			metrics.WindowsTotal.WithLabelValues("failed").Inc()
			p.log.Errorw("window failed", "start", win.Start, "end", win.End, "err", err)
			break
		}
		metrics.WindowsTotal.WithLabelValues("ok").Inc()
		committed++
		if mode == window.ModeIncremental {
			if err := p.store.SetCheckpoint(ctx, CheckpointKeyIncremental, win.End); err != nil {
				runErr = fmt.Errorf("advance checkpoint: %w", err)
				break
			}
		}
	}

	status := types.StatusSuccess
	switch {
	case runErr != nil && committed == 0 && counts.Upserted == 0:
		status = types.StatusFailed
	case runErr != nil || counts.Failed > 0:
		status = types.StatusPartial
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := p.store.FinishJobLog(ctx, jobID, status, counts, errText); err != nil {
		return nil, fmt.Errorf("close job log: %w", err)
	}
	p.log.Infow("run finished",
		"job_id", jobID, "status", status,
		"requested", counts.Requested, "upserted", counts.Upserted, "failed", counts.Failed)
	return &Report{
		Status:           status,
		Counts:           counts,
		WindowsPlanned:   len(wins),
		WindowsCommitted: committed,
		Err:              runErr,
	}, nil
}

func (p *Pipeline) runWindow(ctx context.Context, win types.Window, field nvd.TimeField, counts *types.Counts) error {
	ctx, span := otel.Tracer("cvesync/pipeline").Start(ctx, "window")
	defer span.End()

	pages := p.feed.Pages(win, field)
	for {
		page, err := pages.Next(ctx)
		if err != nil {
			return fmt.Errorf("fetch page: %w", err)
		}
		if page == nil {
			return nil
		}
		metrics.PagesTotal.Inc()

		batch := make([]transform.Result, 0, len(page.Items))
		for _, raw := range page.Items {
			res, err := p.tf.Apply(raw)
			if err != nil {
				counts.Failed++
				metrics.RecordsTotal.WithLabelValues("failed").Inc()
				p.log.Warnw("record rejected", "id", nvd.RecordID(raw), "err", err)
				continue
			}
			batch = append(batch, *res)
		}
		counts.Requested += len(page.Items)
		if len(batch) == 0 {
			continue
		}
		upserted, stale, err := p.store.UpsertBatch(ctx, batch)
		if err != nil {
			metrics.BatchesTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("commit batch at offset %d: %w", page.StartIndex, err)
		}
		metrics.BatchesTotal.WithLabelValues("ok").Inc()
		metrics.RecordsTotal.WithLabelValues("upserted").Add(float64(upserted))
		metrics.RecordsTotal.WithLabelValues("stale").Add(float64(stale))
		counts.Upserted += upserted + stale
	}
}
