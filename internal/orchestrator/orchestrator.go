// Package orchestrator runs the setup stages in order: fetch and merge every
// source, derive the scenario feature classes, distribute them into scenario
// stores and delete the setup store.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/ebpa-setup/internal/arcgis"
	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/derive"
	"github.com/johndauphine/ebpa-setup/internal/distribute"
	"github.com/johndauphine/ebpa-setup/internal/fetch"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/merge"
	"github.com/johndauphine/ebpa-setup/internal/progress"
	"github.com/johndauphine/ebpa-setup/internal/version"
)

// Run status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Orchestrator coordinates a setup run.
type Orchestrator struct {
	config   *config.Config
	client   fetch.LayerClient
	progress io.Writer
	remove   func(string) error
	runID    string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClient replaces the map-service client.
func WithClient(c fetch.LayerClient) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithProgress sets where download progress bars are drawn. nil disables them.
func WithProgress(w io.Writer) Option {
	return func(o *Orchestrator) { o.progress = w }
}

// WithRemover replaces the function deleting the setup store.
func WithRemover(remove func(string) error) Option {
	return func(o *Orchestrator) { o.remove = remove }
}

// New creates an orchestrator for a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	userAgent := cfg.HTTP.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	o := &Orchestrator{
		config: cfg,
		client: arcgis.NewClient(arcgis.Options{
			Timeout:           cfg.HTTP.Timeout,
			UserAgent:         userAgent,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			OutSR:             cfg.HTTP.OutSR,
		}),
		progress: os.Stderr,
		remove:   geodb.Delete,
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunID returns the identifier recorded in every scenario store of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// SourceResult summarises one downloaded source.
type SourceResult struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Pages   int    `json:"pages"`
	Records int64  `json:"records"`
}

// Result is the outcome of a run.
type Result struct {
	RunID           string         `json:"run_id"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Sources         []SourceResult `json:"sources"`
	FeatureClasses  []string       `json:"feature_classes,omitempty"`
	Stores          []string       `json:"stores,omitempty"`
	SetupStore      string         `json:"setup_store"`
	SetupDeleted    bool           `json:"setup_deleted"`
	Error           string         `json:"error,omitempty"`
	Stats           Stats          `json:"-"`
}

func (r *Result) finish(err error) {
	r.CompletedAt = time.Now()
	r.DurationSeconds = r.CompletedAt.Sub(r.StartedAt).Seconds()
	r.Status = StatusSuccess
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	}
}

// Run executes the whole setup. The returned result is filled in as far as
// the run got, also on error.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{RunID: o.runID, StartedAt: time.Now()}
	defer func() { res.finish(err) }()

	logging.Info("Starting run %s", o.runID)

	check, err := o.Preflight(ctx, false)
	if err != nil {
		return res, err
	}
	if err := check.Err(); err != nil {
		return res, err
	}

	census, err := geodb.Open(ctx, o.config.StorePath(o.config.CensusStore))
	if err != nil {
		return res, fmt.Errorf("opening census store: %w", err)
	}
	defer census.Close()

	setup, err := geodb.Create(ctx, o.config.Workspace, o.config.SetupStore)
	if err != nil {
		return res, fmt.Errorf("creating setup store: %w", err)
	}
	res.SetupStore = setup.Path()
	closed := false
	defer func() {
		if !closed {
			setup.Close()
		}
	}()

	if err := o.fetchAll(ctx, setup, res); err != nil {
		return res, err
	}
	logging.Info("Downloaded %d records (%.0f records/s)", res.Stats.Records, res.Stats.RecordsPerSecond())

	start := time.Now()
	res.FeatureClasses, err = derive.New(o.config, setup).Run(ctx)
	res.Stats.DeriveTime = time.Since(start)
	if err != nil {
		return res, err
	}

	start = time.Now()
	res.Stores, err = distribute.New(o.config, setup, census, o.runID).Run(ctx)
	res.Stats.DistributeTime = time.Since(start)
	if err != nil {
		return res, err
	}

	closed = true
	if err := setup.Close(); err != nil {
		logging.Warn("Closing %s: %v", setup.Path(), err)
	}
	if o.config.KeepSetup {
		logging.Info("Keeping %s", setup.Path())
	} else {
		res.SetupDeleted = distribute.Cleanup(setup.Path(), o.remove)
	}

	logging.Debug("Stage timings: %s", res.Stats.String())
	logging.Info("Time Elapsed: %.2f minutes", time.Since(res.StartedAt).Minutes())
	return res, nil
}

// Fetch downloads and merges every source into the setup store and keeps it.
func (o *Orchestrator) Fetch(ctx context.Context) (res *Result, err error) {
	res = &Result{RunID: o.runID, StartedAt: time.Now()}
	defer func() { res.finish(err) }()

	setup, err := geodb.Create(ctx, o.config.Workspace, o.config.SetupStore)
	if err != nil {
		return res, fmt.Errorf("creating setup store: %w", err)
	}
	defer setup.Close()
	res.SetupStore = setup.Path()

	if err := o.fetchAll(ctx, setup, res); err != nil {
		return res, err
	}
	logging.Info("Time Elapsed: %.2f minutes", time.Since(res.StartedAt).Minutes())
	return res, nil
}

func (o *Orchestrator) fetchAll(ctx context.Context, setup *geodb.Store, res *Result) error {
	f := fetch.New(o.client, o.config.HTTP.Where, progress.NewWithWriter(o.progress))
	for _, src := range o.config.Sources {
		logging.Info("Downloading %s...", src.Name)

		start := time.Now()
		fetched, err := f.Fetch(ctx, src)
		res.Stats.FetchTime += time.Since(start)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", src.Name, err)
		}

		start = time.Now()
		n, err := merge.Merge(ctx, setup, src.Code, src.Kind, fetched)
		res.Stats.MergeTime += time.Since(start)
		if err != nil {
			return err
		}
		logging.Info("Done!")

		res.Stats.Records += n
		res.Sources = append(res.Sources, SourceResult{
			Name:    src.Name,
			Code:    src.Code,
			Pages:   len(fetched.Pages),
			Records: n,
		})
	}
	return nil
}
