package tilepack

import (
	"context"
	"errors"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultPackageName is the canonical artifact the renderer opens.
	DefaultPackageName = "kolkata.mbtiles"
	provisionalSuffix  = ".download"
	// share of the progress scale given to the network phase; the rest covers validation and install
	networkShare = 0.9
)

// State is the user-visible phase of the pipeline.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateValidating  State = "validating"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Status is a snapshot of the pipeline for display.
type Status struct {
	State    State   `json:"state"`
	Progress float64 `json:"progress"`
	Kind     string  `json:"kind,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Config tunes a Pipeline. The zero value works.
type Config struct {
	PackageName string
	Logger      *zap.Logger
	// Registerer receives the pipeline metrics; prometheus.DefaultRegisterer when nil.
	Registerer prometheus.Registerer
	// OnProgress receives every new progress value in [0, 1]. Values never decrease within one call.
	OnProgress func(float64)
}

// Pipeline downloads, validates and installs the offline package.
type Pipeline struct {
	store       Store
	transfer    Transfer
	checker     *Checker
	canonical   string
	provisional string
	logger      *zap.Logger
	metrics     *metrics
	onProgress  func(float64)

	mu     sync.Mutex
	job    *Job
	source string // URL the active job was started with
	cancel context.CancelFunc
	status Status
}

// NewPipeline wires a pipeline. checker may be nil when nothing holds the installed package open.
func NewPipeline(store Store, transfer Transfer, checker *Checker, cfg Config) *Pipeline {
	name := cfg.PackageName
	if name == "" {
		name = DefaultPackageName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := newMetrics(cfg.Registerer, logger)
	if checker != nil {
		checker.mu.Lock()
		checker.metrics = m
		checker.mu.Unlock()
	}
	return &Pipeline{
		store:       store,
		transfer:    transfer,
		checker:     checker,
		canonical:   name,
		provisional: name + provisionalSuffix,
		logger:      logger,
		metrics:     m,
		onProgress:  cfg.OnProgress,
		status:      Status{State: StateIdle},
	}
}

// CanonicalName is the name of the installed artifact in the store.
func (p *Pipeline) CanonicalName() string {
	return p.canonical
}

// ProvisionalName is the name downloads are written to before validation.
func (p *Pipeline) ProvisionalName() string {
	return p.provisional
}

// FetchAndInstall downloads sourceURL into the provisional artifact, follows at most one hosting
// page redirect, validates the SQLite header and promotes the file to the canonical name.
// It fails with kind Busy when another call is in flight. Callers re-check availability afterwards.
func (p *Pipeline) FetchAndInstall(ctx context.Context, sourceURL string) error {
	job, ctx, err := p.begin(ctx, sourceURL)
	if err != nil {
		return err
	}
	return p.execute(ctx, job)
}

// Start begins FetchAndInstall in the background. The Busy check happens before it returns;
// the channel yields the final result once.
func (p *Pipeline) Start(ctx context.Context, sourceURL string) (<-chan error, error) {
	job, ctx, err := p.begin(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- p.execute(ctx, job)
		close(done)
	}()
	return done, nil
}

func (p *Pipeline) execute(ctx context.Context, job *Job) error {
	tracker := p.metrics.startFetch()
	err := p.run(ctx, job)
	tracker.finish(err)
	p.end(err)
	return err
}

// Cancel marks the active job cancelled and reports whether there was one. The flow stops at
// the next step boundary; socket teardown timing is up to the transfer.
func (p *Pipeline) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return false
	}
	p.job.Cancel()
	p.cancel()
	p.logger.Info("offline package download cancelled", zap.String("url", p.source))
	return true
}

// Status returns the current display state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Busy reports whether a FetchAndInstall call is in flight.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job != nil
}

func (p *Pipeline) begin(ctx context.Context, sourceURL string) (*Job, context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job != nil {
		return nil, nil, newError(Busy, "start", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.job = newJob(sourceURL, p.provisional)
	p.source = sourceURL
	p.cancel = cancel
	p.status = Status{State: StateDownloading}
	return p.job, ctx, nil
}

func (p *Pipeline) end(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel()
	p.job = nil
	p.source = ""
	p.cancel = nil

	var pe *PipelineError
	switch {
	case err == nil:
		p.status.State = StateInstalled
	case errors.As(err, &pe) && pe.Kind == Cancelled:
		p.status.State = StateCancelled
		p.status.Kind = pe.Kind.String()
		p.status.Message = pe.Message()
	case errors.As(err, &pe):
		p.status.State = StateFailed
		p.status.Kind = pe.Kind.String()
		p.status.Message = pe.Message()
	default:
		p.status.State = StateFailed
		p.status.Message = err.Error()
	}
}

func (p *Pipeline) setState(state State) {
	p.mu.Lock()
	p.status.State = state
	p.mu.Unlock()
}

// report publishes v unless it would move the displayed progress backwards.
func (p *Pipeline) report(v float64) {
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	if v <= p.status.Progress {
		p.mu.Unlock()
		return
	}
	p.status.Progress = v
	p.mu.Unlock()

	if p.onProgress != nil {
		p.onProgress(v)
	}
}

func (p *Pipeline) run(ctx context.Context, job *Job) (err error) {
	logger := p.logger.With(zap.String("url", job.SourceURL))

	// a stale provisional artifact from an earlier cancelled run is overwritten
	if err := p.store.Remove(ctx, p.provisional); err != nil {
		return newError(TransferFailed, "cleanup", err)
	}

	defer func() {
		if err == nil {
			return
		}
		if rmErr := p.store.Remove(context.WithoutCancel(ctx), p.provisional); rmErr != nil {
			logger.Warn("failed to remove provisional package", zap.Error(rmErr))
		}
		logger.Warn("offline package install failed", zap.Stringer("kind", KindOf(err)), zap.Error(err))
	}()

	logger.Info("downloading offline package")
	if err := p.fetch(ctx, job); err != nil {
		return err
	}

	prefix, err := readPrefix(ctx, p.store, p.provisional, SniffLength)
	if err != nil {
		return newError(TransferFailed, "sniff", err)
	}

	if looksLikeHTML(prefix) {
		page, err := readAll(ctx, p.store, p.provisional)
		if err != nil {
			return newError(TransferFailed, "read hosting page", err)
		}
		link, err := extractDirectLink(page, job.SourceURL)
		if err != nil {
			return newError(RedirectExtractionFailed, "extract direct link", err)
		}
		if err := p.checkCancelled(ctx, job); err != nil {
			return err
		}

		logger.Info("hosting page returned, retrying direct link", zap.String("direct_url", link))
		p.metrics.redirectRetries.Inc()
		job.SourceURL = link
		if err := p.fetch(ctx, job); err != nil {
			return err
		}

		prefix, err = readPrefix(ctx, p.store, p.provisional, SniffLength)
		if err != nil {
			return newError(TransferFailed, "sniff", err)
		}
		if looksLikeHTML(prefix) {
			return newError(StillHtmlAfterRetry, "retry", nil)
		}
	}

	if err := p.checkCancelled(ctx, job); err != nil {
		return err
	}
	p.setState(StateValidating)
	p.report(networkShare)

	header, err := readPrefix(ctx, p.store, p.provisional, HeaderLength)
	if err != nil {
		return newError(InvalidFormat, "validate", err)
	}
	if !hasSQLiteHeader(header) {
		return newError(InvalidFormat, "validate", nil)
	}
	p.report(0.95)

	if err := p.checkCancelled(ctx, job); err != nil {
		return err
	}
	p.setState(StateInstalling)
	size, err := p.install(ctx)
	if err != nil {
		return err
	}
	p.report(1)

	logger.Info("installed offline package",
		zap.String("name", p.canonical),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.String("etag", job.ETag))
	return nil
}

// fetch runs one transfer attempt. An attempt that turns out to be a hosting page does not move
// the display, so the retry still has the whole network phase to report into.
func (p *Pipeline) fetch(ctx context.Context, job *Job) error {
	sniffed, page := false, false
	err := p.transfer.Fetch(ctx, job, func(written, expected int64) {
		if !sniffed && written > 0 {
			sniffed = true
			if prefix, err := readPrefix(ctx, p.store, job.Destination, SniffLength); err == nil {
				page = looksLikeHTML(prefix)
			}
		}
		if expected > 0 && !page {
			p.report(networkShare * float64(written) / float64(expected))
		}
	})
	p.metrics.transferBytes.Add(float64(job.Written))
	if err != nil {
		if job.Cancelled() || ctx.Err() != nil {
			return newError(Cancelled, "transfer", err)
		}
		return newError(TransferFailed, "transfer", err)
	}
	return nil
}

func (p *Pipeline) checkCancelled(ctx context.Context, job *Job) error {
	if job.Cancelled() {
		return newError(Cancelled, "cancel", nil)
	}
	if err := ctx.Err(); err != nil {
		return newError(Cancelled, "cancel", err)
	}
	return nil
}

// install replaces the canonical artifact with the provisional one. The old artifact is deleted and
// the new one renamed back to back while the checker is held, so no handle can reopen in between.
func (p *Pipeline) install(ctx context.Context) (int64, error) {
	swap := func() error {
		if err := p.store.Remove(ctx, p.canonical); err != nil {
			return newError(InstallVerificationFailed, "remove previous package", err)
		}
		if err := p.store.Rename(ctx, p.provisional, p.canonical); err != nil {
			return newError(InstallVerificationFailed, "promote", err)
		}
		return nil
	}

	var err error
	if p.checker != nil {
		err = p.checker.exclusive(swap)
	} else {
		err = swap()
	}
	if err != nil {
		return 0, err
	}

	exists, err := p.store.Exists(ctx, p.canonical)
	if err != nil || !exists {
		return 0, newError(InstallVerificationFailed, "verify", err)
	}
	size, err := p.store.Size(ctx, p.canonical)
	if err != nil || size <= 0 {
		return 0, newError(InstallVerificationFailed, "verify", err)
	}
	return size, nil
}
