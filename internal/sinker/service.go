package sinker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
	"github.com/pinax-network/substreams-sink-sheets/pkg/columns"
	"github.com/pinax-network/substreams-sink-sheets/pkg/cursor"
	"github.com/pinax-network/substreams-sink-sheets/pkg/deadletter"
	"github.com/pinax-network/substreams-sink-sheets/pkg/feed"
	"github.com/pinax-network/substreams-sink-sheets/pkg/header"
	"github.com/pinax-network/substreams-sink-sheets/pkg/logger"
	"github.com/pinax-network/substreams-sink-sheets/pkg/manifest"
	"github.com/pinax-network/substreams-sink-sheets/pkg/metrics"
	"github.com/pinax-network/substreams-sink-sheets/pkg/retry"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sheets"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sink"
)

// State is the coordinator lifecycle state
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// HeaderPolicy selects when the header row is reconciled
type HeaderPolicy string

const (
	// HeaderAtEnd reconciles once all rows are appended
	HeaderAtEnd HeaderPolicy = "end"
	// HeaderAtStart reconciles before streaming; needs explicit columns and
	// falls back to HeaderAtEnd when columns are inferred
	HeaderAtStart HeaderPolicy = "start"
)

// Options configures one run
type Options struct {
	OutputModule  string
	StartBlock    uint64
	StopBlock     uint64
	Columns       []string
	AddHeaderRow  bool
	HeaderPolicy  HeaderPolicy
	Range         string
	EnsureSheet   bool
	FlushInterval time.Duration
	FailurePolicy sink.FailurePolicy
	Retry         retry.Policy
	Operations    []changes.Operation
	// DrainTimeout bounds the final flush; zero waits for it to finish
	DrainTimeout time.Duration
}

// Validate reports configuration errors that must abort before streaming
func (o Options) Validate() error {
	if o.OutputModule == "" {
		return errors.New("[output-module] is required")
	}
	if o.Range == "" {
		return errors.New("[range] is required")
	}
	if o.StopBlock > 0 && o.StopBlock <= o.StartBlock {
		return fmt.Errorf("stop block %d must be greater than start block %d", o.StopBlock, o.StartBlock)
	}
	switch o.HeaderPolicy {
	case "", HeaderAtEnd, HeaderAtStart:
	default:
		return fmt.Errorf("unknown header policy %q", o.HeaderPolicy)
	}
	switch o.FailurePolicy {
	case "", sink.PolicyDrop, sink.PolicyRequeue:
	default:
		return fmt.Errorf("unknown failure policy %q", o.FailurePolicy)
	}
	return nil
}

// Deps are the collaborators of a run. Cursors and DeadLetter are optional.
type Deps struct {
	Source     feed.Source
	Registry   feed.Registry
	Store      sheets.Store
	Cursors    cursor.Store
	DeadLetter deadletter.Publisher
}

// Service streams DatabaseChanges from the feed into a spreadsheet
type Service struct {
	logger     *logger.Logger
	deps       Deps
	opts       Options
	runID      string
	normalizer *changes.Normalizer
	columns    *columns.Set

	state atomic.Int32

	mu       sync.Mutex
	firstErr error
}

// NewService creates a Service for a single run
func NewService(l *logger.Logger, deps Deps, opts Options) *Service {
	runID := uuid.NewString()
	if opts.HeaderPolicy == "" {
		opts.HeaderPolicy = HeaderAtEnd
	}
	return &Service{
		logger:     l.Named("coordinator").With(zap.String("run_id", runID)),
		deps:       deps,
		opts:       opts,
		runID:      runID,
		normalizer: changes.NewNormalizer(opts.Operations...),
		columns:    columns.NewSet(opts.Columns),
	}
}

// RunID identifies this run in logs and dead letters
func (s *Service) RunID() string {
	return s.runID
}

// State returns the current lifecycle state
func (s *Service) State() State {
	return State(s.state.Load())
}

// Ready reports readiness for the health server: ready while streaming
func (s *Service) Ready() (bool, string) {
	st := s.State()
	return st == StateStreaming, st.String()
}

// Columns returns the active column set, empty until inferred
func (s *Service) Columns() []string {
	return s.columns.Columns()
}

func (s *Service) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

// Run streams until the feed ends or ctx is done, then flushes the buffer and
// reconciles the header. It returns the feed error if any, else the first
// dropped batch error.
func (s *Service) Run(ctx context.Context) error {
	defer s.setState(StateDone)

	if err := s.opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if s.opts.Retry.Classifier == nil {
		s.opts.Retry.Classifier = sheets.IsRetryable
	}

	module, err := manifest.Resolve(ctx, s.deps.Registry, s.opts.OutputModule)
	if err != nil {
		return err
	}
	s.logger.Info("resolved output module",
		zap.String("module", module.Name),
		zap.String("output_type", module.OutputType))

	if s.opts.EnsureSheet {
		if err := s.ensureSheet(ctx); err != nil {
			return err
		}
	}

	resume, err := s.loadCursor(ctx)
	if err != nil {
		return err
	}

	headerDone := false
	if s.opts.AddHeaderRow && s.opts.HeaderPolicy == HeaderAtStart && s.columns.Frozen() {
		s.reconcileHeader(ctx)
		headerDone = true
	}

	queue := sink.NewQueue(s.logger, s.deps.Store, sink.Options{
		RangeRef:      s.opts.Range,
		FlushInterval: s.opts.FlushInterval,
		FailurePolicy: s.opts.FailurePolicy,
		Retry:         s.opts.Retry,
		Cursors:       s.deps.Cursors,
		DeadLetter:    s.deps.DeadLetter,
		RunID:         s.runID,
	})
	// draining is driven by Close below, not by ctx
	queue.Start(context.WithoutCancel(ctx))

	s.setState(StateStreaming)
	events, err := s.deps.Source.Stream(ctx, feed.Request{
		Module:     module.Name,
		StartBlock: s.opts.StartBlock,
		StopBlock:  s.opts.StopBlock,
		Cursor:     resume,
	})
	if err != nil {
		s.setState(StateDraining)
		s.drain(ctx, queue)
		return fmt.Errorf("failed to start stream: %w", err)
	}
	s.logger.Info("streaming",
		zap.Uint64("start_block", s.opts.StartBlock),
		zap.Uint64("stop_block", s.opts.StopBlock),
		zap.String("cursor", resume),
		zap.Strings("columns", s.columns.Columns()))

	feedErr := s.stream(ctx, events, queue)

	s.setState(StateDraining)
	s.drain(ctx, queue)

	if s.opts.AddHeaderRow && !headerDone {
		s.reconcileHeader(context.WithoutCancel(ctx))
	}

	if feedErr != nil {
		return feedErr
	}
	return s.sinkErr()
}

func (s *Service) stream(ctx context.Context, events <-chan feed.Event, queue *sink.Queue) error {
	errs := queue.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					s.logger.Info("stream interrupted", zap.Error(ctx.Err()))
					return ctx.Err()
				}
				s.logger.Info("feed closed")
				return nil
			}
			if ev.Kind == feed.EventEnd {
				if ev.Err != nil {
					s.logger.Error("feed failed", ev.Err)
					return fmt.Errorf("feed error: %w", ev.Err)
				}
				s.logger.Info("end of stream")
				return nil
			}
			s.handle(ev.Message, queue)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.recordSinkErr(err)

		case <-ctx.Done():
			s.logger.Info("stream interrupted", zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
}

func (s *Service) handle(msg feed.Message, queue *sink.Queue) {
	metrics.MessagesReceivedTotal.Inc()

	if !changes.IsDatabaseChanges(msg.TypeURL) {
		metrics.MessagesIgnoredTotal.Inc()
		s.logger.Debug("ignoring message", zap.String("type_url", msg.TypeURL), zap.Uint64("block", msg.Clock.Number))
		return
	}

	dc, err := changes.Decode(msg.Payload)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		s.logger.Warn("skipping undecodable message",
			zap.Error(err),
			zap.Uint64("block", msg.Clock.Number),
			zap.String("cursor", msg.Cursor))
		return
	}

	wasFrozen := s.columns.Frozen()
	rows := s.columns.ProjectAll(s.normalizer.Normalize(dc, msg.Clock))
	if !wasFrozen && s.columns.Frozen() {
		s.logger.Info("columns inferred", zap.Strings("columns", s.columns.Columns()))
	}

	queue.Enqueue(rows, msg.Cursor)
}

func (s *Service) drain(ctx context.Context, queue *sink.Queue) {
	drainCtx := context.WithoutCancel(ctx)
	if s.opts.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, s.opts.DrainTimeout)
		defer cancel()
	}

	s.logger.Info("draining", zap.Int("buffered", queue.Buffered()))
	if err := queue.Close(drainCtx); err != nil {
		s.recordSinkErr(err)
	}
	for err := range queue.Errors() {
		s.recordSinkErr(err)
	}
}

func (s *Service) reconcileHeader(ctx context.Context) {
	cols := s.columns.Columns()
	var wrote bool
	err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		var err error
		wrote, err = header.Reconcile(ctx, s.deps.Store, s.opts.Range, cols)
		return err
	})
	if err != nil {
		s.logger.Error("failed to reconcile header row", err, zap.Strings("columns", cols))
		return
	}
	if wrote {
		metrics.HeaderWritesTotal.Inc()
		s.logger.Info("header row written", zap.Strings("columns", cols))
	}
}

func (s *Service) ensureSheet(ctx context.Context) error {
	title := sheets.SheetTitle(s.opts.Range)
	_, err := s.deps.Store.GetSheetID(ctx, title)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sheets.ErrSheetNotFound) {
		return fmt.Errorf("failed to look up sheet %q: %w", title, err)
	}

	id, err := s.deps.Store.CreateSheet(ctx, title)
	if err != nil {
		return err
	}
	s.logger.Info("created sheet", zap.String("title", title), zap.Int64("sheet_id", id))
	return nil
}

func (s *Service) loadCursor(ctx context.Context) (string, error) {
	if s.deps.Cursors == nil {
		return "", nil
	}
	c, err := s.deps.Cursors.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	if c != "" {
		s.logger.Info("resuming from cursor", zap.String("cursor", c))
	}
	return c, nil
}

func (s *Service) recordSinkErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *Service) sinkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// List returns the modules of reg whose output is DatabaseChanges
func List(ctx context.Context, reg feed.Registry) ([]string, error) {
	return manifest.Compatible(ctx, reg)
}

// SpreadsheetCreator creates spreadsheets
type SpreadsheetCreator interface {
	CreateSpreadsheet(ctx context.Context, title string) (string, error)
}

// Created describes a new spreadsheet
type Created struct {
	SpreadsheetID string `json:"spreadsheetId"`
	URL           string `json:"url"`
}

// Create creates a spreadsheet titled title
func Create(ctx context.Context, creator SpreadsheetCreator, title string) (Created, error) {
	if title == "" {
		return Created{}, errors.New("[title] is required")
	}
	id, err := creator.CreateSpreadsheet(ctx, title)
	if err != nil {
		return Created{}, err
	}
	return Created{SpreadsheetID: id, URL: sheets.SpreadsheetURL(id)}, nil
}
