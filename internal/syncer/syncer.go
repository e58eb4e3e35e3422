package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/localstore"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/metrics"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/remotestore"
)

// Status is the agent's externally visible sync state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusSyncing Status = "syncing"
)

type Options struct {
	Scope         erpsync.Scope
	Tables        []string
	PageSize      int
	WindowDays    int
	Interval      time.Duration
	ProbeInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.SyncMetrics
}

// CycleResult summarizes one full pull-then-push pass.
type CycleResult struct {
	Pulled   int
	Merged   int
	Pushed   int
	Rejected int
	Retained int
}

type Syncer struct {
	local   *localstore.Store
	remote  RemoteClient
	scope   erpsync.Scope
	tables  []erpsync.Table
	page    int
	window  int
	logger  *zap.Logger
	metrics *metrics.SyncMetrics

	interval      time.Duration
	probeInterval time.Duration

	mu      sync.Mutex
	status  Status
	cycling bool

	// trigger is buffered with capacity one so that any number of
	// wake-up requests while a cycle runs coalesce into a single
	// follow-up cycle.
	trigger chan struct{}
}

func New(local *localstore.Store, remote RemoteClient, opts Options) (*Syncer, error) {
	if local == nil {
		return nil, errors.New("local store is required")
	}
	if remote == nil {
		return nil, errors.New("remote client is required")
	}
	if err := opts.Scope.Validate(); err != nil {
		return nil, err
	}
	names := opts.Tables
	if len(names) == 0 {
		names = erpsync.TableNames()
	}
	tables := make([]erpsync.Table, 0, len(names))
	for _, name := range names {
		table, err := erpsync.ValidateTable(name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	page := opts.PageSize
	if page <= 0 || page > remotestore.MaxPageSize {
		page = remotestore.DefaultPageSize
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	probeInterval := opts.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	syncMetrics := opts.Metrics
	if syncMetrics == nil {
		syncMetrics = metrics.NewSyncMetrics(nil)
	}
	return &Syncer{
		local:         local,
		remote:        remote,
		scope:         opts.Scope,
		tables:        tables,
		page:          page,
		window:        opts.WindowDays,
		logger:        logger,
		metrics:       syncMetrics,
		interval:      interval,
		probeInterval: probeInterval,
		status:        StatusOnline,
		trigger:       make(chan struct{}, 1),
	}, nil
}

func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Trigger requests a sync cycle as soon as possible. Safe to call from
// any goroutine; triggers raised mid-cycle coalesce.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic sync until the context is cancelled. While the
// agent is offline it probes the remote health endpoint instead of
// attempting full cycles.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial cycle so a freshly started agent converges without
	// waiting out the first interval.
	s.runCycle(ctx)

	for {
		if s.Status() == StatusOffline {
			if err := s.probeUntilOnline(ctx, ticker); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.trigger:
			s.runCycle(ctx)
		}
	}
}

func (s *Syncer) probeUntilOnline(ctx context.Context, ticker *time.Ticker) error {
	probe := time.NewTicker(s.probeInterval)
	defer probe.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-probe.C:
		case <-s.trigger:
		}
		if err := s.remote.Health(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		s.logger.Info("connectivity restored", zap.String("scope", s.scope.String()))
		ticker.Reset(s.interval)
		s.runCycle(ctx)
		return nil
	}
}

func (s *Syncer) runCycle(ctx context.Context) {
	if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("sync cycle failed", zap.Error(err))
	}
}

// SyncOnce runs one pull-then-push cycle. Concurrent callers beyond
// the first get ErrCycleInProgress rather than a second cycle.
func (s *Syncer) SyncOnce(ctx context.Context) (CycleResult, error) {
	if !s.beginCycle() {
		return CycleResult{}, ErrCycleInProgress
	}
	start := time.Now()
	result, err := s.cycle(ctx)
	s.endCycle(err)
	s.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		s.metrics.CyclesTotal.WithLabelValues("ok").Inc()
	case IsRetryable(err):
		s.metrics.CyclesTotal.WithLabelValues("offline").Inc()
		s.metrics.OfflineTransitions.Inc()
	default:
		s.metrics.CyclesTotal.WithLabelValues("error").Inc()
	}
	return result, err
}

var ErrCycleInProgress = errors.New("sync cycle already in progress")

func (s *Syncer) beginCycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycling {
		return false
	}
	s.cycling = true
	s.status = StatusSyncing
	return true
}

func (s *Syncer) endCycle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycling = false
	if err != nil && IsRetryable(err) {
		s.status = StatusOffline
		return
	}
	s.status = StatusOnline
}

func (s *Syncer) cycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	for _, table := range s.tables {
		pulled, merged, err := s.pullTable(ctx, table)
		result.Pulled += pulled
		result.Merged += merged
		if err != nil {
			return result, err
		}
	}
	pushed, rejected, retained, err := s.push(ctx)
	result.Pushed = pushed
	result.Rejected = rejected
	result.Retained = retained
	if err != nil {
		return result, err
	}
	depth, err := s.local.QueueDepth(ctx, s.scope)
	if err == nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}
	return result, nil
}

// pullTable pages through remote changes since the persisted
// watermark and merges them locally. The watermark only advances once
// a short page proves the cycle saw everything up to that instant;
// advancing it mid-pagination could skip rows on a crashed cycle.
func (s *Syncer) pullTable(ctx context.Context, table erpsync.Table) (pulled, merged int, err error) {
	since, haveWatermark, err := s.local.Watermark(ctx, table.Name, s.scope)
	if err != nil {
		return 0, 0, err
	}

	var maxUpdated time.Time
	offset := 0
	for {
		rows, err := s.remote.Pull(ctx, PullRequest{
			Table:      table.Name,
			CompanyID:  s.scope.CompanyID,
			LocationID: s.scope.LocationID,
			Since:      since.UTC().Format(time.RFC3339Nano),
			UseGT:      haveWatermark,
			From:       offset,
			Limit:      s.page,
			Days:       s.window,
		})
		if err != nil {
			return pulled, merged, err
		}
		s.metrics.PagesPulled.WithLabelValues(table.Name).Inc()
		pulled += len(rows)

		if len(rows) > 0 {
			count, err := s.local.Merge(ctx, table.Name, rows)
			if err != nil {
				return pulled, merged, err
			}
			merged += count
			s.metrics.RowsMerged.WithLabelValues(table.Name).Add(float64(count))
			for _, row := range rows {
				if row.UpdatedAt.After(maxUpdated) {
					maxUpdated = row.UpdatedAt
				}
			}
		}

		if len(rows) < s.page {
			break
		}
		offset += s.page
	}

	if !maxUpdated.IsZero() {
		if err := s.local.SetWatermark(ctx, table.Name, s.scope, maxUpdated); err != nil {
			return pulled, merged, err
		}
	}
	if pulled > 0 {
		s.logger.Info("pulled remote changes",
			zap.String("table", table.Name),
			zap.Int("rows", pulled),
			zap.Int("merged", merged))
	}
	return pulled, merged, nil
}

// push drains the pending queue in batches. Applied and rejected items
// are acknowledged; rejected ones are logged and dropped because they
// will never be accepted. Items the remote failed on transiently stay
// queued for the next cycle.
func (s *Syncer) push(ctx context.Context) (pushed, rejected, retained int, err error) {
	for {
		items, err := s.local.Pending(ctx, s.scope, s.page)
		if err != nil {
			return pushed, rejected, retained, err
		}
		if len(items) == 0 {
			return pushed, rejected, retained, nil
		}

		resp, err := s.remote.Apply(ctx, ApplyRequest{
			CompanyID:  s.scope.CompanyID,
			LocationID: s.scope.LocationID,
			Items:      items,
		})
		if err != nil {
			return pushed, rejected, retained, err
		}

		statusByID := make(map[string]remotestore.ItemResult, len(resp.Results))
		for _, result := range resp.Results {
			statusByID[result.ItemID] = result
		}

		ack := make([]string, 0, len(items))
		batchRetained := 0
		for _, item := range items {
			result, ok := statusByID[item.ID]
			if !ok {
				batchRetained++
				continue
			}
			switch result.Status {
			case remotestore.ItemApplied:
				pushed++
				ack = append(ack, item.ID)
				s.metrics.ItemsPushed.WithLabelValues("applied").Inc()
			case remotestore.ItemRejected:
				rejected++
				ack = append(ack, item.ID)
				s.metrics.ItemsPushed.WithLabelValues("rejected").Inc()
				s.logger.Warn("change rejected by remote",
					zap.String("change_id", item.ID),
					zap.String("table", item.Table),
					zap.String("op", string(item.Op)),
					zap.String("reason", result.Reason))
			default:
				batchRetained++
				s.metrics.ItemsPushed.WithLabelValues("failed").Inc()
			}
		}
		retained += batchRetained
		if len(ack) > 0 {
			if err := s.local.Ack(ctx, ack); err != nil {
				return pushed, rejected, retained, err
			}
		}
		// A batch that only produced retained items would loop
		// forever; leave them for the next cycle instead.
		if len(ack) == 0 {
			return pushed, rejected, retained, nil
		}
		if len(items) < s.page {
			return pushed, rejected, retained, nil
		}
	}
}
