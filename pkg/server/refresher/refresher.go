// Package refresher queries configured feeds on cron schedules so the cache
// and the guard history stay warm between client requests.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrDuplicateFeed is returned when a feed is scheduled twice.
	ErrDuplicateFeed = errors.New("feed already scheduled")
	// ErrInvalidSchedule wraps cron parse failures.
	ErrInvalidSchedule = errors.New("invalid refresh schedule")
)

// Querier is the part of the query service the refresher drives.
type Querier interface {
	Query(ctx context.Context, feedID string, opts query.Options) (*query.Response, error)
}

// parser accepts optional seconds and descriptors such as "@every 30s".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule checks a refresh schedule without scheduling it.
func ParseSchedule(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, schedule, err)
	}
	return nil
}

// Refresher runs one cron entry per feed.
type Refresher struct {
	svc     Querier
	cron    *cron.Cron
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped refresher. A non-positive timeout uses 10s.
func New(svc Querier, timeout time.Duration, logger *logging.Logger) *Refresher {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger = logger.With("component", "refresher")
	adapter := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		svc:     svc,
		timeout: timeout,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
	}
}

// Add schedules feedID. The schedule is a cron expression with optional
// seconds or a descriptor like "@every 1m".
func (r *Refresher) Add(feedID, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[feedID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFeed, feedID)
	}
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidSchedule, feedID, schedule, err)
	}
	r.entries[feedID] = r.cron.Schedule(sched, cron.FuncJob(func() {
		r.Refresh(r.ctx, feedID)
	}))
	r.logger.Debug("Scheduled feed refresh", "feed", feedID, "schedule", schedule)
	return nil
}

// Remove unschedules feedID.
func (r *Refresher) Remove(feedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[feedID]; ok {
		r.cron.Remove(id)
		delete(r.entries, feedID)
	}
}

// Feeds lists the scheduled feeds.
func (r *Refresher) Feeds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for feed := range r.entries {
		out = append(out, feed)
	}
	sort.Strings(out)
	return out
}

// Next returns the next scheduled run of feedID.
func (r *Refresher) Next(feedID string) (time.Time, bool) {
	r.mu.Lock()
	id, ok := r.entries[feedID]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(id).Next, true
}

// Start runs the scheduler until ctx is done or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.logger.Info("Starting refresher", "feeds", len(r.Feeds()))
	r.cron.Start()
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.ctx.Done():
		}
	}()
}

// Stop halts scheduling, cancels running refreshes and waits for them.
func (r *Refresher) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}

// RefreshAll refreshes every scheduled feed once.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, feed := range r.Feeds() {
		r.Refresh(ctx, feed)
	}
}

// Refresh queries one feed bypassing the cache and returns the outcome label
// it recorded.
func (r *Refresher) Refresh(ctx context.Context, feedID string) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.svc.Query(ctx, feedID, query.Options{})
	status := "success"
	switch {
	case err != nil:
		status = strings.ToLower(string(oracle.KindOf(err)))
		if status == "" {
			status = "error"
		}
		r.logger.Warn("Feed refresh failed", "feed", feedID, "error", err)
	case !resp.Result.Authoritative():
		status = "advisory"
		r.logger.Debug("Feed refresh produced advisory result", "feed", feedID)
	default:
		r.logger.Debug("Feed refreshed", "feed", feedID, "value", resp.Value)
	}
	metrics.RecordRefresh(feedID, status)
	return status
}

// cronLogger routes cron's logr-style calls to the service logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
