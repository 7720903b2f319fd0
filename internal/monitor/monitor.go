// Package monitor runs check cycles: it fetches every configured source,
// decides what is new, notifies, and persists the dedup state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/dedup"
	"github.com/ppiankov/changebell/internal/logging"
	"github.com/ppiankov/changebell/internal/notify"
	"github.com/ppiankov/changebell/internal/privacy"
	"github.com/ppiankov/changebell/internal/source"
	"github.com/ppiankov/changebell/internal/store"
)

// ErrCheckInProgress is returned when a cycle is requested while one runs.
// The request is dropped, not queued.
var ErrCheckInProgress = errors.New("check already in progress")

const (
	cycleFetchTimeout = 3 * time.Minute
	pruneEvery        = 24 * time.Hour
	selfSourceName    = "changebell"
)

// Store persists dedup state and notification history.
type Store interface {
	LoadSourceStates(ctx context.Context) (map[string]store.SourceState, error)
	SaveSourceState(ctx context.Context, name, lastKnownID string, checkedAt time.Time) error
	TouchSourceCheck(ctx context.Context, name string, checkedAt time.Time) error
	RecordDelivery(ctx context.Context, d store.Delivery) (store.Delivery, error)
	PruneDeliveries(ctx context.Context, retainDays int) (int64, error)
}

// Dispatcher delivers formatted notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notify.Request) (notify.Outcome, error)
}

// Scheduler triggers periodic cycles.
type Scheduler interface {
	Start(intervalMinutes int, onTick func())
	Stop()
	Restart(intervalMinutes int)
}

// ConfigUpdater merges and persists partial configuration updates.
type ConfigUpdater interface {
	Update(patch config.Patch) (*config.Config, error)
}

// ChangelogFactory builds the changelog fetcher for a configuration.
type ChangelogFactory func(cfg config.ChangelogConfig) (source.ChangelogFetcher, error)

// Deps are the collaborators of a Monitor. Dispatcher is required; Store,
// Scheduler and Config are optional.
type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Scheduler  Scheduler
	Config     ConfigUpdater
	Feeds      source.FeedFetcher
	Changelog  ChangelogFactory
	Logger     logging.Logger
	Now        func() time.Time
}

// Monitor orchestrates check cycles. At most one cycle runs at a time.
type Monitor struct {
	store      Store
	dispatcher Dispatcher
	scheduler  Scheduler
	updater    ConfigUpdater
	feeds      source.FeedFetcher
	newCL      ChangelogFactory
	log        logging.Logger
	now        func() time.Time
	tracker    dedup.Tracker

	checking atomic.Bool

	mu              sync.Mutex
	cfg             *config.Config
	pending         *config.Config
	sources         []*dedup.Source
	changelog       source.ChangelogFetcher
	redact          *privacy.Redactor
	lastReport      *CycleReport
	lastPrune       time.Time
	running         bool
	onOpen          func(url string)
	onConfigChanged func(*config.Config)
	onNotification  func(notify.Request)
}

// New builds a monitor for cfg and hydrates source state from the store.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Monitor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Feeds == nil {
		deps.Feeds = source.NewFeedSource(nil)
	}
	if deps.Changelog == nil {
		deps.Changelog = DefaultChangelog
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m := &Monitor{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		scheduler:  deps.Scheduler,
		updater:    deps.Config,
		feeds:      deps.Feeds,
		newCL:      deps.Changelog,
		log:        deps.Logger.With(logging.String("comp", "monitor")),
		now:        deps.Now,
	}

	if opener, ok := deps.Dispatcher.(interface{ SetOnOpen(func(string)) }); ok {
		opener.SetOnOpen(m.openURL)
	}

	m.mu.Lock()
	m.applyLocked(cfg.Clone())
	m.mu.Unlock()

	if err := m.hydrate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultChangelog reads the changelog from GitHub.
func DefaultChangelog(cfg config.ChangelogConfig) (source.ChangelogFetcher, error) {
	return source.NewChangelogSource(source.ChangelogConfig{
		Owner:  cfg.Owner,
		Repo:   cfg.Repo,
		Path:   cfg.Path,
		Branch: cfg.Branch,
		Token:  cfg.Token,
	}, nil)
}

func (m *Monitor) hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	states, err := m.store.LoadSourceStates(ctx)
	if err != nil {
		return fmt.Errorf("load source state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if st, ok := states[src.Name]; ok {
			src.LastKnownID = st.LastKnownID
			src.LastCheckTime = st.LastCheckTime
		}
	}
	return nil
}

// applyLocked makes cfg the effective configuration. Sources are rebuilt and
// keep their state by name. Caller holds m.mu and no cycle is running.
func (m *Monitor) applyLocked(cfg *config.Config) {
	prevCfg := m.cfg
	prev := make(map[string]*dedup.Source, len(m.sources))
	for _, s := range m.sources {
		prev[s.Name] = s
	}

	if prevCfg == nil || prevCfg.Changelog != cfg.Changelog || m.changelog == nil {
		m.changelog = nil
		if !cfg.Changelog.Disabled {
			cl, err := m.newCL(cfg.Changelog)
			if err != nil {
				m.log.Error("changelog source disabled", logging.Err(err))
			} else {
				m.changelog = cl
			}
		}
	}

	var sources []*dedup.Source
	if m.changelog != nil {
		sources = append(sources, carry(prev, &dedup.Source{
			Name:   cfg.Changelog.Name,
			Label:  cfg.Changelog.Label,
			Kind:   dedup.KindChangelog,
			Target: fmt.Sprintf("github:%s/%s/%s@%s", cfg.Changelog.Owner, cfg.Changelog.Repo, cfg.Changelog.Path, cfg.Changelog.Branch),
			WebURL: m.changelog.WebURL(),
		}))
	}
	for _, f := range cfg.Feeds {
		sources = append(sources, carry(prev, &dedup.Source{
			Name:   f.Name,
			Label:  f.Label,
			Kind:   dedup.KindFeed,
			Target: f.FeedURL,
			WebURL: f.WebURL,
		}))
	}

	redact, err := privacy.NewRedactor(cfg.Storage.RedactPatterns, cfg.Changelog.Token)
	if err != nil {
		m.log.Error("redact patterns ignored", logging.Err(err))
		redact, _ = privacy.NewRedactor(nil, cfg.Changelog.Token)
	}

	m.redact = redact
	m.sources = sources
	m.cfg = cfg
}

// scrub removes credentials from error text before it is reported or stored.
func (m *Monitor) scrub(text string) string {
	m.mu.Lock()
	r := m.redact
	m.mu.Unlock()
	return r.Redact(text)
}

func carry(prev map[string]*dedup.Source, src *dedup.Source) *dedup.Source {
	if old, ok := prev[src.Name]; ok {
		src.LastKnownID = old.LastKnownID
		src.LastCheckTime = old.LastCheckTime
	}
	return src
}

// OnOpen registers the handler for notification clicks.
func (m *Monitor) OnOpen(fn func(url string)) {
	m.mu.Lock()
	m.onOpen = fn
	m.mu.Unlock()
}

// OnConfigChanged registers the handler called after a configuration is applied.
func (m *Monitor) OnConfigChanged(fn func(*config.Config)) {
	m.mu.Lock()
	m.onConfigChanged = fn
	m.mu.Unlock()
}

// OnNotification registers the handler called before each dispatch.
func (m *Monitor) OnNotification(fn func(notify.Request)) {
	m.mu.Lock()
	m.onNotification = fn
	m.mu.Unlock()
}

func (m *Monitor) openURL(url string) {
	m.mu.Lock()
	fn := m.onOpen
	m.mu.Unlock()
	if fn != nil {
		fn(url)
	}
}

func (m *Monitor) emit(req notify.Request) {
	m.mu.Lock()
	fn := m.onNotification
	m.mu.Unlock()
	if fn != nil {
		fn(req)
	}
}

// Start schedules periodic cycles with the configured interval. Cycles run
// with ctx.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	interval := m.cfg.Notification.PollIntervalMinutes
	m.running = true
	m.mu.Unlock()

	if m.scheduler == nil {
		return
	}
	m.scheduler.Start(interval, func() { m.tick(ctx) })
}

// Stop cancels future cycles. A running cycle completes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := m.CheckNow(ctx); err != nil {
		if errors.Is(err, ErrCheckInProgress) {
			m.log.Debug("tick skipped; check in progress")
			return
		}
		m.log.Warn("scheduled check failed", logging.Err(err))
	}
}

// Checking reports whether a cycle is running.
func (m *Monitor) Checking() bool { return m.checking.Load() }

// CheckNow runs one cycle synchronously. While another cycle is running it
// returns ErrCheckInProgress without doing anything.
func (m *Monitor) CheckNow(ctx context.Context) (*CycleReport, error) {
	if !m.checking.CompareAndSwap(false, true) {
		return nil, ErrCheckInProgress
	}

	m.mu.Lock()
	cfg := m.cfg
	sources := m.sources
	changelog := m.changelog
	m.mu.Unlock()

	report := m.runCycle(ctx, cfg, sources, changelog)

	m.mu.Lock()
	m.lastReport = report
	if m.pending != nil {
		m.applyLocked(m.pending)
		m.pending = nil
	}
	m.checking.Store(false)
	m.mu.Unlock()

	m.maybePrune(ctx, cfg)
	return report, nil
}

type checkResult struct {
	result dedup.Result
	entry  *source.ChangelogEntry
	err    error
}

func (m *Monitor) runCycle(ctx context.Context, cfg *config.Config, sources []*dedup.Source, changelog source.ChangelogFetcher) *CycleReport {
	report := &CycleReport{StartedAt: m.now()}
	m.log.Debug("cycle started", logging.Int("sources", len(sources)))

	// Fetch and decide concurrently; source state is only read here.
	results := make([]checkResult, len(sources))
	fetchCtx, cancel := context.WithTimeout(ctx, cycleFetchTimeout)
	var wg sync.WaitGroup
	for i, src := range sources {
		snapshot := *src
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.check(fetchCtx, snapshot, changelog)
		}()
	}
	wg.Wait()
	cancel()

	// Dispatch and persist sequentially in configured order.
	for i, src := range sources {
		sr := m.settle(ctx, cfg, src, results[i])
		if sr.Failed() {
			report.Failed++
		}
		if sr.Result == dedup.New.String() && sr.DispatchError == "" && !sr.Suppressed && !sr.Aborted {
			report.Dispatched++
		}
		report.Sources = append(report.Sources, sr)
	}

	report.Aborted = ctx.Err() != nil
	if report.AllFailed() && !report.Aborted {
		report.AggregateError = true
		if cfg.Notification.Enabled {
			m.notifyFailure(ctx)
		}
	}

	report.FinishedAt = m.now()
	m.log.Info("cycle finished",
		logging.Int("sources", len(report.Sources)),
		logging.Int("dispatched", report.Dispatched),
		logging.Int("failed", report.Failed),
		logging.Bool("aborted", report.Aborted),
		logging.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

// check fetches one source and decides novelty. Fetch and parse failures
// stay inside the result.
func (m *Monitor) check(ctx context.Context, src dedup.Source, changelog source.ChangelogFetcher) checkResult {
	log := m.log.With(logging.String("source", src.Name))

	var (
		latest *source.ContentItem
		entry  *source.ChangelogEntry
	)
	switch src.Kind {
	case dedup.KindChangelog:
		if changelog == nil {
			return checkResult{result: dedup.Result{Kind: dedup.NoItem}}
		}
		entries, err := changelog.FetchChangelog(ctx)
		if err != nil {
			logSourceError(log, err)
			return checkResult{result: dedup.Result{Kind: dedup.NoItem}, err: err}
		}
		if len(entries) > 0 {
			e := entries[0]
			item := e.Item()
			latest, entry = &item, &e
		}
	default:
		items, err := m.feeds.FetchFeed(ctx, src.Target)
		if err != nil {
			logSourceError(log, err)
			return checkResult{result: dedup.Result{Kind: dedup.NoItem}, err: err}
		}
		if len(items) > 0 {
			latest = &items[0]
		}
	}

	res := m.tracker.Decide(src, latest)
	log.Debug("source checked", logging.String("result", res.Kind.String()))
	return checkResult{result: res, entry: entry}
}

func logSourceError(log logging.Logger, err error) {
	var (
		fe *source.FetchError
		pe *source.ParseError
	)
	switch {
	case errors.As(err, &fe):
		log.Warn("source fetch failed", logging.Int("status", fe.StatusCode), logging.Err(err))
	case errors.As(err, &pe):
		log.Warn("source parse failed", logging.Err(err))
	default:
		log.Warn("source check failed", logging.Err(err))
	}
}

// settle acts on one decision: dispatch, history and dedup state.
func (m *Monitor) settle(ctx context.Context, cfg *config.Config, src *dedup.Source, r checkResult) SourceReport {
	sr := SourceReport{
		Name:   src.Name,
		Label:  src.Label,
		Kind:   string(src.Kind),
		Result: r.result.Kind.String(),
	}
	if r.err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(r.err, cerr) {
			sr.Aborted = true
			return sr
		}
		sr.Error = m.scrub(r.err.Error())
		return sr
	}

	now := m.now()
	log := m.log.With(logging.String("source", src.Name))

	switch r.result.Kind {
	case dedup.Unchanged:
		m.touch(src, now)
		m.persistTouch(ctx, src.Name, now)

	case dedup.New:
		item := r.result.Item
		sr.ItemID = item.GUID
		sr.ItemTitle = item.Title

		if !cfg.Notification.Enabled {
			// The item stays unseen so it is announced once notifications return.
			sr.Suppressed = true
			m.touch(src, now)
			m.persistTouch(ctx, src.Name, now)
			log.Info("new item not announced; notifications disabled", logging.String("item", item.GUID))
			return sr
		}

		// A cancelled cycle leaves the item unseen so the next cycle announces it.
		if ctx.Err() != nil {
			sr.Aborted = true
			log.Info("new item not announced; check cancelled", logging.String("item", item.GUID))
			return sr
		}

		req := m.buildRequest(cfg, src, r)
		m.emit(req)
		out, err := m.dispatcher.Dispatch(ctx, req)
		if err != nil && len(out.Attempts) == 0 && ctx.Err() != nil {
			sr.Aborted = true
			log.Info("new item not announced; check cancelled", logging.String("item", item.GUID), logging.Err(err))
			return sr
		}
		if err != nil {
			sr.DispatchError = m.scrub(err.Error())
			log.Warn("notification failed", logging.String("item", item.GUID), logging.Err(err))
		}
		sr.Mechanism = out.Mechanism
		m.recordDelivery(ctx, src.Name, string(src.Kind), req, out, err)

		m.mu.Lock()
		m.tracker.RecordSeen(src, item.GUID, now)
		m.mu.Unlock()
		if m.store != nil {
			if err := m.store.SaveSourceState(context.WithoutCancel(ctx), src.Name, item.GUID, now); err != nil {
				log.Error("persist source state failed", logging.Err(err))
			}
		}
	}
	return sr
}

// touch records a check time. Source fields are guarded by m.mu for Status.
func (m *Monitor) touch(src *dedup.Source, now time.Time) {
	m.mu.Lock()
	m.tracker.Touch(src, now)
	m.mu.Unlock()
}

func (m *Monitor) buildRequest(cfg *config.Config, src *dedup.Source, r checkResult) notify.Request {
	sound := cfg.Notification.SoundEnabled
	if src.Kind == dedup.KindChangelog && r.entry != nil {
		return notify.ChangelogRequest(src.Label, *r.entry, src.WebURL, sound)
	}
	return notify.BlogRequest(src.Label, *r.result.Item, src.WebURL, sound)
}

func (m *Monitor) persistTouch(ctx context.Context, name string, at time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.TouchSourceCheck(context.WithoutCancel(ctx), name, at); err != nil {
		m.log.Error("persist check time failed", logging.String("source", name), logging.Err(err))
	}
}

func (m *Monitor) notifyFailure(ctx context.Context) {
	req := notify.ErrorRequest()
	m.emit(req)
	out, err := m.dispatcher.Dispatch(ctx, req)
	if err != nil {
		m.log.Warn("error notification failed", logging.Err(err))
	}
	m.recordDelivery(ctx, selfSourceName, "error", req, out, err)
}

func (m *Monitor) recordDelivery(ctx context.Context, sourceName, kind string, req notify.Request, out notify.Outcome, derr error) {
	if m.store == nil {
		return
	}
	d := store.Delivery{
		ID:        out.ID,
		Source:    sourceName,
		Kind:      kind,
		Title:     req.Title,
		Body:      req.Body,
		URL:       req.URL,
		Mechanism: out.Mechanism,
		CreatedAt: m.now(),
	}
	if derr != nil {
		d.Error = m.scrub(derr.Error())
	}
	if _, err := m.store.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
		m.log.Error("record delivery failed", logging.Err(err))
	}
}

func (m *Monitor) maybePrune(ctx context.Context, cfg *config.Config) {
	if m.store == nil || cfg.Storage.RetainDays <= 0 || ctx.Err() != nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	due := now.Sub(m.lastPrune) >= pruneEvery
	if due {
		m.lastPrune = now
	}
	m.mu.Unlock()
	if !due {
		return
	}
	n, err := m.store.PruneDeliveries(ctx, cfg.Storage.RetainDays)
	if err != nil {
		m.log.Warn("prune history failed", logging.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("pruned notification history", logging.Int("rows", int(n)))
	}
}

// TestNotification sends the fixed test notification through the dispatcher.
func (m *Monitor) TestNotification(ctx context.Context) error {
	m.mu.Lock()
	sound := m.cfg.Notification.SoundEnabled
	m.mu.Unlock()

	req := notify.TestRequest(sound)
	m.emit(req)
	out, err := m.dispatcher.Dispatch(ctx, req)
	m.recordDelivery(ctx, selfSourceName, "test", req, out, err)
	return err
}

// UpdateConfig merges patch into the configuration, persists it and applies
// the result.
func (m *Monitor) UpdateConfig(_ context.Context, patch config.Patch) (*config.Config, error) {
	if m.updater == nil {
		return nil, errors.New("configuration updates are not available")
	}
	if patch.IsEmpty() {
		return m.Config(), nil
	}
	cfg, err := m.updater.Update(patch)
	if err != nil {
		return nil, err
	}
	m.ApplyConfig(cfg)
	return cfg.Clone(), nil
}

// ApplyConfig makes cfg effective. Flags and sources switch at the next cycle
// boundary; the poller is restarted right away when the interval changed.
func (m *Monitor) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	cfg = cfg.Clone()

	m.mu.Lock()
	prevInterval := m.cfg.Notification.PollIntervalMinutes
	if m.pending != nil {
		prevInterval = m.pending.Notification.PollIntervalMinutes
	}
	if m.checking.Load() {
		m.pending = cfg
	} else {
		m.applyLocked(cfg)
	}
	running := m.running
	cb := m.onConfigChanged
	m.mu.Unlock()

	interval := cfg.Notification.PollIntervalMinutes
	if running && m.scheduler != nil && interval != prevInterval {
		m.scheduler.Restart(interval)
		m.log.Info("poll interval changed", logging.Int("from", prevInterval), logging.Int("to", interval))
	}
	m.log.Info("configuration applied",
		logging.Bool("enabled", cfg.Notification.Enabled),
		logging.Bool("sound", cfg.Notification.SoundEnabled),
		logging.Int("feeds", len(cfg.Feeds)),
	)
	if cb != nil {
		cb(cfg.Clone())
	}
}

// Config returns the most recently applied configuration.
func (m *Monitor) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return m.pending.Clone()
	}
	return m.cfg.Clone()
}

// Status returns a snapshot for presentation.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	st := Status{
		Checking:        m.checking.Load(),
		Running:         m.running,
		Enabled:         cfg.Notification.Enabled,
		SoundEnabled:    cfg.Notification.SoundEnabled,
		IntervalMinutes: cfg.Notification.PollIntervalMinutes,
		LastCycle:       m.lastReport,
	}
	if nr, ok := m.scheduler.(interface{ NextRun() time.Time }); ok && m.running {
		st.NextRun = nr.NextRun()
	}
	for _, s := range m.sources {
		st.Sources = append(st.Sources, SourceStatus{
			Name:          s.Name,
			Label:         s.Label,
			Kind:          string(s.Kind),
			Target:        s.Target,
			WebURL:        s.WebURL,
			LastKnownID:   s.LastKnownID,
			LastCheckTime: s.LastCheckTime,
		})
	}
	return st
}
