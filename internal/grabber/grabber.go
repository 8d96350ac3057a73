// Package grabber wires session clients, the worklist and the race
// scheduler into the operations the CLI and MCP server expose.
package grabber

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/enroll/internal/enrollerr"
	"github.com/joescharf/enroll/internal/jwc"
	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/race"
	"github.com/joescharf/enroll/internal/worklist"
)

// EndpointConfig names one backend. Host may carry a path prefix
// ("jiaowu.swjtu.edu.cn/TMS") and an explicit scheme, which skips scheme
// detection.
type EndpointConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Host string `mapstructure:"host" yaml:"host"`
}

// DefaultEndpoints are the two known deployments.
var DefaultEndpoints = []EndpointConfig{
	{Name: "jwc", Host: "jwc.swjtu.edu.cn"},
	{Name: "tms", Host: "jiaowu.swjtu.edu.cn/TMS"},
}

// Config configures a Grabber.
type Config struct {
	Credential   models.Credential
	Endpoints    []EndpointConfig
	Solver       jwc.Solver
	CodeLength   int
	MaxAttempts  int
	RetryDelay   time.Duration
	Timeout      time.Duration
	ClaimTimeout time.Duration
	ProbeTimeout time.Duration
	UserAgent    string
	Transport    http.RoundTripper
}

// Store is the persistence the grabber needs. store.SQLiteStore satisfies
// it.
type Store interface {
	worklist.Persister
	race.AttemptStore
	CreateRace(ctx context.Context, r *models.Race) error
	FinishRace(ctx context.Context, r *models.Race) error
}

// SessionStatus describes one endpoint session.
type SessionStatus struct {
	Name          string
	Base          string
	Authenticated bool
	Err           error
}

// Status is a point-in-time view for control surfaces.
type Status struct {
	State    race.State
	Round    int
	Claimed  int
	Race     *models.Race
	Sessions []SessionStatus
	Items    []models.Item
	Results  []race.Result
	System   []race.SystemEvent
}

// Grabber owns the sessions, the worklist and at most one running race.
type Grabber struct {
	cfg     Config
	store   Store
	logger  *zap.Logger
	list    *worklist.Worklist
	journal *race.Journal
	sink    race.Sink

	mu       sync.Mutex
	clients  []*jwc.Client
	errs     map[string]error
	sched    *race.Scheduler
	current  *models.Race
	raceDone chan struct{}
}

// New creates a Grabber. extra receives both event streams in addition to
// the in-memory journal and the logger; it may be nil.
func New(cfg Config, st Store, extra race.Sink, logger *zap.Logger) *Grabber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	journal := race.NewJournal(race.DefaultJournalSize)
	sinks := race.Tee{journal, race.NewLogSink(logger)}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	var persister worklist.Persister
	if st != nil {
		persister = st
	}
	return &Grabber{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		list:    worklist.New(persister),
		journal: journal,
		sink:    sinks,
		errs:    make(map[string]error),
	}
}

// Worklist returns the grabber's worklist.
func (g *Grabber) Worklist() *worklist.Worklist { return g.list }

// Journal returns the in-memory event log.
func (g *Grabber) Journal() *race.Journal { return g.journal }

// Load reads the worklist from the store.
func (g *Grabber) Load(ctx context.Context) error {
	return g.list.Load(ctx)
}

func (g *Grabber) system(level zapcore.Level, format string, args ...any) {
	g.sink.System(race.SystemEvent{Level: level, Message: fmt.Sprintf(format, args...), At: time.Now()})
}

// Connect builds a fresh client per configured endpoint and authenticates
// all of them concurrently. It waits for every endpoint to finish and fails
// only when none authenticated.
func (g *Grabber) Connect(ctx context.Context) ([]SessionStatus, error) {
	if g.racing() {
		return nil, enrollerr.New(enrollerr.KindPrecondition, "connect", "a race is running")
	}
	if g.cfg.Solver == nil {
		return nil, enrollerr.New(enrollerr.KindPrecondition, "connect", "no captcha solver configured")
	}

	clients := make([]*jwc.Client, len(g.cfg.Endpoints))
	errs := make([]error, len(g.cfg.Endpoints))

	var eg errgroup.Group
	for i, ec := range g.cfg.Endpoints {
		eg.Go(func() error {
			c, err := g.newClient(ctx, ec)
			if err != nil {
				errs[i] = err
				g.system(zapcore.ErrorLevel, "%s: %v", ec.Name, err)
				return nil
			}
			clients[i] = c
			g.system(zapcore.InfoLevel, "%s: logging in at %s", ec.Name, c.Endpoint().Base)
			if err := c.Authenticate(ctx, g.cfg.MaxAttempts, g.cfg.RetryDelay); err != nil {
				errs[i] = err
				g.system(zapcore.ErrorLevel, "%s: login failed: %v", ec.Name, err)
				return nil
			}
			g.system(zapcore.InfoLevel, "%s: logged in", ec.Name)
			return nil
		})
	}
	_ = eg.Wait()

	g.mu.Lock()
	g.clients = g.clients[:0]
	g.errs = make(map[string]error)
	for i, ec := range g.cfg.Endpoints {
		if clients[i] != nil {
			g.clients = append(g.clients, clients[i])
		}
		if errs[i] != nil {
			g.errs[ec.Name] = errs[i]
		}
	}
	g.mu.Unlock()

	statuses := g.Sessions()
	for _, s := range statuses {
		if s.Authenticated {
			return statuses, nil
		}
	}
	return statuses, enrollerr.New(enrollerr.KindAuthFailed, "connect", "no endpoint authenticated")
}

func (g *Grabber) newClient(ctx context.Context, ec EndpointConfig) (*jwc.Client, error) {
	var ep jwc.Endpoint
	if strings.HasPrefix(ec.Host, "http://") || strings.HasPrefix(ec.Host, "https://") {
		ep = jwc.NewEndpoint(ec.Name, ec.Host)
	} else {
		hc := &http.Client{Transport: g.cfg.Transport}
		ep = jwc.DetectEndpoint(ctx, hc, ec.Name, ec.Host, g.cfg.ProbeTimeout, g.logger)
	}
	return jwc.New(jwc.Config{
		Endpoint:     ep,
		Credential:   g.cfg.Credential,
		Solver:       g.cfg.Solver,
		CodeLength:   g.cfg.CodeLength,
		Timeout:      g.cfg.Timeout,
		ClaimTimeout: g.cfg.ClaimTimeout,
		UserAgent:    g.cfg.UserAgent,
		Transport:    g.cfg.Transport,
		Logger:       g.logger.Named("jwc"),
	})
}

// Sessions reports every configured endpoint in configuration order.
func (g *Grabber) Sessions() []SessionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	byName := make(map[string]*jwc.Client, len(g.clients))
	for _, c := range g.clients {
		byName[c.Name()] = c
	}
	out := make([]SessionStatus, 0, len(g.cfg.Endpoints))
	for _, ec := range g.cfg.Endpoints {
		s := SessionStatus{Name: ec.Name, Base: ec.Host, Err: g.errs[ec.Name]}
		if c, ok := byName[ec.Name]; ok {
			s.Base = c.Endpoint().Base
			s.Authenticated = c.Authenticated()
		}
		out = append(out, s)
	}
	return out
}

func (g *Grabber) firstLive() (*jwc.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.clients {
		if c.Authenticated() {
			return c, nil
		}
	}
	return nil, enrollerr.New(enrollerr.KindPrecondition, "resolve", "no authenticated session, log in first")
}

// Search resolves a public code through the first live session.
func (g *Grabber) Search(ctx context.Context, code string) (string, error) {
	c, err := g.firstLive()
	if err != nil {
		return "", err
	}
	return c.Resolve(ctx, code)
}

// AddItem resolves code and appends it to the worklist.
func (g *Grabber) AddItem(ctx context.Context, code, note string, companion bool) (*models.Item, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("add item: empty course code")
	}
	handle, err := g.Search(ctx, code)
	if err != nil {
		return nil, err
	}
	item := &models.Item{PublicCode: code, Handle: handle, Note: note, Companion: companion}
	if err := g.list.Add(ctx, item); err != nil {
		return nil, err
	}
	g.system(zapcore.InfoLevel, "added %s -> %s", item.Label(), handle)
	return item, nil
}

// find matches an item by public code, handle or id.
func (g *Grabber) find(ref string) (models.Item, bool) {
	for _, it := range g.list.Snapshot() {
		if it.PublicCode == ref || it.Handle == ref || it.ID == ref {
			return it, true
		}
	}
	return models.Item{}, false
}

// RemoveItem removes the item matching ref (code, handle or id).
func (g *Grabber) RemoveItem(ctx context.Context, ref string) (models.Item, error) {
	it, ok := g.find(ref)
	if !ok {
		return models.Item{}, fmt.Errorf("remove %s: %w", ref, worklist.ErrUnknownItem)
	}
	if err := g.list.Remove(ctx, it.Handle); err != nil {
		return it, err
	}
	g.system(zapcore.InfoLevel, "removed %s", it.Label())
	return it, nil
}

// Reset clears claimed flags for the referenced items, or for all items
// when refs is empty.
func (g *Grabber) Reset(ctx context.Context, refs ...string) (int, error) {
	handles := make([]string, 0, len(refs))
	for _, ref := range refs {
		it, ok := g.find(ref)
		if !ok {
			return 0, fmt.Errorf("reset %s: %w", ref, worklist.ErrUnknownItem)
		}
		handles = append(handles, it.Handle)
	}
	n, err := g.list.Reset(ctx, handles...)
	if n > 0 {
		g.system(zapcore.InfoLevel, "reset %d claimed item(s)", n)
	}
	return n, err
}

func (g *Grabber) racing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sched != nil && g.sched.State() != race.Idle
}

// StartRace starts a race over the live sessions and records it in the
// store. It returns once the race is running.
func (g *Grabber) StartRace(ctx context.Context, opts race.Options) (*models.Race, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sched != nil && g.sched.State() != race.Idle {
		return nil, enrollerr.New(enrollerr.KindPrecondition, "start race", "a race is already running")
	}

	claimers := make([]race.Claimer, 0, len(g.clients))
	live := 0
	for _, c := range g.clients {
		claimers = append(claimers, c)
		if c.Authenticated() {
			live++
		}
	}
	if live == 0 {
		return nil, enrollerr.New(enrollerr.KindPrecondition, "start race", "no authenticated session, log in first")
	}
	if g.list.Len() == 0 {
		return nil, enrollerr.New(enrollerr.KindPrecondition, "start race", "worklist is empty")
	}

	rec := &models.Race{StartedAt: time.Now().UTC()}
	sinks := race.Tee{g.sink}
	if g.store != nil {
		if err := g.store.CreateRace(ctx, rec); err != nil {
			g.system(zapcore.WarnLevel, "could not record race: %v", err)
		} else {
			sinks = append(sinks, race.NewRecorder(g.store, rec.ID, g.logger))
		}
	}

	sched := race.NewScheduler(g.list, claimers, sinks, g.logger.Named("race"))
	if err := sched.Start(ctx, opts); err != nil {
		if g.store != nil && rec.ID != "" {
			rec.Outcome = models.RaceOutcomeCancelled
			_ = g.store.FinishRace(ctx, rec)
		}
		return nil, err
	}

	g.sched = sched
	g.current = rec
	done := make(chan struct{})
	g.raceDone = done
	go g.finish(sched, rec, done)

	snapshot := *rec
	return &snapshot, nil
}

func (g *Grabber) finish(sched *race.Scheduler, rec *models.Race, done chan struct{}) {
	defer close(done)
	outcome := sched.Wait()

	g.mu.Lock()
	rec.Outcome = outcome
	rec.Rounds = sched.Round()
	rec.Claimed = sched.Claimed()
	now := time.Now().UTC()
	rec.EndedAt = &now
	g.mu.Unlock()

	if g.store != nil && rec.ID != "" {
		if err := g.store.FinishRace(context.Background(), rec); err != nil {
			g.system(zapcore.WarnLevel, "could not record race result: %v", err)
		}
	}
}

// StopRace asks the running race to drain. It is a no-op when idle.
func (g *Grabber) StopRace() {
	g.mu.Lock()
	sched := g.sched
	g.mu.Unlock()
	if sched != nil {
		g.system(zapcore.InfoLevel, "stop requested")
		sched.Stop()
	}
}

// WaitRace blocks until the current race has drained and been recorded,
// and returns its record. It returns nil if no race was started.
func (g *Grabber) WaitRace() *models.Race {
	g.mu.Lock()
	done := g.raceDone
	g.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot := *g.current
	return &snapshot
}

// Status returns the current state with up to n recent entries per event
// stream.
func (g *Grabber) Status(n int) Status {
	st := Status{
		Sessions: g.Sessions(),
		Items:    g.list.Snapshot(),
		Results:  g.journal.Results(n),
		System:   g.journal.SystemEvents(n),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sched != nil {
		st.State = g.sched.State()
		st.Round = g.sched.Round()
		st.Claimed = g.sched.Claimed()
	}
	if g.current != nil {
		r := *g.current
		st.Race = &r
	}
	return st
}

// Close logs out every session.
func (g *Grabber) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.clients {
		_ = c.Logout()
	}
}
