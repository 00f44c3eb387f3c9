package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "autochirp/pkg/logx"
)

type Service struct {
	log logx.Logger

	// tmu guards the timer registry. It is never held across fire calls.
	tmu     sync.Mutex
	armed   map[Key]*armedTimer
	seq     uint64
	stopped bool
	fire    FireFunc

	// mu guards the cron side.
	mu     sync.Mutex
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		armed:  map[Key]*armedTimer{},
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// SetFireFunc installs the expiry handler. Call it before arming.
func (s *Service) SetFireFunc(fn FireFunc) {
	s.tmu.Lock()
	s.fire = fn
	s.tmu.Unlock()
}

// AddCron registers (or replaces, by name) a periodic job. Runs never
// overlap; a run still in progress makes the next tick skip.
func (s *Service) AddCron(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defs := s.defs[:0]
	for _, d := range s.defs {
		if d.name != name {
			defs = append(defs, d)
		}
	}
	s.defs = append(defs, cronDef{name: name, spec: spec, job: job})
	if s.c != nil {
		s.restartCronLocked()
	}
	return nil
}

// Start begins cron triggering.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.restartCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.location().String()), logx.Int("cron_jobs", len(s.defs)))
}

func (s *Service) location() *time.Location {
	if s.cfg.Location != nil {
		return s.cfg.Location
	}
	return time.Local
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := s.ctx
	for _, d := range s.defs {
		d := d
		if _, err := s.c.AddFunc(d.spec, func() { d.job(ctx) }); err != nil {
			s.log.Error("cron register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
			continue
		}
		s.log.Debug("cron registered", logx.String("name", d.name), logx.String("spec", d.spec))
	}
	s.c.Start()
}

// Stop halts cron, cancels every timer and refuses further arming. Timers
// are derived state; the next Start plus a recovery pass rebuilds them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	n := len(s.armed)
	for k, e := range s.armed {
		e.t.Stop()
		delete(s.armed, k)
	}
	s.stopped = true
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("disarmed", n), logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
