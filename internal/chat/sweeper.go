package chat

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultLivenessInterval  = 30 * time.Second
	DefaultReconcileInterval = 60 * time.Second
)

// SweepLiveness runs one liveness round. Connections that stayed silent since the previous
// round are terminated; the rest are marked suspect and pinged. A pong clears the mark.
func (m *Manager) SweepLiveness() int {
	terminated := 0
	for _, c := range m.Clients() {
		if !c.isAlive() {
			m.log.Info("liveness timeout", zap.String("client", c.Id))
			m.metrics.Terminated()
			m.Terminate(c)
			terminated++
			continue
		}
		c.markSuspect()
		if err := c.ping(); err != nil {
			m.log.Debug("ping failed", zap.String("client", c.Id), zap.Error(err))
		}
	}
	return terminated
}

// Sweeper schedules the liveness and reconciliation rounds as two cron entries
// that can be cancelled separately.
type Sweeper struct {
	m    *Manager
	cron *cron.Cron

	mu        sync.Mutex
	liveness  cron.EntryID
	reconcile cron.EntryID
}

func NewSweeper(m *Manager, livenessEvery, reconcileEvery time.Duration) *Sweeper {
	if livenessEvery <= 0 {
		livenessEvery = DefaultLivenessInterval
	}
	if reconcileEvery <= 0 {
		reconcileEvery = DefaultReconcileInterval
	}
	logger := cron.PrintfLogger(zap.NewStdLog(m.log.Named("sweeper")))
	s := &Sweeper{
		m: m,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	s.liveness = s.cron.Schedule(cron.Every(livenessEvery), cron.FuncJob(func() {
		if n := m.SweepLiveness(); n > 0 {
			m.log.Info("liveness sweep", zap.Int("terminated", n))
		}
	}))
	s.reconcile = s.cron.Schedule(cron.Every(reconcileEvery), cron.FuncJob(func() {
		if n := m.Reconcile(); n > 0 {
			m.log.Info("reconcile sweep", zap.Int("orphans", n))
		}
	}))
	return s
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop cancels both rounds. The returned context is done once a running round has finished.
func (s *Sweeper) Stop() context.Context { return s.cron.Stop() }

func (s *Sweeper) StopLiveness() { s.remove(&s.liveness) }

func (s *Sweeper) StopReconcile() { s.remove(&s.reconcile) }

// Scheduled is the number of rounds still registered.
func (s *Sweeper) Scheduled() int { return len(s.cron.Entries()) }

func (s *Sweeper) remove(id *cron.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *id == 0 {
		return
	}
	s.cron.Remove(*id)
	*id = 0
}
