// Package cron delivers scheduled messages through the channel manager. Jobs
// come from config; a job without an explicit target goes to the most
// recently active conversation, which the adapters report through their
// reply-sent callback.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

// target is one (channel, user, session) conversation address.
type target struct {
	Channel   string
	UserID    string
	SessionID string
}

// Scheduler ticks once a minute and dispatches every due job as a SendText
// through the manager.
type Scheduler struct {
	manager *channels.Manager

	mu         sync.Mutex
	jobs       []config.CronJob
	lastActive target

	gron   *gronx.Gronx
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over the manager with the initial job set.
func NewScheduler(manager *channels.Manager, jobs []config.CronJob) *Scheduler {
	return &Scheduler{
		manager: manager,
		jobs:    jobs,
		gron:    gronx.New(),
	}
}

// RecordReply notes the most recently active conversation. Wire this as the
// adapters' OnReplySent callback.
func (s *Scheduler) RecordReply(channel, userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = target{Channel: channel, UserID: userID, SessionID: sessionID}
}

// SetJobs replaces the job set (config hot reload).
func (s *Scheduler) SetJobs(jobs []config.CronJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
}

// Start begins the minute ticker. No-op without jobs is fine; jobs may arrive
// later via SetJobs.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.tick(ctx, now)
			}
		}
	}()
}

// Stop halts the ticker and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	jobs := make([]config.CronJob, len(s.jobs))
	copy(jobs, s.jobs)
	last := s.lastActive
	s.mu.Unlock()

	for _, job := range jobs {
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("cron: bad schedule", "job", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}

		tgt := target{Channel: job.Channel, UserID: job.UserID, SessionID: job.SessionID}
		if tgt.Channel == "" {
			tgt = last
		}
		if tgt.Channel == "" {
			slog.Warn("cron: job has no target and no conversation seen yet, skipping", "job", job.Name)
			continue
		}

		slog.Info("cron dispatch", "job", job.Name, "channel", tgt.Channel, "session_id", tgt.SessionID)
		if err := s.manager.SendText(ctx, tgt.Channel, tgt.UserID, tgt.SessionID, job.Text, nil); err != nil {
			slog.Error("cron dispatch failed", "job", job.Name, "channel", tgt.Channel, "error", err)
		}
	}
}
