package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	"github.com/qwenbridge/gateway/internal/infrastructure/qwen"
	"github.com/qwenbridge/gateway/pkg/safego"
)

// cleanupPageLimit bounds how many chats one cleanup pass may delete, so a
// backlog never turns into a delete storm.
const cleanupPageLimit = 50

// IdentityPool is the pool surface the schedulers need.
type IdentityPool interface {
	Acquire() *entity.Identity
	RefreshExpired(ctx context.Context, window time.Duration)
}

// ChatJanitor lists and deletes upstream chats.
type ChatJanitor interface {
	ListChats(ctx context.Context, ident *entity.Identity, page int) ([]qwen.ChatSummary, error)
	DeleteChat(ctx context.Context, ident *entity.Identity, chatID string) error
}

// Options tune the two background loops.
type Options struct {
	RefreshInterval time.Duration // token refresh period (default 24h)
	WarningWindow   time.Duration // refresh tokens expiring within this window (default 7d)
	CleanupInterval time.Duration // chat cleanup period (default 60m)
	KeepRecent      int           // upstream chats to keep per cleanup pass (default 10)
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 24 * time.Hour
	}
	if o.WarningWindow <= 0 {
		o.WarningWindow = 7 * 24 * time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 10
	}
	return o
}

// Scheduler runs the two background loops: periodic token refresh and
// best-effort upstream chat cleanup. Both are fire-and-forget; an iteration
// error never stops the loop.
type Scheduler struct {
	pool    IdentityPool
	janitor ChatJanitor
	opts    Options
	logger  *zap.Logger

	stop chan struct{}
}

func New(pool IdentityPool, janitor ChatJanitor, opts Options, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		pool:    pool,
		janitor: janitor,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.String("component", "scheduler")),
		stop:    make(chan struct{}),
	}
}

// Start launches both loops.
func (s *Scheduler) Start() {
	safego.Go(s.logger, "token-refresh-loop", s.refreshLoop)
	safego.Go(s.logger, "chat-cleanup-loop", s.cleanupLoop)
	s.logger.Info("Schedulers started",
		zap.Duration("refresh_interval", s.opts.RefreshInterval),
		zap.Duration("cleanup_interval", s.opts.CleanupInterval),
	)
}

// Stop terminates both loops. Idempotent-unsafe: call once.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) refreshLoop() {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			s.pool.RefreshExpired(ctx, s.opts.WarningWindow)
			cancel()
		}
	}
}

func (s *Scheduler) cleanupLoop() {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			s.cleanupOnce(ctx)
			cancel()
		}
	}
}

// cleanupOnce deletes one bounded page of older upstream chats. Every
// failure is logged and swallowed; a missing healthy identity skips the
// pass entirely.
func (s *Scheduler) cleanupOnce(ctx context.Context) {
	ident := s.pool.Acquire()
	if ident == nil || ident.Health != entity.HealthHealthy {
		s.logger.Debug("Chat cleanup skipped, no healthy identity")
		return
	}

	chats, err := s.janitor.ListChats(ctx, ident, 1)
	if err != nil {
		s.logger.Warn("Chat cleanup list failed", zap.Error(err))
		return
	}
	if len(chats) <= s.opts.KeepRecent {
		return
	}

	// The listing is newest first; everything past the keep window goes.
	doomed := chats[s.opts.KeepRecent:]
	if len(doomed) > cleanupPageLimit {
		doomed = doomed[:cleanupPageLimit]
	}

	deleted := 0
	for _, chat := range doomed {
		if ctx.Err() != nil {
			break
		}
		if err := s.janitor.DeleteChat(ctx, ident, chat.ID); err != nil {
			s.logger.Debug("Chat delete failed",
				zap.String("chat_id", chat.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("Chat cleanup pass finished",
			zap.String("identity", ident.ID), zap.Int("deleted", deleted))
	}
}
