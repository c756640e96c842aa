package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/b-open-io/wallet-monitor/headers"
	"github.com/b-open-io/wallet-monitor/monitor"
	"github.com/b-open-io/wallet-monitor/pubsub"
)

// TaskRunner triggers a scheduled task ahead of its interval.
type TaskRunner interface {
	RunNow(name string) error
}

// RootCache is the merkle root cache that must follow the chain tip.
type RootCache interface {
	SyncMerkleRoots(ctx context.Context) ([]headers.MerkleRootChange, error)
	ForgetFrom(height uint32)
}

// Processor reacts to chain tip events: it refreshes cached merkle roots,
// announces the header and nudges the proof checker.
type Processor struct {
	ps     pubsub.PubSub
	tasks  TaskRunner
	roots  RootCache
	logger *slog.Logger

	syncInFlight atomic.Bool
}

// New creates a processor. ps and roots may be nil.
func New(ps pubsub.PubSub, tasks TaskRunner, roots RootCache, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ps:     ps,
		tasks:  tasks,
		roots:  roots,
		logger: logger.With(slog.String("component", "header_processor")),
	}
}

// Start consumes events until ctx is done or the channel is closed.
func (p *Processor) Start(ctx context.Context, events <-chan monitor.HeaderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Process(ctx, ev); err != nil {
				p.logger.Error("failed to process header event",
					slog.String("kind", string(ev.Kind)),
					slog.Uint64("height", uint64(ev.Header.Height)),
					slog.Any("error", err))
			}
		}
	}
}

// Process handles a single event. The header is still announced and the
// proof check still requested when the root sync fails.
func (p *Processor) Process(ctx context.Context, ev monitor.HeaderEvent) error {
	var errs []error

	if ev.Kind == monitor.TipReorg && p.roots != nil {
		p.roots.ForgetFrom(ev.Header.Height)
	}
	if err := p.syncRoots(ctx); err != nil {
		errs = append(errs, err)
	}

	if p.ps != nil {
		msg := pubsub.HeaderMessage{
			Kind:    string(ev.Kind),
			Height:  ev.Header.Height,
			Hash:    ev.Header.Hash.String(),
			Skipped: ev.Skipped,
		}
		if ev.Previous != nil {
			msg.PreviousHash = ev.Previous.Hash.String()
		}
		if err := pubsub.PublishJSON(ctx, p.ps, pubsub.TopicHeaders, msg, float64(ev.Header.Height)); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish header: %w", err))
		}
	}

	if p.tasks != nil {
		if err := p.tasks.RunNow(monitor.CheckForProofsTaskName); err != nil && !errors.Is(err, monitor.ErrTaskNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) syncRoots(ctx context.Context) error {
	if p.roots == nil {
		return nil
	}
	// A sync already running covers this event too.
	if !p.syncInFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer p.syncInFlight.Store(false)

	changes, err := p.roots.SyncMerkleRoots(ctx)
	if err != nil {
		return fmt.Errorf("failed to sync merkle roots: %w", err)
	}
	for _, change := range changes {
		if change.IsReorg {
			p.logger.Warn("merkle root replaced",
				slog.Uint64("height", uint64(change.Height)),
				slog.String("old", change.OldRoot.String()),
				slog.String("new", change.NewRoot.String()))
		} else {
			p.logger.Debug("merkle root cached",
				slog.Uint64("height", uint64(change.Height)),
				slog.String("root", change.NewRoot.String()))
		}
	}
	return nil
}
