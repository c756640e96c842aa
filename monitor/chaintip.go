package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/b-open-io/wallet-monitor/headers"
)

const ChainTipTaskName = "ChainTip"

// TipChange classifies a polled tip against the last observed one.
type TipChange string

const (
	TipFirst     TipChange = "first"
	TipNew       TipChange = "new"
	TipReorg     TipChange = "reorg"
	TipUnchanged TipChange = "unchanged"
	// TipStale is a tip below the last observed height. It is ignored and not recorded.
	TipStale TipChange = "stale"
)

// ClassifyTip compares next against prev. skipped counts the heights
// between them that were never observed.
func ClassifyTip(prev, next *headers.ChainHeader) (change TipChange, skipped uint32) {
	switch {
	case prev == nil:
		return TipFirst, 0
	case next.Height > prev.Height:
		return TipNew, next.Height - prev.Height - 1
	case next.Height == prev.Height && next.Hash != prev.Hash:
		return TipReorg, 0
	case next.Height == prev.Height:
		return TipUnchanged, 0
	default:
		return TipStale, 0
	}
}

// HeaderEvent is emitted for first, new and reorg tips.
type HeaderEvent struct {
	Kind     TipChange
	Header   headers.ChainHeader
	Previous *headers.ChainHeader
	Skipped  uint32
}

func (e HeaderEvent) Describe() string {
	base := fmt.Sprintf("%s header: %d %s", e.Kind, e.Header.Height, e.Header.Hash)
	if e.Skipped > 0 {
		return fmt.Sprintf("%s SKIPPED %d", base, e.Skipped)
	}
	return base
}

// ChainTipTask polls a ChainTipSource and reports tip changes on a channel.
// It is due on every tick unless a minimum interval is configured.
type ChainTipTask struct {
	*TaskBase
	source headers.ChainTipSource
	events chan<- HeaderEvent
	logger *slog.Logger

	mu   sync.Mutex
	last *headers.ChainHeader
}

// NewChainTipTask returns the tip poller. events may be nil to only track the tip.
func NewChainTipTask(source headers.ChainTipSource, events chan<- HeaderEvent, minInterval time.Duration, logger *slog.Logger) *ChainTipTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainTipTask{
		TaskBase: NewTaskBase(ChainTipTaskName, minInterval),
		source:   source,
		events:   events,
		logger:   logger.With(slog.String("task", ChainTipTaskName)),
	}
}

func (t *ChainTipTask) Run(ctx context.Context) error {
	_, err := t.Poll(ctx)
	return err
}

// Poll fetches the tip and records it. Polls are serialized; a failed fetch
// leaves the last observed header untouched. The returned event is nil when
// nothing was emitted.
func (t *ChainTipTask) Poll(ctx context.Context) (*HeaderEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.source.FindChainTipHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find chain tip: %w", err)
	}
	if next == nil {
		return nil, headers.ErrTipUnavailable
	}

	change, skipped := ClassifyTip(t.last, next)
	switch change {
	case TipUnchanged:
		return nil, nil
	case TipStale:
		t.logger.Debug("ignoring stale chain tip",
			slog.Uint64("height", uint64(next.Height)),
			slog.Uint64("lastHeight", uint64(t.last.Height)))
		return nil, nil
	}

	ev := &HeaderEvent{Kind: change, Header: *next, Previous: t.last, Skipped: skipped}
	recorded := *next
	t.last = &recorded
	t.logger.Info(ev.Describe())
	t.emit(*ev)
	return ev, nil
}

func (t *ChainTipTask) emit(ev HeaderEvent) {
	if t.events == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("header event channel full, dropping event",
			slog.Uint64("height", uint64(ev.Header.Height)))
	}
}

// LastObserved returns a copy of the last recorded tip, or nil before the first poll.
func (t *ChainTipTask) LastObserved() *headers.ChainHeader {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	h := *t.last
	return &h
}
