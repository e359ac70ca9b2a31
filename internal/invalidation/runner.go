package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/hotness"
)

// Target applies survey updates to the running viewer. Both methods return
// how many entries were dropped.
type Target interface {
	Invalidate(ctx context.Context, survey string, cells []healpix.Cell) (int, error)
	Purge(ctx context.Context, survey string) (int, error)
}

type HotnessResetter interface {
	Reset(cells ...healpix.Cell)
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Hotness  HotnessResetter
	Clock    func() time.Time
}

// Runner consumes survey update events and applies them to a Target.
type Runner struct {
	cfg    Config
	target Target
	hot    HotnessResetter
	log    *slog.Logger
	now    func() time.Time
	ms     *metricSet
	seq    *seqDedupe

	assigned atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var errInvalid = errors.New("invalid survey update")

func New(cfg Config, t Target, opts Options) *Runner {
	r := &Runner{
		cfg:    cfg,
		target: t,
		hot:    opts.Hotness,
		log:    opts.Logger,
		now:    opts.Clock,
		ms:     newMetricSet(opts.Register),
		seq:    newSeqDedupe(1024),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.cfg.MaxDepth == 0 {
		r.cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	return r
}

// Start joins the consumer group in the background. It is a no-op when
// the runner is disabled.
func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("survey updates disabled")
		return nil
	}
	if r.target == nil {
		return errors.New("invalidation: nil target")
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, saramaConfig(r.cfg))
	if err != nil {
		return fmt.Errorf("invalidation: join group %q: %w", r.cfg.GroupID, err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.consume(ctx, group)
		if err := group.Close(); err != nil {
			r.log.Warn("close consumer group", "err", err)
		}
	}()
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Warn("consumer group", "err", err)
		}
	}()

	r.log.Info("consuming survey updates", "topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

// Stop leaves the group and waits for the consumer to exit.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("survey updates stopped")
}

// Assigned reports whether the group currently owns partitions.
func (r *Runner) Assigned() bool { return r.assigned.Load() }

// handleMessage applies one message. Only apply failures are returned:
// bad messages and replays are counted and dropped.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := r.now()
	if !msg.Timestamp.IsZero() {
		r.ms.lag.Set(start.Sub(msg.Timestamp).Seconds())
	}

	ev, err := r.decode(msg.Value)
	if err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping survey update", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.Seq > 0 && r.seq.seen(ev.Survey, ev.Seq) {
		r.ms.apply.WithLabelValues("skip_seq").Inc()
		r.ms.msgs.WithLabelValues("ok").Inc()
		return nil
	}

	err = r.apply(ctx, ev)
	r.ms.proc.WithLabelValues(ev.Op).Observe(r.now().Sub(start).Seconds())
	switch {
	case errors.Is(err, errInvalid):
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping survey update", "survey", ev.Survey, "offset", msg.Offset, "err", err)
		return nil
	case err != nil:
		r.ms.msgs.WithLabelValues("error").Inc()
		return err
	}
	if ev.Seq > 0 {
		r.seq.record(ev.Survey, ev.Seq)
	}
	r.ms.msgs.WithLabelValues("ok").Inc()
	return nil
}

func (r *Runner) decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", errInvalid, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, fmt.Errorf("%w: %w", errInvalid, err)
	}
	return ev, nil
}

func (r *Runner) apply(ctx context.Context, ev Event) error {
	if ev.Op == OpPurge {
		n, err := r.target.Purge(ctx, ev.Survey)
		if err != nil {
			return fmt.Errorf("purge %s: %w", ev.Survey, err)
		}
		r.ms.apply.WithLabelValues("purge").Add(float64(n))
		r.log.Info("survey purged", "survey", ev.Survey, "entries", n)
		return nil
	}

	cells, err := ev.HealpixCells(r.cfg.MaxDepth)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalid, err)
	}
	if len(cells) == 0 {
		return nil
	}
	n, err := r.target.Invalidate(ctx, ev.Survey, cells)
	if err != nil {
		return fmt.Errorf("invalidate %d cells of %s: %w", len(cells), ev.Survey, err)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(n))
	if r.hot != nil {
		r.hot.Reset(regions(cells)...)
	}
	return nil
}

// regions returns the distinct hotness regions of cells, in first seen order.
func regions(cells []healpix.Cell) []healpix.Cell {
	seen := make(map[healpix.Cell]bool, len(cells))
	out := make([]healpix.Cell, 0, len(cells))
	for _, c := range cells {
		if rc := hotness.Region(c); !seen[rc] {
			seen[rc] = true
			out = append(out, rc)
		}
	}
	return out
}
