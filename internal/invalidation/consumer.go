package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

func saramaConfig(c Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.ClientID = "hipsview-invalidation"
	sc.Consumer.Group.Session.Timeout = c.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	sc.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.InitialOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	sc.Consumer.Return.Errors = true
	return sc
}

// consume rejoins the group until ctx is done, backing off while the
// brokers keep failing.
func (r *Runner) consume(ctx context.Context, group sarama.ConsumerGroup) {
	h := &claimHandler{r: r}
	backoff := minBackoff
	for ctx.Err() == nil {
		err := group.Consume(ctx, []string{r.cfg.Topic}, h)
		if err == nil {
			backoff = minBackoff
			continue
		}
		r.log.Error("consume survey updates", "topic", r.cfg.Topic, "retry_in", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(2*backoff, maxBackoff)
	}
}

// claimHandler marks a message only after it was applied, so a failed
// update is redelivered after the next rebalance.
type claimHandler struct {
	r *Runner
}

func (h *claimHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.r.assigned.Store(true)
	h.r.log.Info("survey update partitions assigned", "claims", s.Claims(), "generation", s.GenerationID())
	return nil
}

func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.r.assigned.Store(false)
	return nil
}

func (h *claimHandler) ConsumeClaim(s sarama.ConsumerGroupSession, c sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return nil
			}
			if err := h.r.handleMessage(s.Context(), msg); err != nil {
				return fmt.Errorf("%s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			s.MarkMessage(msg, "")
		case <-s.Context().Done():
			return nil
		}
	}
}
