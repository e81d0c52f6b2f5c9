package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Home Assistant republishes its birth message on every restart. A
// misbehaving client spamming the topic must not turn into a flood of
// discovery republishes.
const (
	birthRateLimit    = 5
	birthRateInterval = time.Minute
)

// subscribeBirth subscribes to the HA status topic. It is called from
// OnConnectionUp, so the subscription is restored after every
// reconnect.
func (p *Publisher) subscribeBirth(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.BirthTopic == "" {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.cfg.BirthTopic, QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed",
			"topic", p.cfg.BirthTopic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.cfg.BirthTopic)
}

// onPublishReceived adapts the paho callback to handleMessage.
func (p *Publisher) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	p.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}

// handleMessage runs on the paho receive goroutine. An "online"
// payload on the birth topic schedules a full republish of discovery
// configs and states; everything else is logged and ignored.
func (p *Publisher) handleMessage(topic string, payload []byte) {
	if topic != p.cfg.BirthTopic {
		p.logger.Debug("mqtt message on unexpected topic",
			"topic", topic, "payload_size", len(payload))
		return
	}

	status := strings.TrimSpace(string(payload))
	if status != "online" {
		p.logger.Info("home assistant status", "status", status)
		return
	}
	if !p.limiter.allow() {
		return
	}

	p.logger.Info("home assistant online, republishing discovery")
	p.requestResync()
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
