// Package ingest spools NATS subjects into a message buffer. Each received
// message is appended with its subject as the routing key, giving slow or
// offline consumers a durable replayable history that core NATS does not
// keep.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/msgbuf/internal/config"
	"github.com/gftdcojp/msgbuf/internal/metrics"
	"github.com/gftdcojp/msgbuf/internal/offsets"
	"github.com/gftdcojp/msgbuf/pkg/mbuf"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// checkpointName is the offsets entry tracking the last spooled message.
const checkpointName = "ingest"

// Consumer subscribes to the configured subjects and appends every message
// to the buffer.
type Consumer struct {
	nc      *nats.Conn
	buf     *mbuf.Buffer
	offsets *offsets.Store
	cfg     config.IngestConfig
	logger  *zap.Logger

	appended int64 // messages since the last offset checkpoint
	lastID   int64
}

// NewConsumer creates an ingest consumer. offsets may be nil to disable
// checkpoint tracking.
func NewConsumer(nc *nats.Conn, buf *mbuf.Buffer, off *offsets.Store, cfg config.IngestConfig, logger *zap.Logger) *Consumer {
	return &Consumer{
		nc:      nc,
		buf:     buf,
		offsets: off,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run subscribes and spools messages until ctx is cancelled. The final
// position is checkpointed on the way out.
func (c *Consumer) Run(ctx context.Context) error {
	if c.offsets != nil {
		if id, found, err := c.offsets.Load(checkpointName); err != nil {
			return err
		} else if found {
			c.logger.Info("resuming ingest", zap.Int64("last_spooled_id", id))
		}
	}

	msgCh := make(chan *nats.Msg, 1024)
	var subs []*nats.Subscription
	for _, subject := range c.cfg.Subjects {
		var (
			sub *nats.Subscription
			err error
		)
		if c.cfg.QueueGroup != "" {
			sub, err = c.nc.ChanQueueSubscribe(subject, c.cfg.QueueGroup, msgCh)
		} else {
			sub, err = c.nc.ChanSubscribe(subject, msgCh)
		}
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		c.checkpoint()
	}()

	c.logger.Info("ingest started",
		zap.Strings("subjects", c.cfg.Subjects),
		zap.String("queue_group", c.cfg.QueueGroup),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgCh:
			if err := c.spool(msg); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) spool(msg *nats.Msg) error {
	id, err := c.buf.Append(time.Now().UnixMilli(), msg.Subject, msg.Data)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(msg.Subject).Inc()
		var oe *mbuf.OversizeError
		if errors.As(err, &oe) {
			c.logger.Warn("dropping oversize message",
				zap.String("subject", msg.Subject),
				zap.Int("size", oe.Size),
				zap.Int("max", oe.Max),
			)
			return nil
		}
		return fmt.Errorf("appending message from %s: %w", msg.Subject, err)
	}
	metrics.MessagesIngested.WithLabelValues(msg.Subject).Inc()

	c.lastID = id
	c.appended++
	every := c.cfg.OffsetsEvery
	if every <= 0 {
		every = 256
	}
	if c.appended >= int64(every) {
		c.checkpoint()
	}
	return nil
}

func (c *Consumer) checkpoint() {
	if c.offsets == nil || c.appended == 0 {
		return
	}
	if err := c.offsets.Save(checkpointName, c.lastID); err != nil {
		c.logger.Error("saving ingest checkpoint", zap.Error(err))
		return
	}
	c.appended = 0
}
