// Copyright 2024 The swapcapture Authors
// This file is part of the swapcapture library.
//
// The swapcapture library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The swapcapture library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the swapcapture library. If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/backpressure"
	"github.com/tradefabric/swapcapture/core"
	"github.com/tradefabric/swapcapture/core/types"
)

// AMQP wiring names.
const (
	InputExchange  = "swapcapture.input"
	InputQueue     = "swapcapture.capture"
	InputBinding   = TopicRoot + ".#"
	EgressExchange = "swapcapture.blotter"
	prefetch       = 64
	pausePoll      = 500 * time.Millisecond
)

// ConsumerConfig tunes the AMQP ingress.
type ConsumerConfig struct {
	URL      string `toml:",omitempty"`
	Queue    string `toml:",omitempty"`
	Exchange string `toml:",omitempty"`
}

// Submitter is the dispatcher surface the consumer feeds.
type Submitter interface {
	Submit(ctx context.Context, req *types.TradeRequest) (*types.Job, error)
}

// Consumer pulls trade records off the capture queue and hands them to the
// dispatcher. It pauses fetching while the backpressure controller says so
// and dead-letters records that fail to decode.
type Consumer struct {
	cfg       ConsumerConfig
	conn      *amqp.Connection
	ch        *amqp.Channel
	submitter Submitter
	gate      *backpressure.Controller
	log       *zap.SugaredLogger

	lag    int64
	lagMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer dials the broker and declares the capture topology.
func NewConsumer(cfg ConsumerConfig, submitter Submitter, gate *backpressure.Controller, log *zap.SugaredLogger) (*Consumer, error) {
	if cfg.Queue == "" {
		cfg.Queue = InputQueue
	}
	if cfg.Exchange == "" {
		cfg.Exchange = InputExchange
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	c := &Consumer{cfg: cfg, conn: conn, ch: ch, submitter: submitter, gate: gate, log: log}
	gate.LagFn = c.Lag
	return c, nil
}

func declare(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": cfg.Exchange + ".dlx",
	}); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange+".dlx", "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(cfg.Queue, InputBinding, cfg.Exchange, false, nil)
}

// Start begins consuming. It returns after the consume channel is open;
// delivery handling runs in the background.
func (c *Consumer) Start() error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.loop(ctx, deliveries)
	go c.pollLag(ctx)
	return nil
}

// Close stops the consumer and tears down the connection.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.ch.Close()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	c.wg.Wait()
	return err
}

// Lag reports the broker-side queue depth from the last poll.
func (c *Consumer) Lag() int64 {
	c.lagMu.Lock()
	defer c.lagMu.Unlock()
	return c.lag
}

func (c *Consumer) pollLag(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q, err := c.ch.QueueInspect(c.cfg.Queue)
			if err != nil {
				continue
			}
			c.lagMu.Lock()
			c.lag = int64(q.Messages)
			c.lagMu.Unlock()
		}
	}
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.throttle(ctx)
			c.handle(ctx, d)
		}
	}
}

// throttle blocks while the backpressure controller keeps the consumer
// paused.
func (c *Consumer) throttle(ctx context.Context) {
	for c.gate.ConsumerShouldPause() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pausePoll):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	req, err := DecodeRecord(d.Body)
	if err != nil {
		c.log.Errorw("Rejecting undecodable trade record",
			"routingKey", d.RoutingKey, "correlationId", d.CorrelationId, "err", err)
		d.Nack(false, false) // to the dead-letter exchange
		return
	}
	req.Source = types.SourceQueue
	if req.CorrelationID == "" {
		req.CorrelationID = d.CorrelationId
	}

	_, err = c.submitter.Submit(ctx, req)
	switch {
	case err == nil:
		d.Ack(false)
	case isDuplicate(err):
		// At-least-once redelivery of an already-committed trade.
		c.log.Infow("Acknowledging duplicate redelivery", "tradeId", req.TradeID)
		d.Ack(false)
	case types.IsTransient(err):
		c.log.Warnw("Transient submit failure, requeueing", "tradeId", req.TradeID, "err", err)
		d.Nack(false, true)
	default:
		c.log.Errorw("Rejecting invalid trade", "tradeId", req.TradeID, "err", err)
		d.Nack(false, false)
	}
}

func isDuplicate(err error) bool {
	var dup *core.ErrDuplicateSubmission
	return errors.As(err, &dup)
}

// EgressPublisher republishes committed blotters to the egress exchange.
// Delivery is at-least-once; downstream consumers dedupe on tradeId and
// version.
type EgressPublisher struct {
	ch  *amqp.Channel
	sub *core.BlotterSubscription
	log *zap.SugaredLogger
	wg  sync.WaitGroup
}

// NewEgressPublisher attaches to the feed and starts republishing.
func NewEgressPublisher(conn *amqp.Connection, feed *core.BlotterFeed, log *zap.SugaredLogger) (*EgressPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(EgressExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	p := &EgressPublisher{ch: ch, sub: feed.Subscribe(), log: log}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Connection exposes the consumer's AMQP connection for the egress side.
func (c *Consumer) Connection() *amqp.Connection { return c.conn }

// Close detaches from the feed and closes the channel.
func (p *EgressPublisher) Close() error {
	p.sub.Unsubscribe()
	p.wg.Wait()
	return p.ch.Close()
}

func (p *EgressPublisher) run() {
	defer p.wg.Done()
	for ev := range p.sub.Chan() {
		body, err := json.Marshal(ev.Blotter)
		if err != nil {
			continue
		}
		key := "trade.capture.blotter." + SanitizeTopic(ev.Blotter.PartitionKey)
		if err := p.ch.Publish(EgressExchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		}); err != nil {
			p.log.Errorw("Blotter republish failed", "tradeId", ev.Blotter.TradeID, "err", err)
		}
	}
}
