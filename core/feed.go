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

package core

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/metrics"
)

// BlotterEvent announces a committed blotter to downstream consumers. The
// blotter is immutable once published.
type BlotterEvent struct {
	Blotter *types.SwapBlotter
	Source  types.Source
}

// BlotterSubscription is a handle on a feed subscription. Unsubscribe is
// idempotent and closes the event channel.
type BlotterSubscription struct {
	feed *BlotterFeed
	ch   chan BlotterEvent
	once sync.Once
}

// Chan returns the subscription's event channel.
func (s *BlotterSubscription) Chan() <-chan BlotterEvent { return s.ch }

// Unsubscribe detaches the subscription from the feed.
func (s *BlotterSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s)
		close(s.ch)
	})
}

// BlotterFeed fans committed blotters out to subscribers. Delivery is
// best effort: a subscriber whose buffer is full loses the event rather
// than stalling the partition worker, publication is advisory and the
// durable commit has already happened.
type BlotterFeed struct {
	mu     sync.Mutex
	subs   map[*BlotterSubscription]struct{}
	buffer int
	log    *zap.SugaredLogger
}

// NewBlotterFeed builds a feed whose subscribers get channels of the given
// buffer depth.
func NewBlotterFeed(buffer int, log *zap.SugaredLogger) *BlotterFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &BlotterFeed{
		subs:   make(map[*BlotterSubscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe attaches a new consumer to the feed.
func (f *BlotterFeed) Subscribe() *BlotterSubscription {
	sub := &BlotterSubscription{feed: f, ch: make(chan BlotterEvent, f.buffer)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Send publishes ev to every subscriber without blocking. It returns the
// number of subscribers that received the event.
func (f *BlotterFeed) Send(ev BlotterEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for sub := range f.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			metrics.PublishDropped.Inc()
			f.log.Warnw("Dropped blotter event on slow subscriber",
				"tradeId", ev.Blotter.TradeID, "partition", ev.Blotter.PartitionKey)
		}
	}
	return delivered
}

func (f *BlotterFeed) remove(sub *BlotterSubscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}
