package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contextualhq/eventcore/internal/schema"
	"github.com/contextualhq/eventcore/internal/streams"
)

// Subscription is the opaque handle returned by Subscribe. Each subscription
// runs Concurrency independent consumer loops against the same
// (stream, group) pair.
type Subscription struct {
	bus     *Bus
	stream  string
	group   string // namespaced
	handler Handler
	opts    SubscribeOptions
	filter  map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newSubscription(b *Bus, stream, group string, handler Handler, opts SubscribeOptions) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	var filter map[string]struct{}
	if len(opts.FilterTypes) > 0 {
		filter = make(map[string]struct{}, len(opts.FilterTypes))
		for _, t := range opts.FilterTypes {
			filter[t] = struct{}{}
		}
	}
	return &Subscription{
		bus:     b,
		stream:  stream,
		group:   group,
		handler: handler,
		opts:    opts,
		filter:  filter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stream returns the subscribed stream name.
func (s *Subscription) Stream() string { return s.stream }

// Group returns the namespaced consumer group name.
func (s *Subscription) Group() string { return s.group }

func (s *Subscription) start() {
	for i := 0; i < s.opts.Concurrency; i++ {
		consumer := s.opts.ConsumerName
		if s.opts.Concurrency > 1 {
			consumer += "-" + strconv.Itoa(i)
		}
		s.wg.Add(1)
		go s.run(consumer)
	}
}

// Stop cancels the consumer loops and waits for in-flight handlers to
// return. Un-ACKed entries remain pending for later claim.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// run is one consumer loop: recover prior pending work, then alternate
// between blocking group reads and periodic claim passes.
func (s *Subscription) run(consumer string) {
	defer s.wg.Done()

	log := s.bus.logger.With(
		zap.String("stream", s.stream),
		zap.String("group", s.group),
		zap.String("consumer", consumer))

	// Prior, partially-delivered work comes first.
	if !s.waitReady() {
		return
	}
	s.recoverPending(consumer, log)

	claimTicker := time.NewTicker(s.bus.cfg.ClaimIdleTime)
	defer claimTicker.Stop()

	for {
		if !s.waitReady() {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-claimTicker.C:
			s.claimStale(consumer, log)
		default:
		}

		entries, err := s.bus.client.ReadGroup(s.ctx, s.stream, s.group, consumer,
			s.bus.cfg.BatchSize, s.bus.cfg.BlockTime)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("read failed, backing off", zap.Error(err))
			select {
			case <-time.After(s.bus.cfg.RetryDelay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		for _, entry := range entries {
			if s.ctx.Err() != nil {
				return
			}
			s.dispatch(consumer, entry, 1, log)
		}
	}
}

// waitReady blocks while the subscription's gate is closed. Returns false
// when the loop should exit instead.
func (s *Subscription) waitReady() bool {
	for s.opts.Gate != nil && !s.opts.Gate() {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.bus.cfg.RetryDelay):
		}
	}
	return s.ctx.Err() == nil
}

// recoverPending re-reads entries already assigned to this consumer and
// dispatches them with their accumulated delivery counts.
func (s *Subscription) recoverPending(consumer string, log *zap.Logger) {
	counts := make(map[string]int64)
	pending, err := s.bus.client.Pending(s.ctx, s.stream, s.group, s.bus.cfg.BatchSize)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Warn("pending lookup failed", zap.Error(err))
		}
		return
	}
	for _, p := range pending {
		if p.Consumer == consumer {
			counts[p.ID] = p.DeliveryCount
		}
	}

	entries, err := s.bus.client.ReadPending(s.ctx, s.stream, s.group, consumer, s.bus.cfg.BatchSize)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Warn("pending read failed", zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if s.ctx.Err() != nil {
			return
		}
		// Re-delivery bumps the counter; the count at this delivery is the
		// recorded one plus one.
		count := counts[entry.ID] + 1
		s.dispatch(consumer, entry, count, log)
	}
}

// claimStale claims entries that have been pending past the idle threshold
// and dispatches them. Entries from crashed consumers are healed without
// central coordination; the consumer's own entries (handler retries) are
// self-claimed, which is what advances the delivery counter between attempts.
func (s *Subscription) claimStale(consumer string, log *zap.Logger) {
	pending, err := s.bus.client.Pending(s.ctx, s.stream, s.group, s.bus.cfg.BatchSize)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Warn("pending lookup failed", zap.Error(err))
		}
		return
	}

	counts := make(map[string]int64)
	var stale []string
	for _, p := range pending {
		if p.Idle < s.bus.cfg.ClaimIdleTime {
			continue
		}
		stale = append(stale, p.ID)
		counts[p.ID] = p.DeliveryCount
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := s.bus.client.Claim(s.ctx, s.stream, s.group, consumer,
		s.bus.cfg.ClaimIdleTime, stale)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Warn("claim failed", zap.Error(err))
		}
		return
	}
	for _, entry := range claimed {
		if s.ctx.Err() != nil {
			return
		}
		s.dispatch(consumer, entry, counts[entry.ID]+1, log)
	}
}

// dispatch decodes, validates, and routes one entry. deliveryCount is the
// count as of this delivery.
func (s *Subscription) dispatch(consumer string, entry streams.Entry, deliveryCount int64, log *zap.Logger) {
	s.bus.stats.delivered.Add(1)

	env, err := schema.Decode(entry.Values)
	if err != nil {
		s.bus.deadLetter(s.ctx, s.stream, s.group, consumer, entry, ReasonInvalidEnvelope, err.Error())
		return
	}
	if err := s.bus.registry.ValidateEnvelope(env); err != nil {
		reason := ReasonInvalidEnvelope
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			switch verr.Code {
			case schema.CodeUnknownType:
				reason = ReasonUnknownType
			case schema.CodeUnsupportedVersion:
				reason = ReasonUnsupportedVersion
			}
		}
		s.bus.deadLetter(s.ctx, s.stream, s.group, consumer, entry, reason, err.Error())
		return
	}

	if s.filter != nil {
		if _, ok := s.filter[env.Type]; !ok {
			// Not for this subscription; acknowledge so it does not loop.
			s.ack(entry.ID, log)
			return
		}
	}

	result := s.handler(s.ctx, Delivery{
		Envelope:      env,
		EntryID:       entry.ID,
		Stream:        s.stream,
		Group:         s.group,
		Consumer:      consumer,
		DeliveryCount: deliveryCount,
	})

	switch {
	case result.Backpressured():
		// No ACK and no budget spent: the entry stays pending until the
		// gate opens and a later pass redelivers it.
		log.Debug("handler backpressure, leaving entry pending",
			zap.String("entry_id", entry.ID),
			zap.String("reason", result.Reason()))
	case !result.Failed():
		s.ack(entry.ID, log)
	case result.Retryable():
		if deliveryCount >= int64(s.bus.cfg.MaxRetries) {
			s.bus.deadLetter(s.ctx, s.stream, s.group, consumer, entry, ReasonRetryExhausted, result.Reason())
			return
		}
		// No ACK: the entry stays pending and is re-delivered by the next
		// recover or claim pass.
		log.Debug("handler retry",
			zap.String("entry_id", entry.ID),
			zap.Int64("delivery_count", deliveryCount),
			zap.String("reason", result.Reason()))
	default:
		s.bus.deadLetter(s.ctx, s.stream, s.group, consumer, entry, ReasonHandlerFatal, result.Reason())
	}
}

func (s *Subscription) ack(entryID string, log *zap.Logger) {
	// Use a background context so a success ACK is not lost to shutdown.
	if err := s.bus.client.Ack(context.Background(), s.stream, s.group, entryID); err != nil {
		log.Error("ack failed", zap.String("entry_id", entryID), zap.Error(err))
		return
	}
	s.bus.stats.acked.Add(1)
}
