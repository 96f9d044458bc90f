package chain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
)

// EventSource pages contract events from the node API.
type EventSource interface {
	GetContractEvents(ctx context.Context, contractID string, limit, offset int) ([]stacks.ContractEvent, error)
}

// EventHandler reacts to one contract event. Handlers are registered per
// print topic and must be idempotent at the business level; the processor
// additionally guarantees each (txId, eventIndex) pair is delivered at most
// once across restarts.
type EventHandler func(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error

// EventProcessor polls tracked contracts for print events and dispatches
// them in order. The per-contract cursor advances only after every event in
// a page succeeds, so a failed handler halts progress rather than skipping.
type EventProcessor struct {
	source    EventSource
	repo      *EventRepository
	contracts []string
	pageLimit int
	log       zerolog.Logger

	handlers map[string]EventHandler
}

// NewEventProcessor creates an event processor for the given contracts.
func NewEventProcessor(source EventSource, repo *EventRepository, contracts []string, pageLimit int, log zerolog.Logger) *EventProcessor {
	if pageLimit <= 0 {
		pageLimit = 50
	}
	return &EventProcessor{
		source:    source,
		repo:      repo,
		contracts: contracts,
		pageLimit: pageLimit,
		log:       log.With().Str("component", "event-processor").Logger(),
		handlers:  make(map[string]EventHandler),
	}
}

// OnTopic registers a handler for a print event topic.
func (p *EventProcessor) OnTopic(topic string, h EventHandler) {
	p.handlers[topic] = h
}

// Poll runs one polling pass over every tracked contract.
func (p *EventProcessor) Poll(ctx context.Context) error {
	for _, contractID := range p.contracts {
		if err := p.pollContract(ctx, contractID); err != nil {
			p.log.Error().Err(err).Str("contract", contractID).Msg("Event poll failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (p *EventProcessor) pollContract(ctx context.Context, contractID string) error {
	for {
		offset, err := p.repo.Cursor(contractID)
		if err != nil {
			return err
		}

		events, err := p.source.GetContractEvents(ctx, contractID, p.pageLimit, offset)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, event := range events {
			if err := p.processEvent(ctx, event); err != nil {
				// Cursor stays put; the page is retried next pass
				return fmt.Errorf("event %s/%d: %w", event.TxID, event.EventIndex, err)
			}
		}

		if err := p.repo.AdvanceCursor(contractID, offset+len(events)); err != nil {
			return err
		}

		// A short page means we drained the backlog
		if len(events) < p.pageLimit {
			return nil
		}
	}
}

func (p *EventProcessor) processEvent(ctx context.Context, event stacks.ContractEvent) error {
	done, err := p.repo.IsProcessed(event.TxID, event.EventIndex)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	topic := printTopic(event)
	handler, registered := p.handlers[topic]
	if registered {
		if err := handler(ctx, event, event.ContractLog.Value); err != nil {
			return err
		}
	} else {
		p.log.Debug().
			Str("topic", topic).
			Str("contract", event.ContractLog.ContractID).
			Msg("No handler for event topic")
	}

	if err := p.repo.MarkProcessed(event.TxID, event.EventIndex, topic); err != nil {
		return err
	}
	TrafficMetrics().EventsProcessed.WithLabelValues(topic).Inc()
	return nil
}

// printTopic extracts the event name from a print payload. Contracts emit
// tuples carrying an "event" field; bare payloads fall back to the log topic.
func printTopic(event stacks.ContractEvent) string {
	if name, ok := event.ContractLog.Value.Get("event"); ok {
		return name.Trimmed()
	}
	return event.ContractLog.Topic
}
