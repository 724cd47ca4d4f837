package repo

import (
	"context"

	"github.com/noah-isme/backend-paygate/internal/events"
)

// EventStore appends domain events to the domain_events table.
type EventStore struct {
	DB Querier
}

func (s EventStore) InsertDomainEvent(ctx context.Context, ev events.Event) error {
	if s.DB == nil {
		return ErrPoolMissing
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt)
	return err
}
