package model

import "time"

// Destination names the downstream sink an outbox row is addressed to.
type Destination string

const (
	DestinationSearchIndex Destination = "search-index"
	DestinationEventStream Destination = "event-stream"
)

// Destinations lists every sink that receives a copy of each mutation.
var Destinations = []Destination{DestinationSearchIndex, DestinationEventStream}

// OutboxStatus is the relay-owned lifecycle of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// EventOperation is what happened to the aggregate.
type EventOperation string

const (
	OperationCreated  EventOperation = "created"
	OperationModified EventOperation = "modified"
	OperationDeleted  EventOperation = "deleted"
)

// OutboxMessage is written in the same transaction as the permission change it
// describes and drained asynchronously by the relay.
type OutboxMessage struct {
	ID             uint64         `gorm:"primaryKey"`
	AggregateID    uint64         `gorm:"not null;index:idx_outbox_aggregate_created,priority:1"`
	Destination    Destination    `gorm:"size:32;not null"`
	Operation      EventOperation `gorm:"size:16;not null"`
	Payload        string         `gorm:"type:jsonb;not null"`
	Status         OutboxStatus   `gorm:"size:16;not null;default:'pending';index:idx_outbox_claim,priority:1"`
	AttemptCount   int            `gorm:"not null;default:0"`
	NextEligibleAt time.Time      `gorm:"not null;index:idx_outbox_claim,priority:2"`
	LeaseUntil     *time.Time
	ClaimedBy      *string `gorm:"size:64"`
	LastError      *string `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null;index:idx_outbox_aggregate_created,priority:2"`
	DispatchedAt   *time.Time
}

func (OutboxMessage) TableName() string { return "outbox_message" }

// OutboxPayload is the JSON stored in OutboxMessage.Payload.
type OutboxPayload struct {
	Operation  EventOperation     `json:"operation"`
	OccurredAt time.Time          `json:"occurredAt"`
	Snapshot   PermissionSnapshot `json:"snapshot"`
}
