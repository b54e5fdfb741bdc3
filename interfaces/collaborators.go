package interfaces

import "context"

// Event bus topics the engine consumes and publishes.
const (
	TopicFileCreated           = "file-created"
	TopicFileAccessed          = "file-accessed"
	TopicFileDeleted           = "file-deleted"
	TopicFileStored            = "file-stored"
	TopicQuotaAlert            = "quota-alert"
	TopicQuotaUpdated          = "quota-updated"
	TopicQuotaPaymentCompleted = "quota-payment-completed"
)

// Event is a message on the event bus.
type Event struct {
	Topic   string
	Payload map[string]any
}

// EventHandler consumes a single event. Handler errors are the handler's
// problem; the bus does not retry.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the publish/subscribe collaborator. Publish failures must
// not abort the calling operation.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
	Subscribe(topic string, handler EventHandler)
}

// ReferenceIndex resolves active references to an object. Garbage
// collection never deletes an object with at least one reference.
type ReferenceIndex interface {
	ReferencesOf(ctx context.Context, id ObjectID) ([]string, error)
}

// AuditRecord is a single entry for the audit/risk sink.
type AuditRecord struct {
	Action  string
	Object  string
	Owner   string
	Outcome string
	Details map[string]any
}

// AuditSink receives audit records. Fire and forget: implementations
// swallow their own failures, callers never check.
type AuditSink interface {
	Audit(ctx context.Context, record AuditRecord)
}

// PaymentRequest settles a quota overage charge.
type PaymentRequest struct {
	Owner    OwnerID
	Amount   float64
	Currency string
	Purpose  string
}

// PaymentProcessor is the external billing collaborator, used only for
// quota overage settlement.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) error
}
