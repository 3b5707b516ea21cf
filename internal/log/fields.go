package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldRole      = "role"
	FieldPhase     = "phase"
	FieldTopic     = "topic"
	FieldTopics    = "topics"
	FieldService   = "service_name"
	FieldServiceID = "service_id"
	FieldMessageID = "message_id"
	FieldClientID  = "client_id"
	FieldBrokerID  = "broker_id"
	FieldTransport = "transport"
)
