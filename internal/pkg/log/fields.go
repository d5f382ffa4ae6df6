package log

const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	FieldUserID         = "user_id"
	FieldTopic          = "topic"
	FieldEvent          = "event"
	FieldNotificationID = "notification_id"
	FieldRoomID         = "room_id"
	FieldMessageID      = "message_id"
	FieldSocketID       = "socket_id"
)
