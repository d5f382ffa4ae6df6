package domain

// Push event names delivered on the portal topics.
const (
	EventNotificationCreated = "notification.created"
	EventNotificationRead    = "notification.read"
	EventNotificationDeleted = "notification.deleted"
	EventNewChatMessage      = "new.chat.message"
	EventChatRoomUpdated     = "chat.room.updated"
)
