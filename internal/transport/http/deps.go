package http

import (
	"github.com/portal-sync/internal/domain"
	jwtinfra "github.com/portal-sync/internal/infrastructure/jwt"
	"github.com/portal-sync/internal/transport/http/handler"
)

// Deps holds the stores and session the local API serves.
type Deps struct {
	Notifications handler.NotificationStore
	Chat          handler.ChatStore
	Session       handler.RoomSession
	Connection    handler.ConnectionStatus

	// TokenParser guards every route but health. Nil disables auth, which
	// is only sensible when the API listens on loopback.
	TokenParser *jwtinfra.Parser
	UserID      domain.ID
}
