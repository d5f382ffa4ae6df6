package validate

import (
	"testing"

	"github.com/portal-sync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStruct(t *testing.T) {
	ok := domain.SendMessageRequest{Type: domain.MessageText, Message: "hi"}
	assert.NoError(t, Struct(ok))

	err := Struct(domain.SendMessageRequest{Type: domain.MessageText})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	assert.Contains(t, err.Error(), "Message")

	err = Struct(domain.SendMessageRequest{Type: domain.MessageImage})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	assert.Contains(t, err.Error(), "FilePath")

	err = Struct(domain.CreateRoomRequest{Type: domain.RoomGroup, ParticipantIDs: []domain.ID{"2"}})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	assert.Contains(t, err.Error(), "Name")

	assert.NoError(t, Struct(domain.CreateRoomRequest{Type: domain.RoomPrivate, ParticipantIDs: []domain.ID{"2"}}))
}
