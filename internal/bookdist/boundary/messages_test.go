package boundary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/testfixtures"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

func TestSubscribeMessage(t *testing.T) {
	reader := testfixtures.Reader("alice@example.com", model.English, model.German)

	msg, err := NewSubscribeMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, "Adding", msg.Properties[TypeProperty])
	assert.Equal(t, reader.Address, msg.Key)

	membership, err := DecodeMembership(msg.Properties, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, Subscribe, membership.Type)
	assert.Equal(t, reader.Address, membership.Address)
	assert.Equal(t, reader.Languages, membership.Reader.Languages)
	assert.True(t, reader.RegisteredAt.Equal(membership.Reader.RegisteredAt))
}

func TestUnsubscribeMessage(t *testing.T) {
	msg, err := NewUnsubscribeMessage("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, `"alice@example.com"`, string(msg.Payload))

	membership, err := DecodeMembership(msg.Properties, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, Membership{Type: Unsubscribe, Address: "alice@example.com"}, membership)
}

func TestDecodeMembership_Invalid(t *testing.T) {
	tests := map[string]struct {
		properties map[string]string
		payload    string
	}{
		"missing type": {
			properties: nil,
			payload:    `"alice@example.com"`,
		},
		"unknown type": {
			properties: map[string]string{TypeProperty: "Renamed"},
			payload:    `"alice@example.com"`,
		},
		"subscribe with malformed json": {
			properties: map[string]string{TypeProperty: "Adding"},
			payload:    `{"address":`,
		},
		"subscribe with no languages": {
			properties: map[string]string{TypeProperty: "Adding"},
			payload:    `{"address":"alice@example.com","pagesPerDay":100,"activeDays":5,"passiveDays":2,"languages":[]}`,
		},
		"subscribe with level out of range": {
			properties: map[string]string{TypeProperty: "Adding"},
			payload:    `{"address":"alice@example.com","pagesPerDay":100,"activeDays":5,"passiveDays":2,"languages":[{"language":"English","level":11}]}`,
		},
		"unsubscribe with empty address": {
			properties: map[string]string{TypeProperty: "Deleted"},
			payload:    `""`,
		},
		"unsubscribe that is not a string": {
			properties: map[string]string{TypeProperty: "Deleted"},
			payload:    `42`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMembership(tc.properties, []byte(tc.payload))
			assert.True(t, bookdisterrors.IsInvalidArgument(err), "expected invalid argument, got %v", err)
		})
	}
}
