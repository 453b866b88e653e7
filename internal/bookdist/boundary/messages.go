package boundary

import (
	"encoding/json"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

// TypeProperty is the message property telling subscribe and unsubscribe requests apart on the
// readers topic.
const TypeProperty = "type"

type MembershipType string

const (
	Subscribe   MembershipType = "Adding"
	Unsubscribe MembershipType = "Deleted"
)

// Membership is a decoded message from the readers topic. Reader is set for Subscribe, Address for
// both kinds.
type Membership struct {
	Type    MembershipType
	Address string
	Reader  model.Reader
}

func NewSubscribeMessage(reader model.Reader) (*pulsar.ProducerMessage, error) {
	payload, err := json.Marshal(reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pulsar.ProducerMessage{
		Payload:    payload,
		Key:        reader.Address,
		Properties: map[string]string{TypeProperty: string(Subscribe)},
	}, nil
}

// NewUnsubscribeMessage encodes the address as a JSON string.
func NewUnsubscribeMessage(address string) (*pulsar.ProducerMessage, error) {
	payload, err := json.Marshal(address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &pulsar.ProducerMessage{
		Payload:    payload,
		Key:        address,
		Properties: map[string]string{TypeProperty: string(Unsubscribe)},
	}, nil
}

func NewBookMessage(payload model.BookPayload) *pulsar.ProducerMessage {
	return &pulsar.ProducerMessage{Payload: []byte(payload)}
}

// DecodeMembership parses a readers-topic message. Subscriptions are validated; any message that
// cannot be turned into a valid request yields ErrInvalidArgument.
func DecodeMembership(properties map[string]string, payload []byte) (Membership, error) {
	switch t := MembershipType(properties[TypeProperty]); t {
	case Subscribe:
		var reader model.Reader
		if err := json.Unmarshal(payload, &reader); err != nil {
			return Membership{}, invalidMembership("reader", string(payload), err.Error())
		}
		if err := reader.Validate(); err != nil {
			return Membership{}, err
		}
		return Membership{Type: t, Address: reader.Address, Reader: reader}, nil
	case Unsubscribe:
		var address string
		if err := json.Unmarshal(payload, &address); err != nil {
			return Membership{}, invalidMembership("address", string(payload), err.Error())
		}
		if address == "" {
			return Membership{}, invalidMembership("address", address, "must not be empty")
		}
		return Membership{Type: t, Address: address}, nil
	default:
		return Membership{}, invalidMembership(TypeProperty, string(t), "unknown membership message type")
	}
}

func invalidMembership(name string, value interface{}, message string) error {
	return errors.WithStack(&bookdisterrors.ErrInvalidArgument{Name: name, Value: value, Message: message})
}
