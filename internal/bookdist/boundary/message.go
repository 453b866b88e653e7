package boundary

import (
	"context"
)

// Message is an inbound message from either topic. Ack must only be called once everything the
// message caused has been durably recorded.
type Message struct {
	Id         string
	Topic      string
	Payload    []byte
	Properties map[string]string
	ack        func(ctx context.Context) error
}

func NewMessage(id string, topic string, payload []byte, properties map[string]string, ack func(ctx context.Context) error) *Message {
	return &Message{Id: id, Topic: topic, Payload: payload, Properties: properties, ack: ack}
}

func (m *Message) Ack(ctx context.Context) error {
	return m.ack(ctx)
}
