package pulsarutils

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
)

type MockMessageId struct {
	pulsar.MessageID
	id int
}

func (m MockMessageId) String() string {
	return "mock-" + strconv.Itoa(m.id)
}

type MockPulsarMessage struct {
	pulsar.Message
	messageId   pulsar.MessageID
	topic       string
	payload     []byte
	publishTime time.Time
	properties  map[string]string
}

func NewMessageId(id int) pulsar.MessageID {
	return MockMessageId{id: id}
}

func NewPulsarMessage(id int, publishTime time.Time, payload []byte, properties map[string]string) MockPulsarMessage {
	return MockPulsarMessage{
		messageId:   NewMessageId(id),
		publishTime: publishTime,
		payload:     payload,
		properties:  properties,
	}
}

func (m MockPulsarMessage) ID() pulsar.MessageID {
	return m.messageId
}

func (m MockPulsarMessage) Topic() string {
	return m.topic
}

// WithTopic returns a copy of the message that reports topic as its origin.
func (m MockPulsarMessage) WithTopic(topic string) MockPulsarMessage {
	m.topic = topic
	return m
}

func (m MockPulsarMessage) Payload() []byte {
	return m.payload
}

func (m MockPulsarMessage) PublishTime() time.Time {
	return m.publishTime
}

func (m MockPulsarMessage) Properties() map[string]string {
	return m.properties
}

// MockPulsarProducer records every message sent to it. SendErr, if set, is returned by Send.
type MockPulsarProducer struct {
	pulsar.Producer
	mutex    sync.Mutex
	topic    string
	sent     []*pulsar.ProducerMessage
	SendErr  error
	nextId   int
	isClosed bool
}

func NewMockPulsarProducer(topic string) *MockPulsarProducer {
	return &MockPulsarProducer{topic: topic}
}

func (p *MockPulsarProducer) Topic() string {
	return p.topic
}

func (p *MockPulsarProducer) Send(_ context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.SendErr != nil {
		return nil, p.SendErr
	}
	p.sent = append(p.sent, msg)
	p.nextId++
	return NewMessageId(p.nextId), nil
}

func (p *MockPulsarProducer) SetSendErr(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.SendErr = err
}

func (p *MockPulsarProducer) Sent() []*pulsar.ProducerMessage {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	result := make([]*pulsar.ProducerMessage, len(p.sent))
	copy(result, p.sent)
	return result
}

func (p *MockPulsarProducer) Flush() error {
	return nil
}

func (p *MockPulsarProducer) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.isClosed = true
}

// MockPulsarConsumer hands out the queued messages in order and then blocks until the receive context ends.
type MockPulsarConsumer struct {
	pulsar.Consumer
	mutex    sync.Mutex
	messages []pulsar.Message
	acked    []pulsar.MessageID
	AckErr   error
	isClosed bool
}

func NewMockPulsarConsumer(messages ...pulsar.Message) *MockPulsarConsumer {
	return &MockPulsarConsumer{messages: messages}
}

func (c *MockPulsarConsumer) Push(msg pulsar.Message) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *MockPulsarConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	for {
		c.mutex.Lock()
		if len(c.messages) > 0 {
			msg := c.messages[0]
			c.messages = c.messages[1:]
			c.mutex.Unlock()
			return msg, nil
		}
		c.mutex.Unlock()
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *MockPulsarConsumer) Ack(msg pulsar.Message) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.AckErr != nil {
		return c.AckErr
	}
	c.acked = append(c.acked, msg.ID())
	return nil
}

func (c *MockPulsarConsumer) AckID(id pulsar.MessageID) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.AckErr != nil {
		return c.AckErr
	}
	c.acked = append(c.acked, id)
	return nil
}

func (c *MockPulsarConsumer) SetAckErr(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.AckErr = err
}

func (c *MockPulsarConsumer) Acked() []pulsar.MessageID {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	result := make([]pulsar.MessageID, len(c.acked))
	copy(result, c.acked)
	return result
}

func (c *MockPulsarConsumer) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.isClosed = true
}
