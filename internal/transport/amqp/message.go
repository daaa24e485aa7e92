package amqp

import (
	"fmt"

	goamqp "github.com/Azure/go-amqp"

	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

func toAMQP(msg *transport.Message, tag string) *goamqp.Message {
	m := &goamqp.Message{DeliveryTag: []byte(tag)}
	if msg == nil {
		return m
	}
	props := &goamqp.MessageProperties{}
	if msg.MessageID != "" {
		props.MessageID = msg.MessageID
	}
	if msg.CorrelationID != "" {
		props.CorrelationID = msg.CorrelationID
	}
	if msg.To != "" {
		to := msg.To
		props.To = &to
	}
	if msg.ReplyTo != "" {
		replyTo := msg.ReplyTo
		props.ReplyTo = &replyTo
	}
	m.Properties = props
	if len(msg.Properties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}
	m.Value = msg.Body
	return m
}

func fromAMQP(m *goamqp.Message) *transport.Message {
	msg := &transport.Message{}
	if m == nil {
		return msg
	}
	if p := m.Properties; p != nil {
		msg.MessageID = idString(p.MessageID)
		msg.CorrelationID = idString(p.CorrelationID)
		if p.To != nil {
			msg.To = *p.To
		}
		if p.ReplyTo != nil {
			msg.ReplyTo = *p.ReplyTo
		}
	}
	if len(m.ApplicationProperties) > 0 {
		msg.Properties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			msg.Properties[k] = v
		}
	}
	switch {
	case m.Value != nil:
		msg.Body = m.Value
	case len(m.Data) > 0:
		msg.Body = m.Data[0]
	}
	return msg
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case []byte:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}
