package netsim

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

// handleManagement answers one request addressed to r's $management node.
// The reply goes to the request's reply-to address and carries its message id
// as correlation id.
func (m *Mesh) handleManagement(r *router, req *transport.Message) {
	if req.ReplyTo == "" {
		m.log.Warn(context.Background(), "management request without reply-to dropped",
			logging.String("router", r.id.String()))
		return
	}

	op := stringProp(req.Properties, mgmt.PropOperation)
	var (
		code int
		desc string
		body any
	)
	switch op {
	case mgmt.OperationRead:
		code, desc, body = m.readConnector(r, req)
	case mgmt.OperationDelete:
		code, desc, body = m.deleteConnector(r, req)
	case mgmt.OperationQuery:
		code, desc, body = m.queryLinks(r, req)
	default:
		code, desc = 501, fmt.Sprintf("Not Implemented: %q", op)
	}

	m.log.Debug(context.Background(), "management request",
		logging.String("router", r.id.String()),
		logging.String("operation", op),
		logging.Int("status", code),
	)

	reply := &delivery{
		msg: &transport.Message{
			CorrelationID: req.MessageID,
			To:            req.ReplyTo,
			Properties: map[string]any{
				mgmt.PropStatusCode:        code,
				mgmt.PropStatusDescription: desc,
			},
			Body: body,
		},
		at:      r.id,
		address: req.ReplyTo,
	}
	m.forward(reply)
}

func (m *Mesh) ownedConnector(r *router, req *transport.Message) (string, bool) {
	if stringProp(req.Properties, mgmt.PropType) != mgmt.TypeConnector {
		return "", false
	}
	name := stringProp(req.Properties, mgmt.PropName)
	c, ok := m.live[name]
	if !ok || c.Owner != r.id {
		return name, false
	}
	return name, true
}

func (m *Mesh) readConnector(r *router, req *transport.Message) (int, string, any) {
	name, ok := m.ownedConnector(r, req)
	if !ok {
		return mgmt.StatusNotFound, "Not Found", nil
	}
	c := m.live[name]
	return mgmt.StatusOK, "OK", map[string]any{
		mgmt.PropName: c.Name,
		"role":        "inter-router",
		"host":        c.Peer.String(),
		"cost":        c.Cost,
	}
}

func (m *Mesh) deleteConnector(r *router, req *transport.Message) (int, string, any) {
	name, ok := m.ownedConnector(r, req)
	if !ok {
		return mgmt.StatusNotFound, "Not Found", nil
	}
	if err := m.RemoveConnector(name); err != nil {
		return mgmt.StatusNotFound, err.Error(), nil
	}
	return mgmt.StatusNoContent, "No Content", nil
}

func (m *Mesh) queryLinks(r *router, req *transport.Message) (int, string, any) {
	if stringProp(req.Properties, mgmt.PropEntityType) != mgmt.TypeRouterLink {
		return 400, "Bad Request: unsupported entityType", nil
	}
	columns := mgmt.RequestedAttributes(req.Body)
	table := r.linkTable()
	results := make([]any, 0, len(table))
	for _, row := range table {
		results = append(results, row.Project(columns))
	}
	names := make([]any, len(columns))
	for i, c := range columns {
		names[i] = c
	}
	return mgmt.StatusOK, "OK", map[string]any{
		mgmt.BodyAttributeNames: names,
		mgmt.BodyResults:        results,
	}
}

func stringProp(props map[string]any, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
