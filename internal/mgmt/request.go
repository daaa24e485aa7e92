// Package mgmt builds control-plane requests for a router's $management
// node, matches replies to outstanding requests and decodes them.
package mgmt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// Management protocol vocabulary.
const (
	OperationRead   = "READ"
	OperationDelete = "DELETE"
	OperationQuery  = "QUERY"

	TypeConnector  = "org.apache.qpid.dispatch.connector"
	TypeRouterLink = "org.apache.qpid.dispatch.router.link"
	TypeManagement = "org.amqp.management"

	PropOperation         = "operation"
	PropType              = "type"
	PropName              = "name"
	PropEntityType        = "entityType"
	PropCount             = "count"
	PropStatusCode        = "statusCode"
	PropStatusDescription = "statusDescription"

	BodyAttributeNames = "attributeNames"
	BodyResults        = "results"

	StatusOK        = 200
	StatusNoContent = 204
	StatusNotFound  = 404

	linkQueryCount = "100"
)

// LinkAttributes are the router link columns requested by a link query.
var LinkAttributes = []string{
	"linkType", "linkDir", "linkName", "owningAddr", "capacity",
	"undeliveredCount", "unsettledCount", "acceptedCount",
	"rejectedCount", "releasedCount", "modifiedCount",
}

// Kind is the type of a control request.
type Kind int

const (
	KindQuery Kind = iota
	KindDelete
	KindLinkQuery
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindDelete:
		return "delete"
	case KindLinkQuery:
		return "link_query"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Request is an issued control command awaiting its reply.
type Request struct {
	ID        string
	Node      model.NodeID
	Kind      Kind
	Connector string
	Message   *transport.Message
}

var newID = uuid.NewString

// BuildQuery reads one connector of node.
func BuildQuery(node model.NodeID, connector, replyTo string) Request {
	return connectorRequest(node, KindQuery, OperationRead, connector, replyTo)
}

// BuildDelete deletes one connector of node.
func BuildDelete(node model.NodeID, connector, replyTo string) Request {
	return connectorRequest(node, KindDelete, OperationDelete, connector, replyTo)
}

// BuildLinkQuery asks node for its router link table.
func BuildLinkQuery(node model.NodeID, replyTo string) Request {
	id := newID()
	attrs := make([]any, len(LinkAttributes))
	for i, a := range LinkAttributes {
		attrs[i] = a
	}
	return Request{
		ID:   id,
		Node: node,
		Kind: KindLinkQuery,
		Message: &transport.Message{
			MessageID: id,
			To:        transport.ManagementAddress,
			ReplyTo:   replyTo,
			Properties: map[string]any{
				PropCount:      linkQueryCount,
				PropOperation:  OperationQuery,
				PropEntityType: TypeRouterLink,
				PropName:       "self",
				PropType:       TypeManagement,
			},
			Body: map[string]any{BodyAttributeNames: attrs},
		},
	}
}

func connectorRequest(node model.NodeID, kind Kind, op, connector, replyTo string) Request {
	id := newID()
	return Request{
		ID:        id,
		Node:      node,
		Kind:      kind,
		Connector: connector,
		Message: &transport.Message{
			MessageID: id,
			To:        transport.ManagementAddress,
			ReplyTo:   replyTo,
			Properties: map[string]any{
				PropOperation: op,
				PropType:      TypeConnector,
				PropName:      connector,
			},
		},
	}
}
