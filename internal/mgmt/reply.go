package mgmt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

// ErrProtocolDesync marks a reply that lacks a field the request kind needs.
var ErrProtocolDesync = errors.New("protocol desync")

// Reply is a decoded management response.
type Reply struct {
	Request           Request
	StatusCode        int
	StatusDescription string

	// Name is the entity name echoed by a successful READ.
	Name string
	// Links is the table returned by a successful link QUERY.
	Links LinkTable
}

// OK reports a 2xx status.
func (r Reply) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Confirmed reports a delete acknowledged with 204 No Content. Any other
// status on a delete means the removal is not confirmed yet.
func (r Reply) Confirmed() bool {
	return r.Request.Kind == KindDelete && r.StatusCode == StatusNoContent
}

// ParseReply decodes msg as the reply to req.
func ParseReply(req Request, msg *transport.Message) (Reply, error) {
	if msg == nil {
		return Reply{}, fmt.Errorf("%w: nil reply to %s", ErrProtocolDesync, req.Kind)
	}
	reply := Reply{Request: req}

	desc, ok := lookup(msg.Properties, PropStatusDescription)
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s reply from %s has no %s", ErrProtocolDesync, req.Kind, req.Node, PropStatusDescription)
	}
	reply.StatusDescription = fmt.Sprint(desc)

	if code, ok := lookup(msg.Properties, PropStatusCode); ok {
		n, err := asInt(code)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: %s: %w", ErrProtocolDesync, PropStatusCode, err)
		}
		reply.StatusCode = n
	} else {
		reply.StatusCode = codeFromDescription(reply.StatusDescription)
	}

	// Only 200 carries a body; 204 and failures are complete as they are.
	if reply.StatusCode != StatusOK {
		return reply, nil
	}

	switch req.Kind {
	case KindQuery:
		name, ok := lookup(msg.Body, PropName)
		if !ok {
			return Reply{}, fmt.Errorf("%w: READ reply from %s has no %s", ErrProtocolDesync, req.Node, PropName)
		}
		reply.Name = fmt.Sprint(name)
	case KindLinkQuery:
		links, err := ParseLinkTable(msg.Body)
		if err != nil {
			return Reply{}, err
		}
		reply.Links = links
	}
	return reply, nil
}

// codeFromDescription recovers the status of a reply that carries only a
// description.
func codeFromDescription(desc string) int {
	switch {
	case strings.EqualFold(desc, "OK"):
		return StatusOK
	case strings.EqualFold(desc, "No Content"):
		return StatusNoContent
	default:
		return 0
	}
}

// lookup reads key from a decoded AMQP map, which may arrive keyed by string
// or by any depending on the codec.
func lookup(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[key]
		return val, ok
	case map[any]any:
		val, ok := m[key]
		return val, ok
	default:
		return nil, false
	}
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}
