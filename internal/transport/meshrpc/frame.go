package meshrpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

// Frame operations.
const (
	OpAttach   = "attach"
	OpAttached = "attached"
	OpTransfer = "transfer"
	OpOutcome  = "outcome"
	OpFlow     = "flow"
	OpDetach   = "detach"
	OpError    = "error"
)

// Link roles carried by attach frames.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// ErrBadFrame is returned for frames that cannot be decoded.
var ErrBadFrame = errors.New("bad frame")

// frame is one message on an Attach stream. Link is the client's handle for
// the link the frame concerns.
type frame struct {
	Op      string
	Link    string
	Role    string
	Name    string
	Address string
	Dynamic bool
	Credit  int
	Tag     string
	Outcome transport.Outcome
	Message *transport.Message
	Error   string
}

func (f frame) encode() (*structpb.Struct, error) {
	m := map[string]any{"op": f.Op}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("link", f.Link)
	put("role", f.Role)
	put("name", f.Name)
	put("address", f.Address)
	put("tag", f.Tag)
	put("error", f.Error)
	if f.Dynamic {
		m["dynamic"] = true
	}
	if f.Credit != 0 {
		m["credit"] = f.Credit
	}
	if f.Outcome != 0 {
		m["outcome"] = f.Outcome.String()
	}
	if f.Message != nil {
		msg, err := encodeMessage(f.Message)
		if err != nil {
			return nil, err
		}
		m["message"] = msg
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadFrame, f.Op, err)
	}
	return s, nil
}

func decodeFrame(s *structpb.Struct) (frame, error) {
	if s == nil {
		return frame{}, fmt.Errorf("%w: empty", ErrBadFrame)
	}
	m := s.AsMap()
	f := frame{
		Op:      str(m, "op"),
		Link:    str(m, "link"),
		Role:    str(m, "role"),
		Name:    str(m, "name"),
		Address: str(m, "address"),
		Tag:     str(m, "tag"),
		Error:   str(m, "error"),
	}
	if f.Op == "" {
		return frame{}, fmt.Errorf("%w: missing op", ErrBadFrame)
	}
	f.Dynamic, _ = m["dynamic"].(bool)
	if n, ok := m["credit"].(float64); ok {
		f.Credit = int(n)
	}
	if o := str(m, "outcome"); o != "" {
		out, err := parseOutcome(o)
		if err != nil {
			return frame{}, err
		}
		f.Outcome = out
	}
	if raw, ok := m["message"].(map[string]any); ok {
		f.Message = decodeMessage(raw)
	}
	return f, nil
}

func encodeMessage(msg *transport.Message) (map[string]any, error) {
	out := map[string]any{}
	if msg.MessageID != "" {
		out["message_id"] = msg.MessageID
	}
	if msg.CorrelationID != "" {
		out["correlation_id"] = msg.CorrelationID
	}
	if msg.To != "" {
		out["to"] = msg.To
	}
	if msg.ReplyTo != "" {
		out["reply_to"] = msg.ReplyTo
	}
	if len(msg.Properties) > 0 {
		props, err := normalize(msg.Properties)
		if err != nil {
			return nil, err
		}
		out["properties"] = props
	}
	if msg.Body != nil {
		body, err := normalize(msg.Body)
		if err != nil {
			return nil, err
		}
		out["body"] = body
	}
	return out, nil
}

// decodeMessage reverses encodeMessage. Numbers come back as float64.
func decodeMessage(m map[string]any) *transport.Message {
	msg := &transport.Message{
		MessageID:     str(m, "message_id"),
		CorrelationID: str(m, "correlation_id"),
		To:            str(m, "to"),
		ReplyTo:       str(m, "reply_to"),
		Body:          m["body"],
	}
	if props, ok := m["properties"].(map[string]any); ok {
		msg.Properties = props
	}
	return msg
}

// normalize rewrites v into the value shapes structpb accepts.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported value %T", ErrBadFrame, v)
	}
}

func parseOutcome(s string) (transport.Outcome, error) {
	for o := transport.Accepted; o <= transport.Rejected; o++ {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown outcome %q", ErrBadFrame, s)
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
