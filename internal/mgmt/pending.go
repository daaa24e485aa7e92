package mgmt

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// ErrUnknownRequest is returned for a reply that matches no outstanding
// request.
var ErrUnknownRequest = errors.New("reply matches no outstanding request")

// Pending tracks outstanding control requests per node. Replies are matched by
// correlation id; a reply without one consumes the oldest request to that
// node, since a management node answers in order. Not safe for concurrent
// use.
type Pending struct {
	byNode [model.NumNodes][]Request
}

// NewPending returns an empty table.
func NewPending() *Pending { return &Pending{} }

// Add records req as outstanding.
func (p *Pending) Add(req Request) {
	p.byNode[req.Node] = append(p.byNode[req.Node], req)
}

// Match removes and returns the request that msg, received on node's reply
// link, answers.
func (p *Pending) Match(node model.NodeID, msg *transport.Message) (Request, error) {
	if !node.Valid() {
		return Request{}, fmt.Errorf("%w: %w", ErrUnknownRequest, model.ErrUnknownNode)
	}
	queue := p.byNode[node]
	if len(queue) == 0 {
		return Request{}, fmt.Errorf("%w: nothing outstanding on %s", ErrUnknownRequest, node)
	}

	idx := 0
	if msg != nil && msg.CorrelationID != "" {
		idx = -1
		for i, req := range queue {
			if req.ID == msg.CorrelationID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Request{}, fmt.Errorf("%w: correlation id %q on %s", ErrUnknownRequest, msg.CorrelationID, node)
		}
	}

	req := queue[idx]
	p.byNode[node] = append(queue[:idx:idx], queue[idx+1:]...)
	return req, nil
}

// Outstanding is the number of requests awaiting a reply from node.
func (p *Pending) Outstanding(node model.NodeID) int {
	if !node.Valid() {
		return 0
	}
	return len(p.byNode[node])
}

// Len is the number of outstanding requests across all nodes.
func (p *Pending) Len() int {
	n := 0
	for _, q := range p.byNode {
		n += len(q)
	}
	return n
}

// Clear discards every outstanding request.
func (p *Pending) Clear() {
	for i := range p.byNode {
		p.byNode[i] = nil
	}
}
