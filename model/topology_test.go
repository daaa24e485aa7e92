package model

import (
	"errors"
	"testing"
)

func TestParseNodeID(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want NodeID
	}{
		{"A", NodeA}, {"b", NodeB}, {" C ", NodeC}, {"D", NodeD},
	} {
		got, err := ParseNodeID(tc.in)
		if err != nil {
			t.Fatalf("ParseNodeID(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseNodeID(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if got.String() != tc.want.String() {
			t.Fatalf("String mismatch for %q", tc.in)
		}
	}

	for _, bad := range []string{"", "E", "AB", "1"} {
		if _, err := ParseNodeID(bad); !errors.Is(err, ErrUnknownNode) {
			t.Fatalf("ParseNodeID(%q) err = %v, want ErrUnknownNode", bad, err)
		}
	}
}

func TestNodeIDText(t *testing.T) {
	var id NodeID
	if err := id.UnmarshalText([]byte("d")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	b, err := id.MarshalText()
	if err != nil || string(b) != "D" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	if _, err := NumNodes.MarshalText(); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode for NumNodes, got %v", err)
	}
}

func TestFourMeshOwnership(t *testing.T) {
	mesh := FourMesh()
	if err := mesh.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	want := map[NodeID][]string{
		NodeA: nil,
		NodeB: {ConnectorAB},
		NodeC: {ConnectorAC, ConnectorBC},
		NodeD: {ConnectorAD, ConnectorAD2, ConnectorBD, ConnectorCD},
	}
	for id, names := range want {
		owned := mesh.OwnedBy(id)
		if len(owned) != len(names) {
			t.Fatalf("%s owns %d connectors, want %d", id, len(owned), len(names))
		}
		for i, c := range owned {
			if c.Name != names[i] {
				t.Fatalf("%s connector %d = %s, want %s", id, i, c.Name, names[i])
			}
		}
	}

	c, ok := mesh.Lookup(ConnectorAD2)
	if !ok || c.Cost != 11 || !c.Joins(NodeA, NodeD) {
		t.Fatalf("unexpected AD2 connector %+v (found=%v)", c, ok)
	}
}

func TestWithout(t *testing.T) {
	mesh := FourMesh().Without(ConnectorAD2)
	if len(mesh.Connectors) != 6 {
		t.Fatalf("expected 6 connectors, got %d", len(mesh.Connectors))
	}
	if _, ok := mesh.Lookup(ConnectorAD2); ok {
		t.Fatal("AD2 still present")
	}
	if len(FourMesh().Connectors) != 7 {
		t.Fatal("Without mutated the source topology")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Topology{
		"duplicate": {Connectors: []Connector{
			{Name: "x", Owner: NodeA, Peer: NodeB, Cost: 1},
			{Name: "x", Owner: NodeB, Peer: NodeC, Cost: 1},
		}},
		"loop":     {Connectors: []Connector{{Name: "x", Owner: NodeA, Peer: NodeA, Cost: 1}}},
		"unknown":  {Connectors: []Connector{{Name: "x", Owner: NodeA, Peer: NumNodes, Cost: 1}}},
		"zerocost": {Connectors: []Connector{{Name: "x", Owner: NodeA, Peer: NodeB}}},
		"noname":   {Connectors: []Connector{{Owner: NodeA, Peer: NodeB, Cost: 1}}},
	}
	for name, topo := range cases {
		if err := topo.Validate(); !errors.Is(err, ErrInvalidTopology) {
			t.Fatalf("%s: err = %v, want ErrInvalidTopology", name, err)
		}
	}
}
