package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoStartNode is returned when a graph has no start node
	ErrNoStartNode = errors.New("flow graph has no start node")
	// ErrMultipleStartNodes is returned when a graph has more than one start node
	ErrMultipleStartNodes = errors.New("flow graph has more than one start node")
)

// NodeType controls how the agent treats a node
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeQuestion  NodeType = "question"
	NodeStatement NodeType = "statement"
	NodeEnd       NodeType = "end"
	NodeAPI       NodeType = "api"
	NodeTransfer  NodeType = "transfer"
)

// FunctionType identifies a node's side effect
type FunctionType string

// FunctionExternalCall calls an HTTP endpoint
const FunctionExternalCall FunctionType = "external_call"

// Function is a side effect attached to a node
type Function struct {
	Type    FunctionType      `json:"type" yaml:"type"`
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Body values may reference bindings as {{node_id}}
	Body map[string]string `json:"body,omitempty" yaml:"body,omitempty"`
}

// Transfer moves the caller to a phone number or to another agent flow
type Transfer struct {
	PhoneNumber string `json:"phone_number,omitempty" yaml:"phone_number,omitempty"`
	FlowID      string `json:"flow_id,omitempty" yaml:"flow_id,omitempty"`
}

// Node is one agent utterance or decision point
type Node struct {
	ID          string    `json:"id" yaml:"id"`
	Type        NodeType  `json:"type" yaml:"type"`
	Description string    `json:"description" yaml:"description"`
	Outcomes    []string  `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Function    *Function `json:"function,omitempty" yaml:"function,omitempty"`
	Transfer    *Transfer `json:"transfer,omitempty" yaml:"transfer,omitempty"`

	// Visits counts how often the conversation resolved to this node
	Visits int `json:"-" yaml:"-"`
}

// IsExternalCall reports whether the node carries an external call function
func (n *Node) IsExternalCall() bool {
	return n.Function != nil && n.Function.Type == FunctionExternalCall
}

// IsTransfer reports whether resolving to the node moves the caller elsewhere
func (n *Node) IsTransfer() bool {
	return n.Transfer != nil && (n.Transfer.PhoneNumber != "" || n.Transfer.FlowID != "")
}

// Edge maps a caller outcome on Source to the next node
type Edge struct {
	Source  string `json:"source" yaml:"source"`
	Target  string `json:"target" yaml:"target"`
	Outcome string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

// Graph is a conversation flow. A loaded graph is shared read-only; sessions
// work on a Clone so visit counts stay per call.
type Graph struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Greeting string  `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	Nodes    []*Node `json:"nodes" yaml:"nodes"`
	Edges    []*Edge `json:"edges" yaml:"edges"`

	index map[string]*Node
}

// Validate checks structure and builds the node index
func (g *Graph) Validate() error {
	g.index = make(map[string]*Node, len(g.Nodes))
	starts := 0
	for _, n := range g.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("flow %q: node without id", g.ID)
		}
		if _, dup := g.index[n.ID]; dup {
			return fmt.Errorf("flow %q: duplicate node id %q", g.ID, n.ID)
		}
		g.index[n.ID] = n
		if n.Type == NodeStart {
			starts++
		}
	}
	switch {
	case starts == 0:
		return fmt.Errorf("flow %q: %w", g.ID, ErrNoStartNode)
	case starts > 1:
		return fmt.Errorf("flow %q: %w", g.ID, ErrMultipleStartNodes)
	}

	for _, e := range g.Edges {
		if e == nil {
			return fmt.Errorf("flow %q: nil edge", g.ID)
		}
		if _, ok := g.index[e.Source]; !ok {
			return fmt.Errorf("flow %q: edge from unknown node %q", g.ID, e.Source)
		}
		if _, ok := g.index[e.Target]; !ok {
			return fmt.Errorf("flow %q: edge to unknown node %q", g.ID, e.Target)
		}
	}
	return nil
}

func (g *Graph) ensureIndex() {
	if g.index == nil || len(g.index) != len(g.Nodes) {
		g.index = make(map[string]*Node, len(g.Nodes))
		for _, n := range g.Nodes {
			g.index[n.ID] = n
		}
	}
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (*Node, bool) {
	g.ensureIndex()
	n, ok := g.index[id]
	return n, ok
}

// Start returns the start node
func (g *Graph) Start() *Node {
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			return n
		}
	}
	return nil
}

// OutgoingEdges returns the outgoing edges of id, in declaration order
func (g *Graph) OutgoingEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Children returns the distinct immediate downstream nodes of id
func (g *Graph) Children(id string) []*Node {
	g.ensureIndex()
	seen := make(map[string]bool)
	var out []*Node
	for _, e := range g.OutgoingEdges(id) {
		if seen[e.Target] {
			continue
		}
		seen[e.Target] = true
		if n, ok := g.index[e.Target]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Visit increments the visit counter of id
func (g *Graph) Visit(id string) {
	if n, ok := g.Node(id); ok {
		n.Visits++
	}
}

// Clone returns a deep copy with its own visit counters
func (g *Graph) Clone() *Graph {
	c := &Graph{ID: g.ID, Name: g.Name, Greeting: g.Greeting}
	c.Nodes = make([]*Node, len(g.Nodes))
	for i, n := range g.Nodes {
		cp := *n
		cp.Outcomes = append([]string(nil), n.Outcomes...)
		c.Nodes[i] = &cp
	}
	c.Edges = make([]*Edge, len(g.Edges))
	for i, e := range g.Edges {
		cp := *e
		c.Edges[i] = &cp
	}
	c.ensureIndex()
	return c
}

// DecodeYAML reads and validates a YAML flow definition
func DecodeYAML(r io.Reader) (*Graph, error) {
	var g Graph
	if err := yaml.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode flow yaml: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// DecodeJSON reads and validates a JSON flow definition
func DecodeJSON(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode flow json: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// DecodeYAMLSet reads a YAML document holding a list of flows
func DecodeYAMLSet(r io.Reader) ([]*Graph, error) {
	var doc struct {
		Flows []*Graph `yaml:"flows"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode flow set: %w", err)
	}
	for _, g := range doc.Flows {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Flows, nil
}
