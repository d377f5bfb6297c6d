package answer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// Group is one logical row of a tabular node. Leaf results under the node
// carry the group's key.
type Group struct {
	Key      string   `json:"key"`
	OrderKey Position `json:"order_key"`
}

// Node mirrors one schema field. Leaves hold Results; inner nodes hold
// Children; tabular nodes additionally list their Groups in row order.
type Node struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Results  []AnswerResult `json:"results,omitempty"`
	Groups   []Group        `json:"groups,omitempty"`
	Children []*Node        `json:"children,omitempty"`
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Child returns the direct child by name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// RowView is a tabular row reassembled from group keys.
type RowView struct {
	Key      string
	OrderKey Position
	Values   map[string][]AnswerResult
}

// Rows groups the children's results by group key in group order.
func (n *Node) Rows() []RowView {
	rows := make([]RowView, len(n.Groups))
	slot := make(map[string]int, len(n.Groups))
	for i, g := range n.Groups {
		rows[i] = RowView{Key: g.Key, OrderKey: g.OrderKey, Values: make(map[string][]AnswerResult)}
		slot[g.Key] = i
	}
	for _, c := range n.Children {
		for _, r := range c.Results {
			if i, ok := slot[r.GroupKey]; ok {
				rows[i].Values[c.Name] = append(rows[i].Values[c.Name], r)
			}
		}
	}
	return rows
}

// Tree is the answer tree for one (document, schema, answer-source) triple.
type Tree struct {
	DocumentID string `json:"document_id"`
	Schema     string `json:"schema"`
	Checksum   string `json:"checksum"`
	Source     Source `json:"answer_source"`
	Root       *Node  `json:"root"`
}

// Walk visits nodes depth-first in declaration order.
func (t *Tree) Walk(fn func(*Node)) {
	if t == nil || t.Root == nil {
		return
	}
	var walk func(*Node)
	walk = func(n *Node) {
		fn(n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
}

// Paths returns the leaf paths in declaration order.
func (t *Tree) Paths() []string {
	var out []string
	t.Walk(func(n *Node) {
		if n.IsLeaf() && n != t.Root {
			out = append(out, n.Path)
		}
	})
	return out
}

// Find returns the node at a dotted path, or nil.
func (t *Tree) Find(path string) *Node {
	if t == nil || t.Root == nil {
		return nil
	}
	n := t.Root
	for _, seg := range strings.Split(path, ".") {
		if n = n.Child(seg); n == nil {
			return nil
		}
	}
	return n
}

// Results returns the results held at a leaf path.
func (t *Tree) Results(path string) []AnswerResult {
	if n := t.Find(path); n != nil {
		return n.Results
	}
	return nil
}

// Marshal encodes the tree. Encoding is deterministic: the tree holds no maps.
func (t *Tree) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode answer tree: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a tree produced by Marshal.
func Parse(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode answer tree: %w", err)
	}
	if t.Root == nil {
		return nil, fmt.Errorf("decode answer tree: missing root")
	}
	return &t, nil
}

// CheckAnchors verifies that every anchor of every result resolves in the view
// and that anchored text and result text agree after normalization. A
// single-anchor result must be contained in its element; multi-anchor results
// must contain each anchored span.
func (t *Tree) CheckAnchors(v *document.View) error {
	var firstErr error
	t.Walk(func(n *Node) {
		for _, r := range n.Results {
			if err := CheckResult(v, r); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", n.Path, err)
			}
		}
	})
	return firstErr
}

// CheckResult applies the anchor checks of CheckAnchors to one result.
func CheckResult(v *document.View, r AnswerResult) error {
	for _, e := range r.Elements {
		text, err := anchoredText(v, e)
		if err != nil {
			return err
		}
		if len(r.Elements) == 1 {
			if !document.Contains(text, r.Text) {
				return fmt.Errorf("element %d text %q does not contain %q", e.ElementIndex, text, r.Text)
			}
			continue
		}
		if !document.Contains(r.Text, RuneSlice(text, e.CharRange[0], e.CharRange[1])) {
			return fmt.Errorf("result %q does not contain span of element %d", r.Text, e.ElementIndex)
		}
	}
	return nil
}

func anchoredText(v *document.View, e ElementResult) (string, error) {
	switch e.ElementKind {
	case document.KindParagraph:
		p, err := v.ParagraphAt(e.ElementIndex)
		if err != nil {
			return "", err
		}
		return p.Text, nil
	case document.KindTable:
		t, err := v.CompleteTable(e.ElementIndex)
		if err != nil {
			return "", err
		}
		if e.Cell == nil {
			return t.Text(), nil
		}
		if _, ok := t.Cell(e.Cell[0], e.Cell[1]); !ok {
			return "", fmt.Errorf("table %d cell %v: %w", e.ElementIndex, *e.Cell, document.ErrMissingElement)
		}
		return t.CellText(e.Cell[0], e.Cell[1]), nil
	}
	return "", fmt.Errorf("unknown element kind %q", e.ElementKind)
}
