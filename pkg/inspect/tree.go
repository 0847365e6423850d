package inspect

import (
	"fmt"
	"reflect"

	"github.com/go-drift/arbor/pkg/core"
)

// maxTreeDepth limits recursion so a malformed tree cannot overflow the stack.
const maxTreeDepth = 500

// ElementTreeNode is one element in the serialized element tree.
type ElementTreeNode struct {
	ID          uint64            `json:"id"`
	WidgetType  string            `json:"widgetType"`
	ElementType string            `json:"elementType"`
	Key         any               `json:"key,omitempty"`
	Depth       int               `json:"depth"`
	Dirty       bool              `json:"dirty"`
	Mounted     bool              `json:"mounted"`
	HasState    bool              `json:"hasState,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	NodeID      string            `json:"nodeId,omitempty"`
	Dependents  int               `json:"dependents,omitempty"`
	Children    []ElementTreeNode `json:"children,omitempty"`
}

// SerializeTree converts the subtree under elem to its JSON form.
func SerializeTree(elem core.Element) ElementTreeNode {
	return serializeTree(elem, 0)
}

func serializeTree(elem core.Element, depth int) ElementTreeNode {
	if elem == nil {
		return ElementTreeNode{ElementType: "<nil>"}
	}

	node := ElementTreeNode{
		ID:          elem.ID(),
		ElementType: reflect.TypeOf(elem).String(),
		Depth:       elem.Depth(),
		Dirty:       elem.Dirty(),
		Mounted:     elem.Mounted(),
	}
	if widget := elem.Widget(); widget != nil {
		node.WidgetType = reflect.TypeOf(widget).String()
		node.Key = safeKey(widget.Key())
	}
	switch e := elem.(type) {
	case *core.StatefulElement:
		node.HasState = e.State() != nil
	case *core.InheritedElement:
		node.Dependents = e.DependentCount()
	case *core.HostElement:
		if out := e.Node(); out != nil {
			node.Tag = out.Tag
			node.NodeID = out.NodeID()
		}
	}

	if depth < maxTreeDepth {
		elem.VisitChildren(func(child core.Element) bool {
			node.Children = append(node.Children, serializeTree(child, depth+1))
			return true
		})
	}
	return node
}

// safeKey converts a widget key to a JSON-safe value. Anything other than a
// scalar is rendered with %v.
func safeKey(key any) any {
	if key == nil {
		return nil
	}
	switch key.(type) {
	case string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool:
		return key
	default:
		return fmt.Sprintf("%v", key)
	}
}
