package testing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/google/go-cmp/cmp"

	"github.com/go-drift/arbor/pkg/core"
)

// UpdateSnapshotsEnv names the environment variable that makes MatchesFile
// rewrite golden files instead of comparing against them.
const UpdateSnapshotsEnv = "ARBOR_UPDATE_SNAPSHOTS"

// TestingT is the subset of *testing.T used by MatchesFile, allowing
// test doubles to intercept failures.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
	Errorf(format string, args ...any)
	Name() string
}

// Snapshot captures the element tree and the host calls made so far.
type Snapshot struct {
	Tree    *ElementNode `json:"tree"`
	Patches []PatchOp    `json:"patches,omitempty"`
}

// ElementNode represents one element in the serialized tree. IDs are
// assigned per widget type in traversal order, so they are stable across
// runs even though element ids are not.
type ElementNode struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Widget     string         `json:"widget"`
	Depth      int            `json:"depth"`
	Key        string         `json:"key,omitempty"`
	Tag        string         `json:"tag,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
	Dependents int            `json:"dependents,omitempty"`
	Children   []*ElementNode `json:"children,omitempty"`
}

// CaptureSnapshot captures the current tree and the recorded patches.
func (t *Tester) CaptureSnapshot() *Snapshot {
	snap := &Snapshot{Patches: t.patches.Ops()}
	if root := t.owner.Root(); root != nil {
		snap.Tree = captureElement(root, &typeCounter{})
	}
	return snap
}

// CaptureTree captures the subtree rooted at root without patches.
func CaptureTree(root core.Element) *Snapshot {
	if root == nil {
		return &Snapshot{}
	}
	return &Snapshot{Tree: captureElement(root, &typeCounter{})}
}

// MatchesFile compares this snapshot against a golden file. On mismatch it
// reports a diff and instructions for updating. When ARBOR_UPDATE_SNAPSHOTS=1
// is set, the file is silently updated instead.
func (s *Snapshot) MatchesFile(t TestingT, path string) {
	t.Helper()

	if os.Getenv(UpdateSnapshotsEnv) == "1" {
		if err := s.UpdateFile(path); err != nil {
			t.Fatalf("failed to update snapshot: %v", err)
		}
		return
	}

	expected, err := loadSnapshot(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.Fatalf("snapshot file missing: %s\n\nTo create: %s=1 go test -run %s", path, UpdateSnapshotsEnv, t.Name())
			return
		}
		t.Fatalf("failed to load snapshot: %v", err)
		return
	}

	if diff := s.Diff(expected); diff != "" {
		t.Errorf("snapshot mismatch: %s (-expected +actual)\n%s\n\nTo update: %s=1 go test -run %s", path, diff, UpdateSnapshotsEnv, t.Name())
	}
}

// UpdateFile writes this snapshot to the given path, creating directories
// as needed.
func (s *Snapshot) UpdateFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := marshalSnapshot(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Diff returns a diff between other (expected) and this snapshot. Returns
// empty string if equal. Both sides are compared in their JSON form so a
// snapshot loaded from disk matches a freshly captured one.
func (s *Snapshot) Diff(other *Snapshot) string {
	a, _ := marshalSnapshot(other)
	b, _ := marshalSnapshot(s)
	if bytes.Equal(a, b) {
		return ""
	}
	var expected, actual any
	_ = json.Unmarshal(a, &expected)
	_ = json.Unmarshal(b, &actual)
	return cmp.Diff(expected, actual)
}

// --- Internal ---

// typeCounter assigns stable IDs like "Counter#0", "Counter#1".
type typeCounter struct {
	counts map[string]int
}

func (c *typeCounter) next(typeName string) string {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	n := c.counts[typeName]
	c.counts[typeName] = n + 1
	return fmt.Sprintf("%s#%d", typeName, n)
}

func captureElement(e core.Element, counter *typeCounter) *ElementNode {
	widgetName := typeName(e.Widget())
	node := &ElementNode{
		ID:     counter.next(widgetName),
		Kind:   elementKind(e),
		Widget: widgetName,
		Depth:  e.Depth(),
	}
	if key := e.Widget().Key(); key != nil {
		node.Key = fmt.Sprint(key)
	}
	switch element := e.(type) {
	case *core.HostElement:
		if out := element.Node(); out != nil {
			node.Tag = out.Tag
			if len(out.Props) > 0 {
				node.Props = out.Props
			}
		}
	case *core.InheritedElement:
		node.Dependents = element.DependentCount()
	}
	e.VisitChildren(func(child core.Element) bool {
		node.Children = append(node.Children, captureElement(child, counter))
		return true
	})
	return node
}

func elementKind(e core.Element) string {
	switch e.(type) {
	case *core.StatelessElement:
		return "stateless"
	case *core.StatefulElement:
		return "stateful"
	case *core.InheritedElement:
		return "inherited"
	case *core.HostElement:
		return "host"
	default:
		return typeName(e)
	}
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

func loadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot JSON: %w", err)
	}
	return &snap, nil
}

func marshalSnapshot(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
