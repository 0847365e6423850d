package core

import (
	"fmt"

	"github.com/go-drift/arbor/pkg/errors"
)

// DebugMode makes every flush verify the mounted tree: each child points back
// at its parent, sits one level deeper, and appears once.
var DebugMode = false

// SetDebugMode enables or disables tree verification.
func SetDebugMode(debug bool) {
	DebugMode = debug
}

// verifyTree reports the first structural inconsistency below root.
func verifyTree(root Element) bool {
	if err := checkSubtree(root); err != nil {
		errors.Report(&errors.RuntimeError{
			Op:   "core.verifyTree",
			Kind: errors.KindUnknown,
			Err:  err,
		})
		return false
	}
	return true
}

func checkSubtree(element Element) error {
	seen := make(map[Element]struct{})
	var err error
	element.VisitChildren(func(child Element) bool {
		switch {
		case child.Parent() != element:
			err = fmt.Errorf("element %d: child %d has a different parent", element.ID(), child.ID())
		case child.Depth() != element.Depth()+1:
			err = fmt.Errorf("element %d: child %d at depth %d, want %d", element.ID(), child.ID(), child.Depth(), element.Depth()+1)
		case !child.Mounted():
			err = fmt.Errorf("element %d: child %d is not mounted", element.ID(), child.ID())
		}
		if err == nil {
			if _, dup := seen[child]; dup {
				err = fmt.Errorf("element %d: child %d listed twice", element.ID(), child.ID())
			}
			seen[child] = struct{}{}
		}
		if err == nil {
			err = checkSubtree(child)
		}
		return err == nil
	})
	return err
}
