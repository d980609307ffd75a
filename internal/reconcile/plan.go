package reconcile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/jamfsync/internal/jamf"
)

// ActionKind says what a planned action does to the destination.
type ActionKind string

const (
	// ActionDownload fetches a package that has no local copy.
	ActionDownload ActionKind = "download"
	// ActionUpdate re-fetches a package whose local hash differs.
	ActionUpdate ActionKind = "update"
	// ActionDelete removes a local entry that is no longer in the catalog.
	ActionDelete ActionKind = "delete"
	// ActionSkip leaves an up-to-date entry alone.
	ActionSkip ActionKind = "skip"
)

// Action is one step of a Plan.
type Action struct {
	Kind      ActionKind
	Name      string
	Package   jamf.Package // zero for deletes
	LocalMD5  string
	RemoteMD5 string
}

// Plan is the ordered set of actions that makes the destination match the
// catalog: downloads and updates in catalog order, then deletes.
type Plan struct {
	Actions []Action

	// SyncSet holds every remote fileName in the catalog.
	SyncSet map[string]struct{}
}

// Count returns the number of actions of the given kind.
func (p *Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	for _, a := range p.Actions {
		if a.Kind != ActionSkip {
			return false
		}
	}
	return true
}

// String renders the plan one action per line, skips omitted.
func (p *Plan) String() string {
	var sb strings.Builder
	for _, a := range p.Actions {
		if a.Kind == ActionSkip {
			continue
		}
		fmt.Fprintf(&sb, "%-8s %s\n", a.Kind, a.Name)
	}
	fmt.Fprintf(&sb, "%d to download, %d to update, %d to delete, %d unchanged\n",
		p.Count(ActionDownload), p.Count(ActionUpdate), p.Count(ActionDelete), p.Count(ActionSkip))
	return sb.String()
}

// isHidden reports whether a destination entry is outside the mirror's
// control.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// checkName rejects remote file names that could escape the destination
// root or collide with hidden entries. Names such as "Tool 2..1.pkg" are
// plain file names and pass.
func checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrUnsafeName)
	case isHidden(name):
		// Also covers "." and "..".
		return fmt.Errorf("%w: %q is hidden", ErrUnsafeName, name)
	case strings.ContainsAny(name, "/\\\x00"), filepath.Base(name) != name:
		return fmt.Errorf("%w: %q contains a path separator", ErrUnsafeName, name)
	}
	return nil
}
