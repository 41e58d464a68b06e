package workflow

import (
	"fmt"
	"strings"
)

// ActionRef is a parsed `uses:` reference. Versions are mandatory: an
// unpinned action would make a run irreproducible.
type ActionRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (a ActionRef) String() string {
	return a.Name + "@" + a.Version
}

// builtin actions understood by the runner
const (
	ActionCheckout  = "checkout"
	ActionToolchain = "rust-toolchain"
	ActionCache     = "cache"
)

// params recognized per action
const (
	WithToolchain  = "toolchain"
	WithComponents = "components"
	WithCachePath  = "path"
	WithCacheKey   = "key"
)

func ParseActionRef(uses string) (ActionRef, error) {
	name, version, found := strings.Cut(uses, "@")
	if !found || version == "" {
		return ActionRef{}, fmt.Errorf("action %q is not pinned to a version", uses)
	}
	if name == "" {
		return ActionRef{}, fmt.Errorf("action reference %q has no name", uses)
	}
	return ActionRef{Name: name, Version: version}, nil
}

func (a ActionRef) isBuiltin() bool {
	switch a.Name {
	case ActionCheckout, ActionToolchain, ActionCache:
		return true
	}
	return false
}

// requiredWith lists the params an action cannot do without.
func (a ActionRef) requiredWith() []string {
	switch a.Name {
	case ActionToolchain:
		return []string{WithToolchain}
	case ActionCache:
		return []string{WithCachePath, WithCacheKey}
	}
	return nil
}
