// Package sandbox validates filesystem paths against allow and deny roots
// before the tailer or control plane touches them.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/rs/zerolog/log"
)

// DefaultDenyRoots are system directories never served regardless of the
// allow list.
var DefaultDenyRoots = []string{
	"/etc",
	"/boot",
	"/sys",
	"/proc",
	"/dev",
	"/root/.ssh",
	"/usr/lib",
	"/usr/bin",
	"/sbin",
	"/bin",
}

// Sandbox holds the mutable allow list and the static deny list. Deny-root
// matches take precedence over allow-root matches.
type Sandbox struct {
	mu         sync.RWMutex
	allowRoots []string
	denyRoots  []string
	strict     bool // reject paths that do not exist yet
}

// New builds a sandbox over the given allow roots. Roots are canonicalized
// eagerly; unresolvable roots are dropped with a warning.
func New(allowRoots []string, strict bool) *Sandbox {
	s := &Sandbox{strict: strict}
	for _, root := range DefaultDenyRoots {
		s.denyRoots = append(s.denyRoots, filepath.Clean(root))
	}
	for _, root := range allowRoots {
		if err := s.AddAllowRoot(root); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("Dropping unusable sandbox allow root")
		}
	}
	return s
}

// AddAllowRoot registers a new allow root at runtime.
func (s *Sandbox) AddAllowRoot(root string) error {
	canonical, err := canonicalize(root)
	if err != nil {
		return fmt.Errorf("canonicalize allow root %q: %w", root, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.allowRoots {
		if existing == canonical {
			return nil
		}
	}
	s.allowRoots = append(s.allowRoots, canonical)
	log.Info().Str("root", canonical).Msg("Sandbox allow root added")
	return nil
}

// RemoveAllowRoot drops an allow root; paths under it stop validating.
func (s *Sandbox) RemoveAllowRoot(root string) {
	canonical, err := canonicalize(root)
	if err != nil {
		canonical = filepath.Clean(root)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.allowRoots {
		if existing == canonical {
			s.allowRoots = append(s.allowRoots[:i], s.allowRoots[i+1:]...)
			return
		}
	}
}

// AllowRoots returns a copy of the current allow list.
func (s *Sandbox) AllowRoots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.allowRoots))
	copy(out, s.allowRoots)
	return out
}

// Validate canonicalizes path and accepts it iff it sits under at least one
// allow root and under no deny root. The canonical path is returned.
func (s *Sandbox) Validate(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperrors.Validation("sandbox", "validate", fmt.Errorf("empty path"))
	}
	canonical, err := canonicalize(path)
	if err != nil {
		if os.IsNotExist(err) && !s.strictMode() {
			// Files may be created later; fall back to lexical cleanup.
			canonical = lexicalCanonical(path)
		} else {
			return "", apperrors.Validation("sandbox", "validate",
				fmt.Errorf("%w: cannot resolve %q: %v", apperrors.ErrSecurityViolation, path, err))
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, deny := range s.denyRoots {
		if underRoot(canonical, deny) {
			return "", apperrors.Validation("sandbox", "validate",
				fmt.Errorf("%w: %q is under denied root %q", apperrors.ErrSecurityViolation, canonical, deny))
		}
	}
	for _, allow := range s.allowRoots {
		if underRoot(canonical, allow) {
			return canonical, nil
		}
	}
	return "", apperrors.Validation("sandbox", "validate",
		fmt.Errorf("%w: %q is outside every allowed root", apperrors.ErrSecurityViolation, canonical))
}

func (s *Sandbox) strictMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strict
}

// canonicalize resolves symlinks and normalizes separators. For paths that
// do not exist it resolves the deepest existing ancestor and re-joins the
// remainder, so symlinked parents still canonicalize.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Walk up until an existing ancestor resolves.
	remainder := ""
	dir := abs
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		remainder = filepath.Join(filepath.Base(dir), remainder)
		dir = parent
		if resolved, rerr := filepath.EvalSymlinks(dir); rerr == nil {
			return filepath.Join(resolved, remainder), nil
		} else if !os.IsNotExist(rerr) {
			return "", rerr
		}
	}
}

func lexicalCanonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
