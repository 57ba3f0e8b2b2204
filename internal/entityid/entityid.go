// Package entityid handles Home Assistant entity identifiers of the form
// "domain.object_id" and the prefix rewriting used to namespace entities
// mirrored from a remote instance.
package entityid

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalid is returned for identifiers without a "domain.object_id" shape.
var ErrInvalid = errors.New("invalid entity id")

// Normalize case-folds and trims an entity id.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Split returns the domain and object id parts of id.
func Split(id string) (domain, objectID string, err error) {
	domain, objectID, found := strings.Cut(id, ".")
	if !found || domain == "" || objectID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	return domain, objectID, nil
}

// Join builds an entity id from its parts.
func Join(domain, objectID string) string {
	return domain + "." + objectID
}

// Domain returns the domain part of id, or "" if id is invalid.
func Domain(id string) string {
	domain, _, err := Split(id)
	if err != nil {
		return ""
	}
	return domain
}

// Rewriter maps entity ids between the remote and local namespaces by
// prepending a prefix to the object id. The zero value is a no-op.
type Rewriter struct {
	prefix string
}

// NewRewriter returns a Rewriter for prefix. The prefix is case-folded.
func NewRewriter(prefix string) Rewriter {
	return Rewriter{prefix: Normalize(prefix)}
}

// Prefix returns the configured prefix.
func (r Rewriter) Prefix() string {
	return r.prefix
}

// Local returns the local entity id for a remote one, e.g.
// "sensor.temp" becomes "sensor.east_temp" for prefix "east_".
func (r Rewriter) Local(remoteID string) (string, error) {
	domain, objectID, err := Split(Normalize(remoteID))
	if err != nil {
		return "", err
	}
	return Join(domain, r.prefix+objectID), nil
}

// Remote strips the prefix from a local entity id. Only the first
// occurrence inside the object id is removed; ids without the prefix
// are returned normalized but otherwise unchanged.
func (r Rewriter) Remote(localID string) (string, error) {
	domain, objectID, err := Split(Normalize(localID))
	if err != nil {
		return "", err
	}
	if r.prefix != "" {
		objectID = strings.Replace(objectID, r.prefix, "", 1)
	}
	return Join(domain, objectID), nil
}

// Set is a case-insensitive set of entity ids.
type Set map[string]struct{}

// NewSet returns a Set holding the normalized ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was absent.
func (s Set) Add(id string) bool {
	id = Normalize(id)
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Remove deletes id and reports whether it was present.
func (s Set) Remove(id string) bool {
	id = Normalize(id)
	if _, ok := s[id]; !ok {
		return false
	}
	delete(s, id)
	return true
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[Normalize(id)]
	return ok
}

// Intersect returns the ids from candidates that are in s, normalized,
// deduplicated and in candidate order.
func (s Set) Intersect(candidates []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		id := Normalize(c)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := s[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Sorted returns the members of s in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
