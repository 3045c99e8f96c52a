package dsl

import (
	"fmt"
	"regexp"
	"strings"
)

// NSID is a namespaced identifier:
// {reverse-dns-authority}/{entity-kebab}[#{fragment}], for example
// "de.berlin/business-registration#workflow".
type NSID string

var (
	dnsSegmentRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	entityRe     = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)
	migrationRe  = regexp.MustCompile(`^migration-[0-9]{3}$`)
)

// knownFragments are the fragment types a definition id may carry.
var knownFragments = map[string]bool{
	"workflow":    true,
	"permissions": true,
	"credential":  true,
	"plugin":      true,
	"test":        true,
}

// ParseNSID validates and returns an NSID.
func ParseNSID(s string) (NSID, error) {
	n := NSID(s)
	if err := n.Validate(); err != nil {
		return "", err
	}
	return n, nil
}

// Validate checks the NSID's syntax: the authority needs at least two
// lowercase reverse-DNS segments, the entity is kebab-case, and the
// fragment (when present) is one of the known fragment types or a
// migration-NNN reference.
func (n NSID) Validate() error {
	body, fragment, hasFragment := strings.Cut(string(n), "#")
	authority, entity, ok := strings.Cut(body, "/")
	if !ok || authority == "" || entity == "" {
		return fmt.Errorf("invalid nsid %q: expected {authority}/{entity}", string(n))
	}

	segments := strings.Split(authority, ".")
	if len(segments) < 2 {
		return fmt.Errorf("invalid nsid %q: authority needs at least two segments", string(n))
	}
	for _, seg := range segments {
		if !dnsSegmentRe.MatchString(seg) {
			return fmt.Errorf("invalid nsid %q: bad authority segment %q", string(n), seg)
		}
	}
	if !entityRe.MatchString(entity) {
		return fmt.Errorf("invalid nsid %q: entity must be kebab-case", string(n))
	}
	if hasFragment {
		if !knownFragments[fragment] && !migrationRe.MatchString(fragment) {
			return fmt.Errorf("invalid nsid %q: unknown fragment %q", string(n), fragment)
		}
	}
	return nil
}

// Authority returns the reverse-DNS authority part.
func (n NSID) Authority() string {
	body, _, _ := strings.Cut(string(n), "#")
	authority, _, _ := strings.Cut(body, "/")
	return authority
}

// Entity returns the entity part without the fragment.
func (n NSID) Entity() string {
	body, _, _ := strings.Cut(string(n), "#")
	_, entity, _ := strings.Cut(body, "/")
	return entity
}

// Fragment returns the fragment part, or the empty string.
func (n NSID) Fragment() string {
	_, fragment, _ := strings.Cut(string(n), "#")
	return fragment
}

// Base returns the NSID without its fragment.
func (n NSID) Base() NSID {
	body, _, _ := strings.Cut(string(n), "#")
	return NSID(body)
}

// IsFederal reports whether the definition belongs to the federal
// authority.
func (n NSID) IsFederal() bool {
	return n.Authority() == "de.bund"
}

func (n NSID) String() string { return string(n) }
