package packs

import (
	"fmt"
	"strings"
)

// Ref addresses a pack in an OCI registry: registry host, repository path,
// and either a tag or a digest.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef parses "registry/path[:tag][@sha256:...]" into a Ref. The
// registry is the first path segment and must look like a host (contain a
// dot, a colon, or be "localhost").
func ParseRef(s string) (*Ref, error) {
	if s == "" {
		return nil, fmt.Errorf("empty pack reference")
	}

	rest := s
	digest := ""
	if i := strings.Index(rest, "@"); i >= 0 {
		digest = rest[i+1:]
		rest = rest[:i]
		if !strings.HasPrefix(digest, "sha256:") {
			return nil, fmt.Errorf("invalid digest in reference %q", s)
		}
	}

	tag := ""
	// A colon after the last slash is a tag; earlier colons belong to the
	// registry port.
	if slash := strings.LastIndex(rest, "/"); slash >= 0 {
		if i := strings.Index(rest[slash+1:], ":"); i >= 0 {
			tag = rest[slash+1+i+1:]
			rest = rest[:slash+1+i]
		}
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("reference %q must include registry and repository path", s)
	}
	host := parts[0]
	if !strings.Contains(host, ".") && !strings.Contains(host, ":") && host != "localhost" {
		return nil, fmt.Errorf("reference %q has no registry host", s)
	}

	return &Ref{Registry: host, Path: parts[1], Tag: tag, Digest: digest}, nil
}

// String renders the reference back to its canonical form.
func (r *Ref) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteString("/")
	b.WriteString(r.Path)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
	}
	return b.String()
}
