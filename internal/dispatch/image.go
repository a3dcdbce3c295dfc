package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/marcus-qen/llmctl/internal/flowchart"
	"github.com/marcus-qen/llmctl/internal/store"
)

// ImageRef is a validated container image reference: repo, repo:tag,
// repo@sha256:<64hex>, or repo:tag@sha256:<64hex>.
type ImageRef struct {
	Repository string
	Tag        string
	Digest     digest.Digest
}

var (
	repoRe = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*(/[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*)*(:[0-9]+(/[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*)+)?$`)
	tagRe  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)
)

// ParseImageRef validates and splits an image reference. Malformed
// references are rejected before any Job is built.
func ParseImageRef(s string) (*ImageRef, error) {
	if s == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	ref := &ImageRef{}

	rest := s
	if i := strings.Index(rest, "@"); i >= 0 {
		d, err := digest.Parse(rest[i+1:])
		if err != nil {
			return nil, fmt.Errorf("image %q: invalid digest: %w", s, err)
		}
		if d.Algorithm() != digest.SHA256 {
			return nil, fmt.Errorf("image %q: digest must be sha256", s)
		}
		ref.Digest = d
		rest = rest[:i]
	}

	// A colon after the last slash separates the tag; one before it is a
	// registry port.
	slash := strings.LastIndex(rest, "/")
	if i := strings.Index(rest[slash+1:], ":"); i >= 0 {
		ref.Tag = rest[slash+1+i+1:]
		rest = rest[:slash+1+i]
		if !tagRe.MatchString(ref.Tag) {
			return nil, fmt.Errorf("image %q: invalid tag %q", s, ref.Tag)
		}
	}

	// Registry hosts may contain uppercase in theory; normalize the check
	// on the lowered form the way registries do.
	if !repoRe.MatchString(strings.ToLower(rest)) {
		return nil, fmt.Errorf("image %q: invalid repository %q", s, rest)
	}
	ref.Repository = rest
	return ref, nil
}

// String renders the canonical reference.
func (r *ImageRef) String() string {
	var b strings.Builder
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest.String())
	}
	return b.String()
}

// ResolveImage picks the executor image for a runtime class from settings.
// The image setting may itself carry a tag or digest; a separate tag
// setting is appended only when the image has neither.
func ResolveImage(settings store.NodeExecutorSettings, class flowchart.RuntimeClass) (*ImageRef, error) {
	var image, tag string
	switch class {
	case flowchart.RuntimeVLLM:
		image, tag = settings.K8sVLLMImage, settings.K8sVLLMImageTag
	case flowchart.RuntimeFrontier, "":
		image, tag = settings.K8sFrontierImage, settings.K8sFrontierImageTag
	default:
		return nil, fmt.Errorf("unknown runtime class %q", class)
	}
	if image == "" {
		return nil, fmt.Errorf("no executor image configured for runtime class %q", class)
	}
	ref, err := ParseImageRef(image)
	if err != nil {
		return nil, err
	}
	if ref.Tag == "" && ref.Digest == "" && tag != "" {
		if !tagRe.MatchString(tag) {
			return nil, fmt.Errorf("invalid image tag %q", tag)
		}
		ref.Tag = tag
	}
	return ref, nil
}
