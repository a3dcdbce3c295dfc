package domains

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// filePatch is one file's portion of a unified diff.
type filePatch struct {
	Path    string
	NewFile bool
	Delete  bool
	Hunks   []hunk
}

type hunk struct {
	oldStart int
	oldLines int
	lines    []string // with leading ' ', '+', '-'
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseUnifiedDiff splits a unified diff into per-file patches. Accepts
// plain ---/+++ headers and git-style "diff --git" sections; a/ and b/
// prefixes are stripped.
func parseUnifiedDiff(text string) ([]*filePatch, error) {
	lines := strings.Split(text, "\n")
	var patches []*filePatch
	var cur *filePatch
	var curHunk *hunk

	flushHunk := func() {
		if cur != nil && curHunk != nil {
			cur.Hunks = append(cur.Hunks, *curHunk)
			curHunk = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushHunk()
			cur = nil
		case strings.HasPrefix(line, "--- "):
			flushHunk()
			oldPath := stripDiffPath(line[4:])
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("line %d: --- without +++", i+1)
			}
			newPath := stripDiffPath(lines[i+1][4:])
			i++
			fp := &filePatch{}
			switch {
			case oldPath == "/dev/null":
				fp.Path = newPath
				fp.NewFile = true
			case newPath == "/dev/null":
				fp.Path = oldPath
				fp.Delete = true
			default:
				fp.Path = newPath
			}
			if fp.Path == "" || fp.Path == "/dev/null" {
				return nil, fmt.Errorf("line %d: no usable path", i)
			}
			patches = append(patches, fp)
			cur = fp
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: hunk before file header", i+1)
			}
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("line %d: malformed hunk header %q", i+1, line)
			}
			flushHunk()
			oldStart, _ := strconv.Atoi(m[1])
			oldLines := 1
			if m[2] != "" {
				oldLines, _ = strconv.Atoi(m[2])
			}
			curHunk = &hunk{oldStart: oldStart, oldLines: oldLines}
		case curHunk != nil && (line == "" || line[0] == ' ' || line[0] == '+' || line[0] == '-'):
			if line == "" && i == len(lines)-1 {
				continue // trailing newline from Split
			}
			if line == "" {
				line = " "
			}
			curHunk.lines = append(curHunk.lines, line)
		case strings.HasPrefix(line, "\\ No newline"):
			// tolerated; whole-line application keeps content as-is
		default:
			// prose between sections is ignored
		}
	}
	flushHunk()

	if len(patches) == 0 {
		return nil, fmt.Errorf("no file sections found")
	}
	for _, p := range patches {
		if len(p.Hunks) == 0 && !p.Delete {
			return nil, fmt.Errorf("file %s has no hunks", p.Path)
		}
	}
	return patches, nil
}

func stripDiffPath(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	if s == "/dev/null" {
		return s
	}
	s = strings.TrimPrefix(s, "a/")
	s = strings.TrimPrefix(s, "b/")
	return s
}

// apply runs the patch hunks against the original content. Context lines
// must match exactly; any mismatch fails the whole file.
func (p *filePatch) apply(original string) (string, error) {
	if p.Delete {
		return "", nil
	}
	var src []string
	hadTrailingNewline := strings.HasSuffix(original, "\n")
	if original != "" {
		src = strings.Split(original, "\n")
		// Split on a trailing newline produces one empty tail element.
		if hadTrailingNewline {
			src = src[:len(src)-1]
		}
	}
	if p.NewFile && original != "" {
		return "", fmt.Errorf("new-file patch but file exists")
	}

	var out []string
	pos := 0 // index into src
	for hi, h := range p.Hunks {
		start := h.oldStart - 1
		if h.oldLines == 0 {
			// pure insertion; oldStart is the line after which to insert
			start = h.oldStart
		}
		if start < pos || start > len(src) {
			return "", fmt.Errorf("hunk %d out of range", hi+1)
		}
		out = append(out, src[pos:start]...)
		pos = start
		for _, hl := range h.lines {
			op, text := hl[0], hl[1:]
			switch op {
			case ' ':
				if pos >= len(src) || src[pos] != text {
					return "", fmt.Errorf("hunk %d: context mismatch at line %d", hi+1, pos+1)
				}
				out = append(out, text)
				pos++
			case '-':
				if pos >= len(src) || src[pos] != text {
					return "", fmt.Errorf("hunk %d: removed line mismatch at line %d", hi+1, pos+1)
				}
				pos++
			case '+':
				out = append(out, text)
			}
		}
	}
	out = append(out, src[pos:]...)

	result := strings.Join(out, "\n")
	if hadTrailingNewline || original == "" {
		result += "\n"
	}
	return result, nil
}
