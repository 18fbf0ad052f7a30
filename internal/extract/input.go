// Package extract turns file-editing tool invocations from the CLI stream
// into pending edits.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/gosuda/tandem/internal/domain"
)

var (
	// ErrNoMatch is returned when old_string does not occur in the file.
	ErrNoMatch = errors.New("extract: old_string not found") //nolint:gochecknoglobals // sentinel error
	// ErrAmbiguousMatch is returned when old_string occurs more than once and
	// replace_all is not set.
	ErrAmbiguousMatch = errors.New("extract: old_string is not unique") //nolint:gochecknoglobals // sentinel error
)

// Replacement is one old_string to new_string substitution.
type Replacement struct {
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

// Input is the union of the Write, Edit and MultiEdit tool inputs.
type Input struct {
	Tool     domain.ToolName `json:"-"`
	FilePath string          `json:"file_path"`

	// Write
	Content string `json:"content,omitempty"`

	// Edit
	Replacement

	// MultiEdit
	Edits []Replacement `json:"edits,omitempty"`
}

// ParseInput decodes a tool invocation's input. Tools that do not edit
// files are rejected with domain.ErrInvalidInput.
func ParseInput(tool string, raw json.RawMessage) (Input, error) {
	name := domain.ToolName(tool)
	if !name.IsFileEdit() {
		return Input{}, fmt.Errorf("extract.ParseInput: tool %q: %w", tool, domain.ErrInvalidInput)
	}

	in := Input{Tool: name}
	if len(raw) == 0 {
		return Input{}, fmt.Errorf("extract.ParseInput: %s: empty input: %w", tool, domain.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Input{}, fmt.Errorf("extract.ParseInput: %s: %w", tool, err)
	}
	if strings.TrimSpace(in.FilePath) == "" {
		return Input{}, fmt.Errorf("extract.ParseInput: %s: file_path required: %w", tool, domain.ErrInvalidInput)
	}
	if name == domain.ToolMultiEdit && len(in.Edits) == 0 {
		return Input{}, fmt.Errorf("extract.ParseInput: %s: edits required: %w", tool, domain.ErrInvalidInput)
	}
	return in, nil
}

// Propose returns the file content after the tool's change is applied to
// current. MultiEdit replacements apply in order, each to the result of the
// previous one.
func (in Input) Propose(current string) (string, error) {
	switch in.Tool {
	case domain.ToolWrite:
		return in.Content, nil
	case domain.ToolEdit:
		return replace(current, in.Replacement)
	case domain.ToolMultiEdit:
		out := current
		for i, r := range in.Edits {
			next, err := replace(out, r)
			if err != nil {
				return "", fmt.Errorf("edit %d: %w", i, err)
			}
			out = next
		}
		return out, nil
	default:
		return "", fmt.Errorf("tool %q: %w", in.Tool, domain.ErrInvalidInput)
	}
}

// replace applies r to content. An empty old_string against an empty file
// creates it.
func replace(content string, r Replacement) (string, error) {
	if r.OldString == "" {
		if content == "" {
			return r.NewString, nil
		}
		return "", ErrNoMatch
	}

	n := strings.Count(content, r.OldString)
	switch {
	case n == 0:
		return "", ErrNoMatch
	case n > 1 && !r.ReplaceAll:
		return "", fmt.Errorf("%w: %d occurrences", ErrAmbiguousMatch, n)
	case r.ReplaceAll:
		return strings.ReplaceAll(content, r.OldString, r.NewString), nil
	default:
		return strings.Replace(content, r.OldString, r.NewString, 1), nil
	}
}

// Diff renders a unified diff between two versions of path.
func Diff(path, original, proposed string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(proposed),
		FromFile: "a/" + strings.TrimPrefix(path, "/"),
		ToFile:   "b/" + strings.TrimPrefix(path, "/"),
		Context:  3,
	})
}
