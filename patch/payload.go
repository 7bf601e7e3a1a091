package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teranos/patchspool/errors"
)

// Payload is the document a producer drops into the spool. Optional stage
// blocks are pointers: nil means the block was absent, while a block that is
// present but does not fit its shape is reported by Decode as a BlockError.
type Payload struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Target      string `json:"target"`
	Version     string `json:"version"`

	PreMutationValidation *ShellBlock `json:"preMutationValidation,omitempty"`
	Mutations             *[]Mutation `json:"mutations,omitempty"`
	Mutation              *TaskBlock  `json:"mutation,omitempty"`
	PostMutationBuild     *ShellBlock `json:"postMutationBuild,omitempty"`
	Validate              *ShellBlock `json:"validate,omitempty"`
	Final                 *FinalBlock `json:"final,omitempty"`
	DisabledByDefault     bool        `json:"disabledByDefault,omitempty"`
}

// ShellBlock is an ordered list of commands
type ShellBlock struct {
	Shell []string `json:"shell"`
}

// TaskBlock carries auxiliary tasks run after mutations
type TaskBlock struct {
	Tasks []Task `json:"tasks"`
}

// Task is an auxiliary command. In the document it is either a bare command
// string or an object {"name": ..., "shell": "cmd" | ["cmd", ...]}.
type Task struct {
	Name     string   `json:"name,omitempty"`
	Commands []string `json:"shell"`
}

// UnmarshalJSON accepts both task forms
func (t *Task) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var cmd string
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		*t = Task{Name: cmd, Commands: []string{cmd}}
		return nil
	}

	var obj struct {
		Name  string          `json:"name"`
		Shell json.RawMessage `json:"shell"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	cmds, err := stringOrList(obj.Shell)
	if err != nil {
		return errors.Wrapf(err, "task %q shell", obj.Name)
	}
	if len(cmds) == 0 {
		return errors.Newf("task %q has no shell command", obj.Name)
	}
	name := obj.Name
	if name == "" {
		name = cmds[0]
	}
	*t = Task{Name: name, Commands: cmds}
	return nil
}

// MutationKind distinguishes full writes from pattern replacements
type MutationKind string

const (
	MutationWrite   MutationKind = "write"
	MutationReplace MutationKind = "replace"
)

// Mutation is one declared filesystem change. Exactly one of Content or
// Pattern must be present.
type Mutation struct {
	Path        string  `json:"path"`
	Content     *string `json:"content,omitempty"`
	Pattern     string  `json:"pattern,omitempty"`
	Replacement string  `json:"replacement,omitempty"`
}

// Kind classifies the mutation; ok is false when it is neither or both
func (m Mutation) Kind() (kind MutationKind, ok bool) {
	hasContent := m.Content != nil
	hasPattern := m.Pattern != ""
	switch {
	case hasContent && !hasPattern:
		return MutationWrite, true
	case hasPattern && !hasContent:
		return MutationReplace, true
	default:
		return "", false
	}
}

// FinalBlock declares finalization work
type FinalBlock struct {
	Git          *GitFinal `json:"git,omitempty"`
	SummaryFile  string    `json:"summaryFile,omitempty"`
	SummaryFiles []string  `json:"summaryFiles,omitempty"`
	Summary      string    `json:"summary,omitempty"`
}

// GitFinal is the version-control finalization: commit message and tag label
type GitFinal struct {
	Commit string `json:"commit,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

// LegacySummaryPaths returns every declared extra summary location
func (f *FinalBlock) LegacySummaryPaths() []string {
	if f == nil {
		return nil
	}
	var paths []string
	if f.SummaryFile != "" {
		paths = append(paths, f.SummaryFile)
	}
	for _, p := range f.SummaryFiles {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// BlockError reports a stage block that is present but malformed
type BlockError struct {
	Block string
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %q is malformed: %v", e.Block, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// Decode parses a payload document. The document must be a JSON object; each
// optional block is decoded on its own so a malformed block is named.
func Decode(data []byte) (*Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "payload is not a JSON object")
	}

	p := &Payload{}
	for key, dst := range map[string]*string{
		"id":          &p.ID,
		"description": &p.Description,
		"target":      &p.Target,
		"version":     &p.Version,
	} {
		if v, ok := raw[key]; ok {
			// type problems are reported by CheckRequired
			_ = json.Unmarshal(v, dst)
		}
	}

	blocks := []struct {
		key string
		dst interface{}
	}{
		{"preMutationValidation", &p.PreMutationValidation},
		{"mutations", &p.Mutations},
		{"mutation", &p.Mutation},
		{"postMutationBuild", &p.PostMutationBuild},
		{"validate", &p.Validate},
		{"final", &p.Final},
		{"disabledByDefault", &p.DisabledByDefault},
	}
	for _, b := range blocks {
		v, ok := raw[b.key]
		if !ok || isNull(v) {
			continue
		}
		if err := json.Unmarshal(v, b.dst); err != nil {
			return p, &BlockError{Block: b.key, Err: err}
		}
	}
	return p, nil
}

// Commands returns every shell command the payload declares, in stage order
func (p *Payload) Commands() []string {
	var cmds []string
	if p.PreMutationValidation != nil {
		cmds = append(cmds, p.PreMutationValidation.Shell...)
	}
	if p.Mutation != nil {
		for _, t := range p.Mutation.Tasks {
			cmds = append(cmds, t.Commands...)
		}
	}
	if p.PostMutationBuild != nil {
		cmds = append(cmds, p.PostMutationBuild.Shell...)
	}
	if p.Validate != nil {
		cmds = append(cmds, p.Validate.Shell...)
	}
	return cmds
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
