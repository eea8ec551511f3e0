package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// FailurePolicy controls what happens to a node when one of its dependencies
// failed or was skipped, and whether its own failure stops the pipeline.
type FailurePolicy string

const (
	FailurePolicySkip   FailurePolicy = "skip"
	FailurePolicyFail   FailurePolicy = "fail"
	FailurePolicyIgnore FailurePolicy = "ignore"
)

// Valid reports whether p is a known policy. The empty policy is valid and means "inherit".
func (p FailurePolicy) Valid() bool {
	switch p {
	case "", FailurePolicySkip, FailurePolicyFail, FailurePolicyIgnore:
		return true
	}
	return false
}

// WorkflowNode is one schedulable unit of a pipeline.
type WorkflowNode struct {
	ID        string         `json:"id,omitempty" yaml:"id,omitempty"`
	File      string         `json:"file" yaml:"file"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OnFailure FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	// Condition is an optional CEL guard; the node is skipped when it evaluates to false.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Pipeline is an already-validated pipeline definition.
type Pipeline struct {
	Name      string         `json:"name" yaml:"name"`
	Nodes     []WorkflowNode `json:"nodes" yaml:"nodes"`
	OnFailure FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Viewports []ViewportSpec `json:"viewports,omitempty" yaml:"viewports,omitempty"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// DefaultNodeID is the id assigned to a node declared without one.
func DefaultNodeID(index int) string {
	return "node-" + strconv.Itoa(index)
}

// NodeStatus is the outcome of a node in one scheduler pass.
type NodeStatus string

const (
	NodeStatusPassed  NodeStatus = "passed"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusSkipped NodeStatus = "skipped"
)

// ViewportSpec is either a named preset or an explicit size.
type ViewportSpec struct {
	Preset string `json:"preset,omitempty" yaml:"preset,omitempty"`
	Width  int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height int    `json:"height,omitempty" yaml:"height,omitempty"`
}

// Viewport presets.
var viewportPresets = map[string]ViewportSpec{
	"desktop": {Preset: "desktop", Width: 1280, Height: 720},
	"laptop":  {Preset: "laptop", Width: 1366, Height: 768},
	"tablet":  {Preset: "tablet", Width: 768, Height: 1024},
	"mobile":  {Preset: "mobile", Width: 375, Height: 667},
}

// DefaultViewport is used when a pipeline declares no viewport.
var DefaultViewport = viewportPresets["desktop"]

// ParseViewport accepts a preset name ("mobile") or an explicit "WIDTHxHEIGHT".
func ParseViewport(s string) (ViewportSpec, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if vp, ok := viewportPresets[s]; ok {
		return vp, nil
	}
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return ViewportSpec{}, NewErrorf(ErrCodeValidation, "unknown viewport %q", s)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return ViewportSpec{}, NewErrorf(ErrCodeValidation, "invalid viewport size %q", s)
	}
	return ViewportSpec{Width: width, Height: height}, nil
}

// Resolve fills Width/Height from the preset when only a preset name was given.
func (v ViewportSpec) Resolve() (ViewportSpec, error) {
	if v.Width > 0 && v.Height > 0 {
		return v, nil
	}
	if v.Preset == "" {
		return DefaultViewport, nil
	}
	return ParseViewport(v.Preset)
}

// String is the label used to namespace results, e.g. "mobile" or "1920x1080".
func (v ViewportSpec) String() string {
	if v.Preset != "" {
		return v.Preset
	}
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}
