package comfy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Workflow node ids in the face-swap template
const (
	nodeLoadVideo   = "8"  // load video input
	nodeVideoOutput = "9"  // video combine / filename_prefix
	nodeLoadImage   = "10" // load source face image
)

// Workflow is a parsed workflow template. Nodes stay as raw JSON except the
// few inputs the service patches.
type Workflow struct {
	nodes map[string]json.RawMessage
}

// LoadWorkflow reads and parses the workflow template file
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow template %s: %w", path, err)
	}

	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse workflow template %s: %w", path, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("workflow template %s has no nodes", path)
	}

	return &Workflow{nodes: nodes}, nil
}

// Patch returns a copy of the template with the video input, face image
// input, and output filename prefix set. A missing node is skipped, matching
// the template's optional structure.
func (w *Workflow) Patch(videoFilename, imageFilename, outputPrefix string) (map[string]json.RawMessage, error) {
	patched := make(map[string]json.RawMessage, len(w.nodes))
	for id, node := range w.nodes {
		patched[id] = node
	}

	for _, p := range []struct {
		node  string
		input string
		value string
	}{
		{nodeLoadVideo, "video", videoFilename},
		{nodeLoadImage, "image", imageFilename},
		{nodeVideoOutput, "filename_prefix", outputPrefix},
	} {
		raw, ok := patched[p.node]
		if !ok {
			continue
		}
		updated, err := patchNodeInput(raw, p.input, p.value)
		if err != nil {
			return nil, fmt.Errorf("failed to patch node %s: %w", p.node, err)
		}
		patched[p.node] = updated
	}

	return patched, nil
}

// patchNodeInput sets node.inputs[key] = value on a raw node document
func patchNodeInput(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, err
	}

	inputs := map[string]interface{}{}
	if rawInputs, ok := node["inputs"]; ok {
		if err := json.Unmarshal(rawInputs, &inputs); err != nil {
			return nil, err
		}
	}
	inputs[key] = value

	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, err
	}
	node["inputs"] = encoded

	return json.Marshal(node)
}

// NodeTitles returns node id -> human-readable title from _meta.title,
// falling back to "Node <id>". Used to label executing events.
func (w *Workflow) NodeTitles() map[string]string {
	titles := make(map[string]string, len(w.nodes))
	for id, raw := range w.nodes {
		titles[id] = fmt.Sprintf("Node %s", id)

		var node struct {
			Meta struct {
				Title string `json:"title"`
			} `json:"_meta"`
		}
		if err := json.Unmarshal(raw, &node); err == nil && node.Meta.Title != "" {
			titles[id] = node.Meta.Title
		}
	}
	return titles
}
