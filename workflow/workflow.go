// Package workflow loads the rendering server's API-format graph and rewrites the
// nodes that carry per-job parameters.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var ErrEmptyGraph = errors.New("workflow graph is empty")

// Node is one entry of an API-format graph. Inputs hold either literal values or
// links of the form ["node_id", output_index].
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// Graph maps node ids to nodes.
type Graph map[string]*Node

// NodeMap tells which node id plays which role in the template.
type NodeMap struct {
	Prompt  string
	Image   string
	Audio   string
	Sampler string
}

func DefaultNodeMap() NodeMap {
	return NodeMap{Prompt: "6", Image: "10", Audio: "12", Sampler: "20"}
}

// Params are the per-job values injected into the graph.
type Params struct {
	Prompt    string
	Image     string
	Audio     string
	Steps     int
	CFG       float64
	Seed      int64
	FPS       int
	Duration  float64
	NumFrames int
	Width     int
	Height    int
}

func Load(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var g Graph
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if len(g) == 0 {
		return nil, ErrEmptyGraph
	}
	return g, nil
}

// Clone deep-copies the graph so the template can be reused across jobs.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return Parse(data)
}

// Apply returns a copy of g with params written into the role nodes. Roles whose node
// id is not part of the graph are skipped.
func (g Graph) Apply(nodes NodeMap, p Params) (Graph, error) {
	out, err := g.Clone()
	if err != nil {
		return nil, err
	}

	if err := out.set(nodes.Prompt, map[string]interface{}{"text": p.Prompt}); err != nil {
		return nil, err
	}
	if err := out.set(nodes.Image, map[string]interface{}{"image": p.Image}); err != nil {
		return nil, err
	}
	if p.Audio != "" {
		if err := out.set(nodes.Audio, map[string]interface{}{"audio": p.Audio}); err != nil {
			return nil, err
		}
	}

	sampler := map[string]interface{}{
		"steps":    p.Steps,
		"cfg":      p.CFG,
		"seed":     p.Seed,
		"fps":      p.FPS,
		"duration": p.Duration,
	}
	if err := out.set(nodes.Sampler, sampler); err != nil {
		return nil, err
	}
	// Frame count and size only go where the template already declares them.
	optional := map[string]interface{}{}
	if p.NumFrames > 0 {
		optional["num_frames"] = p.NumFrames
		optional["length"] = p.NumFrames
	}
	if p.Width > 0 && p.Height > 0 {
		optional["width"] = p.Width
		optional["height"] = p.Height
	}
	if node, ok := out[nodes.Sampler]; ok && node.Inputs != nil {
		for k, v := range optional {
			if _, declared := node.Inputs[k]; declared && !isLink(node.Inputs[k]) {
				node.Inputs[k] = v
			}
		}
	}
	return out, nil
}

func (g Graph) set(id string, values map[string]interface{}) error {
	if id == "" {
		return nil
	}
	node, ok := g[id]
	if !ok {
		return nil
	}
	if node == nil || node.Inputs == nil {
		return fmt.Errorf("workflow node %s has no inputs", id)
	}
	for k, v := range values {
		node.Inputs[k] = v
	}
	return nil
}

// OutputNodes lists the ids of nodes that persist media, sorted.
func (g Graph) OutputNodes() []string {
	var ids []string
	for id, node := range g {
		if node == nil {
			continue
		}
		ct := node.ClassType
		if strings.HasPrefix(ct, "Save") || strings.Contains(ct, "VideoCombine") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func isLink(v interface{}) bool {
	arr, ok := v.([]interface{})
	return ok && len(arr) == 2
}
