// Package loader builds a story graph and its domain catalog from authored
// YAML documents.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// ErrStoryIDRequired indicates a document without an id.
var ErrStoryIDRequired = errors.New("story id is required")

// Document is the authored form of one story.
type Document struct {
	ID         string         `yaml:"id"`
	Title      string         `yaml:"title"`
	Vars       map[string]any `yaml:"vars"`
	Start      string         `yaml:"start"`
	Nodes      []NodeDoc      `yaml:"nodes"`
	Containers []ContainerDoc `yaml:"containers"`
	Resources  []ResourceDoc  `yaml:"resources"`
	Entries    []PointDoc     `yaml:"entries"`
	Exits      []PointDoc     `yaml:"exits"`
	Edges      []EdgeDoc      `yaml:"edges"`
	Domains    []DomainDoc    `yaml:"domains"`
}

// NodeDoc describes a structural node.
type NodeDoc struct {
	ID       string           `yaml:"id"`
	Label    string           `yaml:"label"`
	Kind     string           `yaml:"kind"`
	Tags     []string         `yaml:"tags"`
	Classes  []string         `yaml:"classes"`
	Attrs    map[string]any   `yaml:"attrs"`
	Effects  []string         `yaml:"effects"`
	Requires []RequirementDoc `yaml:"requires"`
}

// ContainerDoc describes a container and its members.
type ContainerDoc struct {
	NodeDoc    `yaml:",inline"`
	Level      string         `yaml:"level"`
	Domains    []string       `yaml:"domains"`
	Nodes      []NodeDoc      `yaml:"nodes"`
	Containers []ContainerDoc `yaml:"containers"`
	Resources  []ResourceDoc  `yaml:"resources"`
	Entries    []PointDoc     `yaml:"entries"`
	Exits      []PointDoc     `yaml:"exits"`
	Reset      string         `yaml:"reset"`
}

// ResourceDoc describes a resource node and where it is afforded.
type ResourceDoc struct {
	NodeDoc `yaml:",inline"`
	Affords []string `yaml:"affords"`
}

// PointDoc names an entry or exit member of a container.
type PointDoc struct {
	Node    string `yaml:"node"`
	Trigger string `yaml:"trigger"`
}

// EdgeDoc describes a choice edge between two node references.
type EdgeDoc struct {
	ID      string   `yaml:"id"`
	From    string   `yaml:"from"`
	To      string   `yaml:"to"`
	Label   string   `yaml:"label"`
	Trigger string   `yaml:"trigger"`
	Guard   string   `yaml:"guard"`
	Effects []string `yaml:"effects"`
}

// RequirementDoc describes a dependency carried by a node.
type RequirementDoc struct {
	Label    string         `yaml:"label"`
	Hard     bool           `yaml:"hard"`
	Policy   string         `yaml:"policy"`
	Criteria graph.Criteria `yaml:"criteria"`
	Template *NodeDoc       `yaml:"template"`
}

// DomainDoc declares a domain and how it becomes visible.
type DomainDoc struct {
	Name       string         `yaml:"name"`
	Vars       map[string]any `yaml:"vars"`
	Affiliates []string       `yaml:"affiliates"`
	Types      []string       `yaml:"types"`
}

// Parse decodes a document, rejecting unknown fields.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrStoryIDRequired
		}
		return nil, fmt.Errorf("decode story: %w", err)
	}
	if doc.ID == "" {
		return nil, ErrStoryIDRequired
	}
	return &doc, nil
}

// ReadFile parses the document at path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read story: %w", err)
	}
	return Parse(data)
}
