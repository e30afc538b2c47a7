// Package virtual serves a static tree declared in YAML or JSON. Leaves
// either embed their content or point at a URL read through the range
// cache.
package virtual

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gobeaver/mountkit"
)

// NodeSpec is one node of a tree document.
//
//	- name: os
//	  children:
//	    - name: linux/ubuntu/ubuntu-18.04.1-desktop-amd64.iso
//	      url: http://releases.ubuntu.com/18.04.1/ubuntu-18.04.1-desktop-amd64.iso
//	    - name: README.txt
//	      content: "Mirror of installation media."
type NodeSpec struct {
	Name     string     `yaml:"name" json:"name"`
	Children []NodeSpec `yaml:"children,omitempty" json:"children,omitempty"`
	URL      string     `yaml:"url,omitempty" json:"url,omitempty"`
	Content  *string    `yaml:"content,omitempty" json:"content,omitempty"`
}

// IsDirectory reports whether the node declares children. An empty
// children list still makes a directory.
func (n NodeSpec) IsDirectory() bool {
	return n.Children != nil
}

// Decode parses a tree document. JSON documents are accepted as YAML.
// The document may be a list of roots, a single named node, or a nameless
// node whose children are the roots.
func Decode(data []byte) ([]NodeSpec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", mountkit.ErrInvalidSpec)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", mountkit.ErrInvalidSpec, err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	switch root.Kind {
	case yaml.SequenceNode:
		var roots []NodeSpec
		if err := root.Decode(&roots); err != nil {
			return nil, fmt.Errorf("%w: %v", mountkit.ErrInvalidSpec, err)
		}
		return roots, nil

	case yaml.MappingNode:
		var node NodeSpec
		if err := root.Decode(&node); err != nil {
			return nil, fmt.Errorf("%w: %v", mountkit.ErrInvalidSpec, err)
		}
		if node.Name != "" {
			return []NodeSpec{node}, nil
		}
		if !node.IsDirectory() {
			return nil, fmt.Errorf("%w: root node has neither name nor children", mountkit.ErrInvalidSpec)
		}
		return node.Children, nil

	default:
		return nil, fmt.Errorf("%w: document must be a list or a mapping", mountkit.ErrInvalidSpec)
	}
}

// DecodeSettings parses the settings part of a "virtual:" mount string:
// a base64 encoded document, or the document text itself.
func DecodeSettings(settings string) ([]NodeSpec, error) {
	settings = strings.TrimSpace(settings)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(settings); err == nil {
			return Decode(data)
		}
	}
	return Decode([]byte(settings))
}
