package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Limits bounds what the config parser accepts.
type Limits struct {
	MaxFileSize  int64 // bytes
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64 // bytes
}

// DefaultLimits returns the limits used by LoadConfig. Config files are
// small, so anything over 1MB is rejected.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:  1024 * 1024,
		MaxDepth:     10,
		MaxNodes:     2000,
		MaxKeyLength: 256,
		MaxValueSize: 64 * 1024,
	}
}

// SafeParser decodes YAML after checking its size and shape.
type SafeParser struct {
	limits Limits
}

// NewSafeParser creates a parser enforcing limits.
func NewSafeParser(limits Limits) *SafeParser {
	return &SafeParser{limits: limits}
}

// Unmarshal validates data against the limits, then decodes it into v.
func (p *SafeParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("config file too large: %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &walker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}
	return root.Decode(v)
}

type walker struct {
	limits Limits
	nodes  int
}

func (w *walker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}
	return nil
}
