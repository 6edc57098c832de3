// Package verify implements the recursive verify-block expression evaluated
// for every milestone: URL, DOM, and eval primitives under all/any
// combinators, with an offline snapshot path and a live browser fallback.
package verify

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind tags the variant a Block holds.
type Kind string

const (
	KindURLContains Kind = "url_contains"
	KindURLMatches  Kind = "url_matches"
	KindEvalTruthy  Kind = "eval_truthy"
	KindDOMExists   Kind = "dom_exists"
	KindDOMText     Kind = "dom_text"
	KindAll         Kind = "all"
	KindAny         Kind = "any"
)

// Block is one node of a verify expression. Exactly one variant is populated,
// selected by Kind: Value carries the substring, pattern, expression, or
// selector for the primitives; Selector/Contains carry the dom_text pair;
// Children carries the combinator operands.
type Block struct {
	Kind     Kind
	Value    string
	Selector string
	Contains string
	Children []Block
}

// UnmarshalYAML decodes the single-key mapping form used in test definitions:
//
//	verify:
//	  all:
//	    - url_contains: "/complete"
//	    - dom_text: {selector: "#status", contains: "done"}
func (b *Block) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("verify block must be a mapping with exactly one key (line %d)", node.Line)
	}
	key := node.Content[0].Value
	val := node.Content[1]
	switch Kind(key) {
	case KindURLContains, KindURLMatches, KindEvalTruthy, KindDOMExists:
		b.Kind = Kind(key)
		return val.Decode(&b.Value)
	case KindDOMText:
		b.Kind = KindDOMText
		var dt struct {
			Selector string `yaml:"selector"`
			Contains string `yaml:"contains"`
		}
		if err := val.Decode(&dt); err != nil {
			return err
		}
		b.Selector, b.Contains = dt.Selector, dt.Contains
		return nil
	case KindAll, KindAny:
		b.Kind = Kind(key)
		return val.Decode(&b.Children)
	default:
		return fmt.Errorf("unknown verify primitive %q (line %d)", key, node.Line)
	}
}

// Validate rejects structurally broken blocks at suite-load time so a bad
// pattern fails the lint instead of silently scoring false forever.
func (b *Block) Validate() error {
	switch b.Kind {
	case KindURLContains, KindEvalTruthy, KindDOMExists:
		if strings.TrimSpace(b.Value) == "" {
			return fmt.Errorf("%s requires a non-empty value", b.Kind)
		}
	case KindURLMatches:
		if strings.TrimSpace(b.Value) == "" {
			return fmt.Errorf("url_matches requires a pattern")
		}
		if _, err := regexp.Compile(b.Value); err != nil {
			return fmt.Errorf("url_matches pattern: %w", err)
		}
	case KindDOMText:
		if strings.TrimSpace(b.Selector) == "" {
			return fmt.Errorf("dom_text requires a selector")
		}
	case KindAll, KindAny:
		if len(b.Children) == 0 {
			return fmt.Errorf("%s requires at least one child", b.Kind)
		}
		for i := range b.Children {
			if err := b.Children[i].Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", b.Kind, i, err)
			}
		}
	case "":
		return fmt.Errorf("empty verify block")
	default:
		return fmt.Errorf("unknown verify kind %q", b.Kind)
	}
	return nil
}
