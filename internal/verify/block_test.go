package verify

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestBlockUnmarshalNestedCombinator(t *testing.T) {
	doc := `
all:
  - url_contains: "/complete"
  - any:
      - eval_truthy: "window.done === true"
      - dom_text: {selector: "#status", contains: "Done"}
`
	var b Block
	if err := yaml.Unmarshal([]byte(doc), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Kind != KindAll || len(b.Children) != 2 {
		t.Fatalf("root = %s with %d children", b.Kind, len(b.Children))
	}
	if b.Children[0].Kind != KindURLContains || b.Children[0].Value != "/complete" {
		t.Errorf("child 0 = %+v", b.Children[0])
	}
	inner := b.Children[1]
	if inner.Kind != KindAny || len(inner.Children) != 2 {
		t.Fatalf("child 1 = %s with %d children", inner.Kind, len(inner.Children))
	}
	dt := inner.Children[1]
	if dt.Kind != KindDOMText || dt.Selector != "#status" || dt.Contains != "Done" {
		t.Errorf("dom_text = %+v", dt)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBlockUnmarshalRejectsUnknownPrimitive(t *testing.T) {
	var b Block
	err := yaml.Unmarshal([]byte(`url_endswith: "/x"`), &b)
	if err == nil || !strings.Contains(err.Error(), "unknown verify primitive") {
		t.Fatalf("err = %v, want unknown primitive", err)
	}
}

func TestBlockUnmarshalRejectsMultipleKeys(t *testing.T) {
	var b Block
	err := yaml.Unmarshal([]byte("url_contains: /a\ndom_exists: '#b'\n"), &b)
	if err == nil || !strings.Contains(err.Error(), "exactly one key") {
		t.Fatalf("err = %v, want exactly-one-key", err)
	}
}

func TestBlockValidate(t *testing.T) {
	cases := []struct {
		name string
		b    Block
		want string
	}{
		{"empty all", Block{Kind: KindAll}, "at least one child"},
		{"bad regex", Block{Kind: KindURLMatches, Value: "("}, "url_matches pattern"},
		{"blank selector", Block{Kind: KindDOMText, Contains: "x"}, "requires a selector"},
		{"blank expr", Block{Kind: KindEvalTruthy, Value: "  "}, "non-empty value"},
		{"nested", Block{Kind: KindAny, Children: []Block{{Kind: KindAll}}}, "any[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.b.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
