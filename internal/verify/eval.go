package verify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotCaptured is returned by the snapshot probe when a fact was not
// captured at end-of-test; the evaluator then consults the live fallback.
var ErrNotCaptured = errors.New("fact not captured in snapshot")

// ErrLiveUnavailable is returned by live probes when the runner's browser
// context cannot be reached. The affected milestone is unverifiable, which is
// recorded distinctly from a plain failure.
var ErrLiveUnavailable = errors.New("live browser context unavailable")

// Probe answers point-in-time questions about a page. The snapshot probe is
// pure; the live probe reads a still-open browser over CDP and never mutates.
type Probe interface {
	URL() (string, error)
	EvalTruthy(expr string) (bool, error)
	DOMExists(selector string) (bool, error)
	DOMText(selector string) (string, error)
}

// Result is the tri-state outcome of evaluating a block.
type Result uint8

const (
	False Result = iota
	True
	Unverifiable
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case Unverifiable:
		return "unverifiable"
	default:
		return "false"
	}
}

// Evaluate walks the block against the offline probe first and the live probe
// only for facts the snapshot lacks. Combinators short-circuit in child
// order: all stops at the first definite false, any at the first definite
// true. An unverifiable child only surfaces when no definite answer exists.
func Evaluate(b *Block, offline, live Probe) Result {
	switch b.Kind {
	case KindAll:
		sawUnverifiable := false
		for i := range b.Children {
			switch Evaluate(&b.Children[i], offline, live) {
			case False:
				return False
			case Unverifiable:
				sawUnverifiable = true
			}
		}
		if sawUnverifiable {
			return Unverifiable
		}
		return True
	case KindAny:
		sawUnverifiable := false
		for i := range b.Children {
			switch Evaluate(&b.Children[i], offline, live) {
			case True:
				return True
			case Unverifiable:
				sawUnverifiable = true
			}
		}
		if sawUnverifiable {
			return Unverifiable
		}
		return False
	default:
		return evalPrimitive(b, offline, live)
	}
}

// evalPrimitive applies the fail-closed rule: evaluation errors score false,
// except the two conditions that mean "no evidence either way" (fact not in
// the snapshot with no live context, or the live context being unreachable).
func evalPrimitive(b *Block, offline, live Probe) Result {
	if offline != nil {
		ok, err := applyProbe(b, offline)
		if err == nil {
			return boolResult(ok)
		}
		if !errors.Is(err, ErrNotCaptured) {
			return False
		}
	}
	if live == nil {
		return Unverifiable
	}
	ok, err := applyProbe(b, live)
	if err != nil {
		if errors.Is(err, ErrLiveUnavailable) {
			return Unverifiable
		}
		return False
	}
	return boolResult(ok)
}

func applyProbe(b *Block, p Probe) (bool, error) {
	switch b.Kind {
	case KindURLContains:
		url, err := p.URL()
		if err != nil {
			return false, err
		}
		return strings.Contains(url, b.Value), nil
	case KindURLMatches:
		url, err := p.URL()
		if err != nil {
			return false, err
		}
		re, err := regexp.Compile(`\A(?:` + b.Value + `)\z`)
		if err != nil {
			return false, err
		}
		return re.MatchString(url), nil
	case KindEvalTruthy:
		return p.EvalTruthy(b.Value)
	case KindDOMExists:
		return p.DOMExists(b.Value)
	case KindDOMText:
		text, err := p.DOMText(b.Selector)
		if err != nil {
			return false, err
		}
		return strings.Contains(text, b.Contains), nil
	default:
		return false, fmt.Errorf("not a primitive: %s", b.Kind)
	}
}

func boolResult(ok bool) Result {
	if ok {
		return True
	}
	return False
}

// LazyProbe defers dialing the live context until a primitive actually needs
// it, and dials at most once per test.
type LazyProbe struct {
	dial   func() (Probe, error)
	probe  Probe
	err    error
	dialed bool
}

// NewLazyProbe wraps a dial function. A nil dial yields a probe that always
// reports ErrLiveUnavailable.
func NewLazyProbe(dial func() (Probe, error)) *LazyProbe {
	return &LazyProbe{dial: dial}
}

// Dialed reports whether a live connection was attempted.
func (l *LazyProbe) Dialed() bool { return l.dialed }

// Close releases the underlying live connection if one was dialed.
func (l *LazyProbe) Close() {
	if c, ok := l.probe.(interface{ Close() }); ok {
		c.Close()
	}
	l.probe = nil
	l.err = ErrLiveUnavailable
	l.dialed = true
}

func (l *LazyProbe) ensure() (Probe, error) {
	if !l.dialed {
		l.dialed = true
		if l.dial == nil {
			l.err = ErrLiveUnavailable
		} else {
			l.probe, l.err = l.dial()
			if l.err != nil && !errors.Is(l.err, ErrLiveUnavailable) {
				l.err = fmt.Errorf("%w: %v", ErrLiveUnavailable, l.err)
			}
		}
	}
	return l.probe, l.err
}

func (l *LazyProbe) URL() (string, error) {
	p, err := l.ensure()
	if err != nil {
		return "", err
	}
	return p.URL()
}

func (l *LazyProbe) EvalTruthy(expr string) (bool, error) {
	p, err := l.ensure()
	if err != nil {
		return false, err
	}
	return p.EvalTruthy(expr)
}

func (l *LazyProbe) DOMExists(selector string) (bool, error) {
	p, err := l.ensure()
	if err != nil {
		return false, err
	}
	return p.DOMExists(selector)
}

func (l *LazyProbe) DOMText(selector string) (string, error) {
	p, err := l.ensure()
	if err != nil {
		return "", err
	}
	return p.DOMText(selector)
}
