package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

const (
	aggregateSuffixLimit = 60
	assertSuffixLimit    = 50
)

var (
	shouldPrefix = regexp.MustCompile(`^.*should`)
	shouldWords  = regexp.MustCompile(`^Should(?:\s+[a-z]+)+`)
	equalOp      = regexp.MustCompile(`(?i)equal`)
)

// Decoration is the presentation payload of one entity: a 1-based line
// range, an optional hover and, for failed assertions, inline text.
type Decoration struct {
	Line    int    `json:"line"`
	EndLine int    `json:"endLine"`
	Hover   *Hover `json:"hover,omitempty"`
	Suffix  string `json:"suffix,omitempty"`
}

// Hover describes an error for display next to a decoration.
type Hover struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	BodyFirst string `json:"bodyFirst"`
}

// Markdown renders the hover as a markdown snippet.
func (h *Hover) Markdown() string {
	return fmt.Sprintf("**%s** \n\n%s", h.Title, h.Body)
}

func lineDecoration(start, end int) Decoration {
	if end == 0 {
		end = start
	}
	return Decoration{Line: start, EndLine: end}
}

func suiteDecoration(line int) Decoration {
	return lineDecoration(line, 0)
}

func testDecoration(t *types.Test) Decoration {
	d := lineDecoration(t.Lines.Start, 0)
	src, ok := testErrorSource(t)
	if ok {
		hover, _ := errorHover(src)
		d.Hover = hover
	}
	return d
}

func assertionDecoration(a *types.Assertion) Decoration {
	d := lineDecoration(a.Line, a.LineEnd)
	if a.Error != nil {
		hover, suffix := errorHover(hoverSource{
			err:      a.Error,
			message:  a.Message,
			operator: a.Operator,
			expected: a.Expected,
			actual:   a.Actual,
		})
		d.Hover = hover
		d.Suffix = fmt.Sprintf("    %s ", suffix)
	}
	return d
}

type hoverSource struct {
	err      *types.RemoteError
	message  string
	operator string
	expected string
	actual   string
}

// testErrorSource picks the first failed assertion of a result, falling back
// to the test's own error.
func testErrorSource(t *types.Test) (hoverSource, bool) {
	for i := range t.Assertions {
		a := &t.Assertions[i]
		if a.Error != nil && types.StateOf(a.Status) == types.StateFail {
			return hoverSource{err: a.Error, message: a.Message, operator: a.Operator, expected: a.Expected, actual: a.Actual}, true
		}
	}
	if t.Error != nil {
		return hoverSource{err: t.Error, message: t.Error.Message}, true
	}
	return hoverSource{}, false
}

// errorHover builds the hover and the inline suffix for an error. Aggregate
// errors list their members, equality assertions show expected against
// actual, anything else shows the stack.
func errorHover(src hoverSource) (*Hover, string) {
	var h Hover
	suffix := src.message

	if nested := src.err.Errors(); nested != nil {
		h.Title = src.err.Message
		joined := strings.Join(nested, ", ")
		suffix = fmt.Sprintf("(%s) %s", h.Title, joined)
		if len(suffix) > aggregateSuffixLimit {
			suffix = h.Title
		}
		h.Body = "\t" + strings.Join(nested, "  \n\t") + "  "
		h.BodyFirst = fmt.Sprintf("%s - %s", h.Title, joined)
		return &h, suffix
	}

	if src.expected != "" && src.actual != "" {
		h.Title = assertionTitle(src.message)
		if len(suffix) > assertSuffixLimit {
			suffix = h.Title
		}
		if equalOp.MatchString(src.operator) {
			h.Body = fmt.Sprintf("\tExpected: \n\t%s \n\tActual: \n\t%s \n", prettyValue(src.expected), prettyValue(src.actual))
		} else {
			h.Body = "\t" + src.message
		}
		h.BodyFirst = src.message
		return &h, suffix
	}

	h.Title = src.err.Message
	suffix = src.err.Message
	h.Body = src.err.Stack
	if h.Body == "" {
		h.Body = src.err.Error()
	}
	h.BodyFirst, _, _ = strings.Cut(h.Body, "\n")
	return &h, suffix
}

// assertionTitle shortens "expected x should be equal to y" to
// "Should be equal to".
func assertionTitle(message string) string {
	title := shouldPrefix.ReplaceAllString(message, "Should")
	if loc := shouldWords.FindStringIndex(title); loc != nil {
		return title[:loc[1]]
	}
	return title
}

func prettyValue(s string) string {
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(s), "", "  "); err != nil {
		return s
	}
	return strings.ReplaceAll(out.String(), "\n", "  \n\t")
}
