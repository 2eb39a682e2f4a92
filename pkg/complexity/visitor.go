package complexity

import (
	"strings"

	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// visitor walks a syntax tree collecting per-function cyclomatic complexity
// and the rows covered only by comments.
type visitor struct {
	g            *grammar
	stack        []int
	functions    []int
	commentLines map[uint]bool
	codeLines    map[uint]bool
}

func newVisitor(g *grammar) *visitor {
	return &visitor{
		g:            g,
		commentLines: make(map[uint]bool),
		codeLines:    make(map[uint]bool),
	}
}

func (v *visitor) walk(root sitter.Node) {
	v.visit(root)

	// A row holding code and a trailing comment counts as code.
	for row := range v.codeLines {
		delete(v.commentLines, row)
	}
}

func (v *visitor) visit(n sitter.Node) {
	kind := n.Type()

	if strings.Contains(kind, "comment") {
		for row := n.StartPoint().Row; row <= n.EndPoint().Row; row++ {
			v.commentLines[uint(row)] = true
		}

		return
	}

	count := n.ChildCount()

	if count == 0 {
		v.codeLines[uint(n.StartPoint().Row)] = true
	}

	isFunction := n.IsNamed() && v.g.functions.has(kind)
	if isFunction {
		v.stack = append(v.stack, 1)
	}

	if len(v.stack) > 0 && v.isDecision(n, kind) {
		v.stack[len(v.stack)-1]++
	}

	for idx := range count {
		v.visit(n.Child(idx))
	}

	if isFunction {
		top := v.stack[len(v.stack)-1]
		v.stack = v.stack[:len(v.stack)-1]
		v.functions = append(v.functions, top)
	}
}

// isDecision reports whether n adds a branch. Named nodes match on their
// type; anonymous tokens only count when they are short-circuit operators,
// so keywords such as "if" are not counted twice.
func (v *visitor) isDecision(n sitter.Node, kind string) bool {
	if !v.g.decisions.has(kind) {
		return false
	}

	if n.IsNamed() {
		return true
	}

	switch kind {
	case "&&", "||", "and", "or", "??", "?:":
		return true
	default:
		return false
	}
}
