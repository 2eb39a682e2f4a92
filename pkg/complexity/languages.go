package complexity

import (
	"sync"
	"unsafe"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/alexaandru/go-sitter-forest/c"
	"github.com/alexaandru/go-sitter-forest/c_sharp"
	"github.com/alexaandru/go-sitter-forest/cpp"
	golang "github.com/alexaandru/go-sitter-forest/go"
	"github.com/alexaandru/go-sitter-forest/java"
	"github.com/alexaandru/go-sitter-forest/javascript"
	"github.com/alexaandru/go-sitter-forest/kotlin"
	"github.com/alexaandru/go-sitter-forest/php"
	"github.com/alexaandru/go-sitter-forest/python"
	"github.com/alexaandru/go-sitter-forest/ruby"
	"github.com/alexaandru/go-sitter-forest/swift"
	"github.com/alexaandru/go-sitter-forest/tsx"
	"github.com/alexaandru/go-sitter-forest/typescript"
)

// grammar describes how to measure one tree-sitter grammar.
type grammar struct {
	name      string
	language  func() unsafe.Pointer
	functions set
	decisions set
}

type set map[string]struct{}

func newSet(items ...string) set {
	s := make(set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}

	return s
}

func (s set) has(item string) bool {
	_, ok := s[item]

	return ok
}

// Boolean short-circuit operators add a branch in every grammar.
var logicalOperators = []string{"&&", "||"}

var (
	jsFunctions = newSet(
		"function_declaration", "function_expression", "function", "arrow_function",
		"method_definition", "generator_function_declaration", "generator_function",
	)
	jsDecisions = newSet(append([]string{
		"if_statement", "for_statement", "for_in_statement", "while_statement", "do_statement",
		"switch_case", "catch_clause", "ternary_expression", "??",
	}, logicalOperators...)...)
)

var grammars = map[string]*grammar{
	"go": {
		name:      "go",
		language:  golang.GetLanguage,
		functions: newSet("function_declaration", "method_declaration", "func_literal"),
		decisions: newSet(append([]string{
			"if_statement", "for_statement", "expression_case", "type_case", "communication_case",
		}, logicalOperators...)...),
	},
	"python": {
		name:      "python",
		language:  python.GetLanguage,
		functions: newSet("function_definition", "lambda"),
		decisions: newSet(
			"if_statement", "elif_clause", "for_statement", "while_statement", "except_clause",
			"conditional_expression", "for_in_clause", "if_clause", "case_clause", "and", "or",
		),
	},
	"javascript": {name: "javascript", language: javascript.GetLanguage, functions: jsFunctions, decisions: jsDecisions},
	"typescript": {name: "typescript", language: typescript.GetLanguage, functions: jsFunctions, decisions: jsDecisions},
	"tsx":        {name: "tsx", language: tsx.GetLanguage, functions: jsFunctions, decisions: jsDecisions},
	"java": {
		name:      "java",
		language:  java.GetLanguage,
		functions: newSet("method_declaration", "constructor_declaration", "lambda_expression"),
		decisions: newSet(append([]string{
			"if_statement", "for_statement", "enhanced_for_statement", "while_statement", "do_statement",
			"switch_label", "catch_clause", "ternary_expression",
		}, logicalOperators...)...),
	},
	"c": {
		name:      "c",
		language:  c.GetLanguage,
		functions: newSet("function_definition"),
		decisions: newSet(append([]string{
			"if_statement", "for_statement", "while_statement", "do_statement", "case_statement",
			"conditional_expression",
		}, logicalOperators...)...),
	},
	"cpp": {
		name:      "cpp",
		language:  cpp.GetLanguage,
		functions: newSet("function_definition", "lambda_expression"),
		decisions: newSet(append([]string{
			"if_statement", "for_statement", "for_range_loop", "while_statement", "do_statement",
			"case_statement", "catch_clause", "conditional_expression",
		}, logicalOperators...)...),
	},
	"c_sharp": {
		name:     "c_sharp",
		language: c_sharp.GetLanguage,
		functions: newSet(
			"method_declaration", "constructor_declaration", "local_function_statement", "lambda_expression",
		),
		decisions: newSet(append([]string{
			"if_statement", "for_statement", "foreach_statement", "while_statement", "do_statement",
			"switch_section", "catch_clause", "conditional_expression", "??",
		}, logicalOperators...)...),
	},
	"ruby": {
		name:      "ruby",
		language:  ruby.GetLanguage,
		functions: newSet("method", "singleton_method", "lambda"),
		decisions: newSet(append([]string{
			"if", "elsif", "unless", "while", "until", "for", "when", "rescue", "conditional",
			"if_modifier", "unless_modifier", "and", "or",
		}, logicalOperators...)...),
	},
	"php": {
		name:      "php",
		language:  php.GetLanguage,
		functions: newSet("function_definition", "method_declaration", "anonymous_function", "arrow_function"),
		decisions: newSet(append([]string{
			"if_statement", "else_if_clause", "for_statement", "foreach_statement", "while_statement",
			"do_statement", "case_statement", "catch_clause", "conditional_expression", "and", "or",
		}, logicalOperators...)...),
	},
	"swift": {
		name:      "swift",
		language:  swift.GetLanguage,
		functions: newSet("function_declaration", "init_declaration", "lambda_literal"),
		decisions: newSet(append([]string{
			"if_statement", "guard_statement", "for_statement", "while_statement", "repeat_while_statement",
			"switch_entry", "catch_block", "ternary_expression",
		}, logicalOperators...)...),
	},
	"kotlin": {
		name:      "kotlin",
		language:  kotlin.GetLanguage,
		functions: newSet("function_declaration", "anonymous_function", "lambda_literal"),
		decisions: newSet(append([]string{
			"if_expression", "for_statement", "while_statement", "do_while_statement", "when_entry",
			"catch_block", "?:",
		}, logicalOperators...)...),
	},
}

// extensionGrammars maps supported file extensions to grammar names.
var extensionGrammars = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "tsx",
	".java":  "java",
	".cpp":   "cpp",
	".c":     "c",
	".cs":    "c_sharp",
	".go":    "go",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
}

// SupportedExtensions returns the file extensions the scanner measures.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensionGrammars))
	for ext := range extensionGrammars {
		out = append(out, ext)
	}

	return out
}

var (
	languageMu    sync.Mutex
	languageCache = make(map[string]*sitter.Language)
)

// languageFor returns the loaded tree-sitter language of g, or nil when the
// grammar cannot be loaded.
func languageFor(g *grammar) (lang *sitter.Language) {
	languageMu.Lock()
	defer languageMu.Unlock()

	if cached, ok := languageCache[g.name]; ok {
		return cached
	}

	defer func() {
		if recover() != nil {
			lang = nil
		}
	}()

	lang = sitter.NewLanguage(g.language())
	languageCache[g.name] = lang

	return lang
}
