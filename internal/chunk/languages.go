package chunk

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// languageSpec describes how one grammar maps onto chunking decisions.
type languageSpec struct {
	name     string
	language *sitter.Language

	// declTypes are node types that carry a symbol worth extracting.
	declTypes map[string]struct{}

	// nameTypes are the child node types holding a declaration's name.
	nameTypes map[string]struct{}
}

var languages = buildLanguages()

var extToLanguage = map[string]string{
	".go":  "go",
	".py":  "python",
	".pyi": "python",
	".js":  "javascript",
	".mjs": "javascript",
	".cjs": "javascript",
	".jsx": "javascript",
	".ts":  "typescript",
	".mts": "typescript",
	".cts": "typescript",
	".tsx": "tsx",
}

func set(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

func buildLanguages() map[string]*languageSpec {
	tsDecls := set(
		"function_declaration", "generator_function_declaration",
		"class_declaration", "method_definition",
		"interface_declaration", "type_alias_declaration", "enum_declaration",
	)
	tsNames := set("identifier", "type_identifier", "property_identifier")

	return map[string]*languageSpec{
		"go": {
			name:     "go",
			language: golang.GetLanguage(),
			declTypes: set(
				"function_declaration", "method_declaration", "type_declaration",
			),
			nameTypes: set("identifier", "field_identifier", "type_identifier"),
		},
		"python": {
			name:      "python",
			language:  python.GetLanguage(),
			declTypes: set("function_definition", "class_definition"),
			nameTypes: set("identifier"),
		},
		"javascript": {
			name:     "javascript",
			language: javascript.GetLanguage(),
			declTypes: set(
				"function_declaration", "generator_function_declaration",
				"class_declaration", "method_definition",
			),
			nameTypes: set("identifier", "property_identifier"),
		},
		"typescript": {
			name:      "typescript",
			language:  typescript.GetLanguage(),
			declTypes: tsDecls,
			nameTypes: tsNames,
		},
		"tsx": {
			name:      "tsx",
			language:  tsx.GetLanguage(),
			declTypes: tsDecls,
			nameTypes: tsNames,
		},
	}
}

// DetectLanguage maps an explicit language name or a file path onto a
// supported grammar name. Empty means unsupported; such documents chunk by
// window instead of structure.
func DetectLanguage(declared, path string) string {
	if declared != "" {
		name := strings.ToLower(declared)
		if _, ok := languages[name]; ok {
			return name
		}
		return ""
	}
	ext := strings.ToLower(filepath.Ext(path))
	return extToLanguage[ext]
}
