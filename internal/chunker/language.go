package chunker

import (
	"path/filepath"
	"strings"
)

// LangGo is the language tag that enables symbol-aligned chunking.
const LangGo = "go"

var extLanguages = map[string]string{
	".go":    LangGo,
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".proto": "protobuf",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".json":  "json",
}

// DetectLanguage maps a file path to a language tag. Unknown extensions return "".
func DetectLanguage(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

// IsSupported reports whether the file has a known language.
func IsSupported(path string) bool {
	return DetectLanguage(path) != ""
}
