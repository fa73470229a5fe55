// Package chunker splits source files into chunks for embedding and search.
//
// Go files are parsed with go/parser and cut at top-level declarations:
// functions, methods (named Receiver.Method), type, const and var groups.
// Doc comments travel with their declaration. A Go file that fails to parse
// and files in other languages are cut into fixed line windows.
//
// Any chunk whose estimated token count exceeds the cap is split into line
// windows that keep the chunk type; the symbol name gets a #n suffix.
//
//	c := chunker.New()
//	specs, err := c.Chunk("pkg/server.go", chunker.DetectLanguage("pkg/server.go"), content)
package chunker
