package decorator

import "regexp"

// mcpNamePattern matches the literal `"name":"mcp_` JSON key/value pair,
// tolerating the whitespace a marshaler may or may not insert around the
// colon. Matching text rather than re-parsing JSON is deliberate: this
// runs on streamed chunks that are not always complete JSON documents
// (spec.md §4.3 rule 6, §4.5 framing).
var mcpNamePattern = regexp.MustCompile(`("name"\s*:\s*")mcp_`)

// StripMCPPrefix removes the mcp_ tool-name prefix from every
// `"name":"mcp_X"` occurrence in data, leaving everything else
// byte-identical. It is the inverse of the mcp_-prefixing rules applied
// in Apply and prefixToolUseBlocks (spec.md §8 property 3).
func StripMCPPrefix(data []byte) []byte {
	return mcpNamePattern.ReplaceAll(data, []byte("$1"))
}

// StripMCPPrefixString is the string-typed convenience wrapper used by
// the non-streaming response path.
func StripMCPPrefixString(s string) string {
	return string(StripMCPPrefix([]byte(s)))
}
