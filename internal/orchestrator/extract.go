package orchestrator

import (
	"path/filepath"
	"regexp"
	"strings"
)

// fencedBlock is one fenced code block found in model output.
type fencedBlock struct {
	Language string
	Filename string
	Body     string
}

// fenceRe matches ```lang header lines. The filename hint, when present,
// follows the language: ```go path/to/file.go
var fenceRe = regexp.MustCompile("(?m)^```([a-zA-Z0-9+_-]*)[ \t]*([^\n`]*)$")

// extractFencedBlocks parses fenced code blocks from markdown-ish output.
func extractFencedBlocks(text string) []fencedBlock {
	var blocks []fencedBlock
	lines := strings.Split(text, "\n")

	var current *fencedBlock
	var body []string
	for _, line := range lines {
		if current == nil {
			m := fenceRe.FindStringSubmatch(line)
			if m != nil {
				current = &fencedBlock{
					Language: strings.ToLower(m[1]),
					Filename: strings.TrimSpace(m[2]),
				}
				body = body[:0]
			}
			continue
		}
		if strings.TrimSpace(line) == "```" {
			current.Body = strings.Join(body, "\n")
			blocks = append(blocks, *current)
			current = nil
			continue
		}
		body = append(body, line)
	}
	return blocks
}

// extractPatches returns the bodies of ```diff and ```patch blocks. Only
// explicitly fenced patches count: bare text that merely looks like a diff
// is never applied.
func extractPatches(text string) []string {
	var patches []string
	for _, b := range extractFencedBlocks(text) {
		if b.Language == "diff" || b.Language == "patch" {
			body := b.Body
			if strings.TrimSpace(body) == "" {
				continue
			}
			if !strings.HasSuffix(body, "\n") {
				body += "\n"
			}
			patches = append(patches, body)
		}
	}
	return patches
}

// writableExtensions limits filename-hinted writes to source and config
// files. Anything else is ignored.
var writableExtensions = map[string]bool{
	".go": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".c": true,
	".h": true, ".cpp": true, ".hpp": true, ".cs": true, ".sh": true,
	".css": true, ".html": true, ".sql": true, ".proto": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".md": true, ".txt": true, ".env": true, ".mod": true, ".sum": true,
}

// fileEdit is a full-content file write extracted from model output.
type fileEdit struct {
	Path    string
	Content string
}

// extractFileEdits returns code blocks carrying a filename hint with an
// allowed extension. Diff blocks are excluded; they go through the patch
// path instead.
func extractFileEdits(text string) []fileEdit {
	var edits []fileEdit
	for _, b := range extractFencedBlocks(text) {
		if b.Language == "diff" || b.Language == "patch" || b.Filename == "" {
			continue
		}
		name := filepath.Clean(b.Filename)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			continue
		}
		if !writableExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		body := b.Body
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		edits = append(edits, fileEdit{Path: name, Content: body})
	}
	return edits
}
