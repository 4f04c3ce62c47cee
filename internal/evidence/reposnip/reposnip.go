// Package reposnip resolves source-code context for an incident from a local
// repository checkout: direct stack-frame mapping when log samples carry file
// and line references, and a bounded keyword search as the fallback.
package reposnip

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	contextLines = 10
	maxFileBytes = 1 << 20 // 1 MB per source file
	maxWalkFiles = 2000
)

// Frame is a file/line reference extracted from log output.
type Frame struct {
	Path string
	Line int
}

var framePatterns = []*regexp.Regexp{
	// Python-style traceback frames: File "app/worker.py", line 42
	regexp.MustCompile(`File "([^"]+)", line (\d+)`),
	// Compiler/runtime style references: internal/handler.go:128
	regexp.MustCompile(`([\w./-]+\.(?:go|py|rb|js|ts|java|rs|c|cc|cpp|h))[:(](\d+)`),
}

// ExtractFrames scans text for stack-frame references. Duplicate path/line
// pairs are collapsed, order of first appearance is preserved.
func ExtractFrames(text string) []Frame {
	seen := make(map[Frame]struct{})
	var frames []Frame
	for _, re := range framePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			line, err := strconv.Atoi(m[2])
			if err != nil || line <= 0 {
				continue
			}
			f := Frame{Path: filepath.ToSlash(filepath.Clean(m[1])), Line: line}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			frames = append(frames, f)
		}
	}
	return frames
}

// Snippet is one resolved source window. Confidence is "high" for direct
// frame mapping, "low" for keyword matches.
type Snippet struct {
	Path       string
	StartLine  int
	EndLine    int
	Lines      []string
	Confidence string
	Keyword    string
}

// Fetcher reads snippets from local checkouts laid out one directory per
// service under the base path.
type Fetcher struct {
	basePath string
}

// NewFetcher creates a snippet fetcher rooted at basePath.
func NewFetcher(basePath string) *Fetcher {
	return &Fetcher{basePath: basePath}
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".rb": true, ".js": true, ".ts": true,
	".java": true, ".rs": true, ".c": true, ".cc": true, ".cpp": true, ".h": true,
}

var skipDirs = map[string]bool{
	".git": true, "vendor": true, "node_modules": true, "testdata": true,
}

// Resolve maps frames to source windows first, then fills the remaining
// budget with keyword matches. At most max snippets are returned.
func (f *Fetcher) Resolve(ctx context.Context, service string, frames []Frame, keywords []string, max int) []Snippet {
	if max <= 0 {
		return nil
	}
	root := filepath.Join(f.basePath, service)
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil
	}

	snippets := make([]Snippet, 0, max)
	for _, fr := range frames {
		if len(snippets) >= max {
			return snippets
		}
		if err := ctx.Err(); err != nil {
			return snippets
		}
		if s, ok := f.mapFrame(root, fr); ok {
			snippets = append(snippets, s)
		}
	}
	if len(snippets) < max && len(keywords) > 0 {
		snippets = append(snippets, f.keywordSearch(ctx, root, keywords, max-len(snippets))...)
	}
	return snippets
}

// mapFrame resolves one frame against the checkout. Absolute or
// container-prefixed paths fall back to a suffix match over the tree.
func (f *Fetcher) mapFrame(root string, fr Frame) (Snippet, bool) {
	rel := strings.TrimPrefix(fr.Path, "/")
	if strings.Contains(rel, "..") {
		return Snippet{}, false
	}
	candidate := filepath.Join(root, filepath.FromSlash(rel))
	if !fileOK(candidate) {
		found := ""
		suffix := filepath.FromSlash(rel)
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(path, string(filepath.Separator)+suffix) || filepath.Base(path) == suffix {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if found == "" || !fileOK(found) {
			return Snippet{}, false
		}
		candidate = found
	}

	lines, err := readLines(candidate)
	if err != nil || fr.Line > len(lines) {
		return Snippet{}, false
	}
	start := fr.Line - contextLines
	if start < 1 {
		start = 1
	}
	end := fr.Line + contextLines
	if end > len(lines) {
		end = len(lines)
	}
	relPath, _ := filepath.Rel(root, candidate)
	return Snippet{
		Path:       filepath.ToSlash(relPath),
		StartLine:  start,
		EndLine:    end,
		Lines:      lines[start-1 : end],
		Confidence: "high",
	}, true
}

// keywordSearch walks the checkout and returns windows around the first
// occurrence of each keyword. The walk is bounded by maxWalkFiles.
func (f *Fetcher) keywordSearch(ctx context.Context, root string, keywords []string, budget int) []Snippet {
	remaining := make([]string, len(keywords))
	copy(remaining, keywords)

	var out []Snippet
	visited := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExts[filepath.Ext(path)] || !fileOK(path) {
			return nil
		}
		visited++
		if visited > maxWalkFiles {
			return filepath.SkipAll
		}

		lines, err := readLines(path)
		if err != nil {
			return nil
		}
		for ki := 0; ki < len(remaining); ki++ {
			kw := remaining[ki]
			for li, line := range lines {
				if !strings.Contains(line, kw) {
					continue
				}
				start := li + 1 - contextLines
				if start < 1 {
					start = 1
				}
				end := li + 1 + contextLines
				if end > len(lines) {
					end = len(lines)
				}
				relPath, _ := filepath.Rel(root, path)
				out = append(out, Snippet{
					Path:       filepath.ToSlash(relPath),
					StartLine:  start,
					EndLine:    end,
					Lines:      lines[start-1 : end],
					Confidence: "low",
					Keyword:    kw,
				})
				remaining = append(remaining[:ki], remaining[ki+1:]...)
				ki--
				break
			}
			if len(out) >= budget {
				return filepath.SkipAll
			}
		}
		if len(remaining) == 0 {
			return filepath.SkipAll
		}
		return nil
	})
	if len(out) > budget {
		out = out[:budget]
	}
	return out
}

func fileOK(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() <= maxFileBytes
}

func readLines(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	var lines []string
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
