// Package textutil holds the tokenization helpers shared by the knowledge
// base and the validators.
package textutil

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	wordRe     = regexp.MustCompile(`[a-z0-9][a-z0-9+#'.\-]*[a-z0-9+#]|[a-z0-9]`)
	sentenceRe = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)
)

var markdown = goldmark.New()

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an the is are was were be been being am
		of for to in on at by with and or but as it its it's this that these those
		from into onto than then so if can could will would should shall may might
		must has have had do does did not no nor very just also only more most
		such any each which who whom whose what when where why how there their
		they them he she his her we our you your i me my us about over under
		up down out all some both own same other too again further once here`) {
		stopwords[w] = struct{}{}
	}
}

// Words returns the lower-cased word tokens of s in order. Dotted names
// ("node.js"), "c++" and contractions stay whole.
func Words(s string) []string {
	return wordRe.FindAllString(strings.ToLower(s), -1)
}

// IsStopword reports whether w carries no topical meaning.
func IsStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// Significant returns the distinct non-stopword tokens of s in first-seen order.
func Significant(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range Words(s) {
		if IsStopword(w) {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Set converts a word list to a set.
func Set(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Overlap returns |a ∩ b| / min(|a|, |b|) over the significant words of
// both strings, or 0 when either side has none.
func Overlap(a, b string) float64 {
	wa, wb := Significant(a), Significant(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := Set(wb)
	var n int
	for _, w := range wa {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return float64(n) / float64(min(len(wa), len(wb)))
}

// Sentence is one sentence of prose with its byte offset in the source.
type Sentence struct {
	Text  string
	Start int
}

// Sentences splits prose on terminal punctuation followed by whitespace (or
// end of text) and on line breaks. "Next.js" stays intact because the dot is
// not followed by whitespace.
func Sentences(s string) []Sentence {
	var out []Sentence
	start := 0
	emit := func(end int) {
		seg := s[start:end]
		trimmed := strings.TrimSpace(seg)
		if trimmed != "" {
			off := start + strings.Index(seg, trimmed)
			out = append(out, Sentence{Text: trimmed, Start: off})
		}
	}
	for _, loc := range sentenceRe.FindAllStringIndex(s, -1) {
		end := loc[0]
		// keep terminal punctuation with the sentence
		for end < loc[1] && strings.ContainsRune(".!?", rune(s[end])) {
			end++
		}
		emit(end)
		start = loc[1]
	}
	if start < len(s) {
		emit(len(s))
	}
	return out
}

// CodeBlock is one fenced code block.
type CodeBlock struct {
	Lang  string // lower-cased info string, empty when untagged
	Body  string
	Start int // byte offset of the opening fence
}

// SplitFences extracts fenced code blocks and returns them together with the
// remaining prose (blocks replaced by a blank line). Fences follow CommonMark:
// backtick and tilde fences are both recognised and an unclosed fence runs to
// the end of the content.
func SplitFences(content string) ([]CodeBlock, string) {
	src := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var blocks []CodeBlock
	var spans [][2]int
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		b, span := fencedBlock(fb, src)
		blocks = append(blocks, b)
		if span[0] >= 0 {
			spans = append(spans, span)
		}
		return ast.WalkSkipChildren, nil
	})
	if len(blocks) == 0 {
		return nil, content
	}

	var prose strings.Builder
	last := 0
	for _, sp := range spans {
		if sp[0] < last {
			continue
		}
		prose.WriteString(content[last:sp[0]])
		prose.WriteString("\n\n")
		last = sp[1]
	}
	prose.WriteString(content[last:])
	return blocks, prose.String()
}

// fencedBlock returns the block and the byte span from its opening fence line
// to the end of its closing fence (or the end of the body when unclosed).
// The span start is -1 for an empty untagged block, which has no position.
func fencedBlock(fb *ast.FencedCodeBlock, src []byte) (CodeBlock, [2]int) {
	b := CodeBlock{Lang: strings.ToLower(string(fb.Language(src)))}

	var body bytes.Buffer
	lines := fb.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		body.Write(seg.Value(src))
	}
	b.Body = body.String()

	var open, end int
	switch {
	case lines.Len() > 0:
		first := lineStart(src, lines.At(0).Start)
		open = lineStart(src, first-1)
		end = lines.At(lines.Len() - 1).Stop
	case fb.Info != nil:
		open = lineStart(src, fb.Info.Segment.Start)
		end = lineEnd(src, open)
		if end < len(src) {
			end++
		}
	default:
		b.Start = -1
		return b, [2]int{-1, -1}
	}

	// closing fence, if any, is the line right after the body
	if stop := lineEnd(src, end); end < len(src) {
		fence := bytes.TrimLeft(src[end:stop], " \t>")
		if bytes.HasPrefix(fence, []byte("```")) || bytes.HasPrefix(fence, []byte("~~~")) {
			end = stop
		}
	}
	b.Start = open
	return b, [2]int{open, end}
}

func lineStart(src []byte, pos int) int {
	if pos <= 0 {
		return 0
	}
	return bytes.LastIndexByte(src[:pos], '\n') + 1
}

func lineEnd(src []byte, pos int) int {
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i
	}
	return len(src)
}
