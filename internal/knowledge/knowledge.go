// Package knowledge holds the verified-fact knowledge base the factual
// validator cross-references claims against.
//
// A *Base is an immutable snapshot. Edits produce a new snapshot which is
// published through a Handle, so a validation run always reads exactly one
// generation.
package knowledge

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/triage-ai/guardian/internal/textutil"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultDocument []byte

// LoadError reports a knowledge base document that could not be parsed at
// all. Per-entry problems never produce a LoadError; those entries are
// skipped and logged.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return "knowledge base load: " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrNoTopics is wrapped by a LoadError when the document has no topics map.
var ErrNoTopics = errors.New("document has no topics")

// generations hands out snapshot generations; every snapshot gets a fresh one.
var generations atomic.Uint64

// Mention is one topic reference found in a text.
type Mention struct {
	Topic  string
	Term   string // the matched text as written
	Offset int    // byte offset in the searched text
}

type topicMatcher struct {
	topic string
	re    *regexp.Regexp
}

// Base is an immutable knowledge base snapshot.
type Base struct {
	version    string
	generation uint64
	entries    map[string]*Entry
	index      map[string]string // lower-cased topic, name or alias → topic
	matchers   []topicMatcher
	misconcept map[string][]misconception
}

type misconception struct {
	text    string
	words   []string
	negated bool
}

type document struct {
	Version string               `yaml:"version"`
	Topics  map[string]yaml.Node `yaml:"topics"`
}

// Load parses a YAML (or JSON) knowledge base document. A malformed document
// is a *LoadError; invalid entries are skipped with a warning.
func Load(data []byte, logger *zap.Logger) (*Base, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Err: err}
	}
	if doc.Topics == nil {
		return nil, &LoadError{Err: ErrNoTopics}
	}

	entries := make([]Entry, 0, len(doc.Topics))
	for key, node := range doc.Topics {
		var e Entry
		if err := node.Decode(&e); err != nil {
			logger.Warn("skipping malformed knowledge entry",
				zap.String("topic", key),
				zap.Error(err),
			)
			continue
		}
		e.Topic = key
		entries = append(entries, e)
	}

	return build(doc.Version, entries, logger), nil
}

// FromEntries builds a snapshot from individual entries (e.g. store rows).
// Invalid entries are skipped with a warning, like Load.
func FromEntries(version string, entries []Entry, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return build(version, entries, logger)
}

// LoadFile reads a knowledge base document from path.
func LoadFile(path string, logger *zap.Logger) (*Base, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	return Load(data, logger)
}

// Default returns the built-in knowledge base.
func Default(logger *zap.Logger) (*Base, error) {
	return Load(defaultDocument, logger)
}

func build(version string, entries []Entry, logger *zap.Logger) *Base {
	b := &Base{
		version:    version,
		generation: generations.Add(1),
		entries:    make(map[string]*Entry, len(entries)),
		index:      make(map[string]string),
		misconcept: make(map[string][]misconception),
	}

	// deterministic order so alias conflicts resolve the same way every load
	entries = append([]Entry(nil), entries...)
	sort.Slice(entries, func(i, j int) bool {
		return NormalizeTopic(entries[i].Topic) < NormalizeTopic(entries[j].Topic)
	})

	for _, raw := range entries {
		e := raw.clone()
		e.Topic = NormalizeTopic(e.Topic)
		if err := ValidateEntry(e); err != nil {
			logger.Warn("skipping invalid knowledge entry",
				zap.String("topic", e.Topic),
				zap.Error(err),
			)
			continue
		}
		if _, dup := b.entries[e.Topic]; dup {
			logger.Warn("skipping duplicate knowledge entry", zap.String("topic", e.Topic))
			continue
		}
		b.entries[e.Topic] = &e
	}

	topics := b.topicsSorted()
	for _, topic := range topics {
		e := b.entries[topic]
		terms := []string{topic}
		if e.Name != "" {
			terms = append(terms, e.Name)
		}
		terms = append(terms, e.Aliases...)

		var alts []string
		seen := make(map[string]bool)
		for _, t := range terms {
			key := strings.ToLower(strings.TrimSpace(t))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if owner, taken := b.index[key]; taken && owner != topic {
				logger.Warn("knowledge alias already claimed",
					zap.String("alias", key),
					zap.String("topic", topic),
					zap.String("owner", owner),
				)
				continue
			}
			b.index[key] = topic
			alts = append(alts, regexp.QuoteMeta(key))
		}
		// longest alternative first so "vue.js" wins over "vue"
		sort.Slice(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
		b.matchers = append(b.matchers, topicMatcher{
			topic: topic,
			re:    regexp.MustCompile(`(?i)(?:^|[^\pL\pN_])(` + strings.Join(alts, "|") + `)(?:[^\pL\pN_]|$)`),
		})

		for _, m := range e.Misconceptions {
			if mc, ok := compileMisconception(m, terms); ok {
				b.misconcept[topic] = append(b.misconcept[topic], mc)
			}
		}
	}

	return b
}

var parenRe = regexp.MustCompile(`\s*\([^)]*\)`)

func compileMisconception(text string, subjectTerms []string) (misconception, bool) {
	stripped := strings.TrimSpace(parenRe.ReplaceAllString(text, ""))
	subject := make(map[string]struct{})
	for _, t := range subjectTerms {
		for _, w := range textutil.Words(t) {
			subject[w] = struct{}{}
		}
	}
	var words []string
	for _, w := range textutil.Significant(stripped) {
		if _, ok := subject[w]; !ok {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return misconception{}, false
	}
	return misconception{text: stripped, words: words, negated: Negated(stripped)}, true
}

// Negated reports whether s contains an odd number of negations.
func Negated(s string) bool {
	n := 0
	for _, w := range textutil.Words(s) {
		switch w {
		case "not", "no", "never", "cannot", "without":
			n++
		default:
			if strings.HasSuffix(w, "n't") {
				n++
			}
		}
	}
	return n%2 == 1
}

// Version returns the document version string.
func (b *Base) Version() string { return b.version }

// Generation is unique per snapshot and increases monotonically.
func (b *Base) Generation() uint64 { return b.generation }

// Len returns the number of topics.
func (b *Base) Len() int { return len(b.entries) }

func (b *Base) topicsSorted() []string {
	topics := make([]string, 0, len(b.entries))
	for t := range b.entries {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Topics returns the topic keys in sorted order.
func (b *Base) Topics() []string { return b.topicsSorted() }

// Entries returns copies of every entry in topic order.
func (b *Base) Entries() []Entry {
	out := make([]Entry, 0, len(b.entries))
	for _, t := range b.topicsSorted() {
		out = append(out, b.entries[t].clone())
	}
	return out
}

// Lookup finds an entry by topic key, display name or alias
// (case-insensitive). The returned entry must not be modified.
func (b *Base) Lookup(term string) (*Entry, bool) {
	topic, ok := b.index[strings.ToLower(strings.TrimSpace(term))]
	if !ok {
		return nil, false
	}
	return b.entries[topic], true
}

// Mentions returns each topic mentioned in text once, at its first
// occurrence, ordered by offset.
func (b *Base) Mentions(text string) []Mention {
	var out []Mention
	for _, m := range b.matchers {
		loc := m.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		out = append(out, Mention{Topic: m.topic, Term: text[loc[2]:loc[3]], Offset: loc[2]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// VerifyStatement matches a statement against the stored facts of a topic.
// A fact matches when at least half of the smaller word set overlaps.
// It returns the best-matching fact.
func (b *Base) VerifyStatement(topic, statement string) (string, bool) {
	e, ok := b.entries[topic]
	if !ok {
		return "", false
	}
	var best string
	var bestScore float64
	for _, f := range e.Facts {
		if s := textutil.Overlap(f, statement); s >= 0.5 && s > bestScore {
			best, bestScore = f, s
		}
	}
	return best, best != ""
}

// Misconception reports a known misconception about topic that statement
// repeats: every significant word of the misconception appears and the
// negation polarity agrees.
func (b *Base) Misconception(topic, statement string) (string, bool) {
	words := textutil.Set(textutil.Words(statement))
	neg := Negated(statement)
	for _, mc := range b.misconcept[topic] {
		if mc.negated != neg {
			continue
		}
		all := true
		for _, w := range mc.words {
			if _, ok := words[w]; !ok {
				all = false
				break
			}
		}
		if all {
			return mc.text, true
		}
	}
	return "", false
}

// With returns a new snapshot with e added or replaced.
func (b *Base) With(e Entry, logger *zap.Logger) (*Base, error) {
	e.Topic = NormalizeTopic(e.Topic)
	if err := ValidateEntry(e); err != nil {
		return nil, err
	}
	entries := b.Entries()
	replaced := false
	for i := range entries {
		if entries[i].Topic == e.Topic {
			entries[i] = e
			replaced = true
		}
	}
	if !replaced {
		entries = append(entries, e)
	}
	return FromEntries(b.version, entries, logger), nil
}

// Without returns a new snapshot with topic removed. The boolean reports
// whether the topic existed.
func (b *Base) Without(topic string, logger *zap.Logger) (*Base, bool) {
	topic = NormalizeTopic(topic)
	if _, ok := b.entries[topic]; !ok {
		return b, false
	}
	entries := b.Entries()
	kept := entries[:0]
	for _, e := range entries {
		if e.Topic != topic {
			kept = append(kept, e)
		}
	}
	return FromEntries(b.version, kept, logger), true
}

// Handle publishes the current snapshot. Readers call Current once per
// validation; writers call Swap.
type Handle struct {
	p atomic.Pointer[Base]
}

// NewHandle creates a handle pointing at base.
func NewHandle(base *Base) *Handle {
	h := &Handle{}
	h.p.Store(base)
	return h
}

// Current returns the active snapshot.
func (h *Handle) Current() *Base { return h.p.Load() }

// Swap publishes base and returns the previous snapshot.
func (h *Handle) Swap(base *Base) *Base {
	if base == nil {
		panic("knowledge: Swap with nil base")
	}
	return h.p.Swap(base)
}
