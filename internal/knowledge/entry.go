package knowledge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Entry is the verified record for one technology topic.
type Entry struct {
	Topic          string   `yaml:"-" json:"topic,omitempty"`
	Name           string   `yaml:"name,omitempty" json:"name,omitempty"`
	Aliases        []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	CreatedBy      string   `yaml:"created_by" json:"created_by,omitempty"`
	FirstRelease   string   `yaml:"first_release" json:"first_release,omitempty"`
	Language       string   `yaml:"language" json:"language,omitempty"`
	License        string   `yaml:"license,omitempty" json:"license,omitempty"`
	Docs           string   `yaml:"docs,omitempty" json:"docs,omitempty"`
	Facts          []string `yaml:"facts" json:"facts,omitempty"`
	Misconceptions []string `yaml:"misconceptions,omitempty" json:"misconceptions,omitempty"`
}

// DisplayName returns Name, falling back to the topic key.
func (e *Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Topic
}

// ReleaseYear returns the 4-digit year prefix of FirstRelease, or 0.
func (e *Entry) ReleaseYear() int {
	if len(e.FirstRelease) < 4 {
		return 0
	}
	y, err := strconv.Atoi(e.FirstRelease[:4])
	if err != nil {
		return 0
	}
	return y
}

// clone returns a deep copy so snapshots never share slices with callers.
func (e Entry) clone() Entry {
	e.Aliases = append([]string(nil), e.Aliases...)
	e.Facts = append([]string(nil), e.Facts...)
	e.Misconceptions = append([]string(nil), e.Misconceptions...)
	return e
}

// NormalizeTopic lower-cases and trims a topic key.
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// ErrInvalidEntry is wrapped by every ValidateEntry failure.
var ErrInvalidEntry = errors.New("invalid knowledge entry")

//go:embed entry.schema.json
var entrySchemaJSON []byte

var (
	entrySchemaOnce sync.Once
	entrySchema     *jsonschema.Schema
	entrySchemaErr  error
)

func compiledEntrySchema() (*jsonschema.Schema, error) {
	entrySchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(entrySchemaJSON))
		if err != nil {
			entrySchemaErr = fmt.Errorf("entry schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("entry.schema.json", doc); err != nil {
			entrySchemaErr = fmt.Errorf("entry schema: %w", err)
			return
		}
		entrySchema, entrySchemaErr = c.Compile("entry.schema.json")
	})
	return entrySchema, entrySchemaErr
}

// ValidateEntry checks an entry against the fixed knowledge entry schema:
// created_by, first_release, language and facts are required and
// first_release must start with a 4-digit year.
func ValidateEntry(e Entry) error {
	sch, err := compiledEntrySchema()
	if err != nil {
		return err
	}

	e.Topic = NormalizeTopic(e.Topic)
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidEntry, e.Topic, err)
	}
	return nil
}
