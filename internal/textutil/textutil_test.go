package textutil

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitFences(t *testing.T) {
	tests := []struct {
		name    string
		content string
		langs   []string
		bodies  []string
		prose   string
	}{
		{
			name:    "no fences",
			content: "Just prose. Nothing else.",
			prose:   "Just prose. Nothing else.",
		},
		{
			name:    "backtick fence",
			content: "Before.\n```Python\nx = 1\n```\nAfter.",
			langs:   []string{"python"},
			bodies:  []string{"x = 1\n"},
			prose:   "Before.\n\n\n\nAfter.",
		},
		{
			name:    "tilde fence",
			content: "Before.\n~~~go\nfmt.Println()\n~~~\nAfter.",
			langs:   []string{"go"},
			bodies:  []string{"fmt.Println()\n"},
			prose:   "Before.\n\n\n\nAfter.",
		},
		{
			name:    "unclosed fence runs to end",
			content: "Before.\n```js\nconst a = 1;\nconst b = 2;",
			langs:   []string{"js"},
			bodies:  []string{"const a = 1;\nconst b = 2;"},
			prose:   "Before.\n\n\n",
		},
		{
			name:    "untagged and empty",
			content: "```\nplain\n```\n\n```json\n```",
			langs:   []string{"", "json"},
			bodies:  []string{"plain\n", ""},
		},
		{
			name:    "two blocks",
			content: "A.\n```py\na\n```\nB.\n```py\nb\n```\nC.",
			langs:   []string{"py", "py"},
			bodies:  []string{"a\n", "b\n"},
			prose:   "A.\n\n\n\nB.\n\n\n\nC.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, prose := SplitFences(tt.content)
			var langs, bodies []string
			for _, b := range blocks {
				langs = append(langs, b.Lang)
				bodies = append(bodies, b.Body)
			}
			if !reflect.DeepEqual(langs, tt.langs) {
				t.Errorf("langs = %q, want %q", langs, tt.langs)
			}
			if !reflect.DeepEqual(bodies, tt.bodies) {
				t.Errorf("bodies = %q, want %q", bodies, tt.bodies)
			}
			if tt.prose != "" && prose != tt.prose {
				t.Errorf("prose = %q, want %q", prose, tt.prose)
			}
			if strings.Contains(prose, "```") || strings.Contains(prose, "~~~") {
				t.Errorf("fence left in prose %q", prose)
			}
		})
	}
}

func TestSentences(t *testing.T) {
	got := Sentences("Next.js is fast. Is it?\nYes!  ")
	var texts []string
	for _, s := range got {
		texts = append(texts, s.Text)
	}
	want := []string{"Next.js is fast.", "Is it?", "Yes!"}
	if !reflect.DeepEqual(texts, want) {
		t.Errorf("Sentences = %q, want %q", texts, want)
	}
	if got[1].Start != 17 {
		t.Errorf("second sentence starts at %d, want 17", got[1].Start)
	}
}

func TestOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"React uses a virtual DOM", "the virtual DOM in React", 1},
		{"Go has goroutines", "Rust has ownership", 0},
		{"", "anything", 0},
	}
	for _, tt := range tests {
		if got := Overlap(tt.a, tt.b); got != tt.want {
			t.Errorf("Overlap(%q, %q) = %.2f, want %.2f", tt.a, tt.b, got, tt.want)
		}
	}
}
