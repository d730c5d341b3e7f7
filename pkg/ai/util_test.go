package ai

import "testing"

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  payload
	}{
		{
			name:  "standard json",
			input: `{"name": "test", "count": 2}`,
			want:  payload{Name: "test", Count: 2},
		},
		{
			name:  "double encoded",
			input: `"{\"name\": \"test\", \"count\": 2}"`,
			want:  payload{Name: "test", Count: 2},
		},
		{
			name:  "fenced block",
			input: "Here you go:\n```json\n{\"name\": \"test\", \"count\": 2}\n```\nDone.",
			want:  payload{Name: "test", Count: 2},
		},
		{
			name:  "malformed repaired",
			input: `{name: 'test', count: 2}`,
			want:  payload{Name: "test", Count: 2},
		},
		{
			name:  "duplicate leading brace",
			input: `{{"name": "test", "count": 2}`,
			want:  payload{Name: "test", Count: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			if err := UnmarshalFlexible(tt.input, &got); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got payload
	if err := UnmarshalFlexible("this is prose, not data", &got); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}

func TestExtractFencedBlock(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		lang  string
		want  string
		found bool
	}{
		{
			name:  "tagged block",
			text:  "before\n```mermaid\ngraph TD\nA[One]\n```\nafter",
			lang:  "mermaid",
			want:  "graph TD\nA[One]",
			found: true,
		},
		{
			name:  "untagged block matches any lang",
			text:  "```\ngraph TD\n```",
			lang:  "mermaid",
			want:  "graph TD",
			found: true,
		},
		{
			name:  "skips non-matching block",
			text:  "```python\nprint(1)\n```\n```json\n{}\n```",
			lang:  "json",
			want:  "{}",
			found: true,
		},
		{
			name:  "no block",
			text:  "plain text only",
			lang:  "",
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractFencedBlock(tt.text, tt.lang)
			if found != tt.found {
				t.Fatalf("found=%v, want %v", found, tt.found)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
