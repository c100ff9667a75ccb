package directive_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/directive"
)

func TestParseTwoStepsBoundedByRules(t *testing.T) {
	text := "Preamble that belongs to no step.\n\n" +
		"### 1. Fetch\n" +
		"Collect the reference sheet.\n" +
		"Keep the palette.\n" +
		"---\n" +
		"Notes between steps are ignored.\n" +
		"### 2. Render\n" +
		"\n" +
		"Draw the final pose.\n" +
		"\n" +
		"***\n" +
		"Trailing commentary.\n"

	steps, err := directive.Parse(text)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d: %+v", len(steps), steps)
	}
	want := []directive.Step{
		{Ordinal: 1, Name: "Fetch", Body: "Collect the reference sheet.\nKeep the palette."},
		{Ordinal: 2, Name: "Render", Body: "Draw the final pose."},
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("step %d = %+v, want %+v", i, steps[i], want[i])
		}
	}
}

func TestParseBodyEndsAtNextHeading(t *testing.T) {
	text := "### 1. Analyze\nline a\n### 2. Refine\nline b\n### 3. Generate\nline c"
	steps, err := directive.Parse(text)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, body := range []string{"line a", "line b", "line c"} {
		if steps[i].Body != body || steps[i].Ordinal != i+1 {
			t.Fatalf("step %d = %+v", i, steps[i])
		}
	}
}

func TestParseNoHeadings(t *testing.T) {
	for _, text := range []string{"", "just prose\n---\n", "## 1. Wrong marker\nbody"} {
		if _, err := directive.Parse(text); !errors.Is(err, directive.ErrNoSteps) {
			t.Fatalf("Parse(%q) error = %v, want ErrNoSteps", text, err)
		}
	}
}

func TestParseRejectsOutOfOrderOrdinals(t *testing.T) {
	text := "### 2. B\nbody\n### 1. A\nbody\n"
	if _, err := directive.Parse(text); !errors.Is(err, directive.ErrOrdinalOrder) {
		t.Fatalf("expected ErrOrdinalOrder, got %v", err)
	}
	text = "### 1. A\nbody\n### 1. Again\nbody\n"
	if _, err := directive.Parse(text); !errors.Is(err, directive.ErrOrdinalOrder) {
		t.Fatalf("expected ErrOrdinalOrder for duplicate ordinal, got %v", err)
	}
}

func TestParseHandlesCRLFAndLongRules(t *testing.T) {
	text := "### 1. Fetch\r\nbody one\r\n_____\r\n### 10. Render Final Pass\r\nbody two\r\n"
	steps, err := directive.Parse(text)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(steps) != 2 || steps[0].Body != "body one" || steps[1].Name != "Render Final Pass" || steps[1].Ordinal != 10 {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestParseEmptyBody(t *testing.T) {
	steps, err := directive.Parse("### 1. Placeholder\n---\n")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(steps) != 1 || steps[0].Body != "" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directive.md")
	if err := os.WriteFile(path, []byte("### 1. Only\nbody\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	steps, err := directive.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(steps) != 1 || steps[0].Name != "Only" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	if _, err := directive.ParseFile(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
