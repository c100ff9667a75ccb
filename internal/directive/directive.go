// Package directive parses directive documents into ordered steps.
//
// A step starts at a heading line of the form "### <N>. <name>" and its body
// runs until the next heading or a horizontal rule ("---", "***", "___"),
// whichever comes first. Text after a rule and before the next heading is
// commentary and belongs to no step.
package directive

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNoSteps is returned when a document contains no step headings.
	ErrNoSteps = errors.New("directive: no steps found")
	// ErrOrdinalOrder is returned when step ordinals are not strictly increasing.
	ErrOrdinalOrder = errors.New("directive: step ordinals must be strictly increasing")
)

var (
	headingPattern = regexp.MustCompile(`^###\s+(\d+)\.\s+(\S.*?)\s*$`)
	rulePattern    = regexp.MustCompile(`^\s*(?:-{3,}|\*{3,}|_{3,})\s*$`)
)

// Step is one named unit of a directive.
type Step struct {
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
	Body    string `json:"body"`
}

// Parse splits text into steps. It is a pure function of its input.
func Parse(text string) ([]Step, error) {
	var (
		steps   []Step
		current *Step
		body    []string
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Body = trimBlankLines(body)
		steps = append(steps, *current)
		current = nil
		body = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if match := headingPattern.FindStringSubmatch(line); match != nil {
			flush()
			ordinal, err := strconv.Atoi(match[1])
			if err != nil {
				return nil, fmt.Errorf("directive: line %d: invalid ordinal %q: %w", lineNo, match[1], err)
			}
			current = &Step{Ordinal: ordinal, Name: match[2]}
			continue
		}
		if rulePattern.MatchString(line) {
			flush()
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("directive: read: %w", err)
	}
	flush()

	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Ordinal <= steps[i-1].Ordinal {
			return nil, fmt.Errorf("%w: step %q (%d) follows %q (%d)",
				ErrOrdinalOrder, steps[i].Name, steps[i].Ordinal, steps[i-1].Name, steps[i-1].Ordinal)
		}
	}
	return steps, nil
}

// ParseFile reads and parses a directive document from disk.
func ParseFile(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directive: read %s: %w", path, err)
	}
	return Parse(string(data))
}

func trimBlankLines(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
