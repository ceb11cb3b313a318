package heuristics

import (
	"bufio"
	"strings"
)

// section is one [id] block of a yum/dnf style configuration file. Keys are
// lower cased, values are trimmed.
type section struct {
	ID     string
	Values map[string]string
}

// parseINI reads the subset of INI understood by yum and dnf: sections,
// key=value or key: value pairs, comments and continuation lines indented
// deeper than their key.
// Malformed lines are ignored.
func parseINI(content string) []section {
	var sections []section
	current := -1
	lastKey := ""
	keyIndent := 0

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		indent := len(raw) - len(strings.TrimLeft(raw, " \t"))
		if current >= 0 && lastKey != "" && indent > keyIndent {
			values := sections[current].Values
			values[lastKey] = strings.TrimSpace(values[lastKey] + " " + line)
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			sections = append(sections, section{
				ID:     strings.TrimSpace(line[1 : len(line)-1]),
				Values: map[string]string{},
			})
			current = len(sections) - 1
			lastKey = ""
			continue
		}

		if current < 0 {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx <= 0 {
			lastKey = ""
			continue
		}
		lastKey = strings.ToLower(strings.TrimSpace(line[:idx]))
		keyIndent = indent
		sections[current].Values[lastKey] = strings.TrimSpace(line[idx+1:])
	}
	return sections
}

func findSection(sections []section, id string) (section, bool) {
	for _, s := range sections {
		if s.ID == id {
			return s, true
		}
	}
	return section{}, false
}

// splitList splits comma and whitespace separated values, like dnf does for
// list options such as reposdir.
func splitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}
