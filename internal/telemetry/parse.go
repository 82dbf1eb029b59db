package telemetry

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"meshmon/internal/logger"
)

// ErrEmpty is returned when a response carries no usable lines.
var ErrEmpty = errors.New("telemetry document is empty")

// Parse reads "section.key: value" lines. Blank lines and lines starting
// with '#' are ignored; malformed lines are skipped.
func Parse(data []byte, fetchedAt time.Time) (*Document, error) {
	doc := NewDocument(fetchedAt)
	skipped := 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		section, key, value, ok := splitLine(line)
		if !ok {
			skipped++
			continue
		}
		doc.Set(section, key, value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan telemetry: %w", err)
	}
	if skipped > 0 {
		logger.Debugf("Skipped %d malformed telemetry lines", skipped)
	}
	if len(doc.sections) == 0 {
		return nil, ErrEmpty
	}
	return doc, nil
}

// splitLine separates "section.key: value". Keys may contain colons (MAC
// addresses), so the separator is the first ": " or a trailing ':'.
func splitLine(line string) (Section, string, string, bool) {
	path, value, ok := strings.Cut(line, ": ")
	if !ok {
		if !strings.HasSuffix(line, ":") {
			return "", "", "", false
		}
		path = strings.TrimSuffix(line, ":")
	}
	section, key, ok := strings.Cut(strings.TrimSpace(path), ".")
	section = strings.ToLower(strings.TrimSpace(section))
	key = strings.TrimSpace(key)
	if !ok || section == "" || key == "" {
		return "", "", "", false
	}
	return Section(section), key, strings.TrimSpace(value), true
}
