package stage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyData is returned when a data file holds no usable records.
var ErrEmptyData = errors.New("no records")

// ReadRecords reads a whitespace separated data file, skipping blank lines and
// '#' comments, and calls fn for every record holding at least minFields
// fields. A shorter record or an empty file is an error.
func ReadRecords(path string, minFields int, fn func(fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo, records := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < minFields {
			return fmt.Errorf("%s:%d: expected %d fields, got %d", path, lineNo, minFields, len(fields))
		}
		if err := fn(fields); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		records++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if records == 0 {
		return fmt.Errorf("%s: %w", path, ErrEmptyData)
	}
	return nil
}
