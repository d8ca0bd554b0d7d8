// Package coverage consumes machine-readable coverage reports and
// enforces a minimum aggregate threshold over them.
package coverage

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// FileCoverage is the per-file line tally from a report.
type FileCoverage struct {
	LinesHit   int
	LinesFound int
}

// Report maps file identifiers to their line coverage.
type Report struct {
	Files map[string]FileCoverage
}

// ParseLCOV reads an LCOV tracefile. Each record is an SF: line naming
// the file, DA:/LH:/LF: lines with the counts, and end_of_record. LH/LF
// totals are preferred; DA lines are tallied when they are absent.
func ParseLCOV(r io.Reader) (*Report, error) {
	report := &Report{Files: make(map[string]FileCoverage)}

	var (
		file    string
		inFile  bool
		summary FileCoverage
		haveLF  bool
		daHit   int
		daFound int
	)

	flush := func() {
		if !inFile {
			return
		}
		fc := summary
		if !haveLF {
			fc = FileCoverage{LinesHit: daHit, LinesFound: daFound}
		}
		report.Files[file] = fc
		inFile = false
		summary = FileCoverage{}
		haveLF = false
		daHit, daFound = 0, 0
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "TN:"):
		case strings.HasPrefix(line, "SF:"):
			flush()
			file = strings.TrimPrefix(line, "SF:")
			if file == "" {
				return nil, fmt.Errorf("line %d: SF record without a file", lineNo)
			}
			inFile = true
		case strings.HasPrefix(line, "DA:"):
			if !inFile {
				return nil, fmt.Errorf("line %d: DA record outside a file section", lineNo)
			}
			parts := strings.Split(strings.TrimPrefix(line, "DA:"), ",")
			if len(parts) < 2 {
				return nil, fmt.Errorf("line %d: malformed DA record", lineNo)
			}
			count, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: malformed DA count: %w", lineNo, err)
			}
			daFound++
			if count > 0 {
				daHit++
			}
		case strings.HasPrefix(line, "LH:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "LH:"))
			if err != nil {
				return nil, fmt.Errorf("line %d: malformed LH record: %w", lineNo, err)
			}
			summary.LinesHit = n
			haveLF = true
		case strings.HasPrefix(line, "LF:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "LF:"))
			if err != nil {
				return nil, fmt.Errorf("line %d: malformed LF record: %w", lineNo, err)
			}
			summary.LinesFound = n
			haveLF = true
		case line == "end_of_record":
			flush()
		default:
			// Branch/function records and other extensions are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()

	if len(report.Files) == 0 {
		return nil, fmt.Errorf("report contains no file records")
	}
	return report, nil
}

// Percent returns the aggregate line coverage in percent, with excluded
// files removed from both numerator and denominator. Exclusions match
// exactly or as path.Match-style patterns.
func (r *Report) Percent(exclude []string) (float64, error) {
	var hit, found int
	for file, fc := range r.Files {
		if excluded(file, exclude) {
			continue
		}
		hit += fc.LinesHit
		found += fc.LinesFound
	}
	if found == 0 {
		return 0, fmt.Errorf("no coverable lines after exclusions")
	}
	return float64(hit) / float64(found) * 100, nil
}

func excluded(file string, patterns []string) bool {
	for _, p := range patterns {
		if p == file {
			return true
		}
		if ok, err := filepath.Match(p, file); err == nil && ok {
			return true
		}
	}
	return false
}
