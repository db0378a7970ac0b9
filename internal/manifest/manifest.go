// Package manifest resolves the input file list for a run and pairs every
// input with a unique output path.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry pairs one input file with the output path its worker's stdout is
// written to.
type Entry struct {
	InputPath  string
	OutputPath string
}

var ErrNoInputs = errors.New("no input files resolved")

// Resolve expands paths (literals or glob patterns) plus an optional list
// file into an ordered, de-duplicated set of entries. Every input must be an
// existing regular file. Output paths are derived from input base names and
// are guaranteed unique within the returned set.
func Resolve(paths []string, listFile, outputDir string) ([]Entry, error) {
	inputs, err := expand(paths)
	if err != nil {
		return nil, err
	}

	if listFile != "" {
		fromList, err := readListFile(listFile)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, fromList...)
	}

	inputs = dedupe(inputs)
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	entries := make([]Entry, 0, len(inputs))
	usedOutputs := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if err := checkRegularFile(in); err != nil {
			return nil, err
		}
		out := deriveOutputPath(outputDir, in, usedOutputs)
		usedOutputs[out] = true
		entries = append(entries, Entry{InputPath: in, OutputPath: out})
	}
	return entries, nil
}

// expand resolves glob patterns; literal paths pass through untouched so
// that a missing literal input is reported as an error, not silently skipped.
func expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad glob pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("glob pattern %q matched no files", p)
		}
		out = append(out, matches...)
	}
	return out, nil
}

func readListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input list %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input list %s: %w", path, err)
	}
	return out, nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out
}

func checkRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("input file %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("input %s is not a regular file", path)
	}
	return nil
}

// deriveOutputPath maps an input to <outputDir>/<base>.csv, stripping a
// .fastq/.fq extension. Basename collisions across directories get a numeric
// suffix so no two jobs ever share an output path.
func deriveOutputPath(outputDir, inputPath string, used map[string]bool) string {
	base := filepath.Base(inputPath)
	switch ext := strings.ToLower(filepath.Ext(base)); ext {
	case ".fastq", ".fq":
		base = base[:len(base)-len(ext)]
	}

	candidate := filepath.Join(outputDir, base+".csv")
	for n := 2; used[candidate]; n++ {
		candidate = filepath.Join(outputDir, fmt.Sprintf("%s.%d.csv", base, n))
	}
	return candidate
}
