// Package phred computes per-position average quality scores of ILLUMINA
// FASTQ files. Scores are Phred+33: ASCII value of the quality character
// minus 33.
package phred

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// ReadQualities reads FASTQ records (4 lines each) and returns the quality
// lines. A truncated trailing record is ignored, matching how sequencing
// pipelines commonly treat partial writes.
func ReadQualities(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var quals []string

	for {
		lines := make([]string, 0, 4)
		var readErr error
		for range 4 {
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				lines = append(lines, trimEOL(line))
			}
			if err != nil {
				readErr = err
				break
			}
		}

		if len(lines) == 4 && lines[3] != "" {
			quals = append(quals, lines[3])
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return quals, nil
			}
			return nil, fmt.Errorf("read fastq: %w", readErr)
		}
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// sums holds per-position accumulated scores for a chunk of quality lines.
type sums struct {
	scores []int64
}

// accumulate adds every quality line's scores into per-position totals.
func accumulate(quals []string) sums {
	var s sums
	for _, q := range quals {
		for i := 0; i < len(q); i++ {
			if i >= len(s.scores) {
				s.scores = append(s.scores, 0)
			}
			s.scores[i] += int64(q[i]) - 33
		}
	}
	return s
}

// MeanScores computes per-position average scores across all quality lines,
// splitting the work over the given number of chunks. Positions are averaged
// over the total record count: shorter reads contribute zero at positions
// they don't reach.
func MeanScores(quals []string, chunks int) []float64 {
	if len(quals) == 0 {
		return nil
	}
	if chunks < 1 {
		chunks = 1
	}
	if chunks > len(quals) {
		chunks = len(quals)
	}

	partials := make([]sums, chunks)
	var wg sync.WaitGroup
	for i := range chunks {
		start := i * len(quals) / chunks
		end := (i + 1) * len(quals) / chunks
		wg.Add(1)
		go func(i, start, end int) {
			defer wg.Done()
			partials[i] = accumulate(quals[start:end])
		}(i, start, end)
	}
	wg.Wait()

	var width int
	for _, p := range partials {
		if len(p.scores) > width {
			width = len(p.scores)
		}
	}

	total := make([]int64, width)
	for _, p := range partials {
		for i, v := range p.scores {
			total[i] += v
		}
	}

	means := make([]float64, width)
	for i, v := range total {
		means[i] = float64(v) / float64(len(quals))
	}
	return means
}

// ProcessFile computes mean scores for a single FASTQ file. A file with no
// complete records yields no scores, and so an empty CSV.
func ProcessFile(path string, chunks int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fastq %s: %w", path, err)
	}
	defer f.Close()

	quals, err := ReadQualities(f)
	if err != nil {
		return nil, err
	}
	return MeanScores(quals, chunks), nil
}

// WriteCSV emits one "position,score" row per position.
func WriteCSV(w io.Writer, scores []float64) error {
	bw := bufio.NewWriter(w)
	for i, score := range scores {
		if _, err := fmt.Fprintf(bw, "%d,%s\n", i, strconv.FormatFloat(score, 'g', -1, 64)); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	return bw.Flush()
}
