package saver

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"

	"github.com/unixpickle/essentials"
)

// Summaries writes per-step scalars to a CSV file.
//
// The columns are fixed by the first row.
// A nil *Summaries discards everything.
type Summaries struct {
	file *os.File
	w    *csv.Writer
	keys []string
}

// Summaries creates a summary file in the output
// directory.
// It returns nil if saving is disabled.
func (s *Saver) Summaries(name string) (*Summaries, error) {
	if !s.Enabled() {
		return nil, nil
	}
	f, err := os.Create(s.SaveFile(name))
	if err != nil {
		return nil, essentials.AddCtx("create summaries", err)
	}
	return &Summaries{file: f, w: csv.NewWriter(f)}, nil
}

// Write adds a row.
// Missing values are left empty.
func (s *Summaries) Write(step int, values map[string]float64) error {
	if s == nil {
		return nil
	}
	if s.keys == nil {
		for k := range values {
			s.keys = append(s.keys, k)
		}
		sort.Strings(s.keys)
		if err := s.w.Write(append([]string{"step"}, s.keys...)); err != nil {
			return err
		}
	}
	row := []string{strconv.Itoa(step)}
	for _, k := range s.keys {
		if v, ok := values[k]; ok {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			row = append(row, "")
		}
	}
	return s.w.Write(row)
}

// Close flushes and closes the file.
func (s *Summaries) Close() error {
	if s == nil {
		return nil
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
