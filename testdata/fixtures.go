// Package testdata holds recorded detection sequences for tests that replay
// a tracking session without a camera.
package testdata

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/ayusman/markerpose/internal/detector"
)

//go:embed sequences/*.json
var sequencesFS embed.FS

// Sequence is a recorded run of detector output, one entry per frame.
type Sequence struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	MarkerSize  float64                `json:"marker_size"`
	Frames      [][]detector.Detection `json:"frames"`
}

// Len returns the number of frames.
func (s *Sequence) Len() int { return len(s.Frames) }

// LoadSequence loads a sequence by name, without the .json suffix.
func LoadSequence(name string) (*Sequence, error) {
	data, err := sequencesFS.ReadFile(path.Join("sequences", name+".json"))
	if err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", name, err)
	}

	var seq Sequence
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, fmt.Errorf("decode sequence %s: %w", name, err)
	}
	if seq.Name == "" {
		seq.Name = name
	}
	return &seq, nil
}

// Sequences lists the names of all embedded sequences.
func Sequences() ([]string, error) {
	entries, err := sequencesFS.ReadDir("sequences")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}
