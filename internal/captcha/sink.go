package captcha

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
)

// StageSink receives every intermediate preprocessing image for inspection.
type StageSink interface {
	Save(stage string, img image.Image) error
}

// DirSink writes stages as numbered PNG files under Dir.
type DirSink struct {
	Dir string

	mu  sync.Mutex
	seq int
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostics dir: %w", err)
	}
	return &DirSink{Dir: dir}, nil
}

func (s *DirSink) Save(stage string, img image.Image) error {
	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("%02d_%s.png", s.seq, stage)
	s.mu.Unlock()
	return imaging.Save(img, filepath.Join(s.Dir, name))
}

// MemorySink keeps stages in order.
type MemorySink struct {
	mu     sync.Mutex
	Stages []string
	Images []image.Image
}

func (s *MemorySink) Save(stage string, img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stages = append(s.Stages, stage)
	s.Images = append(s.Images, img)
	return nil
}
