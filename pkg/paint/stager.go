package paint

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
)

// Stager picks one random paint per category from the pool directories and
// places it in the staging directory where the provisioner picks it up.
// A Stager is not safe for concurrent use.
type (
	Stager struct {
		layout Layout
		rng    *rand.Rand
		l      *log.Logger
	}
	StagerOption func(*Stager)
)

func WithRand(r *rand.Rand) StagerOption {
	return func(s *Stager) {
		s.rng = r
	}
}

func WithStagerLogger(l *log.Logger) StagerOption {
	return func(s *Stager) {
		s.l = l
	}
}

func NewStager(layout Layout, opts ...StagerOption) *Stager {
	seed := uint64(time.Now().UnixNano())
	ret := &Stager{
		layout: layout,
		rng:    rand.New(rand.NewPCG(seed, seed>>1)),
		l:      log.Default().Named("paint.stager"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Stage picks new random paints for all categories of the car.
// Categories without a pool are skipped. The returned error joins all
// failures, staging of other categories continues.
func (s *Stager) Stage(carPath string, carSpecificHelmetSuit bool) error {
	var errs []error
	for _, a := range allAssets {
		pool := s.layout.pool(a, carPath, carSpecificHelmetSuit)
		candidates, err := poolFiles(pool, a.ext)
		if err != nil {
			errs = append(errs, fmt.Errorf("read pool %s: %w", pool, err))
			continue
		}
		if len(candidates) == 0 {
			s.l.Debug("no random paints available", log.String("pool", pool))
			continue
		}
		pick := candidates[s.rng.IntN(len(candidates))]
		staged := s.layout.staged(a, carPath, carSpecificHelmetSuit)
		if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := copyFile(pick, staged, false); err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", pick, err))
			continue
		}
		s.l.Debug("staged random paint",
			log.String("category", string(a.cat)),
			log.String("pick", filepath.Base(pick)))
	}
	return errors.Join(errs...)
}

// poolFiles returns the sorted files with the given extension.
// A missing pool directory is not an error.
func poolFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	files := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			return "", false
		}
		return filepath.Join(dir, e.Name()), true
	})
	return files, nil
}
