package paint

import (
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
)

var participantFile = regexp.MustCompile(
	`^(?:car|car_spec|car_num|car_decal|helmet|suit)_(\d+)\.(?:tga|mip)$`)

// RemoveProvisioned deletes all participant specific paints below the root.
// The common folders and the paints of the given user ids are kept.
// Returns the number of removed files.
func (p *Provisioner) RemoveProvisioned(keep ...int) (int, error) {
	keepSet := make(map[int]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	removed := 0
	var errs []error
	err := filepath.WalkDir(p.layout.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == p.layout.Root {
				return fs.SkipAll
			}
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			if d.Name() == commonDirName && path != p.layout.Root {
				return fs.SkipDir
			}
			return nil
		}
		m := participantFile.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		if id, convErr := strconv.Atoi(m[1]); convErr == nil {
			if _, ok := keepSet[id]; ok {
				return nil
			}
		}
		if rmErr := removeFile(path); rmErr != nil {
			p.l.Warn("could not remove paint",
				log.String("file", path),
				log.String("reason", describe(rmErr)),
				log.ErrorField(rmErr))
			errs = append(errs, rmErr)
			return nil
		}
		p.forget(path)
		removed++
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	p.l.Info("removed provisioned paints", log.Int("count", removed))
	return removed, errors.Join(errs...)
}

// RemoveWritten deletes the files provisioned by this instance. Files of
// other tools and the paints of the given user ids stay untouched.
// Returns the number of removed files.
func (p *Provisioner) RemoveWritten(keep ...int) (int, error) {
	removed := 0
	var errs []error
	for _, path := range p.Written() {
		m := participantFile.FindStringSubmatch(filepath.Base(path))
		if m != nil && slices.Contains(keep, atoi(m[1])) {
			continue
		}
		if err := removeFile(path); err != nil {
			p.l.Warn("could not remove paint",
				log.String("file", path),
				log.String("reason", describe(err)),
				log.ErrorField(err))
			errs = append(errs, err)
			continue
		}
		p.forget(path)
		removed++
	}
	p.l.Info("removed written paints", log.Int("count", removed))
	return removed, errors.Join(errs...)
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return v
}
