// Package corpus loads fuzz inputs for replay.
package corpus

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Input is one payload file.
type Input struct {
	Name string
	Data []byte
}

// Load reads every regular file named by paths. Directories contribute
// their immediate, non-hidden files in name order.
func Load(paths []string, maxSize int) ([]Input, error) {
	var inputs []Input
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrap(err, "stat input")
		}
		files := []string{p}
		if fi.IsDir() {
			if files, err = listDir(p); err != nil {
				return nil, err
			}
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, errors.Wrap(err, "read input")
			}
			if maxSize > 0 && len(data) > maxSize {
				return nil, errors.Errorf("input %s is %d bytes, limit is %d", f, len(data), maxSize)
			}
			inputs = append(inputs, Input{Name: filepath.Base(f), Data: data})
		}
	}
	if len(inputs) == 0 {
		return nil, errors.New("no inputs")
	}
	return inputs, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read corpus dir")
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name()[0] == '.' {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
