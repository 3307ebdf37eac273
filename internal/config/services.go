package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/service"
)

// Services is the result of loading service files: the records by id and the
// file each record came from.
type Services struct {
	Records map[string]service.Record
	Paths   map[string]string
}

// IDs returns the loaded ids in sorted order.
func (s *Services) IDs() []string {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LoadServices decodes every file matching pattern below each directory.
// Directories are read in argument order and files in lexical order. All
// decode, validation and duplicate errors are returned together.
func LoadServices(dirs []string, pattern string) (*Services, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid service pattern %q", pattern)
	}
	out := &Services{Records: make(map[string]service.Record), Paths: make(map[string]string)}
	var errs []error
	for _, dir := range dirs {
		files, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		slices.Sort(files)
		for _, rel := range files {
			path := filepath.Join(dir, filepath.FromSlash(rel))
			recs, err := DecodeFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, r := range recs {
				if prev, dup := out.Paths[r.ID]; dup {
					errs = append(errs, &failure.DuplicateServiceIDError{ID: r.ID, Paths: []string{prev, path}})
					continue
				}
				out.Records[r.ID] = r
				out.Paths[r.ID] = path
			}
		}
	}
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

// DecodeFile reads one YAML file. A file may hold several documents, one
// service each; empty documents are skipped.
func DecodeFile(path string) ([]service.Record, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	recs, err := Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Decode reads and validates every service document in r.
func Decode(r io.Reader) ([]service.Record, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var out []service.Record
	for {
		var rec service.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		if reflect.DeepEqual(rec, service.Record{}) {
			continue
		}
		if err := service.Validate(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
