// Package confkit holds the small pieces shared by every config loader:
// section files, env expansion, YAML decoding and duration fields.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands env references in file and joins it to base unless it
// is already absolute.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// Section is a config block kept in its own file. Only File is read from the
// main config; Value is filled by Hydrate.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate loads File, resolved against base, through loader. An empty File
// leaves the section untouched.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if strings.TrimSpace(s.File) == "" {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return err
	}
	s.File, s.Value = p, v
	return nil
}

// Require fails when the section names neither a file nor an inline value.
func (s *Section[T]) Require(name string) error {
	if strings.TrimSpace(s.File) == "" && s.Value == nil {
		return fmt.Errorf("config: %s.file is required", name)
	}
	return nil
}

// ExpandEnv expands env references in every field and trims the result.
func ExpandEnv(fields ...*string) {
	for _, f := range fields {
		*f = strings.TrimSpace(os.ExpandEnv(*f))
	}
}
