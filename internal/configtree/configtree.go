// Package configtree inspects the working directory holding the synced
// configuration artifacts.
package configtree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConfigExtensions are the file types counted as configuration artifacts.
var ConfigExtensions = []string{
	".json",
	".yaml",
	".yml",
	".toml",
}

// IsConfigFile returns true if the file has a recognized configuration extension
func IsConfigFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range ConfigExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Ensure creates dir if needed. An existing non-directory is an error.
func Ensure(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// Files lists every file in dir relative to it, sorted. Hidden files and
// directories (names starting with ".") are skipped, which keeps .git and
// the provisioned .ssh key out of the listing.
func Files(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Summary counts the tracked files in a tree.
type Summary struct {
	Files   int `json:"files"`
	Configs int `json:"configs"`
}

// Summarize returns file counts for dir. A missing directory counts as empty.
func Summarize(dir string) (Summary, error) {
	files, err := Files(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, nil
		}
		return Summary{}, err
	}

	s := Summary{Files: len(files)}
	for _, f := range files {
		if IsConfigFile(f) {
			s.Configs++
		}
	}
	return s, nil
}
