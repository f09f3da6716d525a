package util

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxLineSize bounds a single JSON-lines record
const MaxLineSize = 64 * 1024 * 1024

// takes a save path and a variable number of strings and writes them to file separated by new lines
func WriteToFile(savePath string, content ...string) error {
	if err := os.MkdirAll(filepath.Dir(savePath), 0777); err != nil {
		return err
	}
	return os.WriteFile(savePath, []byte(strings.Join(content, "\n")+"\n"), 0644)
}

// CreateJSONL opens dir/name for writing records, creating dir if needed.
// overwrite truncates an existing file, otherwise records are appended.
func CreateJSONL(dir, name string, overwrite bool) (*os.File, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	return os.OpenFile(filepath.Join(dir, name), flags, 0644)
}

// ScanJSONL calls fn for every line of path with index in [start, stop).
// A negative stop reads to the end of the file. Lines after stop are never
// read; the first error returned by fn stops the scan.
func ScanJSONL(path string, start, stop int, fn func(line int, bs []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for line := 0; scanner.Scan(); line++ {
		if stop >= 0 && line >= stop {
			break
		}
		if line < start {
			continue
		}
		if err := fn(line, scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
