package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a message definition cannot be resolved.
var ErrNotFound = errors.New("schema not found")

// NotFoundError describes a failed definition lookup.
type NotFoundError struct {
	Name string // dotted schema identifier as received
	Path string // file that was tried; empty if the name could not be split
	Err  error  // underlying cause, if any
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Path == "":
		return fmt.Sprintf("schema %q: %v", e.Name, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("schema %q (%s): %v", e.Name, e.Path, e.Err)
	default:
		return fmt.Sprintf("schema %q (%s): not found", e.Name, e.Path)
	}
}

// Is reports ErrNotFound for every NotFoundError.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Err }

// Loader resolves `package.name` identifiers to message definition files
// under Root. It does not cache; callers memoize successful lookups.
type Loader struct {
	Root string
}

// NewLoader returns a Loader rooted at root.
func NewLoader(root string) *Loader {
	return &Loader{Root: root}
}

// Path returns the definition file for a dotted identifier.
// The identifier must split into exactly a package and a name.
func (l *Loader) Path(name string) (string, error) {
	pkg, msg, ok := strings.Cut(name, ".")
	if !ok || pkg == "" || msg == "" || strings.Contains(msg, ".") {
		return "", &NotFoundError{Name: name, Err: errors.New("expected <package>.<name>")}
	}
	if strings.ContainsAny(pkg+msg, `/\`) {
		return "", &NotFoundError{Name: name, Err: errors.New("path separator in identifier")}
	}
	return filepath.Join(l.Root, pkg, msg+".msg"), nil
}

// Load reads the definition text for name.
func (l *Loader) Load(name string) (string, error) {
	path, err := l.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the configured schema root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &NotFoundError{Name: name, Path: path}
		}
		return "", &NotFoundError{Name: name, Path: path, Err: err}
	}
	return string(data), nil
}
