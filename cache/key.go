// Package cache stores dependency downloads between pipeline runs.
//
// Entries are keyed by templates expanded against the checked-out
// workspace, typically over a hash of the dependency lock file, so an
// unchanged lock file always resolves to the same entry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	hashFilesRe = regexp.MustCompile(`\{\{\s*hashFiles\(([^)]*)\)\s*\}\}`)
	keyRe       = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

var (
	ErrBadTemplate = errors.New("malformed key template")
	ErrBadKey      = errors.New("cache key contains invalid characters")
)

// ExpandKey expands a key template against a workspace. The only
// supported function is hashFiles('path', ...), which digests the named
// files relative to the workspace root. The result must be a plain
// filesystem-safe token since it doubles as the entry's directory name.
func ExpandKey(template, workspace string) (string, error) {
	var expandErr error

	key := hashFilesRe.ReplaceAllStringFunc(template, func(m string) string {
		args := hashFilesRe.FindStringSubmatch(m)[1]

		paths, err := splitArgs(args)
		if err != nil {
			expandErr = err
			return ""
		}

		digest, err := hashFiles(workspace, paths)
		if err != nil {
			expandErr = err
			return ""
		}

		return digest
	})
	if expandErr != nil {
		return "", expandErr
	}

	if strings.Contains(key, "{{") {
		return "", fmt.Errorf("%w: %q", ErrBadTemplate, template)
	}
	if !keyRe.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}

	return key, nil
}

// hashFiles digests each file separately and folds the per-file digests
// into one. Files are hashed in the order given; a missing file is an
// error, never an empty hash.
func hashFiles(workspace string, paths []string) (string, error) {
	outer := sha256.New()

	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(workspace, p))
		if err != nil {
			return "", fmt.Errorf("hashFiles(%s): %w", p, err)
		}
		sum := sha256.Sum256(data)
		outer.Write(sum[:])
	}

	return hex.EncodeToString(outer.Sum(nil)), nil
}

func splitArgs(args string) ([]string, error) {
	var paths []string

	for _, arg := range strings.Split(args, ",") {
		arg = strings.TrimSpace(arg)
		unquoted, err := unquote(arg)
		if err != nil {
			return nil, err
		}
		paths = append(paths, unquoted)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: hashFiles needs at least one path", ErrBadTemplate)
	}

	return paths, nil
}

func unquote(arg string) (string, error) {
	if len(arg) >= 2 {
		if (arg[0] == '\'' && arg[len(arg)-1] == '\'') || (arg[0] == '"' && arg[len(arg)-1] == '"') {
			return arg[1 : len(arg)-1], nil
		}
	}
	return "", fmt.Errorf("%w: unquoted hashFiles argument %q", ErrBadTemplate, arg)
}
