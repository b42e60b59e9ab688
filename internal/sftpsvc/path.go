// Package sftpsvc implements the gateway's file-transfer operations over a
// session's lazily-initialized SFTP subsystem: directory listing, stat with
// symlink resolution, bounded preview reads, streamed download/upload,
// mkdir/rename, and depth-limited recursive delete.
package sftpsvc

import (
	"errors"
	"path"
	"strings"
)

var ErrInvalidPath = errors.New("sftpsvc: invalid path")

// normalize trims, rejects embedded NULs, converts backslashes to forward
// slashes, and runs path.Clean — except for paths beginning with "~", which
// pass through unchanged so the remote shell can expand them.
func normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(p, "~") {
		return p, nil
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	return path.Clean(p), nil
}
