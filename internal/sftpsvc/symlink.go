package sftpsvc

import (
	"errors"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// ErrSymlinkLoop is returned by resolveSymlinks when a chain does not reach
// a non-symlink target within maxSymlinkDepth hops, whether because of a
// genuine cycle or because the chain is simply too long.
var ErrSymlinkLoop = errors.New("Symlink loop detected")

const maxSymlinkDepth = 12

// resolveSymlinks follows p through at most maxSymlinkDepth symlink hops,
// detecting cycles via a visited set. It returns the final resolved path,
// its lstat info, whether any hop was taken, and the first hop's raw
// target (for callers that report "target" on the immediate link).
func resolveSymlinks(client *sftp.Client, p string) (resolved string, info os.FileInfo, wasSymlink bool, firstTarget string, err error) {
	cur := p
	visited := make(map[string]bool)

	for depth := 0; depth <= maxSymlinkDepth; depth++ {
		fi, statErr := client.Lstat(cur)
		if statErr != nil {
			return "", nil, false, "", statErr
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return cur, fi, depth > 0, firstTarget, nil
		}
		if visited[cur] {
			return "", nil, false, "", ErrSymlinkLoop
		}
		visited[cur] = true

		target, linkErr := client.ReadLink(cur)
		if linkErr != nil {
			return "", nil, false, "", linkErr
		}
		if depth == 0 {
			firstTarget = target
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(cur), target)
		}
		cur = target
	}
	return "", nil, false, "", ErrSymlinkLoop
}
