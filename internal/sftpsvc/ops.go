package sftpsvc

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/sftp"
)

const (
	maxPreviewBytes  = 256 << 10  // 256 KiB
	maxDownloadBytes = 250 << 20  // 250 MiB
	maxUploadBytes   = 50 << 20   // 50 MiB
	maxDeleteDepth   = 24
)

// sftpSession is the minimal shape this package needs from a live gateway
// session: a demand-initialized SFTP subsystem.
type sftpSession interface {
	SFTPClient() (*sftp.Client, error)
}

// Service exposes the bounded file-transfer operations over a session's
// SFTP subsystem.
type Service struct{}

// New returns a stateless Service; every operation takes the session it
// operates against explicitly.
func New() *Service { return &Service{} }

func (s *Service) client(sess sftpSession) (*sftp.Client, error) {
	return sess.SFTPClient()
}

// ListDirectory resolves path (following symlinks), requires the target be
// a directory, and returns up to 5000 entries plus a truncation flag.
func (s *Service) ListDirectory(sess sftpSession, dirPath string) (ListResult, error) {
	client, err := s.client(sess)
	if err != nil {
		return ListResult{}, err
	}
	p, err := normalize(dirPath)
	if err != nil {
		return ListResult{}, err
	}

	resolved, info, _, _, err := resolveSymlinks(client, p)
	if err != nil {
		return ListResult{}, err
	}
	if !info.IsDir() {
		return ListResult{}, errors.New("Path is not a directory")
	}

	infos, err := client.ReadDir(resolved)
	if err != nil {
		return ListResult{}, fmt.Errorf("sftpsvc: readdir %q: %w", resolved, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	truncated := len(infos) > maxListEntries
	if truncated {
		infos = infos[:maxListEntries]
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		full := path.Join(resolved, fi.Name())
		mode := fi.Mode()
		isSymlink := mode&os.ModeSymlink != 0
		if lfi, lerr := client.Lstat(full); lerr == nil {
			mode = lfi.Mode()
			isSymlink = mode&os.ModeSymlink != 0
		}
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Path:    full,
			Type:    entryTypeOf(fi.IsDir(), isSymlink, mode.IsRegular()),
			Size:    fi.Size(),
			MtimeMs: mtimeMillis(fi.ModTime()),
			Mode:    mode.String(),
		})
	}
	return ListResult{Entries: entries, Truncated: truncated}, nil
}

// StatPath lstats path; if it is a symlink, the chain is resolved (same
// limits as ListDirectory) and the combined info is returned with
// isSymlink=true and the first hop's raw target.
func (s *Service) StatPath(sess sftpSession, p string) (StatResult, error) {
	client, err := s.client(sess)
	if err != nil {
		return StatResult{}, err
	}
	np, err := normalize(p)
	if err != nil {
		return StatResult{}, err
	}

	lfi, err := client.Lstat(np)
	if err != nil {
		return StatResult{}, fmt.Errorf("sftpsvc: stat %q: %w", np, err)
	}
	if lfi.Mode()&os.ModeSymlink == 0 {
		return StatResult{
			Entry: Entry{
				Name: lfi.Name(), Path: np,
				Type: entryTypeOf(lfi.IsDir(), false, lfi.Mode().IsRegular()),
				Size: lfi.Size(), MtimeMs: mtimeMillis(lfi.ModTime()), Mode: lfi.Mode().String(),
			},
		}, nil
	}

	resolved, info, _, target, err := resolveSymlinks(client, np)
	if err != nil {
		return StatResult{}, err
	}
	return StatResult{
		Entry: Entry{
			Name: path.Base(resolved), Path: resolved,
			Type: entryTypeOf(info.IsDir(), false, info.Mode().IsRegular()),
			Size: info.Size(), MtimeMs: mtimeMillis(info.ModTime()), Mode: info.Mode().String(),
		},
		IsSymlink: true,
		Target:    target,
	}, nil
}

// ReadPreview caps limit at 256 KiB, reads up to min(limit, size-offset)
// bytes at offset, and classifies the sample as text or binary.
func (s *Service) ReadPreview(sess sftpSession, p string, offset, limit int64) (PreviewResult, error) {
	client, err := s.client(sess)
	if err != nil {
		return PreviewResult{}, err
	}
	np, err := normalize(p)
	if err != nil {
		return PreviewResult{}, err
	}
	if limit > maxPreviewBytes || limit <= 0 {
		limit = maxPreviewBytes
	}

	info, err := client.Stat(np)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("sftpsvc: stat %q: %w", np, err)
	}
	if info.IsDir() {
		return PreviewResult{}, errors.New("Path is not a file")
	}

	f, err := client.Open(np)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("sftpsvc: open %q: %w", np, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return PreviewResult{}, fmt.Errorf("sftpsvc: seek %q: %w", np, err)
		}
	}

	want := limit
	if remaining := info.Size() - offset; remaining < want {
		want = remaining
	}
	if want < 0 {
		want = 0
	}

	buf := make([]byte, want)
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]

	truncated := offset+int64(n) < info.Size()

	if looksLikeText(buf) {
		return PreviewResult{Kind: "text", Encoding: "utf-8", Data: string(buf), BytesRead: int64(n), Truncated: truncated}, nil
	}
	return PreviewResult{Kind: "binary", BytesRead: int64(n), Truncated: truncated}, nil
}

// looksLikeText reports whether at least 85% of b's bytes are printable or
// ESC, with no embedded NUL.
func looksLikeText(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	printable := 0
	for _, c := range b {
		if c == 0 {
			return false
		}
		if c == '\t' || c == '\n' || c == '\r' || c == 0x1B || (c >= 0x20 && c < 0x7F) || c >= 0x80 {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) >= 0.85
}

// DownloadResult is a streamable handle plus display metadata.
type DownloadResult struct {
	Reader   io.ReadCloser
	Filename string
	MimeType string
	Size     int64
}

// CreateDownload stats and resolves symlinks, rejects files over 250 MiB,
// and returns a streaming reader with display metadata.
func (s *Service) CreateDownload(sess sftpSession, p string) (DownloadResult, error) {
	client, err := s.client(sess)
	if err != nil {
		return DownloadResult{}, err
	}
	np, err := normalize(p)
	if err != nil {
		return DownloadResult{}, err
	}

	resolved, info, _, _, err := resolveSymlinks(client, np)
	if err != nil {
		return DownloadResult{}, err
	}
	if info.IsDir() {
		return DownloadResult{}, errors.New("Path is not a file")
	}
	if info.Size() > maxDownloadBytes {
		return DownloadResult{}, errors.New("download exceeds limit")
	}

	f, err := client.Open(resolved)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("sftpsvc: open %q: %w", resolved, err)
	}

	name := path.Base(resolved)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return DownloadResult{Reader: f, Filename: name, MimeType: mimeType, Size: info.Size()}, nil
}

// UploadFile rejects payloads over 50 MiB and writes src to path in full at
// offset 0, truncating any existing file.
func (s *Service) UploadFile(sess sftpSession, p string, src io.Reader) error {
	client, err := s.client(sess)
	if err != nil {
		return err
	}
	np, err := normalize(p)
	if err != nil {
		return err
	}

	limited := io.LimitReader(src, maxUploadBytes+1)
	f, err := client.Create(np)
	if err != nil {
		return fmt.Errorf("sftpsvc: create %q: %w", np, err)
	}
	defer f.Close()

	n, err := io.Copy(f, limited)
	if err != nil {
		_ = client.Remove(np)
		return fmt.Errorf("sftpsvc: write %q: %w", np, err)
	}
	if n > maxUploadBytes {
		_ = client.Remove(np)
		return errors.New("Upload exceeds limit")
	}
	return nil
}

// Mkdir creates a single directory at path.
func (s *Service) Mkdir(sess sftpSession, p string) error {
	client, err := s.client(sess)
	if err != nil {
		return err
	}
	np, err := normalize(p)
	if err != nil {
		return err
	}
	if err := client.Mkdir(np); err != nil {
		return fmt.Errorf("sftpsvc: mkdir %q: %w", np, err)
	}
	return nil
}

// Rename moves from to to.
func (s *Service) Rename(sess sftpSession, from, to string) error {
	client, err := s.client(sess)
	if err != nil {
		return err
	}
	nf, err := normalize(from)
	if err != nil {
		return err
	}
	nt, err := normalize(to)
	if err != nil {
		return err
	}
	if err := client.Rename(nf, nt); err != nil {
		return fmt.Errorf("sftpsvc: rename %q -> %q: %w", nf, nt, err)
	}
	return nil
}

// DeletePath lstats path first: symlinks and files unlink directly;
// directories require recursive=true, bounded to depth 24. A failure
// mid-recursion leaves partial deletion and names the failing path.
func (s *Service) DeletePath(sess sftpSession, p string, recursive bool) error {
	client, err := s.client(sess)
	if err != nil {
		return err
	}
	np, err := normalize(p)
	if err != nil {
		return err
	}

	fi, err := client.Lstat(np)
	if err != nil {
		return fmt.Errorf("sftpsvc: stat %q: %w", np, err)
	}

	if fi.Mode()&os.ModeSymlink != 0 || !fi.IsDir() {
		if err := client.Remove(np); err != nil {
			return fmt.Errorf("sftpsvc: remove %q: %w", np, err)
		}
		return nil
	}

	if !recursive {
		if err := client.RemoveDirectory(np); err != nil {
			return fmt.Errorf("sftpsvc: rmdir %q: %w", np, err)
		}
		return nil
	}
	return deleteRecursive(client, np, 0)
}

func deleteRecursive(client *sftp.Client, p string, depth int) error {
	if depth > maxDeleteDepth {
		return errors.New("Delete depth exceeded")
	}

	items, err := client.ReadDir(p)
	if err != nil {
		return fmt.Errorf("sftpsvc: readdir %q: %w", p, err)
	}
	for _, item := range items {
		full := path.Join(p, item.Name())
		if item.IsDir() && item.Mode()&os.ModeSymlink == 0 {
			if err := deleteRecursive(client, full, depth+1); err != nil {
				return err
			}
			continue
		}
		if err := client.Remove(full); err != nil {
			return fmt.Errorf("sftpsvc: remove %q: %w", full, err)
		}
	}
	if err := client.RemoveDirectory(p); err != nil {
		return fmt.Errorf("sftpsvc: rmdir %q: %w", p, err)
	}
	return nil
}
