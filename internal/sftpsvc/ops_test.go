package sftpsvc

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
)

func newTestService(t *testing.T) (*Service, *fakeSession) {
	t.Helper()
	srv := newFakeSFTPServer(t)
	client := dialFakeSFTP(t, srv.addr)
	return New(), &fakeSession{client: client}
}

func TestListDirectory_BasicAndSort(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	if err := client.MkdirAll("/work"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"b.txt", "a.txt"} {
		f, err := client.Create("/work/" + name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		f.Write([]byte("hi"))
		f.Close()
	}

	res, err := svc.ListDirectory(sess, "/work")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
	if res.Entries[0].Name != "a.txt" || res.Entries[1].Name != "b.txt" {
		t.Fatalf("expected sorted order, got %+v", res.Entries)
	}
	if res.Truncated {
		t.Fatalf("did not expect truncation")
	}
}

func TestListDirectory_RejectsNonDirectory(t *testing.T) {
	svc, sess := newTestService(t)
	f, err := sess.client.Create("/onefile")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Close()

	if _, err := svc.ListDirectory(sess, "/onefile"); err == nil {
		t.Fatalf("expected error listing a file as a directory")
	}
}

func TestStatPath_ResolvesSymlink(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	f, err := client.Create("/target.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Write([]byte("payload"))
	f.Close()

	if err := client.Symlink("/target.txt", "/link.txt"); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	res, err := svc.StatPath(sess, "/link.txt")
	if err != nil {
		t.Fatalf("StatPath: %v", err)
	}
	if !res.IsSymlink {
		t.Fatalf("expected IsSymlink true")
	}
	if res.Target != "/target.txt" {
		t.Fatalf("expected target /target.txt, got %q", res.Target)
	}
	if res.Size != 7 {
		t.Fatalf("expected resolved size 7, got %d", res.Size)
	}
}

func TestStatPath_SymlinkLoopDetected(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	if err := client.Symlink("/b", "/a"); err != nil {
		t.Fatalf("symlink a->b: %v", err)
	}
	if err := client.Symlink("/a", "/b"); err != nil {
		t.Fatalf("symlink b->a: %v", err)
	}

	_, err := svc.StatPath(sess, "/a")
	if err != ErrSymlinkLoop {
		t.Fatalf("expected ErrSymlinkLoop, got %v", err)
	}
}

func TestReadPreview_TextAndTruncation(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	content := strings.Repeat("line\n", 100)
	f, err := client.Create("/notes.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Write([]byte(content))
	f.Close()

	res, err := svc.ReadPreview(sess, "/notes.txt", 0, 50)
	if err != nil {
		t.Fatalf("ReadPreview: %v", err)
	}
	if res.Kind != "text" {
		t.Fatalf("expected text kind, got %s", res.Kind)
	}
	if !res.Truncated {
		t.Fatalf("expected truncated preview")
	}
	if int64(len(res.Data)) != res.BytesRead {
		t.Fatalf("data length mismatch: %d vs %d", len(res.Data), res.BytesRead)
	}
}

func TestReadPreview_BinaryDetection(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	payload := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0xFF}, 20)
	f, err := client.Create("/blob.bin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Write(payload)
	f.Close()

	res, err := svc.ReadPreview(sess, "/blob.bin", 0, 0)
	if err != nil {
		t.Fatalf("ReadPreview: %v", err)
	}
	if res.Kind != "binary" {
		t.Fatalf("expected binary kind, got %s", res.Kind)
	}
}

func TestUploadFile_RejectsOversized(t *testing.T) {
	svc, sess := newTestService(t)

	big := bytes.NewReader(make([]byte, maxUploadBytes+1))
	if err := svc.UploadFile(sess, "/huge.bin", big); err == nil {
		t.Fatalf("expected rejection of oversized upload")
	}

	if _, err := sess.client.Lstat("/huge.bin"); err == nil {
		t.Fatalf("expected partial upload to be removed")
	}
}

func TestUploadFile_RoundTrip(t *testing.T) {
	svc, sess := newTestService(t)

	data := []byte("round trip payload")
	if err := svc.UploadFile(sess, "/up.txt", bytes.NewReader(data)); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	f, err := sess.client.Open("/up.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var buf bytes.Buffer
	buf.ReadFrom(f)
	if buf.String() != string(data) {
		t.Fatalf("expected %q, got %q", data, buf.String())
	}
}

func TestDeletePath_RecursiveRemovesTree(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	if err := client.MkdirAll("/tree/sub"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, p := range []string{"/tree/a.txt", "/tree/sub/b.txt"} {
		f, err := client.Create(p)
		if err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
		f.Close()
	}

	if err := svc.DeletePath(sess, "/tree", true); err != nil {
		t.Fatalf("DeletePath: %v", err)
	}
	if _, err := client.Lstat("/tree"); err == nil {
		t.Fatalf("expected /tree to be gone")
	}
}

func TestDeletePath_DirectoryWithoutRecursiveFails(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	if err := client.MkdirAll("/nonempty"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := client.Create("/nonempty/file.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Close()

	if err := svc.DeletePath(sess, "/nonempty", false); err == nil {
		t.Fatalf("expected non-recursive delete of nonempty dir to fail")
	}
}

// TestReadPreview_ScenarioD_BoundaryLiterals pins the two-read preview
// boundary to the exact literal values committed to by the acceptance
// scenario: a first read capped at maxPreviewBytes and a second read
// continuing from that offset.
func TestReadPreview_ScenarioD_BoundaryLiterals(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	const size = 330000 // just past the 327680-byte (320 KiB) span of the two reads
	pattern := "0123456789abcdef\n"
	var buf bytes.Buffer
	for buf.Len() < size {
		buf.WriteString(pattern)
	}
	content := buf.Bytes()[:size]

	f, err := client.Create("/preview.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Write(content)
	f.Close()

	first, err := svc.ReadPreview(sess, "/preview.txt", 0, 1_000_000)
	if err != nil {
		t.Fatalf("ReadPreview first: %v", err)
	}
	if first.Kind != "text" {
		t.Fatalf("expected text kind, got %s", first.Kind)
	}
	if first.BytesRead != 262144 {
		t.Fatalf("expected bytesRead=262144, got %d", first.BytesRead)
	}
	if !first.Truncated {
		t.Fatalf("expected truncated=true on first read")
	}

	second, err := svc.ReadPreview(sess, "/preview.txt", 262144, 65536)
	if err != nil {
		t.Fatalf("ReadPreview second: %v", err)
	}
	if second.BytesRead != 65536 {
		t.Fatalf("expected bytesRead=65536, got %d", second.BytesRead)
	}
	wantTruncated := int64(262144+65536) < int64(size)
	if second.Truncated != wantTruncated {
		t.Fatalf("expected truncated=%v, got %v", wantTruncated, second.Truncated)
	}
}

// TestDeletePath_ScenarioE_DepthGuard pins the recursive-delete depth guard
// to the exact literal boundary: a tree nested to depth 25 is rejected, one
// nested to depth 23 is removed in full.
func TestDeletePath_ScenarioE_DepthGuard(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	buildChain := func(root string, depth int) string {
		p := root
		if err := client.MkdirAll(p); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
		for i := 1; i <= depth; i++ {
			p = p + "/d" + strconv.Itoa(i)
			if err := client.MkdirAll(p); err != nil {
				t.Fatalf("mkdir %s: %v", p, err)
			}
		}
		f, err := client.Create(p + "/leaf.txt")
		if err != nil {
			t.Fatalf("create leaf under %s: %v", p, err)
		}
		f.Close()
		return p
	}

	buildChain("/deep25", 25)
	if err := svc.DeletePath(sess, "/deep25", true); err == nil || err.Error() != "Delete depth exceeded" {
		t.Fatalf("expected \"Delete depth exceeded\", got %v", err)
	}

	buildChain("/deep23", 23)
	if err := svc.DeletePath(sess, "/deep23", true); err != nil {
		t.Fatalf("DeletePath depth 23: %v", err)
	}
	if _, err := client.Lstat("/deep23"); err == nil {
		t.Fatalf("expected /deep23 to be gone")
	}
}

func TestCreateDownload_MetadataAndMime(t *testing.T) {
	svc, sess := newTestService(t)
	client := sess.client

	f, err := client.Create("/report.json")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payload := []byte(`{"ok":true}`)
	f.Write(payload)
	f.Close()

	res, err := svc.CreateDownload(sess, "/report.json")
	if err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}
	defer res.Reader.Close()

	if res.Filename != "report.json" {
		t.Fatalf("expected filename report.json, got %s", res.Filename)
	}
	if res.Size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), res.Size)
	}

	var buf bytes.Buffer
	buf.ReadFrom(res.Reader)
	if buf.String() != string(payload) {
		t.Fatalf("expected %q, got %q", payload, buf.String())
	}
}

func TestNormalize_RejectsNUL(t *testing.T) {
	if _, err := normalize("/foo\x00bar"); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestNormalize_PassesThroughTilde(t *testing.T) {
	got, err := normalize("~/docs")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "~/docs" {
		t.Fatalf("expected tilde path unchanged, got %q", got)
	}
}
