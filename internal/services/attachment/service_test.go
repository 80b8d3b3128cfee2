package attachment_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sealdm/internal/domain"
	"sealdm/internal/relay/relaytest"
	"sealdm/internal/services/attachment"
)

type countingUploader struct {
	calls int
	read  int64
}

func (c *countingUploader) UploadBlob(_ context.Context, name, mimeType string, body io.Reader) (domain.AttachmentRef, error) {
	c.calls++
	n, err := io.Copy(io.Discard, body)
	c.read = n
	if err != nil {
		return domain.AttachmentRef{}, err
	}
	return domain.AttachmentRef{Name: name, MimeType: mimeType, Size: n}, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestDetectType(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want string
	}{
		{"photo.PNG", nil, "image/png"},
		{"noext", pngHeader, "image/png"},
		{"notes", []byte("plain words"), "text/plain"},
		{"blob", nil, "application/octet-stream"},
	}
	for _, c := range cases {
		if got := attachment.DetectType(c.name, c.head); got != c.want {
			t.Fatalf("DetectType(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestBody_PicksKind(t *testing.T) {
	if _, ok := attachment.Body(domain.AttachmentRef{MimeType: "image/jpeg"}, "c").(domain.ImageBody); !ok {
		t.Fatalf("image ref did not become ImageBody")
	}
	if _, ok := attachment.Body(domain.AttachmentRef{MimeType: "application/pdf"}, "").(domain.FileBody); !ok {
		t.Fatalf("pdf ref did not become FileBody")
	}
}

func TestUpload_TooLarge(t *testing.T) {
	up := &countingUploader{}
	svc := attachment.New(up, nil)

	big := io.LimitReader(zeroReader{}, attachment.MaxSize+1)
	if _, err := svc.Upload(context.Background(), "big.bin", big); !errors.Is(err, attachment.ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}

	exact := io.LimitReader(zeroReader{}, attachment.MaxSize)
	ref, err := svc.Upload(context.Background(), "exact.bin", exact)
	if err != nil || ref.Size != attachment.MaxSize {
		t.Fatalf("exact size upload = %+v, %v", ref, err)
	}
}

func TestUploadFile_RefusesBeforeSending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(attachment.MaxSize + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	_ = f.Close()

	up := &countingUploader{}
	if _, err := attachment.New(up, nil).UploadFile(context.Background(), path); !errors.Is(err, attachment.ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if up.calls != 0 {
		t.Fatalf("uploader called %d times", up.calls)
	}
}

func TestUpload_AgainstRelay(t *testing.T) {
	rl := relaytest.New(t)
	svc := attachment.New(rl.Client(t, "alice"), nil)

	content := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 2048)...)
	ref, err := svc.Upload(context.Background(), "../../etc/cat", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Name != "cat" || ref.Size != int64(len(content)) || ref.MimeType != "image/png" {
		t.Fatalf("ref = %+v", ref)
	}
	if !strings.Contains(ref.URL, "/api/v1/blobs/") {
		t.Fatalf("url = %q", ref.URL)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
