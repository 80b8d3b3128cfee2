package attachment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"sealdm/internal/domain"
)

// MaxSize is the largest attachment accepted.
const MaxSize = 25 << 20

const sniffLen = 512

// ErrTooLarge is returned for attachments over MaxSize.
var ErrTooLarge = fmt.Errorf("attachment exceeds %d MiB", MaxSize>>20)

// Uploader is the slice of the relay the pipeline needs.
type Uploader interface {
	UploadBlob(ctx context.Context, name, mimeType string, body io.Reader) (domain.AttachmentRef, error)
}

// Service uploads attachments.
type Service struct {
	relay Uploader
	log   *zap.Logger
}

// New returns an attachment pipeline over relay.
func New(relay Uploader, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{relay: relay, log: log.Named("attachment")}
}

// Upload streams r to the relay under name. The MIME type comes from the
// file extension, falling back to content sniffing.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader) (domain.AttachmentRef, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return domain.AttachmentRef{}, errors.New("attachment: empty name")
	}

	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return domain.AttachmentRef{}, fmt.Errorf("attachment: read %s: %w", name, err)
	}
	mimeType := DetectType(name, head)

	lr := &limitReader{r: br, left: MaxSize}
	ref, err := s.relay.UploadBlob(ctx, name, mimeType, lr)
	if lr.over {
		return domain.AttachmentRef{}, ErrTooLarge
	}
	if err != nil {
		return domain.AttachmentRef{}, err
	}
	s.log.Debug("attachment uploaded", zap.Int64("size", ref.Size), zap.String("mime_type", ref.MimeType))
	return ref, nil
}

// UploadFile uploads the file at path, refusing oversized files before any
// bytes are sent.
func (s *Service) UploadFile(ctx context.Context, path string) (domain.AttachmentRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.AttachmentRef{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return domain.AttachmentRef{}, err
	}
	if info.Size() > MaxSize {
		return domain.AttachmentRef{}, ErrTooLarge
	}
	return s.Upload(ctx, info.Name(), f)
}

// Body wraps an uploaded reference as an image or file message body.
func Body(ref domain.AttachmentRef, caption string) domain.MessageBody {
	if strings.HasPrefix(ref.MimeType, "image/") {
		return domain.ImageBody{Caption: caption, Ref: ref}
	}
	return domain.FileBody{Caption: caption, Ref: ref}
}

// DetectType picks a MIME type for name whose content starts with head.
func DetectType(name string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return mt
}

// limitReader fails once more than left bytes have been read.
type limitReader struct {
	r    io.Reader
	left int64
	over bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		l.over = true
		return 0, ErrTooLarge
	}
	return n, err
}
