// Package filestore keeps uploaded proof files on the local filesystem
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"prices-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedType is returned for files outside the allow-list
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrTooLarge is returned when the upload exceeds the size limit
	ErrTooLarge = errors.New("file too large")
)

// allowedTypes maps accepted MIME types to the stored file extension
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"application/pdf": ".pdf",
}

// StoredFile describes a file written by Store
type StoredFile struct {
	FilePath  string
	Mimetype  string
	ThumbPath *string
}

// LocalStore writes files below a root directory as YYYY/MM/<uuid>.<ext>
type LocalStore struct {
	root      string
	maxBytes  int64
	thumbSize int
	now       func() time.Time
	logger    *zap.Logger
}

// NewLocalStore creates a store rooted at dir
func NewLocalStore(dir string, maxBytes int64, thumbSize int) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images dir: %w", err)
	}
	return &LocalStore{
		root:      dir,
		maxBytes:  maxBytes,
		thumbSize: thumbSize,
		now:       time.Now,
		logger:    util.GetLogger(),
	}, nil
}

// Path returns the absolute location of a stored relative path
func (s *LocalStore) Path(filePath string) string {
	return filepath.Join(s.root, filepath.FromSlash(filePath))
}

// Store validates and writes r. Image uploads also get a JPEG thumbnail
// bounded by the configured size; a failed thumbnail is logged, not fatal.
func (s *LocalStore) Store(ctx context.Context, r io.Reader) (*StoredFile, error) {
	_, span := util.StartSpan(ctx, "LocalStore.Store")
	defer span.End()

	content, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(content)) > s.maxBytes {
		return nil, ErrTooLarge
	}

	mimetype := http.DetectContentType(content)
	if i := strings.IndexByte(mimetype, ';'); i >= 0 {
		mimetype = mimetype[:i]
	}
	ext, ok := allowedTypes[mimetype]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimetype)
	}

	now := s.now()
	dir := path.Join(now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(s.Path(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	name := uuid.New().String()
	stored := &StoredFile{
		FilePath: path.Join(dir, name+ext),
		Mimetype: mimetype,
	}
	if err := os.WriteFile(s.Path(stored.FilePath), content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}

	if strings.HasPrefix(mimetype, "image/") && s.thumbSize > 0 {
		thumbPath := path.Join(dir, fmt.Sprintf("%s.%d.jpg", name, s.thumbSize))
		if err := s.writeThumbnail(content, s.Path(thumbPath)); err != nil {
			s.logger.Warn("Failed to generate thumbnail", zap.String("file_path", stored.FilePath), zap.Error(err))
		} else {
			stored.ThumbPath = &thumbPath
		}
	}
	return stored, nil
}

// Remove deletes a stored file, ignoring files already gone
func (s *LocalStore) Remove(filePath string) error {
	if err := os.Remove(s.Path(filePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) writeThumbnail(content []byte, dst string) error {
	src, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	thumb := image.NewRGBA(thumbnailBounds(src.Bounds(), s.thumbSize))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), src, src.Bounds(), draw.Over, nil)

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, thumb, &jpeg.Options{Quality: 85}); err != nil {
		f.Close()
		return fmt.Errorf("encode: %w", err)
	}
	return f.Close()
}

// thumbnailBounds fits b inside a limit x limit square keeping the aspect
// ratio. Images already small enough keep their size.
func thumbnailBounds(b image.Rectangle, limit int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w <= limit && h <= limit {
		return image.Rect(0, 0, w, h)
	}
	if w >= h {
		h = h * limit / w
		w = limit
	} else {
		w = w * limit / h
		h = limit
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return image.Rect(0, 0, w, h)
}
