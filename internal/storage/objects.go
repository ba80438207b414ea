package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/mediajobs/internal/common"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// ObjectStore is what workers need from artifact storage.
type ObjectStore interface {
	PutFile(ctx context.Context, key, srcPath string) (int64, error)
	SignedURL(key string, ttl time.Duration) (string, time.Time, error)
}

// LocalStore keeps objects under a directory and serves them through signed URLs.
type LocalStore struct {
	baseDir       string
	publicBaseURL string
	signer        *Signer
	now           func() time.Time
}

var _ ObjectStore = (*LocalStore)(nil)

// NewLocalStore stores objects in baseDir; URLs are rooted at publicBaseURL.
func NewLocalStore(baseDir, publicBaseURL string, signer *Signer) *LocalStore {
	return &LocalStore{
		baseDir:       baseDir,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		signer:        signer,
		now:           time.Now,
	}
}

// CleanKey validates an object key: relative, slash separated, no dot segments.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidKey
		}
	}
	return path.Clean(key), nil
}

func (s *LocalStore) pathFor(key string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

// Put streams r into the object at key. The object appears atomically.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	dst, err := s.pathFor(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("ensure object dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", dst, randomHex(8))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create object: %w", err)
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("commit object: %w", err)
	}
	return n, nil
}

// PutFile copies a local file into the store.
func (s *LocalStore) PutFile(ctx context.Context, key, srcPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()
	return s.Put(ctx, key, src)
}

// Open returns the object at key. The caller closes the file.
func (s *LocalStore) Open(key string) (*os.File, os.FileInfo, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrObjectNotFound
	}
	return f, info, nil
}

// SignedURL returns a download URL for key that expires after ttl.
func (s *LocalStore) SignedURL(key string, ttl time.Duration) (string, time.Time, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	expires := s.now().Add(ttl).UTC().Truncate(time.Second)
	token := s.signer.Sign(clean, expires)
	u := fmt.Sprintf("%s%s/%s?token=%s", s.publicBaseURL, common.PathObjects, escapeKey(clean), url.QueryEscape(token))
	return u, expires, nil
}

// Verify checks that token grants access to key right now.
func (s *LocalStore) Verify(key, token string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	return s.signer.Verify(clean, token, s.now())
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
