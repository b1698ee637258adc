package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExists is returned when an upload targets a path that is already taken.
	ErrExists = errors.New("object already exists")
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidPath is returned for empty, absolute or escaping object paths.
	ErrInvalidPath = errors.New("invalid object path")
	// ErrInvalidSignature is returned when a signed URL token does not verify.
	ErrInvalidSignature = errors.New("invalid or expired signature")
)

// Bucket stores objects under a directory and hands out expiring signed URLs.
type Bucket struct {
	name    string
	dir     string
	secret  []byte
	baseURL string
	now     func() time.Time
}

type urlClaims struct {
	Bucket string `json:"bucket"`
	jwt.RegisteredClaims
}

// Open prepares the bucket directory root/name.
func Open(root, name string, secret []byte, baseURL string) (*Bucket, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid bucket name %q", name)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("bucket signing secret must not be empty")
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	return &Bucket{
		name:    name,
		dir:     dir,
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

func (b *Bucket) resolve(objectPath string) (string, error) {
	if objectPath == "" || strings.HasPrefix(objectPath, "/") || strings.Contains(objectPath, `\`) {
		return "", ErrInvalidPath
	}
	clean := path.Clean(objectPath)
	if clean != objectPath || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", ErrInvalidPath
	}
	return filepath.Join(b.dir, filepath.FromSlash(clean)), nil
}

// Upload writes a new object. Existing objects are never overwritten.
func (b *Bucket) Upload(ctx context.Context, objectPath string, r io.Reader) (int64, error) {
	target, err := b.resolve(objectPath)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return 0, fmt.Errorf("%s: %w", objectPath, ErrExists)
	}
	if err != nil {
		return 0, fmt.Errorf("create object: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(target)
		return 0, fmt.Errorf("write object: %w", err)
	}
	return n, nil
}

// Remove deletes the given objects. Missing objects are ignored.
func (b *Bucket) Remove(ctx context.Context, objectPaths ...string) error {
	for _, p := range objectPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := b.resolve(p)
		if err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove object: %w", err)
		}
	}
	return nil
}

// Open returns a reader for a stored object.
func (b *Bucket) Open(objectPath string) (*os.File, error) {
	target, err := b.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", objectPath, ErrNotFound)
	}
	return f, err
}

// SignURL returns a URL granting read access to an object for ttl.
func (b *Bucket) SignURL(objectPath string, ttl time.Duration) (string, error) {
	if _, err := b.resolve(objectPath); err != nil {
		return "", err
	}
	now := b.now()
	claims := urlClaims{
		Bucket: b.name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   objectPath,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}

	escaped := (&url.URL{Path: objectPath}).EscapedPath()
	return fmt.Sprintf("%s/api/storage/%s/%s?token=%s", b.baseURL, b.name, escaped, url.QueryEscape(token)), nil
}

// Verify checks that token grants access to objectPath.
func (b *Bucket) Verify(objectPath, token string) error {
	claims := &urlClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(b.now))
	if err != nil || !parsed.Valid {
		return ErrInvalidSignature
	}
	if claims.Bucket != b.name || claims.Subject != objectPath {
		return ErrInvalidSignature
	}
	return nil
}
