// Package avatar prepares profile pictures for upload and keeps a local
// copy of the one last uploaded.
package avatar

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// MaxSize caps uploaded images; they travel inline as data URLs.
const MaxSize = 512 << 10

var ErrTooLarge = fmt.Errorf("avatar: image larger than %d KiB", MaxSize>>10)

// Image is an encoded picture with its MIME type.
type Image struct {
	MIME string
	Data []byte
}

// DataURL renders the image the way the server stores avatars.
func (i Image) DataURL() string {
	return "data:" + i.MIME + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

func (i Image) Hash() string { return hashBytes(i.Data) }

var allowed = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Load reads an image file and checks its size and type.
func Load(path string) (Image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Image{}, err
	}
	if fi.Size() > MaxSize {
		return Image{}, ErrTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, err
	}
	mime := mimetype.Detect(data).String()
	if !allowed[mime] {
		return Image{}, fmt.Errorf("avatar: unsupported image type %s", mime)
	}
	return Image{MIME: mime, Data: data}, nil
}

// Initials builds an SVG avatar from the display name.
func Initials(label, email string) Image {
	return Image{MIME: "image/svg+xml", Data: InitialsSVG(label, email)}
}

// Store keeps the local copy of the current avatar in dir.
type Store struct {
	mu   sync.RWMutex
	dir  string
	hash string // empty = no avatar
}

// NewStore creates an avatar store rooted at dir and hashes any avatar
// already present.
func NewStore(dir string) *Store {
	s := &Store{dir: dir}
	if data, err := s.Read(); err == nil && data != nil {
		s.hash = hashBytes(data)
	}
	return s
}

func (s *Store) path() string {
	return filepath.Join(s.dir, "avatar.img")
}

// Hash returns the current avatar hash (16 hex chars), or "" if none.
func (s *Store) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Read returns the stored avatar bytes, or nil if there is none.
func (s *Store) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Write stores img and reports whether it differs from the stored one.
func (s *Store) Write(img Image) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := img.Hash()
	if h == s.hash {
		return false, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(s.path(), img.Data, 0o644); err != nil {
		return false, err
	}
	s.hash = h
	return true, nil
}

// Delete removes the stored avatar.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path())
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	s.hash = ""
	return err
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8]) // 16 hex chars
}

// InitialsSVG generates a deterministic initials-based SVG avatar.
// label is the display name, email is used as fallback for color hashing.
func InitialsSVG(label, email string) []byte {
	initials := extractInitials(label)
	color := deterministicColor(label + email)
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, color, initials)
	return []byte(svg)
}

func extractInitials(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "?"
	}
	parts := strings.Fields(label)
	if len(parts) >= 2 {
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r[:1]))
}

var palette = []string{
	"#e74c3c", "#e67e22", "#f1c40f", "#2ecc71", "#1abc9c",
	"#3498db", "#9b59b6", "#e91e63", "#00bcd4", "#ff5722",
	"#607d8b", "#795548", "#8bc34a", "#673ab7",
}

func deterministicColor(s string) string {
	h := sha256.Sum256([]byte(s))
	return palette[int(h[0])%len(palette)]
}
