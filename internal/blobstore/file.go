package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const fileBlobSuffix = ".json"

var blobKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileStore keeps one JSON document per key inside Dir.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (f *FileStore) Set(_ context.Context, key string, blob []byte) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Remove(_ context.Context, key string) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watch reports keys whose files were written, renamed into place or removed,
// whichever process made the change.
func (f *FileStore) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f.Dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				key, ok := keyFromFileName(event.Name)
				if !ok {
					continue
				}
				select {
				case out <- key:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *FileStore) pathFor(key string) (string, error) {
	if f == nil || strings.TrimSpace(f.Dir) == "" {
		return "", ErrInvalidInput
	}
	key = strings.TrimSpace(key)
	if !blobKeyPattern.MatchString(key) {
		return "", ErrInvalidInput
	}
	return filepath.Join(f.Dir, key+fileBlobSuffix), nil
}

func keyFromFileName(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, fileBlobSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(base, fileBlobSuffix)
	if !blobKeyPattern.MatchString(key) {
		return "", false
	}
	return key, true
}
