// Package fsstore implements kvstore.Store on a directory tree.
//
// Layout: <dir>/<primary>/<secondary>/<key>, each component hex encoded
// (the empty string becomes "_") so that arbitrary names are safe path
// elements and namespace directories never collide with record files.
// Writes land in a temp file that is fsynced and renamed into place.
package fsstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"kvsync/internal/kvstore"
	"kvsync/internal/logging"
)

const (
	backendName = "fs"
	tmpPrefix   = ".tmp-"
	emptyName   = "_"
)

var logger = logging.For("fsstore")

// Store is a filesystem-backed kvstore.Store. Operations are confined to
// the root directory through os.Root.
type Store struct {
	dir    string
	root   *os.Root
	closed atomic.Bool
}

// Open creates dir if needed and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening store dir: %w", err)
	}
	return &Store{dir: dir, root: root}, nil
}

func (s *Store) Read(primary, secondary, key string) ([]byte, error) {
	if err := kvstore.CheckKey("read", primary, secondary, key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, kvstore.ErrClosed
	}
	data, err := s.root.ReadFile(recordPath(primary, secondary, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, kvstore.ErrNotFound
		}
		return nil, s.wrap("read", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) Write(primary, secondary, key string, data []byte) error {
	if err := kvstore.CheckKey("write", primary, secondary, key); err != nil {
		return err
	}
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	dir := namespaceDir(primary, secondary)
	if err := s.root.MkdirAll(dir, 0o700); err != nil {
		return s.wrap("write", err)
	}

	tmp := path.Join(dir, tmpPrefix+uuid.NewString())
	if err := s.writeSynced(tmp, data); err != nil {
		_ = s.root.Remove(tmp)
		return s.wrap("write", err)
	}
	if err := s.root.Rename(tmp, recordPath(primary, secondary, key)); err != nil {
		_ = s.root.Remove(tmp)
		return s.wrap("write", err)
	}
	if err := s.syncDir(dir); err != nil {
		return s.wrap("write", err)
	}
	return nil
}

// Remove unlinks the record file. Unless lazy is set the namespace
// directory is fsynced so the removal is durable on return.
func (s *Store) Remove(primary, secondary, key string, lazy bool) error {
	if err := kvstore.CheckKey("remove", primary, secondary, key); err != nil {
		return err
	}
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	err := s.root.Remove(recordPath(primary, secondary, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return s.wrap("remove", err)
	}
	if lazy {
		return nil
	}
	if err := s.syncDir(namespaceDir(primary, secondary)); err != nil {
		return s.wrap("remove", err)
	}
	return nil
}

func (s *Store) List(primary, secondary string) ([]string, error) {
	if err := kvstore.CheckNamespace("list", primary, secondary); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, kvstore.ErrClosed
	}
	entries, err := fs.ReadDir(s.root.FS(), namespaceDir(primary, secondary))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, s.wrap("list", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		key, err := decodeName(name)
		if err != nil || key == "" {
			logger.Warn("skipping foreign file", "dir", namespaceDir(primary, secondary), "name", name)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close releases the root directory handle.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.root.Close()
}

func (s *Store) writeSynced(name string, data []byte) error {
	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) syncDir(dir string) error {
	d, err := s.root.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, os.ErrClosed) {
		return kvstore.ErrClosed
	}
	if kvstore.KindOf(err) == kvstore.KindIO {
		// os.Root reports paths relative to the root.
		err = fmt.Errorf("%s: %w", s.dir, err)
	}
	return kvstore.WrapIO(backendName, op, err)
}

func namespaceDir(primary, secondary string) string {
	return path.Join(encodeName(primary), encodeName(secondary))
}

func recordPath(primary, secondary, key string) string {
	return path.Join(namespaceDir(primary, secondary), encodeName(key))
}

func encodeName(s string) string {
	if s == "" {
		return emptyName
	}
	return hex.EncodeToString([]byte(s))
}

func decodeName(name string) (string, error) {
	if name == emptyName {
		return "", nil
	}
	b, err := hex.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ kvstore.Store = (*Store)(nil)
