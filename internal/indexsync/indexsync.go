package indexsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/energyqa/energyqa/internal/storage"
	"github.com/energyqa/energyqa/internal/vectorindex"
)

var ErrNoPublishedIndex = errors.New("no published index")

// Object metadata stamped on every uploaded file.
const (
	metaVersion  = "Index-Version"
	metaChecksum = "Sha256"
)

type File struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest points at the current remote version. It is written after every file of that version.
type Manifest struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	Categories map[string]int `json:"categories"`
	Files      []File         `json:"files"`
}

type Syncer struct {
	store  storage.ObjectStore
	name   string
	keep   int
	logger *slog.Logger
	now    func() time.Time
}

type Options struct {
	// Keep is how many published versions survive pruning, the current one included. Values below
	// one keep every version.
	Keep   int
	Logger *slog.Logger
}

func New(store storage.ObjectStore, name string, opts Options) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if _, err := storage.IndexManifestKey(name); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, name: name, keep: opts.Keep, logger: logger, now: time.Now}, nil
}

// Publish uploads the index saved in dir as a new version and then moves the manifest to it.
func (s *Syncer) Publish(ctx context.Context, dir string) (Manifest, error) {
	set, err := vectorindex.Load(dir)
	if err != nil {
		return Manifest{}, fmt.Errorf("validate local index: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Manifest{}, fmt.Errorf("read index dir: %w", err)
	}

	manifest := Manifest{
		Name:       s.name,
		Version:    storage.NewIndexVersion(s.now()),
		CreatedAt:  s.now().UTC(),
		Categories: map[string]int{},
	}
	for _, category := range set.Categories() {
		index, _ := set.Index(category)
		manifest.Categories[category] = index.Len()
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return Manifest{}, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		key, err := storage.IndexFileKey(s.name, manifest.Version, entry.Name())
		if err != nil {
			return Manifest{}, err
		}
		sum := checksum(data)
		opts := storage.PutOptions{
			ContentType: contentType(entry.Name()),
			Metadata:    map[string]string{metaVersion: manifest.Version, metaChecksum: sum},
		}
		if _, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
			return Manifest{}, fmt.Errorf("upload %s: %w", entry.Name(), err)
		}
		manifest.Files = append(manifest.Files, File{Name: entry.Name(), Size: int64(len(data)), SHA256: sum})
	}
	sort.Slice(manifest.Files, func(i, j int) bool { return manifest.Files[i].Name < manifest.Files[j].Name })

	rawManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestKey, _ := storage.IndexManifestKey(s.name)
	manifestOpts := storage.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{metaVersion: manifest.Version},
	}
	if _, err := s.store.Put(ctx, manifestKey, bytes.NewReader(rawManifest), int64(len(rawManifest)), manifestOpts); err != nil {
		return Manifest{}, fmt.Errorf("upload manifest: %w", err)
	}
	s.logger.InfoContext(ctx, "index_published",
		slog.String("index", s.name),
		slog.String("version", manifest.Version),
		slog.Int("files", len(manifest.Files)),
	)

	if err := s.prune(ctx, manifest.Version); err != nil {
		s.logger.WarnContext(ctx, "index_prune_failed", slog.String("index", s.name), slog.String("error", err.Error()))
	}
	return manifest, nil
}

// Fetch downloads the current version, verifies sizes and checksums, checks that it loads, and then
// swaps it into dir. A failure leaves dir untouched.
func (s *Syncer) Fetch(ctx context.Context, dir string) (Manifest, *vectorindex.Set, error) {
	manifest, err := s.Current(ctx)
	if err != nil {
		return Manifest{}, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dir)), 0o755); err != nil {
		return Manifest{}, nil, fmt.Errorf("create index parent dir: %w", err)
	}

	staging, err := os.MkdirTemp(filepath.Dir(filepath.Clean(dir)), filepath.Base(dir)+".fetch-")
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("create fetch staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	for _, file := range manifest.Files {
		key, err := storage.IndexFileKey(s.name, manifest.Version, file.Name)
		if err != nil {
			return Manifest{}, nil, err
		}
		data, err := s.read(ctx, key)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("download %s: %w", file.Name, err)
		}
		if int64(len(data)) != file.Size || checksum(data) != file.SHA256 {
			return Manifest{}, nil, fmt.Errorf("download %s: checksum mismatch", file.Name)
		}
		if err := os.WriteFile(filepath.Join(staging, file.Name), data, 0o644); err != nil {
			return Manifest{}, nil, fmt.Errorf("write %s: %w", file.Name, err)
		}
	}

	set, err := vectorindex.Load(staging)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("validate fetched index %s: %w", manifest.Version, err)
	}
	if err := vectorindex.Save(dir, set); err != nil {
		return Manifest{}, nil, fmt.Errorf("install fetched index: %w", err)
	}
	s.logger.InfoContext(ctx, "index_fetched", slog.String("index", s.name), slog.String("version", manifest.Version))
	return manifest, set, nil
}

// Refresh fetches the current version into dir unless it is already have. The bool reports whether
// a new version was installed.
func (s *Syncer) Refresh(ctx context.Context, dir, have string) (Manifest, *vectorindex.Set, bool, error) {
	manifest, err := s.Current(ctx)
	if err != nil {
		return Manifest{}, nil, false, err
	}
	if manifest.Version == have {
		return manifest, nil, false, nil
	}
	fetched, set, err := s.Fetch(ctx, dir)
	if err != nil {
		return Manifest{}, nil, false, err
	}
	return fetched, set, true, nil
}

// Check reports whether a manifest is published without downloading it.
func (s *Syncer) Check(ctx context.Context) error {
	key, err := storage.IndexManifestKey(s.name)
	if err != nil {
		return err
	}
	info, err := s.store.Stat(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("%w: %s", ErrNoPublishedIndex, s.name)
	}
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	if info.Size == 0 {
		return fmt.Errorf("manifest for %s is empty", s.name)
	}
	return nil
}

func (s *Syncer) Current(ctx context.Context) (Manifest, error) {
	key, err := storage.IndexManifestKey(s.name)
	if err != nil {
		return Manifest{}, err
	}
	data, err := s.read(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNoPublishedIndex, s.name)
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version == "" || len(manifest.Files) == 0 {
		return Manifest{}, fmt.Errorf("manifest for %s is incomplete", s.name)
	}
	return manifest, nil
}

func (s *Syncer) prune(ctx context.Context, current string) error {
	if s.keep < 1 {
		return nil
	}
	prefix, err := storage.IndexVersionsPrefix(s.name)
	if err != nil {
		return err
	}
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	byVersion := map[string][]string{}
	for _, object := range objects {
		if version, ok := storage.VersionFromKey(s.name, object.Key); ok {
			byVersion[version] = append(byVersion[version], object.Key)
		}
	}
	versions := make([]string, 0, len(byVersion))
	for version := range byVersion {
		if version != current {
			versions = append(versions, version)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	if len(versions) <= s.keep-1 {
		return nil
	}
	for _, version := range versions[s.keep-1:] {
		for _, key := range byVersion[version] {
			if err := s.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		s.logger.DebugContext(ctx, "index_version_pruned", slog.String("index", s.name), slog.String("version", version))
	}
	return nil
}

func (s *Syncer) read(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
