package vectorindex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

const (
	MetadataFile  = "metadata.json"
	VectorFileExt = ".parquet"
)

type vectorRow struct {
	Position int64     `parquet:"position"`
	Vector   []float32 `parquet:"vector"`
}

// Save writes set to dir as one parquet vector file per category plus metadata.json.
// The directory is built beside dir and swapped into place.
func Save(dir string, set *Set) error {
	if set == nil {
		return errors.New("index set is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create index parent dir: %w", err)
	}
	staging := dir + ".tmp-" + uuid.NewString()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	metadata := make(map[string][]Value, len(set.indexes))
	for _, category := range set.Categories() {
		index := set.indexes[category]
		data, err := EncodeVectors(index.vectors)
		if err != nil {
			return fmt.Errorf("encode %s vectors: %w", category, err)
		}
		if err := os.WriteFile(filepath.Join(staging, category+VectorFileExt), data, 0o644); err != nil {
			return fmt.Errorf("write %s vectors: %w", category, err)
		}
		metadata[category] = index.values
	}
	rawMetadata, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, MetadataFile), rawMetadata, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	previous := ""
	if _, err := os.Stat(dir); err == nil {
		previous = dir + ".old-" + uuid.NewString()
		if err := os.Rename(dir, previous); err != nil {
			return fmt.Errorf("move previous index aside: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat index dir: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		if previous != "" {
			_ = os.Rename(previous, dir)
		}
		return fmt.Errorf("publish index dir: %w", err)
	}
	if previous != "" {
		_ = os.RemoveAll(previous)
	}
	return nil
}

func Load(dir string) (*Set, error) {
	set, err := LoadFS(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", dir, err)
	}
	return set, nil
}

// LoadFS requires every metadata category to have a vector file and every vector file
// to have a metadata entry.
func LoadFS(fsys fs.FS) (*Set, error) {
	rawMetadata, err := fs.ReadFile(fsys, MetadataFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", MetadataFile, err)
	}
	var metadata map[string][]Value
	if err := json.Unmarshal(rawMetadata, &metadata); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MetadataFile, err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list index dir: %w", err)
	}
	vectorFiles := map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), VectorFileExt) {
			continue
		}
		vectorFiles[strings.TrimSuffix(entry.Name(), VectorFileExt)] = true
	}
	var orphans []string
	for category := range vectorFiles {
		if _, ok := metadata[category]; !ok {
			orphans = append(orphans, category)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return nil, fmt.Errorf("vector files without metadata: %s", strings.Join(orphans, ", "))
	}

	indexes := make(map[string]*Index, len(metadata))
	for category, values := range metadata {
		if err := ValidateCategory(category); err != nil {
			return nil, err
		}
		if !vectorFiles[category] {
			return nil, fmt.Errorf("category %q has no vector file", category)
		}
		data, err := fs.ReadFile(fsys, category+VectorFileExt)
		if err != nil {
			return nil, fmt.Errorf("read %s vectors: %w", category, err)
		}
		vectors, err := DecodeVectors(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s vectors: %w", category, err)
		}
		index, err := NewIndex(vectors, values)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", category, err)
		}
		indexes[category] = index
	}
	return NewSet(indexes)
}

func EncodeVectors(vectors [][]float32) ([]byte, error) {
	rows := make([]vectorRow, len(vectors))
	for i, vector := range vectors {
		rows[i] = vectorRow{Position: int64(i), Vector: vector}
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[vectorRow](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVectors returns vectors ordered by their stored position. Malformed files are reported as
// errors, including ones the parquet reader would panic on.
func DecodeVectors(data []byte) (vectors [][]float32, err error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			vectors, err = nil, fmt.Errorf("read parquet file: %v", r)
		}
	}()
	reader := parquet.NewGenericReader[vectorRow](file)
	defer func() { _ = reader.Close() }()

	total := reader.NumRows()
	rows := make([]vectorRow, total)
	if total > 0 {
		n, err := reader.Read(rows)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if int64(n) != total {
			return nil, fmt.Errorf("read %d of %d rows", n, total)
		}
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].Position < rows[b].Position })
	vectors = make([][]float32, len(rows))
	for i, row := range rows {
		if row.Position != int64(i) {
			return nil, fmt.Errorf("vector positions are not contiguous at %d", i)
		}
		vectors[i] = row.Vector
	}
	return vectors, nil
}
