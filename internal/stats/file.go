package stats

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileStore keeps the record as YAML next to a CRC32 of its encoding.
type FileStore struct {
	Path string
}

type fileDoc struct {
	Record Record `yaml:"record"`
	CRC32  uint32 `yaml:"crc32"`
}

func checksum(r Record) (uint32, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(b), nil
}

func (f FileStore) Load(ctx context.Context) (Record, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("stats: read %s: %w", f.Path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	rec := doc.Record
	sum, err := checksum(rec)
	if err != nil {
		return Record{}, err
	}
	if sum != doc.CRC32 {
		return Record{}, fmt.Errorf("%w: crc32 0x%08X want 0x%08X", ErrCorrupt, doc.CRC32, sum)
	}
	return rec, nil
}

// Save writes atomically through a temp file in the same directory.
func (f FileStore) Save(ctx context.Context, r Record) error {
	sum, err := checksum(r)
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}
	b, err := yaml.Marshal(fileDoc{Record: r, CRC32: sum})
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stats: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".stats-*.yaml")
	if err != nil {
		return fmt.Errorf("stats: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("stats: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("stats: close: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("stats: rename: %w", err)
	}
	return nil
}
