package cron

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// StoreFile is the persisted shape of the cron store.
type StoreFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// ResolveStorePath returns the store path, defaulting to
// <configDir>/cron/jobs.json.
func ResolveStorePath(configDir, path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(configDir, "cron", "jobs.json")
}

// LoadStore reads and parses the store. A missing file yields an empty
// store; a parse error fails loudly so a corrupt store is never silently
// replaced.
func LoadStore(path string) (*StoreFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StoreFile{Version: 1, Jobs: []Job{}}, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}

	var store StoreFile
	if err := json5.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("parse cron store %s: %w", path, err)
	}
	if store.Version == 0 {
		store.Version = 1
	}
	if store.Jobs == nil {
		store.Jobs = []Job{}
	}
	for i := range store.Jobs {
		normalizePayload(&store.Jobs[i], JobCreate{})
		normalizeDelivery(&store.Jobs[i])
	}
	return &store, nil
}

// SaveStore writes the store atomically via a uniquely-named temp file +
// rename, then makes a best-effort .bak copy.
func SaveStore(path string, store *StoreFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.%s.tmp", path, os.Getpid(), randomHex(4))
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := copyFile(path, path+".bak"); err != nil {
		slog.Warn("cron store backup failed", "path", path, "error", err)
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"[:n*2]
	}
	return hex.EncodeToString(buf)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
