// Package artifact is an append-only store for text blobs produced by
// agents: full outputs land here and only short summaries plus artifact
// ids travel through the hub.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dirName       = "artifacts"
	indexBasename = "index.jsonl"
)

// validID matches the ids this store generates. Ids arrive from agent
// control blocks, so anything else must not reach the filesystem.
var validID = regexp.MustCompile(`^\d+-[0-9a-f]{8}$`)

// Record is one line of the artifact index.
type Record struct {
	ID   string         `json:"id"`
	Kind string         `json:"kind"`
	TS   int64          `json:"ts"`
	Meta map[string]any `json:"meta"`
}

// Store persists text artifacts under <root>/artifacts.
type Store struct {
	root string
}

// NewStore returns a store rooted at root. Directories are created lazily
// on first write.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) dir() string {
	return filepath.Join(s.root, dirName)
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.dir(), id+".txt")
}

// StoreText persists body as a new artifact and appends an index record.
// The returned id is "<unix-ts>-<8 hex chars>".
func (s *Store) StoreText(kind, body string, meta map[string]any) (string, error) {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	now := time.Now().Unix()
	id := fmt.Sprintf("%d-%s", now, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	if err := os.WriteFile(s.blobPath(id), []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", id, err)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	line, err := json.Marshal(Record{ID: id, Kind: kind, TS: now, Meta: meta})
	if err != nil {
		return "", fmt.Errorf("marshal artifact record: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir(), indexBasename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open artifact index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append artifact index: %w", err)
	}
	return id, nil
}

// LoadText reads a stored artifact, truncating to maxChars when maxChars > 0.
// The second return value is the full untruncated length.
func (s *Store) LoadText(id string, maxChars int) (string, int, error) {
	if !validID.MatchString(id) {
		return "", 0, fmt.Errorf("invalid artifact id %q", id)
	}
	data, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		return "", 0, fmt.Errorf("read artifact %s: %w", id, err)
	}
	text := string(data)
	total := len(text)
	if maxChars > 0 && total > maxChars {
		text = text[:maxChars]
	}
	return text, total, nil
}
