package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// IndexFile is the plaintext display-name cache. It exists so the UI
// can list records without a password. It is advisory only: the event
// log is the sole authority and the index is rebuildable from it.
const IndexFile = "_index.json"

// IndexEntry is a record's display metadata.
type IndexEntry struct {
	Name string `json:"name"`
	Kind string `json:"type"`
}

// ReadIndex loads the display index. A missing or corrupt index yields
// an empty map; the cache carries no authority worth failing over.
func (l *DirLog) ReadIndex() map[string]IndexEntry {
	index := map[string]IndexEntry{}

	data, err := os.ReadFile(filepath.Join(l.root, IndexFile))
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read display index", "error", err)
		}
		return index
	}
	if err := json.Unmarshal(data, &index); err != nil {
		l.logger.Warn("display index is corrupt, ignoring", "error", err)
		return map[string]IndexEntry{}
	}
	return index
}

// WriteIndex atomically replaces the display index.
func (l *DirLog) WriteIndex(index map[string]IndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal display index: %w", err)
	}
	return WriteFileAtomic(filepath.Join(l.root, IndexFile), data)
}
