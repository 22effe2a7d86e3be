package streamindex

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// manifestEntry names one active PTable file by generation.
type manifestEntry struct {
	Generation uint64 `json:"generation"`
	File       string `json:"file"`
}

type manifestFile struct {
	Entries []manifestEntry `json:"entries"`
}

// writeManifest atomically replaces the manifest file listing the active
// PTable set, via write-then-rename (spec §5: "PTable merges produce new
// files then atomically replace the set via a manifest swap").
func writeManifest(dir string, entries []manifestEntry) error {
	tmp := filepath.Join(dir, "MANIFEST.tmp")
	final := filepath.Join(dir, "MANIFEST")

	b, err := json.Marshal(manifestFile{Entries: entries})
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func readManifest(dir string) ([]manifestEntry, error) {
	b, err := os.ReadFile(filepath.Join(dir, "MANIFEST"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mf manifestFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return nil, err
	}
	return mf.Entries, nil
}
