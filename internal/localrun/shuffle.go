package localrun

import (
	"os"
	"path/filepath"
	"strings"

	mr "github.com/gomr/coordinator/pkg/core"
	"github.com/gomr/coordinator/pkg/local"
)

// writePartition writes one partition's key-value pairs as a
// tab-separated file, grounded on pkg/local.WriteLines. It writes the
// file even when kvs is empty, so every reduce task's byPartitionGrouping
// bucket always finds a file to read from every mapper regardless of
// key skew.
func writePartition(path string, kvs []mr.KeyValue) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lines := make([]string, len(kvs))
	for i, kv := range kvs {
		lines[i] = kv.Key + "\t" + kv.Value + "\n"
	}
	return local.WriteLines(path, lines)
}

// readPartition reads back a file written by writePartition.
func readPartition(path string) ([]mr.KeyValue, error) {
	lines, err := local.ReadLines(path)
	if err != nil {
		return nil, err
	}
	kvs := make([]mr.KeyValue, 0, len(lines))
	for _, line := range lines {
		key, value, ok := strings.Cut(line.Text, "\t")
		if !ok {
			continue
		}
		kvs = append(kvs, mr.KeyValue{Key: key, Value: value})
	}
	return kvs, nil
}
