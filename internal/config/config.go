// Package config loads the pipeline's configuration record: a plain
// JSON file with defaults for every field, lenient key-folding for
// legacy casing, and silent fallback to defaults when the file is
// missing or malformed.
package config

import (
	"encoding/json"
	"os"
	"strings"
)

// Paths holds the on-disk directories the pipeline reads from and
// writes to.
type Paths struct {
	DataDir       string `json:"data_dir"`
	ParquetDir    string `json:"parquet_dir"`
	OutputDir     string `json:"output_dir"`
	DownloadDir   string `json:"download_dir"`
	HashCacheDir  string `json:"hash_cache_dir"`
}

// Rclone holds the transfer-agent settings.
type Rclone struct {
	RemoteBase          string `json:"remote_base"`
	Transfers           int    `json:"transfers"`
	MaxConcurrentUploads int   `json:"max_concurrent_uploads"`
}

// DuckDB holds the query-engine tuning knobs. The field and JSON-tag
// names are kept from the frozen external contract (spec §6) even
// though this implementation's engine is modernc.org/sqlite, not
// DuckDB — see SPEC_FULL.md §1 for the engine substitution.
type DuckDB struct {
	UseInMemory             bool   `json:"use_in_memory"`
	ThreadsPragma           int    `json:"threads_pragma"`
	MemoryLimit             string `json:"memory_limit"`
	EngineThreads           int    `json:"engine_threads"`
	PreserveInsertionOrder  bool   `json:"preserve_insertion_order"`
}

// NDJSON holds the per-prefix export/upload batching settings.
type NDJSON struct {
	BatchUploadSize       int `json:"batch_upload_size"`
	MaxParallelProcessing int `json:"max_parallel_processing"`
}

// Downloader holds the archive acquirer's settings.
type Downloader struct {
	ParallelDownloads int `json:"parallel_downloads"`
}

// Config is the full configuration record, JSON on disk, all fields
// optional with the defaults in Default().
type Config struct {
	Paths      Paths      `json:"paths"`
	Rclone     Rclone     `json:"rclone"`
	DuckDB     DuckDB     `json:"duckdb"`
	NDJSON     NDJSON     `json:"ndjson"`
	Downloader Downloader `json:"downloader"`
}

// Default returns the configuration with every field at its documented
// default (spec §6).
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      "./extracted_data",
			ParquetDir:   "./parquet_data",
			OutputDir:    "./cnpj_ndjson",
			DownloadDir:  "./downloads",
			HashCacheDir: "./hash_cache",
		},
		Rclone: Rclone{
			RemoteBase:           "",
			Transfers:            100,
			MaxConcurrentUploads: 4,
		},
		DuckDB: DuckDB{
			UseInMemory:            true,
			ThreadsPragma:          2,
			MemoryLimit:            "5GB",
			EngineThreads:          2,
			PreserveInsertionOrder: false,
		},
		NDJSON: NDJSON{
			BatchUploadSize:       10000,
			MaxParallelProcessing: 8,
		},
		Downloader: Downloader{
			ParallelDownloads: 6,
		},
	}
}

// Load reads a JSON config record from path, applying Default() for any
// field left zero-valued by a partial file, folding keys case- and
// separator-insensitively (so e.g. "DataDir" and "data_dir" both
// resolve), and falling back to the full default record, silently, if
// path does not exist or does not parse. The RCLONE_REMOTE environment
// variable, if set, overrides rclone.remote_base after loading.
func Load(path string) Config {
	cfg := Default()

	if raw, err := os.ReadFile(path); err == nil {
		var generic map[string]json.RawMessage
		if err := json.Unmarshal(raw, &generic); err == nil {
			applySection(generic, "paths", &cfg.Paths)
			applySection(generic, "rclone", &cfg.Rclone)
			applySection(generic, "duckdb", &cfg.DuckDB)
			applySection(generic, "ndjson", &cfg.NDJSON)
			applySection(generic, "downloader", &cfg.Downloader)
		}
	}

	if remote := os.Getenv("RCLONE_REMOTE"); remote != "" {
		cfg.Rclone.RemoteBase = remote
	}
	return cfg
}

// applySection looks up name case-insensitively in generic and, if
// found, unmarshals it onto dst, leaving dst's existing (default)
// values untouched for any key the section omits or that fails to
// fold. The whole section is skipped silently on any decode error.
func applySection(generic map[string]json.RawMessage, name string, dst any) {
	raw, ok := lookupFold(generic, name)
	if !ok {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	// Map each file key onto dst's own JSON tag with the same folded
	// form, so "DataDir" lands on "data_dir".
	current, err := json.Marshal(dst)
	if err != nil {
		return
	}
	var tags map[string]json.RawMessage
	if err := json.Unmarshal(current, &tags); err != nil {
		return
	}
	tagByFold := make(map[string]string, len(tags))
	for tag := range tags {
		tagByFold[foldKey(tag)] = tag
	}
	foldedFields := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if tag, ok := tagByFold[foldKey(k)]; ok {
			foldedFields[tag] = v
		}
	}
	normalized, err := json.Marshal(foldedFields)
	if err != nil {
		return
	}
	// dst already carries its defaults; decoding onto it only
	// overwrites the keys actually present in the file.
	_ = json.Unmarshal(normalized, dst)
}

func lookupFold(m map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	want := foldKey(name)
	for k, v := range m {
		if foldKey(k) == want {
			return v, true
		}
	}
	return nil, false
}

// foldKey normalizes a config key for lenient matching: lowercase with
// underscores removed, so "DataDir", "data_dir" and "datadir" collapse
// to the same token.
func foldKey(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return s
}
