// Package artifact implements content-addressed materialized dataframes and
// the cache that maps effective hashes to them. Artifact files are
// self-describing: a msgpack header (schema, row count, format) precedes the
// data, so the cache index can be rebuilt from a directory scan.
package artifact

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowfile/flowfile/internal/schema"
)

// Formats an artifact's payload may use. The native cache format is ipc.
const (
	FormatIPC     = "ipc"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Ref is a reference to a materialized dataframe on disk.
type Ref struct {
	Path   string        `json:"path" msgpack:"path"`
	Format string        `json:"format" msgpack:"format"`
	Schema schema.Schema `json:"schema" msgpack:"schema"`
	Rows   int64         `json:"rows" msgpack:"rows"`
	Hash   string        `json:"hash" msgpack:"hash"`
}

// headerMagic guards against scanning foreign files into the cache index.
const headerMagic = "FFA1"

// Header is the leading msgpack value of every ipc artifact file.
type Header struct {
	Magic  string        `msgpack:"magic"`
	Format string        `msgpack:"format"`
	Schema schema.Schema `msgpack:"schema"`
	Rows   int64         `msgpack:"rows"`
}

// WriteHeader encodes the artifact header onto an open msgpack encoder.
func WriteHeader(enc *msgpack.Encoder, s schema.Schema, rows int64) error {
	return enc.Encode(Header{Magic: headerMagic, Format: FormatIPC, Schema: s, Rows: rows})
}

// ReadHeaderFrom decodes the artifact header from an open msgpack decoder.
func ReadHeaderFrom(dec *msgpack.Decoder) (Header, error) {
	var h Header
	if err := dec.Decode(&h); err != nil {
		return Header{}, fmt.Errorf("artifact header: %w", err)
	}
	if h.Magic != headerMagic {
		return Header{}, fmt.Errorf("artifact header: bad magic %q", h.Magic)
	}
	return h, nil
}

// ReadHeader opens the file and decodes just the header.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return ReadHeaderFrom(msgpack.NewDecoder(f))
}
