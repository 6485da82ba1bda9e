package tilepack

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
)

// fingerprintPrefix is how much of the package feeds its fingerprint.
const fingerprintPrefix = 16384

// Info describes the installed package.
type Info struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Size        int64             `json:"size"`
	Fingerprint string            `json:"fingerprint"`
	Tiles       int64             `json:"tiles"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ReadInfo gathers Info for the installed package. The checker must report it available.
func ReadInfo(ctx context.Context, store Store, checker *Checker) (Info, error) {
	name := checker.canonical
	if !checker.IsAvailable(ctx) {
		return Info{}, fmt.Errorf("no offline package installed at %s", store.Path(name))
	}

	size, err := store.Size(ctx, name)
	if err != nil {
		return Info{}, err
	}
	prefix, err := readPrefix(ctx, store, name, fingerprintPrefix)
	if err != nil {
		return Info{}, err
	}
	tiles, err := checker.TileCount()
	if err != nil {
		return Info{}, err
	}
	// metadata is optional in a package
	metadata, _ := checker.Metadata()

	return Info{
		Name:        name,
		Path:        store.Path(name),
		Size:        size,
		Fingerprint: fingerprint(prefix, size),
		Tiles:       tiles,
		Metadata:    metadata,
	}, nil
}

func fingerprint(prefix []byte, size int64) string {
	hasher := xxhash.New()
	hasher.Write(prefix)
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, uint64(size))
	hasher.Write(bs)
	binary.LittleEndian.PutUint64(bs, hasher.Sum64())
	return hex.EncodeToString(bs)
}

// WriteInfo prints info as one "key: value" line per field, metadata sorted by name.
func WriteInfo(w io.Writer, info Info) {
	fmt.Fprintf(w, "path: %s\n", info.Path)
	fmt.Fprintf(w, "total size: %s\n", humanize.Bytes(uint64(info.Size)))
	fmt.Fprintf(w, "fingerprint: %s\n", info.Fingerprint)
	fmt.Fprintf(w, "tiles count: %s\n", humanize.Comma(info.Tiles))

	keys := make([]string, 0, len(info.Metadata))
	for k := range info.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, info.Metadata[k])
	}
}
