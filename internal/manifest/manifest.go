// Package manifest implements a tiny persistent record of which pool files
// back the current small-map store and tree pool, and which mode the
// engine is in. The on-disk form is a fixed binary layout (magic + two
// fixed-width path buffers + a mode byte), the same encode/decode-into-a-
// byte-slice style internal/pmemarena's header uses, written in one shot
// via github.com/natefinch/atomic's rename-based atomic.WriteFile — the
// ecosystem substitute for a hand-rolled temp-file-then-rename dance.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

const (
	magicValue  = uint64(0x6d616e69666573)  // "manifest"-ish, trimmed to fit
	pathMaxLen  = 256
	recordSize  = 8 /*magic*/ + pathMaxLen + pathMaxLen + 1 /*mode*/
)

// Manifest records the paths of the pool files a Handle was opened from and
// whether the index has migrated into tree mode.
type Manifest struct {
	SmallStorePath string
	TreePoolPath   string
	IsTreeMode     bool
}

func encodePath(buf []byte, s string) error {
	if len(s) > pathMaxLen-1 {
		return fmt.Errorf("manifest: path %q exceeds %d bytes", s, pathMaxLen-1)
	}
	copy(buf, s)
	for i := len(s); i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func decodePath(buf []byte) string {
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	return string(buf[:n])
}

// Load reads the manifest at path. A missing file is not an error: it means
// a fresh pool directory, and the caller is expected to construct a default
// Manifest and Save it before proceeding.
func Load(path string) (*Manifest, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) != recordSize {
		return nil, false, fmt.Errorf("manifest: %s: unexpected size %d", path, len(data))
	}
	if binary.LittleEndian.Uint64(data[0:8]) != magicValue {
		return nil, false, fmt.Errorf("manifest: %s: bad magic", path)
	}
	m := &Manifest{
		SmallStorePath: decodePath(data[8 : 8+pathMaxLen]),
		TreePoolPath:   decodePath(data[8+pathMaxLen : 8+2*pathMaxLen]),
		IsTreeMode:     data[recordSize-1] != 0,
	}
	return m, true, nil
}

// Save writes m to path transactionally: the encoded record lands in a
// temporary file in the same directory and is renamed into place, so a
// reader never observes a half-written manifest.
func Save(path string, m *Manifest) error {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:8], magicValue)
	if err := encodePath(buf[8:8+pathMaxLen], m.SmallStorePath); err != nil {
		return err
	}
	if err := encodePath(buf[8+pathMaxLen:8+2*pathMaxLen], m.TreePoolPath); err != nil {
		return err
	}
	if m.IsTreeMode {
		buf[recordSize-1] = 1
	}
	return atomic.WriteFile(path, bytes.NewReader(buf))
}
