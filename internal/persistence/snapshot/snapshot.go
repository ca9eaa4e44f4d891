// Package snapshot saves and restores the lock table across restarts.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelstash.ai/internal/stash/model"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version int       `json:"version"`
	Name    string    `json:"name"`
	TakenAt time.Time `json:"taken_at"`
	Locks   int       `json:"locks"`
}

type LocksV1 struct {
	Header Header
	Locks  []LockV1
}

type LockV1 struct {
	Pos      [3]int
	OriginTS int64
	LocalAt  time.Time
}

func FromEntries(name string, at time.Time, entries []model.LockEntry) LocksV1 {
	snap := LocksV1{
		Header: Header{Version: Version, Name: name, TakenAt: at.UTC(), Locks: len(entries)},
		Locks:  make([]LockV1, len(entries)),
	}
	for i, e := range entries {
		snap.Locks[i] = LockV1{Pos: e.Pos.ToArray(), OriginTS: e.OriginTS, LocalAt: e.LocalAt}
	}
	return snap
}

func (s LocksV1) Entries() []model.LockEntry {
	out := make([]model.LockEntry, len(s.Locks))
	for i, l := range s.Locks {
		out[i] = model.LockEntry{Pos: model.Vec3i{X: l.Pos[0], Y: l.Pos[1], Z: l.Pos[2]}, OriginTS: l.OriginTS, LocalAt: l.LocalAt}
	}
	return out
}

// Write stores snap as a JSON header line followed by a gob body, zstd
// compressed. The file is replaced atomically.
func Write(path string, snap LocksV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func write(path string, snap LocksV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

// Read loads a snapshot written by Write. A missing file is reported with an
// error satisfying errors.Is(err, os.ErrNotExist).
func Read(path string) (LocksV1, error) {
	var snap LocksV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
