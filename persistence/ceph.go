//go:build ceph

/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package persistence's Ceph/RADOS backend, in the shape of memcp's
// storage.CephStorage: RADOS has no
// append primitive, so writes happen at a tracked offset via a
// WriteOp, and a small manifest object enumerates segments since
// librados offers no cheap prefix listing.
package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

type CephConfig struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
}

type CephBackend struct {
	cfg          CephConfig
	maxLineBytes int

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

func NewCephBackend(cfg CephConfig, maxLineBytes int) (*CephBackend, error) {
	if maxLineBytes <= 0 {
		maxLineBytes = 1 << 20
	}
	b := &CephBackend{cfg: cfg, maxLineBytes: maxLineBytes}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *CephBackend) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}
	conn, err := rados.NewConnWithClusterAndUser(b.cfg.ClusterName, b.cfg.UserName)
	if err != nil {
		return wrapIo("connect to ceph cluster", err)
	}
	if b.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(b.cfg.ConfFile); err != nil {
			return wrapIo("read ceph conf file", err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return wrapIo("connect to ceph monitors", err)
	}
	ioctx, err := conn.OpenIOContext(b.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return wrapIo("open ceph pool ioctx", err)
	}
	b.conn, b.ioctx, b.opened = conn, ioctx, true
	return nil
}

func (b *CephBackend) obj(name string) string { return path.Join(strings.TrimSuffix(b.cfg.Prefix, "/"), name) }

func (b *CephBackend) MaxLineBytes() int { return b.maxLineBytes }

func (b *CephBackend) readObject(name string) ([]byte, error) {
	stat, err := b.ioctx.Stat(name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, stat.Size)
	n, err := b.ioctx.Read(name, data, 0)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

type cephManifest struct {
	ActiveStart uint64   `json:"active_start"`
	Rotated     []uint64 `json:"rotated"`
}

func (b *CephBackend) readManifest() (cephManifest, bool, error) {
	raw, err := b.readObject(b.obj("manifest.json"))
	if err != nil {
		return cephManifest{}, false, nil
	}
	var m cephManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return cephManifest{}, false, wrapIo("parse ceph manifest", err)
	}
	return m, true, nil
}

func (b *CephBackend) writeManifest(m cephManifest) error {
	raw, _ := json.Marshal(m)
	if err := b.ioctx.WriteFull(b.obj("manifest.json"), raw); err != nil {
		return wrapIo("write ceph manifest", err)
	}
	return nil
}

func cephSegmentName(start uint64) string { return fmt.Sprintf("events.raftlog.%d", start) }

func (b *CephBackend) OpenActiveLog() (Log, uint64, error) {
	m, ok, err := b.readManifest()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		m = cephManifest{ActiveStart: 1}
		if err := b.writeManifest(m); err != nil {
			return nil, 0, err
		}
	}
	objName := b.obj(cephSegmentName(m.ActiveStart))
	stat, err := b.ioctx.Stat(objName)
	offset := uint64(0)
	if err != nil {
		if err := b.ioctx.Truncate(objName, 0); err != nil {
			return nil, 0, wrapIo("create ceph active segment", err)
		}
	} else {
		offset = uint64(stat.Size)
	}
	return &cephLog{b: b, obj: objName, offset: offset}, m.ActiveStart, nil
}

func (b *CephBackend) Rotate(active Log, nextStart uint64) (Log, error) {
	if err := active.Close(); err != nil {
		return nil, err
	}
	m, ok, err := b.readManifest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newIo("rotate called with no ceph manifest")
	}
	m.Rotated = append(m.Rotated, m.ActiveStart)
	m.ActiveStart = nextStart
	if err := b.writeManifest(m); err != nil {
		return nil, err
	}
	objName := b.obj(cephSegmentName(nextStart))
	if err := b.ioctx.Truncate(objName, 0); err != nil {
		return nil, wrapIo("create rotated ceph active segment", err)
	}
	return &cephLog{b: b, obj: objName}, nil
}

func (b *CephBackend) ListSegments() ([]SegmentInfo, error) {
	m, ok, err := b.readManifest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	out := make([]SegmentInfo, 0, len(m.Rotated)+1)
	for _, start := range m.Rotated {
		name := cephSegmentName(start)
		size := int64(0)
		if stat, err := b.ioctx.Stat(b.obj(name)); err == nil {
			size = int64(stat.Size)
		}
		out = append(out, SegmentInfo{StartIndex: start, Name: name, SizeBytes: size})
	}
	activeName := cephSegmentName(m.ActiveStart)
	size := int64(0)
	if stat, err := b.ioctx.Stat(b.obj(activeName)); err == nil {
		size = int64(stat.Size)
	}
	out = append(out, SegmentInfo{StartIndex: m.ActiveStart, Name: activeName, SizeBytes: size})
	return out, nil
}

func (b *CephBackend) ReplayFrom(fromIndexHint uint64) (<-chan Record, error) {
	segs, err := b.ListSegments()
	if err != nil {
		return nil, err
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartIndex < segs[j].StartIndex })
	startAt := 0
	for i, s := range segs {
		if s.StartIndex <= fromIndexHint {
			startAt = i
		}
	}
	out := make(chan Record, 64)
	go func() {
		defer close(out)
		for _, s := range segs[startAt:] {
			data, err := b.readObject(b.obj(s.Name))
			if err != nil {
				continue
			}
			lineNo := 0
			for _, line := range bytes.Split(data, []byte("\n")) {
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				lineNo++
				raw := make([]byte, len(line))
				copy(raw, line)
				out <- Record{Segment: s.Name, LineNo: lineNo, Raw: raw}
			}
		}
	}()
	return out, nil
}

func (b *CephBackend) TruncateUpTo(index uint64) error {
	m, ok, err := b.readManifest()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	sort.Slice(m.Rotated, func(i, j int) bool { return m.Rotated[i] < m.Rotated[j] })
	kept := m.Rotated[:0]
	for i, start := range m.Rotated {
		upperExclusive := m.ActiveStart
		if i+1 < len(m.Rotated) {
			upperExclusive = m.Rotated[i+1]
		}
		if upperExclusive <= index {
			_ = b.ioctx.Delete(b.obj(cephSegmentName(start)))
			continue
		}
		kept = append(kept, start)
	}
	m.Rotated = kept
	return b.writeManifest(m)
}

func (b *CephBackend) WriteSnapshot(tailIndex uint64, data []byte) error {
	if err := b.ioctx.WriteFull(b.obj("snapshot.tmp"), data); err != nil {
		return wrapIo("write ceph snapshot.tmp", err)
	}
	if err := b.ioctx.WriteFull(b.obj(fmt.Sprintf("snapshot.%d", tailIndex)), data); err != nil {
		return wrapIo("commit ceph snapshot", err)
	}
	// Record the new tail in the snapshot manifest: librados cannot list
	// objects by prefix, so the manifest is the only way a later
	// ListSnapshotTails can find this snapshot.
	tails, err := b.ListSnapshotTails()
	if err != nil {
		return err
	}
	known := false
	for _, t := range tails {
		if t == tailIndex {
			known = true
			break
		}
	}
	if !known {
		tails = append(tails, tailIndex)
		sort.Slice(tails, func(i, j int) bool { return tails[i] < tails[j] })
		raw, _ := json.Marshal(tails)
		if err := b.ioctx.WriteFull(b.obj("snapshot-manifest.json"), raw); err != nil {
			return wrapIo("write ceph snapshot manifest", err)
		}
	}
	_ = b.ioctx.Delete(b.obj("snapshot.tmp"))
	return nil
}

func (b *CephBackend) ListSnapshotTails() ([]uint64, error) {
	raw, err := b.readObject(b.obj("snapshot-manifest.json"))
	if err != nil {
		// No manifest object yet; nothing persisted.
		return nil, nil
	}
	var tails []uint64
	if err := json.Unmarshal(raw, &tails); err != nil {
		return nil, wrapIo("parse ceph snapshot manifest", err)
	}
	sort.Slice(tails, func(i, j int) bool { return tails[i] < tails[j] })
	return tails, nil
}

func (b *CephBackend) ReadLatestSnapshot() ([]byte, uint64, bool, error) {
	tails, err := b.ListSnapshotTails()
	if err != nil {
		return nil, 0, false, err
	}
	if len(tails) == 0 {
		return nil, 0, false, nil
	}
	latest := tails[len(tails)-1]
	data, err := b.readObject(b.obj(fmt.Sprintf("snapshot.%d", latest)))
	if err != nil {
		return nil, 0, false, wrapIo("read latest ceph snapshot", err)
	}
	return data, latest, true, nil
}

func (b *CephBackend) RemoveSnapshotTemp() error {
	_ = b.ioctx.Delete(b.obj("snapshot.tmp"))
	return nil
}

// cephLog appends at a tracked offset via a WriteOp, since RADOS has no
// append() primitive; mirrors memcp's CephLogfile.flushLocked.
type cephLog struct {
	b      *CephBackend
	obj    string
	mu     sync.Mutex
	offset uint64
	buf    bytes.Buffer
}

func (l *cephLog) Append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(line)
	return nil
}

func (l *cephLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() == 0 {
		return nil
	}
	payload := l.buf.Bytes()
	op := rados.CreateWriteOp()
	defer op.Release()
	op.Write(payload, l.offset)
	if err := op.Operate(l.b.ioctx, l.obj, rados.OperationNoFlag); err != nil {
		return wrapIo("write ceph segment offset", err)
	}
	l.offset += uint64(len(payload))
	l.buf.Reset()
	return nil
}

func (l *cephLog) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.offset) + int64(l.buf.Len()), nil
}

func (l *cephLog) Close() error { return l.Flush() }
