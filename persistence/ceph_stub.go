//go:build !ceph

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
package persistence

// CephConfig is a stub when Ceph support is not compiled in. Build with
// -tags=ceph to link against librados via go-ceph.
type CephConfig struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
}

func NewCephBackend(cfg CephConfig, maxLineBytes int) (*CephBackend, error) {
	return nil, newIo("ceph support not compiled in; build with -tags=ceph")
}

// CephBackend is an uninhabited placeholder type in the stub build so
// callers can still reference *persistence.CephBackend in signatures.
type CephBackend struct{}

func (b *CephBackend) MaxLineBytes() int                                     { return 0 }
func (b *CephBackend) OpenActiveLog() (Log, uint64, error)                   { return nil, 0, newIo("ceph support not compiled in") }
func (b *CephBackend) Rotate(Log, uint64) (Log, error)                       { return nil, newIo("ceph support not compiled in") }
func (b *CephBackend) ListSegments() ([]SegmentInfo, error)                  { return nil, newIo("ceph support not compiled in") }
func (b *CephBackend) ReplayFrom(uint64) (<-chan Record, error)              { return nil, newIo("ceph support not compiled in") }
func (b *CephBackend) TruncateUpTo(uint64) error                             { return newIo("ceph support not compiled in") }
func (b *CephBackend) WriteSnapshot(uint64, []byte) error                    { return newIo("ceph support not compiled in") }
func (b *CephBackend) ReadLatestSnapshot() ([]byte, uint64, bool, error)     { return nil, 0, false, newIo("ceph support not compiled in") }
func (b *CephBackend) ListSnapshotTails() ([]uint64, error)                  { return nil, newIo("ceph support not compiled in") }
func (b *CephBackend) RemoveSnapshotTemp() error                             { return nil }
