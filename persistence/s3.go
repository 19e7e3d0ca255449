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

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config names the bucket/credentials an S3Backend talks to. Unlike
// memcp's S3Factory, which creates one S3Storage per database schema,
// one S3Backend is rooted at a single object prefix holding one
// engine's segments and snapshots.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

// S3Backend stores segments and snapshots as S3 objects. Since S3 has
// no append primitive, the active segment is buffered client-side and
// rewritten in full on every Flush, exactly as memcp's
// S3Logfile.flushLocked does for its column logs.
type S3Backend struct {
	cfg          S3Config
	maxLineBytes int

	mu     sync.Mutex
	client *s3.Client
}

func NewS3Backend(cfg S3Config, maxLineBytes int) (*S3Backend, error) {
	if maxLineBytes <= 0 {
		maxLineBytes = 1 << 20
	}
	b := &S3Backend{cfg: cfg, maxLineBytes: maxLineBytes}
	if err := b.ensureClient(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *S3Backend) ensureClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if b.cfg.Region != "" {
		opts = append(opts, config.WithRegion(b.cfg.Region))
	}
	if b.cfg.AccessKeyID != "" && b.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.cfg.AccessKeyID, b.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return wrapIo("load aws config", err)
	}

	var s3Opts []func(*s3.Options)
	if b.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(b.cfg.Endpoint) })
	}
	if b.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	b.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return nil
}

func (b *S3Backend) key(name string) string {
	pfx := strings.TrimSuffix(b.cfg.Prefix, "/")
	if pfx == "" {
		return name
	}
	return pfx + "/" + name
}

func (b *S3Backend) MaxLineBytes() int { return b.maxLineBytes }

func (b *S3Backend) getObject(key string) ([]byte, error) {
	resp, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket), Key: aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *S3Backend) putObject(key string, data []byte) error {
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket), Key: aws.String(key), Body: bytes.NewReader(data),
	})
	return err
}

// manifest tracks segment start indices the way the local file backend
// tracks them with its .meta sidecar, since S3 object listing alone
// cannot distinguish "rotated" from "active".
type s3Manifest struct {
	ActiveStart uint64   `json:"active_start"`
	Rotated     []uint64 `json:"rotated"` // start indices, ascending
}

func (b *S3Backend) readManifest() (s3Manifest, bool, error) {
	data, err := b.getObject(b.key("manifest.json"))
	if err != nil {
		return s3Manifest{}, false, nil
	}
	var m s3Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return s3Manifest{}, false, wrapIo("parse manifest", err)
	}
	return m, true, nil
}

func (b *S3Backend) writeManifest(m s3Manifest) error {
	data, _ := json.Marshal(m)
	if err := b.putObject(b.key("manifest.json"), data); err != nil {
		return wrapIo("write manifest", err)
	}
	return nil
}

func segmentKeyName(start uint64) string { return fmt.Sprintf("events.raftlog.%d", start) }

func (b *S3Backend) OpenActiveLog() (Log, uint64, error) {
	m, ok, err := b.readManifest()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		m = s3Manifest{ActiveStart: 1}
		if err := b.writeManifest(m); err != nil {
			return nil, 0, err
		}
	}
	existing, _ := b.getObject(b.key(segmentKeyName(m.ActiveStart)))
	return &s3Log{b: b, key: b.key(segmentKeyName(m.ActiveStart)), committed: existing}, m.ActiveStart, nil
}

func (b *S3Backend) Rotate(active Log, nextStart uint64) (Log, error) {
	if err := active.Close(); err != nil {
		return nil, err
	}
	m, ok, err := b.readManifest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newIo("rotate called with no manifest")
	}
	m.Rotated = append(m.Rotated, m.ActiveStart)
	m.ActiveStart = nextStart
	if err := b.writeManifest(m); err != nil {
		return nil, err
	}
	return &s3Log{b: b, key: b.key(segmentKeyName(nextStart))}, nil
}

func (b *S3Backend) ListSegments() ([]SegmentInfo, error) {
	m, ok, err := b.readManifest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	out := make([]SegmentInfo, 0, len(m.Rotated)+1)
	for _, start := range m.Rotated {
		name := segmentKeyName(start)
		size := int64(0)
		if head, err := b.client.HeadObject(context.Background(), &s3.HeadObjectInput{
			Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.key(name)),
		}); err == nil && head.ContentLength != nil {
			size = *head.ContentLength
		}
		out = append(out, SegmentInfo{StartIndex: start, Name: name, SizeBytes: size})
	}
	activeName := segmentKeyName(m.ActiveStart)
	activeSize := int64(0)
	if head, err := b.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.key(activeName)),
	}); err == nil && head.ContentLength != nil {
		activeSize = *head.ContentLength
	}
	out = append(out, SegmentInfo{StartIndex: m.ActiveStart, Name: activeName, SizeBytes: activeSize})
	return out, nil
}

func (b *S3Backend) ReplayFrom(fromIndexHint uint64) (<-chan Record, error) {
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
			data, err := b.getObject(b.key(s.Name))
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

func (b *S3Backend) TruncateUpTo(index uint64) error {
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
			_, _ = b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
				Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.key(segmentKeyName(start))),
			})
			continue
		}
		kept = append(kept, start)
	}
	m.Rotated = kept
	return b.writeManifest(m)
}

func (b *S3Backend) WriteSnapshot(tailIndex uint64, data []byte) error {
	if err := b.putObject(b.key("snapshot.tmp"), data); err != nil {
		return wrapIo("write snapshot.tmp object", err)
	}
	// S3 has no atomic rename; PutObject of the final key followed by
	// deleting the temp object is the closest equivalent, matching
	// memcp's read-modify-write acceptance of non-POSIX semantics for
	// this backend.
	if err := b.putObject(b.key(fmt.Sprintf("snapshot.%d", tailIndex)), data); err != nil {
		return wrapIo("commit snapshot object", err)
	}
	_, _ = b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.key("snapshot.tmp")),
	})
	return nil
}

func (b *S3Backend) ListSnapshotTails() ([]uint64, error) {
	pfx := b.key("snapshot.")
	var out []uint64
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket), Prefix: aws.String(pfx),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, wrapIo("list snapshot objects", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), pfx)
			if name == "tmp" {
				continue
			}
			n, err := strconv.ParseUint(name, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (b *S3Backend) ReadLatestSnapshot() ([]byte, uint64, bool, error) {
	tails, err := b.ListSnapshotTails()
	if err != nil {
		return nil, 0, false, err
	}
	if len(tails) == 0 {
		return nil, 0, false, nil
	}
	latest := tails[len(tails)-1]
	data, err := b.getObject(b.key(fmt.Sprintf("snapshot.%d", latest)))
	if err != nil {
		return nil, 0, false, wrapIo("read latest snapshot object", err)
	}
	return data, latest, true, nil
}

func (b *S3Backend) RemoveSnapshotTemp() error {
	_, _ = b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket), Key: aws.String(b.key("snapshot.tmp")),
	})
	return nil
}

// s3Log buffers appends client-side; Flush rewrites the whole object,
// same tradeoff memcp's S3Logfile makes for append-less backends.
type s3Log struct {
	b         *S3Backend
	key       string
	mu        sync.Mutex
	committed []byte
	pending   bytes.Buffer
}

func (l *s3Log) Append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending.Write(line)
	return nil
}

func (l *s3Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending.Len() == 0 {
		return nil
	}
	merged := append(append([]byte{}, l.committed...), l.pending.Bytes()...)
	if err := l.b.putObject(l.key, merged); err != nil {
		return wrapIo("flush s3 segment", err)
	}
	l.committed = merged
	l.pending.Reset()
	return nil
}

func (l *s3Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.committed) + l.pending.Len()), nil
}

func (l *s3Log) Close() error { return l.Flush() }
