// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package s3store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camcloud-dev/camagent/pkg/timeline"
)

var testBase = timeline.NewTime(time.Date(2026, 3, 4, 10, 50, 0, 0, time.UTC))

func at(sec int) timeline.Time {
	return testBase.Add(time.Duration(sec) * time.Second)
}

func span(b, e int) timeline.Period {
	return timeline.NewPeriod(at(b), at(e))
}

// fakeS3 keeps objects in a map and pages List responses two keys at a
// time to exercise the paginator.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	puts     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		fmt.Sscanf(tok, "%d", &start)
	}
	stop := start + f.pageSize
	if stop > len(keys) {
		stop = len(keys)
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:stop] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if stop < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", stop))
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such key %s", aws.ToString(in.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func newTestStore(f *fakeS3) *Store {
	return NewWithClient(f, Config{Bucket: "recordings", Prefix: "cam-42"})
}

func putSlice(t *testing.T, s *Store, p timeline.Period, payload string) {
	t.Helper()
	it := timeline.NewItem(p, timeline.CategoryVideo)
	it.Payload = []byte(payload)
	require.NoError(t, s.Store(context.Background(), it))
}

func TestStoreAndListRoundTrip(t *testing.T) {
	f := newFakeS3()
	s := newTestStore(f)

	putSlice(t, s, span(0, 15), "a")
	putSlice(t, s, span(15, 30), "b")
	putSlice(t, s, span(3600, 3615), "next-hour")

	items, err := s.List(context.Background(), at(0), at(30))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, span(0, 15), items[0].Period)
	assert.Equal(t, span(15, 30), items[1].Period)

	require.NoError(t, s.Load(context.Background(), items[0]))
	assert.Equal(t, "a", string(items[0].Payload))
}

func TestListCrossesHourBoundary(t *testing.T) {
	f := newFakeS3()
	s := newTestStore(f)

	// testBase is hh:50; this slice starts before the hour flips and the
	// next one after, landing in two different hour prefixes.
	putSlice(t, s, span(590, 605), "straddle")
	putSlice(t, s, span(605, 620), "after")

	items, err := s.List(context.Background(), at(600), at(620))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, span(590, 605), items[0].Period)
	assert.Equal(t, span(605, 620), items[1].Period)
}

func TestListPaginates(t *testing.T) {
	f := newFakeS3()
	s := newTestStore(f)

	for i := 0; i < 7; i++ {
		putSlice(t, s, span(i*15, (i+1)*15), "x")
	}
	items, err := s.List(context.Background(), at(0), at(7*15))
	require.NoError(t, err)
	assert.Len(t, items, 7)
}

func TestListIgnoresForeignObjects(t *testing.T) {
	f := newFakeS3()
	s := newTestStore(f)
	putSlice(t, s, span(0, 15), "ok")

	hour := timeline.ObjectKey("cam-42", span(0, 15), ".mp4")
	dir := hour[:strings.LastIndex(hour, "/")+1]
	f.mu.Lock()
	f.objects[dir+"manifest.txt"] = []byte("not a slice")
	f.mu.Unlock()

	items, err := s.List(context.Background(), at(0), at(15))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, span(0, 15), items[0].Period)
}

func TestCategoryFromKey(t *testing.T) {
	f := newFakeS3()
	s := newTestStore(f)

	snap := timeline.NewItem(span(0, 1), timeline.CategorySnapshot)
	snap.Payload = []byte{0xff}
	require.NoError(t, s.Store(context.Background(), snap))

	meta := timeline.NewItem(span(0, 5), timeline.CategoryFileMeta)
	meta.Payload = []byte("{}")
	require.NoError(t, s.Store(context.Background(), meta))

	items, err := s.List(context.Background(), at(0), at(10))
	require.NoError(t, err)
	require.Len(t, items, 2)
	cats := []timeline.Category{items[0].Category, items[1].Category}
	assert.Contains(t, cats, timeline.CategorySnapshot)
	assert.Contains(t, cats, timeline.CategoryFileMeta)
}

func TestStoreAsyncHonorsCancel(t *testing.T) {
	f := newFakeS3()
	s := newTestStore(f)

	it := timeline.NewItem(span(0, 15), timeline.CategoryVideo)
	it.Payload = []byte("never")
	done := make(chan bool, 1)
	s.StoreAsync(it, func(ok bool) { done <- ok }, func() bool { return true })

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("StoreAsync never resolved")
	}
	f.mu.Lock()
	assert.Zero(t, f.puts)
	f.mu.Unlock()
}

func TestStoreRejectsOpenPeriod(t *testing.T) {
	s := newTestStore(newFakeS3())
	it := timeline.NewItem(timeline.OpenPeriod(at(0)), timeline.CategoryVideo)
	assert.Error(t, s.Store(context.Background(), it))
}
