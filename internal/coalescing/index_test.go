package coalescing

import (
	"context"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdatasvc/qdata-server/internal/fingerprint"
)

// fakeStore is an in-memory stand-in for the narrow listStore interface,
// modeled on the teacher's ethdb/redisdb mockClient pattern.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]string
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string][]string{}} }

func (f *fakeStore) LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.data[key] = append([]string{v.(string)}, f.data[key]...)
	}
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.data[key])))
	return cmd
}

func (f *fakeStore) LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStringSliceCmd(ctx)
	cmd.SetVal(append([]string(nil), f.data[key]...))
	return cmd
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			n++
			delete(f.data, k)
		}
	}
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

// noopLock lets index_test exercise Index logic without a live redsync pool;
// the lock coordination itself is RichardKnop/redsync's responsibility, not
// this package's.
type noopLock struct{ mu *sync.Mutex }

func (l noopLock) Lock() error   { l.mu.Lock(); return nil }
func (l noopLock) Unlock() bool  { l.mu.Unlock(); return true }

func newTestIndex() *Index {
	var mu sync.Mutex
	return &Index{
		store:   newFakeStore(),
		newLock: func(string) locker { return noopLock{mu: &mu} },
	}
}

func TestAppendAndCountFirstCallerSeesOne(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp1")

	n, err := idx.AppendAndCount(ctx, fp, "ssidA")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = idx.AppendAndCount(ctx, fp, "ssidB")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDrainReturnsAllAndDeletesKey(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp2")

	_, err := idx.AppendAndCount(ctx, fp, "ssidA")
	require.NoError(t, err)
	_, err = idx.AppendAndCount(ctx, fp, "ssidB")
	require.NoError(t, err)

	ssids, err := idx.Drain(ctx, fp)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ssidA", "ssidB"}, ssids)

	// Key absent afterward: draining again returns empty (spec.md §8 S4).
	ssids, err = idx.Drain(ctx, fp)
	require.NoError(t, err)
	assert.Empty(t, ssids)
}

func TestAppendAndCountConcurrentCallersUniqueEntries(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp3")

	const n = 20
	var wg sync.WaitGroup
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := idx.AppendAndCount(ctx, fp, ssidFor(i))
			require.NoError(t, err)
			counts[i] = c
		}(i)
	}
	wg.Wait()

	ones := 0
	for _, c := range counts {
		if c == 1 {
			ones++
		}
	}
	assert.Equal(t, 1, ones, "exactly one caller observes n==1")

	ssids, err := idx.Drain(ctx, fp)
	require.NoError(t, err)
	assert.Len(t, ssids, n)
}

func ssidFor(i int) string {
	return string(rune('a' + i%26))
}
