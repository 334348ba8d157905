package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/HengYangDS/sage-kb-sub007/fingerprint"
	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// capture records published events for assertions.
type capture struct {
	mu     sync.Mutex
	events []ops.Event
}

func (c *capture) Publish(_ context.Context, ev ops.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) kinds() []ops.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out = make([]ops.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func testOptions() Options {
	return Options{
		MaxEntries: 16,
		MaxBytes:   1 << 20,
		TTL:        time.Minute,
		Stale:      10 * time.Minute,
	}
}

func keyFor(path string, data []byte) Key {
	return Key{Path: path, Fingerprint: fingerprint.Sum(data)}
}

func TestPutThenGetIsFresh(t *testing.T) {
	var clk = clocktesting.NewFakeClock(time.Now())
	var events = &capture{}
	var c, err = New(testOptions(), clk, events)
	require.NoError(t, err)

	var data = []byte("# Core\n\nbody")
	var key = keyFor("/kb/core/a.md", data)
	var put = c.Put(context.Background(), key, data)
	require.Equal(t, fingerprint.Estimate(data), put.Tokens)

	var got, state = c.Get(context.Background(), key)
	require.Equal(t, Fresh, state)
	require.Equal(t, data, got.Data)
	require.Equal(t, []ops.Kind{ops.CacheHit}, events.kinds())
}

func TestFreshnessDecaysWithClock(t *testing.T) {
	var clk = clocktesting.NewFakeClock(time.Now())
	var events = &capture{}
	var c, err = New(testOptions(), clk, events)
	require.NoError(t, err)

	var data = []byte("content")
	var key = keyFor("/kb/core/a.md", data)
	c.Put(context.Background(), key, data)

	clk.Step(2 * time.Minute) // past TTL, within stale window
	var got, state = c.Get(context.Background(), key)
	require.Equal(t, Stale, state)
	require.Equal(t, data, got.Data)

	clk.Step(10 * time.Minute) // past stale window
	_, state = c.Get(context.Background(), key)
	require.Equal(t, Miss, state)

	// hit accounting: stale_hit, then expiry evict + miss
	require.Equal(t, []ops.Kind{ops.CacheStaleHit, ops.CacheEvict, ops.CacheMiss}, events.kinds())

	// the expired entry is gone from the hot tier
	var stats = c.Stats()
	require.Zero(t, stats.HotEntries)
	require.Zero(t, stats.HotBytes)
}

func TestEntryCapEvictsOldest(t *testing.T) {
	var opts = testOptions()
	opts.MaxEntries = 2
	var events = &capture{}
	var c, err = New(opts, clocktesting.NewFakeClock(time.Now()), events)
	require.NoError(t, err)
	var ctx = context.Background()

	var k1 = keyFor("/kb/1.md", []byte("one"))
	var k2 = keyFor("/kb/2.md", []byte("two"))
	var k3 = keyFor("/kb/3.md", []byte("three"))
	c.Put(ctx, k1, []byte("one"))
	c.Put(ctx, k2, []byte("two"))
	c.Put(ctx, k3, []byte("three"))

	var _, state = c.Get(ctx, k1)
	require.Equal(t, Miss, state)
	_, state = c.Get(ctx, k2)
	require.Equal(t, Fresh, state)

	var sawCapacityEvict bool
	for _, ev := range events.events {
		if ev.Kind == ops.CacheEvict && ev.Reason == "capacity" && ev.File == "/kb/1.md" {
			sawCapacityEvict = true
		}
	}
	require.True(t, sawCapacityEvict)
}

func TestByteCapIsStrict(t *testing.T) {
	var opts = testOptions()
	opts.MaxBytes = 10
	var c, err = New(opts, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)
	var ctx = context.Background()

	var small = []byte("12345")
	var kSmall = keyFor("/kb/small.md", small)
	c.Put(ctx, kSmall, small)

	// An oversized payload is not cached and pushes nothing over the cap.
	var big = []byte("this payload exceeds ten bytes")
	c.Put(ctx, keyFor("/kb/big.md", big), big)

	var _, state = c.Get(ctx, keyFor("/kb/big.md", big))
	require.Equal(t, Miss, state)

	var stats = c.Stats()
	require.LessOrEqual(t, stats.HotBytes, int64(10))
}

func TestReplacingKeyKeepsByteAccounting(t *testing.T) {
	var c, err = New(testOptions(), clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)
	var ctx = context.Background()

	var data = []byte("0123456789")
	var key = keyFor("/kb/a.md", data)
	c.Put(ctx, key, data)
	c.Put(ctx, key, data) // same key again

	var stats = c.Stats()
	require.Equal(t, 1, stats.HotEntries)
	require.EqualValues(t, len(data), stats.HotBytes)
}

func TestWarmTierSurvivesRestart(t *testing.T) {
	var dir = t.TempDir()
	var opts = testOptions()
	opts.WarmDir = dir
	var clk = clocktesting.NewFakeClock(time.Now())

	var data = []byte("# durable content")
	var key = keyFor("/kb/core/a.md", data)

	var first, err = New(opts, clk, ops.NopPublisher{})
	require.NoError(t, err)
	first.Put(context.Background(), key, data)

	// Fresh process, same warm directory.
	var events = &capture{}
	var second *Cache
	second, err = New(opts, clk, events)
	require.NoError(t, err)

	var got, state = second.Get(context.Background(), key)
	require.Equal(t, Fresh, state)
	require.Equal(t, data, got.Data)
	require.Equal(t, "warm", events.events[0].Reason)

	// Hydration landed in the hot tier: the next Get skips the disk.
	_, state = second.Get(context.Background(), key)
	require.Equal(t, Fresh, state)
	require.Empty(t, events.events[1].Reason)
}

func TestGetHonorsCancelledContext(t *testing.T) {
	var dir = t.TempDir()
	var opts = testOptions()
	opts.WarmDir = dir
	var clk = clocktesting.NewFakeClock(time.Now())

	var data = []byte("# durable content")
	var key = keyFor("/kb/core/a.md", data)

	var first, err = New(opts, clk, ops.NopPublisher{})
	require.NoError(t, err)
	first.Put(context.Background(), key, data)

	// A fresh cache over the same warm directory would hydrate from disk,
	// but a caller that already hung up must get a prompt miss instead.
	var events = &capture{}
	var second *Cache
	second, err = New(opts, clk, events)
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, state = second.Get(ctx, key)
	require.Equal(t, Miss, state)
	require.Empty(t, events.kinds())

	// The warm record is untouched: a live caller still hydrates.
	_, state = second.Get(context.Background(), key)
	require.Equal(t, Fresh, state)
}

func TestWarmTierRemovesCorruptRecords(t *testing.T) {
	var dir = t.TempDir()
	var opts = testOptions()
	opts.WarmDir = dir

	var data = []byte("payload")
	var key = keyFor("/kb/a.md", data)

	var c, err = New(opts, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)
	c.Put(context.Background(), key, data)

	var record = filepath.Join(dir, key.Fingerprint.String()+warmSuffix)
	require.NoError(t, os.WriteFile(record, []byte("SKB1 garbage"), 0o600))

	var fresh *Cache
	fresh, err = New(opts, clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)

	var _, state = fresh.Get(context.Background(), key)
	require.Equal(t, Miss, state)

	_, err = os.Stat(record)
	require.True(t, os.IsNotExist(err)) // corrupt record was removed
}

func TestWarmTierRejectsMisnamedRecord(t *testing.T) {
	var dir = t.TempDir()
	var w, err = newWarmTier(dir)
	require.NoError(t, err)

	// A valid record stored under the wrong fingerprint must not load.
	var payload = []byte("honest bytes")
	var wrong = fingerprint.Sum([]byte("other bytes"))
	require.NoError(t, os.WriteFile(w.recordPath(wrong), encodeWarmRecord(payload), 0o600))

	var _, ok = w.get(context.Background(), wrong)
	require.False(t, ok)
}

func TestDecodeWarmRecordRejectsCorruption(t *testing.T) {
	var payload = []byte("the payload")
	var good = encodeWarmRecord(payload)

	var decoded, err = decodeWarmRecord(good)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)

	var cases = map[string][]byte{
		"truncated":      good[:len(good)-3],
		"short":          good[:4],
		"bad magic":      append([]byte("XKB1"), good[4:]...),
		"bad version":    append([]byte("SKB1\x07"), good[5:]...),
		"length mangled": append(append([]byte{}, good[:5]...), append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, good[9:]...)...),
	}
	for name, raw := range cases {
		var _, err = decodeWarmRecord(raw)
		require.Error(t, err, name)
	}

	// flip a payload byte: checksum must catch it
	var flipped = append([]byte{}, good...)
	flipped[warmHeaderLen] ^= 0x01
	_, err = decodeWarmRecord(flipped)
	require.Error(t, err)
}

func TestRefreshCollapsesConcurrentReads(t *testing.T) {
	var c, err = New(testOptions(), clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)

	var data = []byte("shared read result")
	var key = keyFor("/kb/a.md", data)
	var reads atomic.Int32
	var gate = make(chan struct{})

	var read = func(context.Context) ([]byte, error) {
		reads.Add(1)
		<-gate
		return data, nil
	}

	var wg sync.WaitGroup
	var results = make([]Entry, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var e, err = c.Refresh(context.Background(), key, read)
			require.NoError(t, err)
			results[i] = e
		}(i)
	}

	// Let every goroutine reach the flight before releasing the read.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, reads.Load())
	for _, e := range results {
		require.Equal(t, data, e.Data)
	}
}

func TestRefreshPropagatesReadErrors(t *testing.T) {
	var c, err = New(testOptions(), clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)

	var boom = errors.New("disk gone")
	var _, got = c.Refresh(context.Background(), Key{Path: "/kb/a.md"}, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, got, boom)
}

func TestRefreshHonorsCallerContext(t *testing.T) {
	var c, err = New(testOptions(), clocktesting.NewFakeClock(time.Now()), ops.NopPublisher{})
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	var started = make(chan struct{})
	var done = make(chan error, 1)

	go func() {
		var _, err = c.Refresh(ctx, Key{Path: "/kb/slow.md"}, func(ctx context.Context) ([]byte, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not observe cancellation")
	}
}
