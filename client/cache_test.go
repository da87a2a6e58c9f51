package client

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeygo "github.com/valkey-io/valkey-go"
)

func TestSessionSlot(t *testing.T) {
	ctx := context.Background()
	slot := NewSessionSlot()

	_, err := slot.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, slot.Set(ctx, KeyAccessToken, "value"))
	value, err := slot.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	// empty values read as misses
	require.NoError(t, slot.Set(ctx, KeyState, ""))
	_, err = slot.Get(ctx, KeyState)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, slot.Delete(ctx, KeyAccessToken, "absent"))
	_, err = slot.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSessionSlot_Concurrent(t *testing.T) {
	ctx := context.Background()
	slot := NewSessionSlot()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%4)
			_ = slot.Set(ctx, key, "v")
			_, _ = slot.Get(ctx, key)
			_ = slot.Delete(ctx, key)
		}(i)
	}
	wg.Wait()
}

// testValkeyClient connects to a local Valkey instance.
// Tests are skipped when none is reachable.
func testValkeyClient(t *testing.T) valkeygo.Client {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestValkeySlot(t *testing.T) {
	client := testValkeyClient(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("oauthclienttest:%s:", t.Name())

	slot := NewValkeySlot(client, prefix, 0)
	t.Cleanup(func() {
		_ = slot.Delete(context.Background(), KeyState, KeyAccessToken, KeyCustomAccessToken)
	})

	_, err := slot.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, slot.Set(ctx, KeyAccessToken, `{"access_token":"abc"}`))
	value, err := slot.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"abc"}`, value)

	// keys live under the prefix
	raw, err := client.Do(ctx, client.B().Get().Key(prefix+KeyAccessToken).Build()).ToString()
	require.NoError(t, err)
	assert.Equal(t, value, raw)

	require.NoError(t, slot.Delete(ctx, KeyState, KeyAccessToken, KeyCustomAccessToken))
	_, err = slot.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.NoError(t, slot.Delete(ctx))
}

func TestValkeySlot_TTL(t *testing.T) {
	client := testValkeyClient(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("oauthclienttest:%s:", t.Name())

	slot := NewValkeySlot(client, prefix, time.Minute)
	t.Cleanup(func() {
		_ = slot.Delete(context.Background(), KeyAccessToken)
	})

	require.NoError(t, slot.Set(ctx, KeyAccessToken, "value"))

	ttl, err := client.Do(ctx, client.B().Ttl().Key(prefix+KeyAccessToken).Build()).AsInt64()
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, int64(60))
}

func TestValkeySlot_SharedBetweenClients(t *testing.T) {
	vk := testValkeyClient(t)
	prefix := fmt.Sprintf("oauthclienttest:%s:", t.Name())
	slot := NewValkeySlot(vk, prefix, time.Minute)
	t.Cleanup(func() {
		_ = slot.Delete(context.Background(), KeyState, KeyAccessToken, KeyCustomAccessToken)
	})

	first, endpoint := newTestClient(t, WithCacheSlot("shared", slot))
	token, err := first.GetToken(context.Background(), "shared")
	require.NoError(t, err)

	second, secondEndpoint := newTestClient(t, WithCacheSlot("shared", NewValkeySlot(vk, prefix, time.Minute)))
	cached, err := second.GetToken(context.Background(), "shared")
	require.NoError(t, err)

	assert.Equal(t, token.AccessToken, cached.AccessToken)
	assert.Equal(t, int32(1), endpoint.calls.Load())
	assert.Zero(t, secondEndpoint.calls.Load())
}
