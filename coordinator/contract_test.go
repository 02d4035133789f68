package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientFactory returns connected-able clients that share one store, and the root
// path under which the test may create nodes.
type clientFactory func(t *testing.T) (newClient func() Client, root string)

func runClientContract(t *testing.T, factory clientFactory) {
	t.Run("NotConnected", func(t *testing.T) {
		newClient, root := factory(t)
		c := newClient()
		defer c.Close()

		assert.False(t, c.Connected())
		_, err := c.Exists(context.Background(), root)
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = c.Create(context.Background(), root, nil, Persistent)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("PersistentCreateIsConditional", func(t *testing.T) {
		newClient, root := factory(t)
		ctx := context.Background()
		c := newClient()
		require.NoError(t, c.Connect(ctx))
		defer c.Close()
		assert.True(t, c.Connected())

		parent := root + "/servers"
		exists, err := c.Exists(ctx, parent)
		require.NoError(t, err)
		assert.False(t, exists)

		created, err := c.Create(ctx, parent, nil, Persistent)
		require.NoError(t, err)
		assert.Equal(t, parent, created)

		_, err = c.Create(ctx, parent, nil, Persistent)
		assert.ErrorIs(t, err, ErrNodeExists)

		exists, err = c.Exists(ctx, parent)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("EphemeralSequentialLifecycle", func(t *testing.T) {
		newClient, root := factory(t)
		ctx := context.Background()
		owner, observer := newClient(), newClient()
		require.NoError(t, owner.Connect(ctx))
		require.NoError(t, observer.Connect(ctx))
		defer observer.Close()

		parent := root + "/servers"
		first, err := owner.Create(ctx, parent+"/server", []byte("10.0.0.5:9000"), EphemeralSequential)
		require.NoError(t, err)
		second, err := owner.Create(ctx, parent+"/server", []byte("10.0.0.6:9000"), EphemeralSequential)
		require.NoError(t, err)
		assert.Equal(t, parent+"/server"+fmt.Sprintf(SequenceFormat, 1), first)
		assert.Less(t, first, second)

		children, err := observer.Children(ctx, parent)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, []byte("10.0.0.5:9000"), children[0].Payload)

		require.NoError(t, owner.Close())
		assert.False(t, owner.Connected())

		assert.Eventually(t, func() bool {
			children, err := observer.Children(ctx, parent)
			return err == nil && len(children) == 0
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("ConcurrentSequentialCreates", func(t *testing.T) {
		newClient, root := factory(t)
		ctx := context.Background()
		parent := root + "/servers"

		const n = 8
		var wg sync.WaitGroup
		paths := make(chan string, n)
		for i := 0; i < n; i++ {
			c := newClient()
			require.NoError(t, c.Connect(ctx))
			t.Cleanup(func() { _ = c.Close() })
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := c.Create(ctx, parent+"/server", []byte(fmt.Sprintf("10.0.0.%d:9000", i)), EphemeralSequential)
				assert.NoError(t, err)
				paths <- p
			}(i)
		}
		wg.Wait()
		close(paths)

		unique := make(map[string]bool)
		for p := range paths {
			unique[p] = true
		}
		assert.Len(t, unique, n)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		newClient, _ := factory(t)
		c := newClient()
		require.NoError(t, c.Connect(context.Background()))
		defer c.Close()

		_, err := c.Exists(context.Background(), "servers")
		assert.Error(t, err)
		_, err = c.Create(context.Background(), "/servers/", nil, Persistent)
		assert.Error(t, err)
	})
}
