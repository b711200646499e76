package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/models"
)

func TestMergeResponseKeepsConcurrentEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := MergeResponse(ctx, f.db, f.message.ID, "passthrough", fmt.Sprintf("n-%d", i), map[string]any{"attempt": i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	merged, err := MergeResponse(ctx, f.db, f.message.ID, "external", "", map[string]any{"success": true})
	require.NoError(t, err)
	require.Len(t, merged, 2)

	var stored models.Message
	require.NoError(t, f.db.Take(&stored, "id = ?", f.message.ID).Error)
	passthrough, ok := stored.ExternalSystemResponse["passthrough"].(map[string]any)
	require.True(t, ok)
	require.Len(t, passthrough, 8)
	require.Equal(t, map[string]any{"success": true}, stored.ExternalSystemResponse["external"])

	_, err = MergeResponse(ctx, f.db, "missing", "external", "", true)
	require.Error(t, err)
}
