package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
	"github.com/warrenwang2025/aimeter/storage/storetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST.
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testCollection returns a collection name unique to this run.
func testCollection() string {
	return fmt.Sprintf("test_windows_%d", time.Now().UnixNano())
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestStorage_Conformance(t *testing.T) {
	client := setupFirestoreClient(t)
	storetest.Run(t, func(t *testing.T, clock aimeter.Clock) aimeter.Store {
		s, err := New(client, Config{WindowsCollection: testCollection(), Window: storetest.Window(), Clock: clock})
		require.NoError(t, err)
		return s
	})
}

func TestStorage_DocumentLayout(t *testing.T) {
	client := setupFirestoreClient(t)
	ctx := context.Background()
	coll := testCollection()

	s, err := New(client, Config{WindowsCollection: coll, Window: storetest.Window(), Clock: storetest.NewClock()})
	require.NoError(t, err)

	_, err = s.Reserve(ctx, &aimeter.ReserveRequest{UserID: "user1", Tier: aimeter.TierPlus, RequestsDelta: 1, TokensDelta: 500})
	require.NoError(t, err)

	snap, err := client.Collection(coll).Doc("user1").Get(ctx)
	require.NoError(t, err)

	w := fromData("user1", snap.Data())
	assert.Equal(t, aimeter.TierPlus, w.Tier)
	assert.Equal(t, int64(99), w.RequestsRemaining)
	assert.Equal(t, int64(999_500), w.TokensRemaining)
	assert.True(t, storetest.Start.Equal(w.WindowStart))
}
