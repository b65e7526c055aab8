package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/statsbridge/internal/persist"
)

func TestPublisherPersist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "stats")
	require.NoError(t, err)

	pub, err := New(topic)
	require.NoError(t, err)

	closed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Persist(ctx, persist.Record{
		Entity:   "news",
		Reason:   "finished",
		ClosedAt: closed,
		Stats:    map[string]any{"pages": 4},
	}))
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "news", msgs[0].Attributes["entity"])
	require.Equal(t, "finished", msgs[0].Attributes["reason"])

	var rec persist.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &rec))
	require.Equal(t, "news", rec.Entity)
	require.Equal(t, closed, rec.ClosedAt)
	require.Equal(t, 4.0, rec.Stats["pages"])
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
