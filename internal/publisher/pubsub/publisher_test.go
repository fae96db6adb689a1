package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/proj/topics/svi-runs"})
	require.NoError(t, err)
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	pub := New(client, map[string]string{"source": "svi-collector"})
	defer pub.Stop()

	id, err := pub.Publish(context.Background(), "svi-runs", map[string]int{"rows_ingested": 28})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]int
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, 28, got["rows_ingested"])
	require.Equal(t, "svi-collector", msgs[0].Attributes["source"])
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Publish(context.Background(), "svi-runs", "x")
	require.ErrorContains(t, err, "not configured")

	client, _ := newTestClient(t)
	pub := New(client, nil)
	defer pub.Stop()
	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "svi-runs", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
