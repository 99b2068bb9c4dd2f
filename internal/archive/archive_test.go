package archive

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/chain"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiverArchive(t *testing.T) {
	client := &fakeS3{}
	a := NewS3Archiver(client, "receipts", "escrow-receipts/")

	rec := Record{
		BookingID: "b-1",
		Op:        "release",
		Receipt:   &chain.Receipt{EscrowID: "e-1", TxHash: "0xabc", Block: 7},
		At:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, a.Archive(context.Background(), rec))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "receipts", aws.ToString(client.inputs[0].Bucket))
	assert.Equal(t, "escrow-receipts/b-1/20260302T100000Z-release-0xabc.json", aws.ToString(client.inputs[0].Key))

	var got Record
	require.NoError(t, json.Unmarshal(client.bodies[0], &got))
	assert.Equal(t, uint64(7), got.Receipt.Block)
}
