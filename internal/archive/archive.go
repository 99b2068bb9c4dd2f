// Package archive stores confirmed escrow receipts in S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rentgrid/backend/internal/chain"
)

// Record is one archived escrow transaction.
type Record struct {
	BookingID string         `json:"booking_id"`
	Op        string         `json:"op"`
	Receipt   *chain.Receipt `json:"receipt"`
	At        time.Time      `json:"at"`
}

// Archiver stores receipts.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// PutObjectAPI is the subset of the S3 client used by S3Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per receipt.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Archiver creates a new S3Archiver.
func NewS3Archiver(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for rec.
func (a *S3Archiver) Key(rec Record) string {
	name := fmt.Sprintf("%s-%s.json", rec.At.UTC().Format("20060102T150405Z"), rec.Op)
	if rec.Receipt != nil && rec.Receipt.TxHash != "" {
		name = fmt.Sprintf("%s-%s-%s.json", rec.At.UTC().Format("20060102T150405Z"), rec.Op, rec.Receipt.TxHash)
	}
	subject := rec.BookingID
	if subject == "" {
		subject = "unbound"
	}
	return path.Join(a.prefix, subject, name)
}

func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put receipt object: %w", err)
	}
	return nil
}

// Noop discards records.
type Noop struct{}

func (Noop) Archive(ctx context.Context, rec Record) error { return nil }
