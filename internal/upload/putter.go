package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/blobsync/internal/transfer"
)

// Putter pushes compressed bytes to where a ticket says.
type Putter interface {
	Put(ctx context.Context, ticket transfer.UploadTicket, body io.ReadSeeker, size int64, contentMD5 string) error
}

// httpPutter streams a PUT to the ticket's upload URL through the
// orchestrator, so it carries the relay bearer token.
type httpPutter struct {
	orch *transfer.Orchestrator
}

func (p httpPutter) Put(ctx context.Context, ticket transfer.UploadTicket, body io.ReadSeeker, size int64, contentMD5 string) error {
	if ticket.UploadURL == "" {
		return fmt.Errorf("ticket without upload url")
	}
	return p.orch.Put(ctx, ticket.UploadURL, body, size, contentMD5)
}

// s3Putter uploads straight to object storage with the temporary
// credentials carried by the ticket.
type s3Putter struct {
	client *http.Client
}

func (p s3Putter) Put(ctx context.Context, ticket transfer.UploadTicket, body io.ReadSeeker, size int64, contentMD5 string) error {
	target := ticket.S3
	if target == nil || target.Bucket == "" || target.Key == "" {
		return fmt.Errorf("s3 ticket without bucket/key")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(target.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			target.AccessKeyID,
			target.SecretAccessKey,
			target.SessionToken,
		)),
		config.WithHTTPClient(p.client),
	)
	if err != nil {
		return fmt.Errorf("s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if target.Endpoint != "" {
			o.BaseEndpoint = aws.String(target.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(target.Bucket),
		Key:           aws.String(target.Key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentMD5:    aws.String(contentMD5),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", target.Bucket, target.Key, err)
	}
	return nil
}
