package beef

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
)

type S3BeefStorage struct {
	client   *s3.Client
	bucket   string
	prefix   string
	fallback BeefStorage
}

// NewS3BeefStorage parses s3://bucket/prefix?region=us-east-1&endpoint=http://minio:9000
// and loads credentials from the default AWS chain.
func NewS3BeefStorage(ctx context.Context, connString string, fallback BeefStorage) (*S3BeefStorage, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("S3 bucket not specified, use format: s3://bucket/prefix")
	}

	cfg, err := CreateS3Config(ctx, u.Query().Get("endpoint"), u.Query().Get("region"))
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	log.Println("Connecting to S3 BeefStorage...", u.Host)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// MinIO and most S3-compatible servers need path-style addressing
		o.UsePathStyle = cfg.BaseEndpoint != nil
	})
	return NewS3BeefStorageWithClient(client, u.Host, prefix, fallback), nil
}

// NewS3BeefStorageWithClient creates a new S3-based BEEF storage with a provided client
func NewS3BeefStorageWithClient(client *s3.Client, bucket string, prefix string, fallback BeefStorage) *S3BeefStorage {
	return &S3BeefStorage{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		fallback: fallback,
	}
}

// getKey returns prefix/xx/<txid>.beef, sharded on the first two hex chars
func (s *S3BeefStorage) getKey(txid *chainhash.Hash) string {
	txidStr := txid.String()
	return s.prefix + txidStr[:2] + "/" + txidStr + ".beef"
}

func (s *S3BeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getKey(txid)),
	})
	if err != nil {
		var nfe *types.NoSuchKey
		if errors.As(err, &nfe) {
			return loadFromFallback(ctx, s.fallback, txid, s.put)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	beefBytes, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return beefBytes, nil
}

func (s *S3BeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if err := s.put(ctx, txid, beefBytes); err != nil {
		return err
	}
	if s.fallback != nil {
		return s.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

func (s *S3BeefStorage) put(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.getKey(txid)),
		Body:        bytes.NewReader(beefBytes),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}

func (s *S3BeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	return refreshFromFallback(ctx, s.fallback, txid, ct, s.put)
}

func (s *S3BeefStorage) Close() error {
	return closeFallback(s.fallback)
}

// CreateS3Config creates an AWS config with custom endpoint and/or region
func CreateS3Config(ctx context.Context, endpoint, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}
