package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the store uses. Satisfied by
// *s3.Client and by test fakes.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store persists checkpoints as objects under
// <prefix>/<runID>/<index>-<id>.json. The zero-padded index keeps listing
// order equal to index order.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store wraps an S3 client.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// OpenS3Store builds a store from the default AWS config chain.
func OpenS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Store) key(runID, checkpointID string, index int) string {
	key := fmt.Sprintf("%s/%08d-%s.json", runID, index, checkpointID)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *S3Store) runPrefix(runID string) string {
	p := runID + "/"
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return p
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.ID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(cp.RunID, cp.ID, cp.Index)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	keys, err := s.keys(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if idFromName(key[strings.LastIndex(key, "/")+1:]) == checkpointID {
			return s.get(ctx, key)
		}
	}
	return nil, ErrNotFound
}

// Latest implements Store.
func (s *S3Store) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	keys, err := s.keys(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return s.get(ctx, keys[len(keys)-1])
}

// List implements Store.
func (s *S3Store) List(ctx context.Context, runID string) ([]string, error) {
	keys, err := s.keys(ctx, runID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, key := range keys {
		ids[i] = idFromName(key[strings.LastIndex(key, "/")+1:])
	}
	return ids, nil
}

func (s *S3Store) keys(ctx context.Context, runID string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.runPrefix(runID)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: list: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, ".json") {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) get(ctx context.Context, key string) (*Checkpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: get %s: %w", key, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", key, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", key, err)
	}
	return &cp, nil
}
