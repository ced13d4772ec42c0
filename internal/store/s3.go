package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps one object per room in a single bucket of any S3 compatible
// service.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
	region string

	bucketOnce sync.Once
	bucketErr  error
}

// NewS3StoreFromDSN parses s3://ACCESS:SECRET@endpoint/bucket[/prefix]?secure=false&region=r.
func NewS3StoreFromDSN(dsn string) (*S3Store, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: s3 dsn needs an endpoint", ErrInvalidInput)
	}
	parts := strings.SplitN(strings.Trim(parsed.Path, "/"), "/", 2)
	bucket := parts[0]
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 dsn needs a bucket", ErrInvalidInput)
	}
	prefix := ""
	if len(parts) == 2 && parts[1] != "" {
		prefix = strings.TrimSuffix(parts[1], "/") + "/"
	}
	secure := true
	if raw := parsed.Query().Get("secure"); raw != "" {
		secure, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: secure=%q", ErrInvalidInput, raw)
		}
	}
	var accessKey, secretKey string
	if parsed.User != nil {
		accessKey = parsed.User.Username()
		secretKey, _ = parsed.User.Password()
	}
	region := parsed.Query().Get("region")
	client, err := minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, region: region}, nil
}

func (b *S3Store) objectName(room string) string {
	return b.prefix + base64.RawURLEncoding.EncodeToString([]byte(room))
}

func (b *S3Store) ensureBucket(ctx context.Context) error {
	b.bucketOnce.Do(func() {
		exists, err := b.client.BucketExists(ctx, b.bucket)
		if err != nil {
			b.bucketErr = err
			return
		}
		if !exists {
			b.bucketErr = b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region})
		}
	})
	return b.bucketErr
}

func (b *S3Store) Get(ctx context.Context, room string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectName(room), minio.GetObjectOptions{})
	if err != nil {
		return nil, b.translate("get", room, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.translate("get", room, err)
	}
	return data, nil
}

func (b *S3Store) Put(ctx context.Context, room string, snapshot []byte) error {
	if room == "" {
		return ErrInvalidInput
	}
	if err := b.ensureBucket(ctx); err != nil {
		return wrap("put", room, err)
	}
	_, err := b.client.PutObject(ctx, b.bucket, b.objectName(room), bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return wrap("put", room, err)
	}
	return nil
}

func (b *S3Store) translate(op, room string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return wrap(op, room, err)
}
