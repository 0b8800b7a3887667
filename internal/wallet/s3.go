package wallet

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"portline/internal/domain"
	"portline/internal/migrate"
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Object    string
	Secure    bool
}

// S3Remote stores the snapshot as one object in an S3-compatible bucket.
type S3Remote struct {
	Client *minio.Client
	Bucket string
	Object string
}

func NewS3Remote(opts S3Options) (*S3Remote, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &S3Remote{Client: client, Bucket: opts.Bucket, Object: opts.Object}, nil
}

func (s *S3Remote) Name() string { return "s3" }

// EnsureBucket creates the bucket when it does not exist.
func (s *S3Remote) EnsureBucket(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.Bucket, err)
	}
	if ok {
		return nil
	}
	return s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{})
}

func (s *S3Remote) Fetch(ctx context.Context) (domain.WalletSnapshot, bool, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, s.Object, minio.GetObjectOptions{})
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return domain.WalletSnapshot{}, false, nil
		}
		return domain.WalletSnapshot{}, false, err
	}
	w, err := migrate.Wallet(data)
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	return w, true, nil
}

func (s *S3Remote) Push(ctx context.Context, w domain.WalletSnapshot) error {
	data, err := encodeSnapshot(w)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, s.Bucket, s.Object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
