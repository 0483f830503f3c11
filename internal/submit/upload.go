package submit

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/lox/aquacast/internal/logging"
)

const (
	MethodS3  = "s3"
	MethodFTP = "ftp"
)

// Uploader delivers a validated artifact to the challenge.
type Uploader interface {
	Upload(ctx context.Context, file string) error
	Method() string
}

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Uploader puts artifacts into an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    logging.With("submit"),
	}, nil
}

func (u *S3Uploader) Method() string { return MethodS3 }

// Key returns the object key for file.
func (u *S3Uploader) Key(file string) string {
	return path.Join(u.prefix, filepath.Base(file))
}

func (u *S3Uploader) Upload(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	key := u.Key(file)
	_, err = u.client.PutObject(ctx, u.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	u.log.Info().Str("bucket", u.bucket).Str("key", key).Int64("bytes", info.Size()).Msg("uploaded forecast")
	return nil
}

type FTPConfig struct {
	Addr     string
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTPUploader stores artifacts on an FTP drop.
type FTPUploader struct {
	cfg FTPConfig
	log zerolog.Logger
}

func NewFTPUploader(cfg FTPConfig) *FTPUploader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous"
	}
	return &FTPUploader{cfg: cfg, log: logging.With("submit")}
}

func (u *FTPUploader) Method() string { return MethodFTP }

func (u *FTPUploader) Upload(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	conn, err := ftp.Dial(u.cfg.Addr, ftp.DialWithTimeout(u.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(u.cfg.User, u.cfg.Password); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}
	if u.cfg.Dir != "" {
		if err := conn.ChangeDir(u.cfg.Dir); err != nil {
			return fmt.Errorf("ftp cwd %s: %w", u.cfg.Dir, err)
		}
	}

	name := filepath.Base(file)
	if err := conn.Stor(name, f); err != nil {
		return fmt.Errorf("ftp stor %s: %w", name, err)
	}
	u.log.Info().Str("addr", u.cfg.Addr).Str("file", name).Msg("uploaded forecast")
	return nil
}

// Submit validates file and hands it to up.
func Submit(ctx context.Context, up Uploader, file string) error {
	if _, err := ValidateFile(file); err != nil {
		return err
	}
	if err := up.Upload(ctx, file); err != nil {
		return fmt.Errorf("%s upload: %w", up.Method(), err)
	}
	return nil
}
