package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yangnaru/oeee-cafe-sub000/internal/config"
)

// ObjectStore 是保存成品 PNG 的对象存储。键按内容寻址,重复上传
// 同一张图落在同一个键上,孤儿对象无害。
type ObjectStore interface {
	PutPNG(ctx context.Context, key string, data []byte) error
}

// ImageKey 计算内容寻址键:image/<首字符>/<次字符>/<sha256>.png。
// 同时返回十六进制哈希,供 image 行记录。
func ImageKey(data []byte) (key string, hash string) {
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])
	return fmt.Sprintf("image/%c/%c/%s.png", hash[0], hash[1], hash), hash
}

// S3Store 基于 aws-sdk-v2 的实现,兼容 MinIO 自定义 endpoint。
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKey, cfg.S3SecretKey, "")))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

// PutPNG 上传并带 SHA-256 校验和,存储端校验内容一致。
func (s *S3Store) PutPNG(ctx context.Context, key string, data []byte) error {
	sum := sha256.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(data),
		ContentType:    aws.String("image/png"),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	return err
}
