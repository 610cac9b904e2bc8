// Package storage выдаёт подписанные ссылки для загрузки исходных изображений в S3-совместимое хранилище.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/mmeshcher/imagejobs/internal/model"
)

// PresignExpiry задаёт срок действия подписанных ссылок.
const PresignExpiry = 15 * time.Minute

// ErrForeignKey возвращается, если ключ объекта не принадлежит идентичности.
var ErrForeignKey = errors.New("object key does not belong to identity")

// Config задаёт параметры подключения к хранилищу.
type Config struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
}

// Presigner выдаёт подписанные PUT- и GET-ссылки.
type Presigner struct {
	bucket string
	client *s3.PresignClient
	now    func() time.Time
}

// NewPresigner создаёт клиент подписи. Запросов к хранилищу при этом не выполняется.
func NewPresigner(ctx context.Context, cfg Config) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return &Presigner{
		bucket: cfg.Bucket,
		client: s3.NewPresignClient(client),
		now:    time.Now,
	}, nil
}

func ownerPrefix(identity model.Identity) string {
	sum := sha256.Sum256([]byte(identity.Key()))
	return fmt.Sprintf("uploads/%s/%s/", identity.Kind, hex.EncodeToString(sum[:8]))
}

// NewKey возвращает случайный ключ объекта в пространстве идентичности.
func (p *Presigner) NewKey(identity model.Identity) string {
	d := p.now().UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s", ownerPrefix(identity), d.Year(), d.Month(), d.Day(), uuid.New())
}

// PresignUpload возвращает ключ нового объекта и ссылку для его загрузки.
func (p *Presigner) PresignUpload(ctx context.Context, identity model.Identity) (string, string, error) {
	key := p.NewKey(identity)

	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(PresignExpiry))
	if err != nil {
		return "", "", fmt.Errorf("presign put: %w", err)
	}

	return key, req.URL, nil
}

// ResolveKey возвращает ссылку на чтение загруженного объекта для передачи обработчику.
func (p *Presigner) ResolveKey(ctx context.Context, identity model.Identity, key string) (string, error) {
	if !strings.HasPrefix(key, ownerPrefix(identity)) || strings.Contains(key, "..") {
		return "", ErrForeignKey
	}

	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(PresignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}

	return req.URL, nil
}
