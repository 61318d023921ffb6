package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/common"
	"github.com/vultisig/shadowvault/config"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

const uploadRetry = 3

var ErrReceiptNotFound = errors.New("receipt not found")

type BlockStorage struct {
	cfg      config.BlockStorageConfig
	session  *session.Session
	s3Client *s3.S3
	logger   *logrus.Logger
}

func NewBlockStorage(cfg config.BlockStorageConfig) (*BlockStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("block_storage.bucket is required")
	}
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return &BlockStorage{
		cfg:      cfg,
		session:  sess,
		s3Client: s3.New(sess),
		logger:   logrus.WithField("module", "block_storage").Logger,
	}, nil
}

// ReceiptKey is the object key of the receipt for a settled computation.
func ReceiptKey(owner types.Identity, ref string) string {
	return fmt.Sprintf("receipts/%s/%s.xz", owner, ref)
}

// SaveReceipt archives the sealed result of a settled computation. The payload stays sealed
// to the session, so the archive never holds plaintext amounts. Receipts are immutable: an
// existing object is left alone.
func (bs *BlockStorage) SaveReceipt(ctx context.Context, owner types.Identity, ref string, result *sealer.SealedPayload) error {
	key := ReceiptKey(owner, ref)
	exists, err := bs.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		bs.logger.WithField("key", key).Debug("receipt already archived")
		return nil
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("fail to serialize receipt, err: %w", err)
	}
	compressed, err := common.CompressData(buf)
	if err != nil {
		return err
	}
	return bs.uploadWithRetry(ctx, key, compressed, uploadRetry)
}

// GetReceipt returns the archived sealed result of ref, or ErrReceiptNotFound.
func (bs *BlockStorage) GetReceipt(ctx context.Context, owner types.Identity, ref string) (*sealer.SealedPayload, error) {
	compressed, err := bs.download(ctx, ReceiptKey(owner, ref))
	if err != nil {
		return nil, err
	}
	buf, err := common.DecompressData(compressed)
	if err != nil {
		return nil, err
	}
	var result sealer.SealedPayload
	if err := json.Unmarshal(buf, &result); err != nil {
		return nil, fmt.Errorf("fail to deserialize receipt, err: %w", err)
	}
	return &result, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey)
}

func (bs *BlockStorage) exists(ctx context.Context, key string) (bool, error) {
	_, err := bs.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bs.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("fail to check receipt %s, err: %w", key, err)
}

func (bs *BlockStorage) uploadWithRetry(ctx context.Context, key string, content []byte, retry int) error {
	var err error
	for i := 0; i < retry; i++ {
		if err = bs.upload(ctx, key, content); err == nil {
			return nil
		}
		bs.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": i + 1,
		}).Errorf("fail to upload receipt, err: %v", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (bs *BlockStorage) upload(ctx context.Context, key string, content []byte) error {
	output, err := bs.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bs.cfg.Bucket),
		Key:           aws.String(key),
		Body:          aws.ReadSeekCloser(bytes.NewReader(content)),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return err
	}
	bs.logger.WithFields(logrus.Fields{
		"key":        key,
		"bucket":     bs.cfg.Bucket,
		"size":       len(content),
		"version_id": aws.StringValue(output.VersionId),
	}).Info("receipt archived")
	return nil
}

func (bs *BlockStorage) download(ctx context.Context, key string) ([]byte, error) {
	output, err := bs.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrReceiptNotFound)
		}
		return nil, fmt.Errorf("fail to get receipt %s, err: %w", key, err)
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			bs.logger.Errorf("fail to close object body, err: %v", err)
		}
	}()
	return io.ReadAll(output.Body)
}
