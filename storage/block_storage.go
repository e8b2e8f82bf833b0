package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/config"
	"github.com/vultisig/autotransfer/internal/types"
)

const uploadRetries = 3

// BlockStorage archives execution receipts to an S3 compatible bucket.
type BlockStorage struct {
	bucket   string
	s3Client s3iface.S3API
	logger   *logrus.Logger
}

func NewBlockStorage(cfg config.Config, logger *logrus.Logger) (*BlockStorage, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.BlockStorage.Region),
		Endpoint:         aws.String(cfg.BlockStorage.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.BlockStorage.AccessKey, cfg.BlockStorage.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return NewBlockStorageWithClient(s3.New(sess), cfg.BlockStorage.Bucket, logger), nil
}

func NewBlockStorageWithClient(client s3iface.S3API, bucket string, logger *logrus.Logger) *BlockStorage {
	return &BlockStorage{
		bucket:   bucket,
		s3Client: client,
		logger:   logger,
	}
}

func AttemptKey(attempt types.ExecutionAttempt) string {
	return fmt.Sprintf("attempts/%s/%s/%s.json", attempt.Kind, attempt.ItemID, attempt.ID)
}

// ArchiveAttempt stores the attempt as a JSON receipt.
func (bs *BlockStorage) ArchiveAttempt(ctx context.Context, attempt types.ExecutionAttempt) error {
	content, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("fail to serialize attempt, err: %w", err)
	}
	return bs.UploadFileWithRetry(ctx, content, AttemptKey(attempt), uploadRetries)
}

func (bs *BlockStorage) FileExist(ctx context.Context, fileName string) (bool, error) {
	_, err := bs.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (bs *BlockStorage) UploadFileWithRetry(ctx context.Context, fileContent []byte, fileName string, retry int) error {
	var err error
	for i := 0; i < retry; i++ {
		err = bs.UploadFile(ctx, fileContent, fileName)
		if err == nil {
			return nil
		}
		bs.logger.WithError(err).WithField("key", fileName).Warn("Upload failed")
	}
	return err
}

func (bs *BlockStorage) UploadFile(ctx context.Context, fileContent []byte, fileName string) error {
	output, err := bs.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bs.bucket),
		Key:           aws.String(fileName),
		Body:          aws.ReadSeekCloser(bytes.NewReader(fileContent)),
		ContentLength: aws.Int64(int64(len(fileContent))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return err
	}
	bs.logger.WithFields(logrus.Fields{
		"key":        fileName,
		"bucket":     bs.bucket,
		"version_id": aws.StringValue(output.VersionId),
	}).Debug("Uploaded file")
	return nil
}

func (bs *BlockStorage) GetFile(ctx context.Context, fileName string) ([]byte, error) {
	output, err := bs.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return nil, fmt.Errorf("error getting file %s: %w", fileName, err)
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			bs.logger.Error(err)
		}
	}()
	return io.ReadAll(output.Body)
}
