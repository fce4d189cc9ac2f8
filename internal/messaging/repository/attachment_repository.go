package repository

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"carpool_message_service/pkg/database"

	"github.com/minio/minio-go/v7"
)

// 附件 URL 解析是 best-effort：逾時就放掉，render 時再補
const resolveTimeout = 3 * time.Second

// AttachmentRepository definition object storage 的窄介面
type AttachmentRepository interface {
	// Upload 以 path 為鍵上傳附件內容
	Upload(ctx context.Context, path string, r io.Reader, size int64, mime string) error
	// ResolveURL 換取一個時效性存取連結；失敗不會中斷訊息流程
	ResolveURL(ctx context.Context, path string) (string, error)
}

type minioAttachmentRepository struct {
	mc *database.MinIOClient
}

// NewMinIOAttachmentRepository create a AttachmentRepository
func NewMinIOAttachmentRepository(mc *database.MinIOClient) AttachmentRepository {
	return &minioAttachmentRepository{mc: mc}
}

func (r *minioAttachmentRepository) Upload(ctx context.Context, path string, reader io.Reader, size int64, mime string) error {
	_, err := r.mc.Client.PutObject(ctx, r.mc.BucketName, path, reader, size, minio.PutObjectOptions{
		ContentType: mime,
	})
	if err != nil {
		return fmt.Errorf("upload attachment %s: %w", path, err)
	}
	return nil
}

func (r *minioAttachmentRepository) ResolveURL(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	u, err := r.mc.Client.PresignedGetObject(ctx, r.mc.BucketName, path, 15*time.Minute, url.Values{})
	if err != nil {
		return "", fmt.Errorf("resolve attachment url %s: %w", path, err)
	}
	return u.String(), nil
}
