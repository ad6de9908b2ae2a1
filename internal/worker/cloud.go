package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/table"
)

func splitObjectURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("uri must start with s3://, got %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("uri %q must name a bucket and a key", uri)
	}
	return bucket, key, nil
}

func objectClient(conn plan.Connection) (*minio.Client, error) {
	if conn.Endpoint == "" {
		return nil, fmt.Errorf("object store connection has no endpoint")
	}
	return minio.New(conn.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conn.AccessKey, conn.SecretKey, ""),
		Secure: conn.Secure,
		Region: conn.Region,
	})
}

// cloudRead downloads the object to a scratch file and parses it by format.
func (e *Executor) cloudRead(ctx context.Context, op *plan.CloudReadOp, maxRows int) (*table.Table, error) {
	bucket, key, err := splitObjectURI(op.URI)
	if err != nil {
		return nil, fmt.Errorf("cloud_storage_reader: %w", err)
	}
	client, err := objectClient(op.Connection)
	if err != nil {
		return nil, fmt.Errorf("cloud_storage_reader: %w", err)
	}

	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("cloud_storage_reader: %w", err)
	}
	defer obj.Close()

	tmp, err := os.CreateTemp("", "flowfile-object-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, obj); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("cloud_storage_reader: download %s: %w", op.URI, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	switch op.Format {
	case "csv":
		return table.ReadCSV(tmp.Name(), table.CSVOptions{
			Delimiter: firstRune(op.Delimiter),
			HasHeader: true,
			MaxRows:   maxRows,
		})
	case "json":
		return table.ReadJSON(tmp.Name(), maxRows)
	case "parquet", "":
		return table.ReadParquet(tmp.Name(), maxRows)
	default:
		return nil, fmt.Errorf("cloud_storage_reader: unknown format %q", op.Format)
	}
}

// cloudWrite serializes the table to a scratch file and uploads it.
func (e *Executor) cloudWrite(ctx context.Context, op *plan.CloudWriteOp, t *table.Table) error {
	bucket, key, err := splitObjectURI(op.URI)
	if err != nil {
		return fmt.Errorf("cloud_storage_writer: %w", err)
	}
	client, err := objectClient(op.Connection)
	if err != nil {
		return fmt.Errorf("cloud_storage_writer: %w", err)
	}

	if op.WriteMode == "new-file" {
		if _, err := client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err == nil {
			return fmt.Errorf("cloud_storage_writer: %s already exists", op.URI)
		}
	}

	tmp, err := os.CreateTemp("", "flowfile-upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Close(); err != nil {
		return err
	}

	var contentType string
	switch op.Format {
	case "csv":
		if err := table.WriteCSV(t, tmp.Name(), firstRune(op.Delimiter), table.WriteOverwrite); err != nil {
			return fmt.Errorf("cloud_storage_writer: %w", err)
		}
		contentType = "text/csv"
	case "json":
		if err := table.WriteJSON(t, tmp.Name()); err != nil {
			return fmt.Errorf("cloud_storage_writer: %w", err)
		}
		contentType = "application/json"
	case "parquet", "":
		if err := table.WriteParquet(t, tmp.Name()); err != nil {
			return fmt.Errorf("cloud_storage_writer: %w", err)
		}
		contentType = "application/octet-stream"
	default:
		return fmt.Errorf("cloud_storage_writer: unknown format %q", op.Format)
	}

	if _, err := client.FPutObject(ctx, bucket, key, tmp.Name(), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("cloud_storage_writer: upload %s: %w", op.URI, err)
	}
	return nil
}
