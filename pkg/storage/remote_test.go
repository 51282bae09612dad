package storage

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestMinioErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", ErrNoSuchKey},
		{"NoSuchUpload", ErrNoSuchUpload},
		{"InvalidPart", ErrInvalidPart},
		{"InvalidPartOrder", ErrInvalidPart},
		{"EntityTooSmall", ErrEntityTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()

			err := minioError(minio.ErrorResponse{Code: tt.code, StatusCode: 400})
			require.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("connection reset")
	require.Equal(t, plain, minioError(plain))
	require.NoError(t, minioError(nil))
}

func TestS3ErrorMapping(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, s3Error(&types.NoSuchKey{}), ErrNoSuchKey)
	require.ErrorIs(t, s3Error(&types.NotFound{}), ErrNoSuchKey)
	require.ErrorIs(t, s3Error(&types.NoSuchUpload{}), ErrNoSuchUpload)
	require.ErrorIs(t, s3Error(&smithy.GenericAPIError{Code: "NoSuchUpload"}), ErrNoSuchUpload)
	require.ErrorIs(t, s3Error(&smithy.GenericAPIError{Code: "InvalidPart"}), ErrInvalidPart)
	require.ErrorIs(t, s3Error(&smithy.GenericAPIError{Code: "EntityTooSmall"}), ErrEntityTooSmall)

	other := &smithy.GenericAPIError{Code: "AccessDenied"}
	require.Equal(t, error(other), s3Error(other))
	require.NoError(t, s3Error(nil))
}

func TestNewS3BucketValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewS3Bucket(t.Context(), RemoteConfig{Region: "auto"})
	require.Error(t, err)

	_, err = NewS3Bucket(t.Context(), RemoteConfig{Bucket: "media"})
	require.Error(t, err)

	bucket, err := NewS3Bucket(t.Context(), RemoteConfig{
		Endpoint:        "http://127.0.0.1:9",
		Bucket:          "media",
		Region:          "auto",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	upload := bucket.ResumeMultipartUpload("a.bin", "upload-1")
	require.Equal(t, "a.bin", upload.Key())
	require.Equal(t, "upload-1", upload.UploadID())
}
