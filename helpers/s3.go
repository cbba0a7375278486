package helpers

import (
	"bytes"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// Uploader is satisfied by *s3manager.Uploader.
type Uploader interface {
	Upload(input *s3manager.UploadInput, options ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// AddFileToS3 uploads a PDF under key and returns its location.
func AddFileToS3(uploader Uploader, bucket string, buffer *bytes.Buffer, key string) (string, error) {
	output, err := uploader.Upload(&s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buffer.Bytes()),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed uploading %s", key)
	}

	return output.Location, nil
}
