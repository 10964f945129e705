package filestorage

import (
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

type AWSS3 struct {
	bucket   string
	uploader s3manageriface.UploaderAPI
	S3Client s3iface.S3API
}

func NewAWSS3(region string, bucket string) *AWSS3 {
	s3Session, err := session.NewSession(&aws.Config{
		Region: aws.String(region)})
	if err != nil {
		return nil
	}

	return &AWSS3{bucket: bucket,
		uploader: s3manager.NewUploader(s3Session),
		S3Client: s3.New(s3Session),
	}
}

// StoreFile uploads srcpath to the AWS S3 bucket under destpath, with
// metadata attached to the object.
func (b AWSS3) StoreFile(srcpath string, destpath string, metadata map[string]string) error {
	f, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = b.uploader.Upload(&s3manager.UploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(destpath),
		Body:     f,
		Metadata: aws.StringMap(metadata),
	})
	return err
}

// DeleteFile deletes filepath from the AWS S3 bucket
func (b AWSS3) DeleteFile(filepath string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(filepath),
	})
	if err != nil {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (b AWSS3) FileExists(filepath string) bool {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(filepath),
	})
	return err == nil
}
