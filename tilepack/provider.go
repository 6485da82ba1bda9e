package tilepack

import (
	"errors"
	"strconv"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"gocloud.dev/blob"
	"google.golang.org/api/googleapi"
)

// providerStatusCode digs the HTTP status out of a cloud SDK error, or returns 0.
func providerStatusCode(err error) int {
	var awsV2Err *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error

	if errors.As(err, &awsV2Err) {
		return awsV2Err.HTTPStatusCode()
	} else if errors.As(err, &azureErr) {
		return azureErr.StatusCode
	} else if errors.As(err, &gcpErr) {
		return gcpErr.Code
	}
	return 0
}

// providerETag returns the object version reported by the bucket driver, or "".
func providerETag(reader *blob.Reader) string {
	var awsV2Resp s3.GetObjectOutput
	var azureResp azblob.DownloadStreamResponse
	var gcpResp *storage.Reader

	if reader.As(&awsV2Resp) {
		if awsV2Resp.ETag != nil {
			return *awsV2Resp.ETag
		}
	} else if reader.As(&azureResp) {
		if azureResp.ETag != nil {
			return string(*azureResp.ETag)
		}
	} else if reader.As(&gcpResp) {
		return strconv.FormatInt(gcpResp.Attrs.Generation, 10)
	}
	return ""
}
