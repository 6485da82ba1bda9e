package tilepack

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestProviderStatusCode(t *testing.T) {
	awsErr := &smithyHttp.ResponseError{
		Response: &smithyHttp.Response{Response: &http.Response{StatusCode: 403}},
		Err:      errors.New("access denied"),
	}
	assert.Equal(t, 403, providerStatusCode(fmt.Errorf("open: %w", awsErr)))
	assert.Equal(t, 404, providerStatusCode(&azcore.ResponseError{StatusCode: 404}))
	assert.Equal(t, 500, providerStatusCode(&googleapi.Error{Code: 500}))
	assert.Equal(t, 0, providerStatusCode(errors.New("plain")))
}
