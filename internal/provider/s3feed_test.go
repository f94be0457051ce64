package provider

import (
	"errors"
	"net/http"
	"testing"

	awshttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"

	"conversion-relay/internal/models"
)

func TestFeedObjectKeyLayout(t *testing.T) {
	key := FeedObjectKey(sampleRow(), "cr_CID123_abc")
	assert.Equal(t, "feeds/adnet/2026/05/02/cr_CID123_abc.json", key)
}

func awsStatusErr(code int) error {
	return &awshttp.ResponseError{
		Response: &awshttp.Response{Response: &http.Response{StatusCode: code}},
		Err:      errors.New("s3 request failed"),
	}
}

func TestClassifyAWS(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		wantStatus   string
		wantCategory string
		wantCode     string
	}{
		{"forbidden", awsStatusErr(403), StatusRetryableFailure, models.CategoryAuth, "FEED_AUTH"},
		{"bad request", awsStatusErr(400), StatusPermanentFailure, models.CategoryValidation, "FEED_BAD_REQUEST"},
		{"throttled", awsStatusErr(429), StatusRetryableFailure, models.CategoryTransient, "FEED_UNAVAILABLE"},
		{"server error", awsStatusErr(503), StatusRetryableFailure, models.CategoryTransient, "FEED_UNAVAILABLE"},
		{"network", errors.New("dial tcp: connection refused"), StatusRetryableFailure, models.CategoryTransient, "FEED_TRANSPORT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := classifyAWS(tc.err)
			assert.Equal(t, tc.wantStatus, res.Status)
			assert.Equal(t, tc.wantCategory, res.ErrorCategory)
			assert.Equal(t, tc.wantCode, res.ErrorCode)
		})
	}
}
