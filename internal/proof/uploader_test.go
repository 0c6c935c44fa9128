package proof

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeProofAPI struct {
	deliveryID int64
	filename   string
	body       []byte
	err        error
}

func (f *fakeProofAPI) UploadProof(ctx context.Context, deliveryID int64, filename string, content io.Reader) (string, error) {
	f.deliveryID = deliveryID
	f.filename = filename
	f.body, _ = io.ReadAll(content)
	if f.err != nil {
		return "", f.err
	}
	return "https://api.example.com/proofs/21.jpg", nil
}

func TestAPIUploader(t *testing.T) {
	api := &fakeProofAPI{}
	url, err := NewAPIUploader(api).Upload(context.Background(), 21, &Photo{Data: []byte("jpeg")})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/proofs/21.jpg", url)
	assert.Equal(t, int64(21), api.deliveryID)
	assert.Equal(t, "delivery-21.jpg", api.filename)
	assert.Equal(t, []byte("jpeg"), api.body)

	api.err = errors.New("413 payload too large")
	_, err = NewAPIUploader(api).Upload(context.Background(), 21, &Photo{Data: []byte("jpeg")})
	assert.Error(t, err)
}

func TestS3Uploader(t *testing.T) {
	var method, path, contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader, err := NewS3Uploader(context.Background(), S3Config{
		Endpoint:      server.URL,
		Bucket:        "proofs",
		AccessKey:     "test",
		SecretKey:     "test-secret",
		UsePathStyle:  true,
		PublicBaseURL: "https://cdn.example.com/proofs/",
	}, newTestLogger())
	require.NoError(t, err)

	url, err := uploader.Upload(context.Background(), 21, &Photo{Data: []byte("jpeg-bytes")})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/proofs/deliveries/21/"), path)
	assert.True(t, strings.HasSuffix(path, ".jpg"), path)
	assert.Equal(t, "image/jpeg", contentType)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/proofs/deliveries/21/"), url)
}

func TestS3UploaderRequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(context.Background(), S3Config{}, newTestLogger())
	assert.Error(t, err)
}
