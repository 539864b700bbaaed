package artifacts

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	cases := map[string]string{
		"lfs.img":               "builds/b-1/lfs.img",
		"out/toolchain.tar.xz":  "builds/b-1/out/toolchain.tar.xz",
		"builds/b-1/lfs.img":    "builds/b-1/lfs.img",
		"/absolute/is/relative": "builds/b-1/absolute/is/relative",
	}
	for in, want := range cases {
		got, err := ObjectKey("b-1", in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "  ", "../b-2/lfs.img", "/"} {
		_, err := ObjectKey("b-1", bad)
		require.Error(t, err, bad)
	}
}

func TestS3LinkerPresignsWithStaticCredentials(t *testing.T) {
	linker, err := NewS3Linker(context.Background(), S3Config{
		Bucket:          "lfs-artifacts",
		Region:          "us-east-1",
		TTL:             time.Hour,
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	link, err := linker.Link(context.Background(), "b-1", "lfs.img")
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	require.Equal(t, "/lfs-artifacts/builds/b-1/lfs.img", u.Path)
	require.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	require.True(t, strings.HasPrefix(u.Query().Get("X-Amz-Credential"), "AKIDEXAMPLE/"))
}

func TestNewS3LinkerRequiresBucket(t *testing.T) {
	_, err := NewS3Linker(context.Background(), S3Config{})
	require.Error(t, err)
}
