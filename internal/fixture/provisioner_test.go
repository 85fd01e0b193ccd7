package fixture

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/mrsinham/dicomconform/internal/forge"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFetchHTTPCachesArchive(t *testing.T) {
	archive := zipBytes(t, map[string]string{"Series 001/a.dcm": "A", "Series 001/b.dcm": "B"})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cache := t.TempDir()
	p := NewProvisioner(cache, nil)
	ds := Dataset{Name: "sample", URL: srv.URL + "/download?items=1", FileName: "sample.zip", SeriesUID: "1.2"}

	dir, err := p.Provision(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "sample"), dir)
	data, err := os.ReadFile(filepath.Join(dir, "Series 001", "b.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
	assert.FileExists(t, filepath.Join(cache, "sample.zip"))

	again, err := p.Provision(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchHTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewProvisioner(t.TempDir(), nil).Fetch(context.Background(), "missing", srv.URL+"/missing.zip")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "missing", fe.Name)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchCorruptArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a zip</html>"))
	}))
	defer srv.Close()

	cache := t.TempDir()
	_, err := NewProvisioner(cache, nil).Fetch(context.Background(), "corrupt", srv.URL)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.NoFileExists(t, filepath.Join(cache, "corrupt.zip"))
	assert.NoDirExists(t, filepath.Join(cache, "corrupt"))
}

func TestFetchRejectsZipSlip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(path, zipBytes(t, map[string]string{"../../evil.txt": "x"}), 0o644))

	cache := t.TempDir()
	_, err := NewProvisioner(cache, nil).Fetch(context.Background(), "evil", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the extraction directory")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(cache), "evil.txt"))
}

func TestFetchLocalDirectory(t *testing.T) {
	src := t.TempDir()
	dir, err := NewProvisioner(t.TempDir(), nil).Fetch(context.Background(), "local", "file://"+filepath.ToSlash(src))
	require.NoError(t, err)
	assert.Equal(t, src, dir)
}

func TestFetchInvalidName(t *testing.T) {
	_, err := NewProvisioner(t.TempDir(), nil).Fetch(context.Background(), "../up", "forge://mr-head")
	assert.ErrorContains(t, err, "invalid dataset name")
}

func TestFetchUnsupportedScheme(t *testing.T) {
	_, err := NewProvisioner(t.TempDir(), nil).Fetch(context.Background(), "ftp", "ftp://example.org/a.zip")
	assert.ErrorContains(t, err, `unsupported scheme "ftp"`)
}

// s3RoundTripper serves GetObject for path-style requests from memory.
type s3RoundTripper struct {
	objects map[string][]byte
	gets    atomic.Int32
}

func (m *s3RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	key := strings.TrimPrefix(req.URL.Path, "/")
	if req.Method != http.MethodGet {
		return &http.Response{StatusCode: http.StatusMethodNotAllowed, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	m.gets.Add(1)
	body, ok := m.objects[key]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)),
			Header:     http.Header{"Content-Type": {"application/xml"}},
		}, nil
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"application/zip"}},
	}, nil
}

func mockS3(t *testing.T, rt http.RoundTripper) *s3.Client {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
}

func TestFetchS3(t *testing.T) {
	rt := &s3RoundTripper{objects: map[string][]byte{
		"fixtures/mr.zip": zipBytes(t, map[string]string{"slice.dcm": "DICM"}),
	}}
	p := NewProvisioner(t.TempDir(), nil)
	p.S3 = mockS3(t, rt)

	dir, err := p.Fetch(context.Background(), "mr", "s3://fixtures/mr.zip")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "slice.dcm"))

	_, err = p.Fetch(context.Background(), "mr", "s3://fixtures/mr.zip")
	require.NoError(t, err)
	assert.Equal(t, int32(1), rt.gets.Load())

	_, err = p.Fetch(context.Background(), "absent", "s3://fixtures/absent.zip")
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)

	_, err = p.Fetch(context.Background(), "nokey", "s3://fixtures")
	assert.ErrorContains(t, err, "s3://bucket/key")
}

func TestFetchForgeProfile(t *testing.T) {
	p := NewProvisioner(t.TempDir(), nil)
	uri := ForgeURI("mouse-mr", 4)
	assert.Equal(t, "forge://mouse-mr?matrix=4", uri)

	dir, err := p.Fetch(context.Background(), "mouse", uri)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "Series 001 [MR - T2 RARE]"))
	require.NoError(t, err)
	assert.Len(t, entries, 20)
	assert.FileExists(t, filepath.Join(dir, completeMarker))

	_, err = p.Fetch(context.Background(), "bad", "forge://mr-head?matrix=zero")
	assert.ErrorContains(t, err, `invalid matrix "zero"`)
	_, err = p.Fetch(context.Background(), "unknown", "forge://pet-brain")
	assert.ErrorContains(t, err, "unknown profile")
}

func hasPrivateCreator(t *testing.T, dir string, group uint16) bool {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*", "*.dcm"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	ds, err := dicom.ParseFile(files[0], nil)
	require.NoError(t, err)
	_, err = ds.FindElementByTag(tag.Tag{Group: group, Element: 0x0010})
	return err == nil
}

func TestFetchForgeVendors(t *testing.T) {
	ctx := context.Background()
	p := NewProvisioner(t.TempDir(), nil)

	uri := ForgeURI("ct-chest", 4, vendor.GE, vendor.Philips)
	assert.Equal(t, "forge://ct-chest?matrix=4&vendors=ge%2Cphilips", uri)
	dir, err := p.Fetch(ctx, "chest-ge", uri)
	require.NoError(t, err)
	assert.True(t, hasPrivateCreator(t, dir, 0x0009), "GE private creator")
	assert.True(t, hasPrivateCreator(t, dir, 0x2001), "Philips private creator")
	assert.False(t, hasPrivateCreator(t, dir, 0x0029), "profile default replaced")

	// The profile default follows the scanner: the CT scanner is a Siemens.
	dir, err = p.Fetch(ctx, "chest", ForgeURI("ct-chest", 4))
	require.NoError(t, err)
	assert.True(t, hasPrivateCreator(t, dir, 0x0029), "Siemens CSA private creator")

	dir, err = p.Fetch(ctx, "chest-plain", "forge://ct-chest?matrix=4&vendors=none")
	require.NoError(t, err)
	assert.False(t, hasPrivateCreator(t, dir, 0x0029))

	_, err = p.Fetch(ctx, "chest-canon", "forge://ct-chest?matrix=4&vendors=canon")
	assert.ErrorContains(t, err, `unknown vendor "canon"`)
	_, err = p.Fetch(ctx, "mouse-siemens", "forge://mouse-mr?matrix=4&vendors=siemens")
	assert.ErrorContains(t, err, "explicit VR little endian")
}

func TestCheckoutAndRemoveFiles(t *testing.T) {
	ctx := context.Background()
	p := NewProvisioner(t.TempDir(), nil)
	ds := Dataset{Name: "head", URL: ForgeURI("mr-head", 4), SeriesUID: forge.MRHeadSeriesUID}

	dir, err := p.Checkout(ctx, ds, t.TempDir())
	require.NoError(t, err)
	seriesDir := filepath.Join(dir, forge.SeriesDirName(forge.MRHeadSeriesNumber, "MR", forge.MRHeadDescription))
	assert.NoFileExists(t, filepath.Join(dir, completeMarker))

	present := forge.MRHeadInstanceUID(90) + ".dcm"
	absent := "1.2.3.dcm"
	err = RemoveFiles(seriesDir, []string{present, absent})
	var fixtureErr *FixtureError
	require.ErrorAs(t, err, &fixtureErr)
	assert.Equal(t, []string{absent}, fixtureErr.Missing)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.FileExists(t, filepath.Join(seriesDir, present))

	require.NoError(t, RemoveFiles(seriesDir, []string{present}))
	assert.NoFileExists(t, filepath.Join(seriesDir, present))

	// Names may not leave the series directory.
	outside := filepath.Join(dir, "keep.dcm")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	other := forge.MRHeadInstanceUID(91) + ".dcm"
	for _, name := range []string{"../keep.dcm", "", ".", filepath.Join("..", filepath.Base(seriesDir), "..", "keep.dcm")} {
		err = RemoveFiles(seriesDir, []string{other, name})
		require.ErrorAs(t, err, &fixtureErr, name)
		assert.ErrorContains(t, err, "escapes the series directory")
		assert.FileExists(t, outside)
		assert.FileExists(t, filepath.Join(seriesDir, other))
	}

	// The cache is untouched.
	cached, err := p.Provision(ctx, ds)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cached, filepath.Base(seriesDir), present))
}
