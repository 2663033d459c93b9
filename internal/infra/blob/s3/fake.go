package s3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const metaHeaderPrefix = "X-Amz-Meta-"

// NewFake returns a Store talking to an in-process HTTP transport that
// answers the subset of the S3 API the store uses. It never touches the
// network.
func NewFake(bucket string) *Store {
	rt := &fakeTransport{bucket: bucket, objects: make(map[string]fakeObject)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIDFAKE", "fake-secret", "")),
	)
	if err != nil {
		cfg = aws.Config{Region: "us-east-1", Credentials: credentials.NewStaticCredentialsProvider("AKIDFAKE", "fake-secret", "")}
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://fake-s3.local")
	})
	return newStore(client, bucket, "")
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

type fakeTransport struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
}

func (t *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	path := strings.TrimPrefix(req.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != t.bucket {
		return errorResponse(req, http.StatusNotFound, "NoSuchBucket"), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case req.Method == http.MethodGet && key == "" && req.URL.Query().Get("list-type") == "2":
		return t.list(req)
	case req.Method == http.MethodPut:
		body, err := readBody(req)
		if err != nil {
			return nil, err
		}
		md := make(map[string]string)
		for name, values := range req.Header {
			if strings.HasPrefix(name, metaHeaderPrefix) && len(values) > 0 {
				md[strings.ToLower(strings.TrimPrefix(name, metaHeaderPrefix))] = values[0]
			}
		}
		t.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md, modified: time.Now().UTC()}
		return response(req, http.StatusOK, http.Header{"Etag": {etag(body)}}, nil), nil
	case req.Method == http.MethodHead || req.Method == http.MethodGet:
		obj, ok := t.objects[key]
		if !ok {
			return errorResponse(req, http.StatusNotFound, "NoSuchKey"), nil
		}
		header := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {etag(obj.body)},
			"Last-Modified":  {obj.modified.Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			header.Set(metaHeaderPrefix+k, v)
		}
		if req.Method == http.MethodHead {
			return response(req, http.StatusOK, header, nil), nil
		}
		return response(req, http.StatusOK, header, bytes.Clone(obj.body)), nil
	case req.Method == http.MethodDelete:
		delete(t.objects, key)
		return response(req, http.StatusNoContent, http.Header{}, nil), nil
	}
	return errorResponse(req, http.StatusNotImplemented, "NotImplemented"), nil
}

func (t *fakeTransport) list(req *http.Request) (*http.Response, error) {
	prefix := req.URL.Query().Get("prefix")
	result := listResult{Name: t.bucket, Prefix: prefix}
	keys := make([]string, 0, len(t.objects))
	for k := range t.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		obj := t.objects[k]
		result.Contents = append(result.Contents, listContent{
			Key:          k,
			Size:         len(obj.body),
			ETag:         etag(obj.body),
			LastModified: obj.modified.Format(time.RFC3339),
		})
	}
	result.KeyCount = len(result.Contents)
	raw, err := xml.Marshal(result)
	if err != nil {
		return nil, err
	}
	return response(req, http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, raw), nil
}

// readBody returns the payload, decoding aws-chunked framing when the SDK
// streams the body with a trailing checksum.
func readBody(req *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
		return raw, nil
	}
	var out bytes.Buffer
	r := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", sizeField, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
		if _, err := r.Discard(2); err != nil {
			return nil, fmt.Errorf("read chunk terminator: %w", err)
		}
	}
}

func etag(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func response(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func errorResponse(req *http.Request, status int, code string) *http.Response {
	if req.Method == http.MethodHead {
		return response(req, status, http.Header{}, nil)
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
	return response(req, status, http.Header{"Content-Type": {"application/xml"}}, []byte(body))
}
