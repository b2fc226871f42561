package evidence

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	if in.Body != nil {
		b, _ := io.ReadAll(in.Body)
		f.body = string(b)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestUpload(t *testing.T) {
	put := &fakePutter{}
	s := NewStore(put, "evidence", "https://cdn.example.com/")
	s.newID = func() string { return "fixed" }

	url, err := s.Upload(context.Background(), "d-1", "../Screen shot.png", "image/png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if want := "https://cdn.example.com/disputes/d-1/fixed-Screen_shot.png"; url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
	if aws.ToString(put.in.Bucket) != "evidence" || aws.ToString(put.in.ContentType) != "image/png" {
		t.Fatalf("unexpected put input %+v", put.in)
	}
	if put.body != "png-bytes" {
		t.Fatalf("body = %q", put.body)
	}
}

func TestUpload_Errors(t *testing.T) {
	s := NewStore(&fakePutter{}, "b", "https://x")
	if _, err := s.Upload(context.Background(), "", "a.pdf", "", strings.NewReader("")); !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("expected ErrInvalidFile, got %v", err)
	}

	failing := NewStore(&fakePutter{err: errors.New("denied")}, "b", "https://x")
	if _, err := failing.Upload(context.Background(), "d", "a.pdf", "", strings.NewReader("x")); err == nil {
		t.Fatalf("expected put error")
	}
}
