package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/custody"
	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

type stubPutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (s *stubPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.in = in
	s.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func testRecord() *evidence.Record {
	return &evidence.Record{
		ID:     uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"),
		Digest: digest.Sum([]byte("bundle")),
		State:  evidence.StateConfirmed,
	}
}

func TestKey_layout(t *testing.T) {
	rec := testRecord()
	want := "evidence/custody/" + rec.Digest.Hex() + "/0f8fad5b-d9cb-469f-a165-70867728950e.json"
	if got := Key("evidence", rec); got != want {
		t.Errorf("Key: got %q, want %q", got, want)
	}
	if got := Key("", rec); got != want[len("evidence/"):] {
		t.Errorf("Key without prefix: got %q", got)
	}
}

func TestArchive_putsBundle(t *testing.T) {
	stub := &stubPutter{}
	a := NewS3Archiver(stub, "bucket", "", zap.NewNop())
	rec := testRecord()

	key, err := a.Archive(context.Background(), Bundle{
		Record:  rec,
		Journal: []*custody.Entry{{Index: 1, RecordID: rec.ID.String(), Action: custody.ActionConfirmed}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if *stub.in.Bucket != "bucket" || *stub.in.Key != key {
		t.Errorf("unexpected target %s/%s", *stub.in.Bucket, *stub.in.Key)
	}
	if stub.in.Metadata["digest"] != rec.Digest.Hex() {
		t.Errorf("digest metadata missing")
	}

	var got Bundle
	if err := json.Unmarshal(stub.body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Record.ID != rec.ID || len(got.Journal) != 1 || got.ArchivedAt.IsZero() {
		t.Errorf("bundle round trip: %+v", got)
	}
}

func TestArchive_propagatesError(t *testing.T) {
	a := NewS3Archiver(&stubPutter{err: errors.New("denied")}, "bucket", "", zap.NewNop())
	if _, err := a.Archive(context.Background(), Bundle{Record: testRecord()}); err == nil {
		t.Error("expected error")
	}
}
