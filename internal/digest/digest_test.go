package digest_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
)

func TestSum_deterministic(t *testing.T) {
	payloads := [][]byte{nil, {}, []byte("a"), []byte("detection frame 0042"), bytes.Repeat([]byte{0xff}, 4096)}
	for _, p := range payloads {
		if digest.Sum(p) != digest.Sum(p) {
			t.Fatalf("Sum not deterministic for %q", p)
		}
	}
}

func TestSum_knownVector(t *testing.T) {
	got := digest.Sum([]byte("abc")).Hex()
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Sum(abc) = %s, want %s", got, want)
	}
}

func TestSumReader_matchesSum(t *testing.T) {
	payload := []byte(strings.Repeat("evidence", 1000))
	d, err := digest.SumReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("SumReader: %v", err)
	}
	if d != digest.Sum(payload) {
		t.Error("SumReader and Sum disagree")
	}
}

func TestParse_roundTrip(t *testing.T) {
	d := digest.Sum([]byte("payload"))
	parsed, err := digest.Parse(strings.ToUpper(d.Hex()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != d {
		t.Error("parsed digest differs")
	}

	prefixed, err := digest.Parse("sha256:" + d.Hex())
	if err != nil || prefixed != d {
		t.Errorf("Parse with prefix: %v", err)
	}
}

func TestParse_rejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("a", 66)} {
		if _, err := digest.Parse(in); !errors.Is(err, digest.ErrInvalid) {
			t.Errorf("Parse(%q): expected ErrInvalid, got %v", in, err)
		}
	}
}

func TestDigest_JSON(t *testing.T) {
	d := digest.Sum([]byte("x"))
	b, err := json.Marshal(map[string]digest.Digest{"d": d})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), d.Hex()) {
		t.Errorf("expected hex in JSON, got %s", b)
	}
}
