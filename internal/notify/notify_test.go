package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDispatch_signsAndDelivers(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(body, "s3cret", r.Header.Get(SignatureHeader)) {
			t.Errorf("bad signature %q", r.Header.Get(SignatureHeader))
		}
		got.Store(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New([]Target{{URL: srv.URL, Secret: "s3cret"}}, zap.NewNop())
	n.Dispatch(context.Background(), EventConfirmed, map[string]string{"record_id": "r1"})
	n.Wait()

	raw, ok := got.Load().([]byte)
	if !ok {
		t.Fatal("no delivery received")
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventConfirmed || ev.Payload["record_id"] != "r1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDispatch_filtersByEvent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := New([]Target{{URL: srv.URL, Events: []string{EventAttentionRequired}}}, zap.NewNop())
	n.Dispatch(context.Background(), EventConfirmed, nil)
	n.Dispatch(context.Background(), EventAttentionRequired, nil)
	n.Wait()

	if hits.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", hits.Load())
	}
}

func TestDeliver_retriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var outcomes []bool
	n := New([]Target{{URL: srv.URL}}, zap.NewNop())
	n.delays = []time.Duration{time.Millisecond, time.Millisecond}
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	n.Dispatch(context.Background(), EventConfirmed, nil)
	n.Wait()

	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
	if len(outcomes) != 3 || !outcomes[2] {
		t.Errorf("metrics outcomes: %v", outcomes)
	}
}

func TestDispatch_nilNotifier(t *testing.T) {
	var n *Notifier
	n.Dispatch(context.Background(), EventConfirmed, nil)
	n.Wait()
}
