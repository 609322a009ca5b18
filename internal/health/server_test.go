package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"

	"rtcsession/native/internal/session"
)

type staticStatus session.Status

func (s staticStatus) Status() session.Status { return session.Status(s) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	is := is.New(t)
	s := New(false, nil)

	rec := get(t, s.Handler(), "/health")
	is.Equal(rec.Code, http.StatusOK)

	var body map[string]string
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
	is.Equal(body["status"], "ok")
}

func TestSession(t *testing.T) {
	is := is.New(t)
	s := New(false, nil)

	rec := get(t, s.Handler(), "/session")
	is.Equal(rec.Code, http.StatusNotFound)

	s.SetSession(staticStatus{TraceID: "abc", RemotePeerID: 1, PipelineState: "PLAYING", Negotiated: true})
	rec = get(t, s.Handler(), "/session")
	is.Equal(rec.Code, http.StatusOK)

	var st session.Status
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &st))
	is.Equal(st.TraceID, "abc")
	is.Equal(st.PipelineState, "PLAYING")
	is.True(st.Negotiated)

	s.SetSession(nil)
	is.Equal(get(t, s.Handler(), "/session").Code, http.StatusNotFound)
}

func TestRun_StopsOnCancel(t *testing.T) {
	is := is.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(false, nil).Run(ctx, addr) }()

	var resp *http.Response
	for i := 0; i < 100; i++ {
		resp, err = http.Get("http://" + addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
