package httpkit

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestUserAgentInjected(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(5 * time.Second))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(gotUA, "opsbridge/") {
		t.Errorf("User-Agent = %q, want opsbridge/*", gotUA)
	}
}

func TestUserAgentNotOverwritten(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if gotUA != "custom/1.0" {
		t.Errorf("User-Agent = %q, want caller's value kept", gotUA)
	}
}

func TestRetryOnConnectionRefused(t *testing.T) {
	// Reserve a port, then close the listener so the first dial is
	// refused. Start a real server on that port before the retry fires.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		ln2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		})}
		go srv.Serve(ln2)
	}()

	c := NewClient(WithRetry(5, 100*time.Millisecond), WithTimeout(5*time.Second))
	resp, err := c.Get("http://" + addr)
	if err != nil {
		t.Fatalf("Get after retries: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestIsRetryableError(t *testing.T) {
	if !isRetryableError(&net.OpError{Err: syscall.ECONNREFUSED}) {
		t.Error("ECONNREFUSED not retryable")
	}
	if !isRetryableError(syscall.EHOSTUNREACH) {
		t.Error("EHOSTUNREACH not retryable")
	}
	if isRetryableError(&net.OpError{Err: syscall.ECONNRESET}) {
		t.Error("ECONNRESET marked retryable; it can arrive after server processing")
	}
	if isRetryableError(errors.New("some other error")) {
		t.Error("generic error marked retryable")
	}
	if isRetryableError(nil) {
		t.Error("nil marked retryable")
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("backend exploded"))
	if got := ReadErrorBody(body, 1024); got != "backend exploded" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 1024); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}
