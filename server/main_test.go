package server

import (
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeDrainsRequestsOnShutdown(t *testing.T) {
	log.SetOutput(ioutil.Discard)

	addr := freeAddr(t)
	started := make(chan struct{})
	release := make(chan struct{})
	server := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-release
			w.WriteHeader(http.StatusNoContent)
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, 5*time.Second)
	}()

	codes := make(chan int, 1)
	go func() {
		for i := 0; i < 100; i++ {
			resp, err := http.Get("http://" + addr)
			if err == nil {
				resp.Body.Close()
				codes <- resp.StatusCode
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		codes <- 0
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}

	cancel()
	select {
	case err := <-done:
		t.Fatalf("serve returned before the request finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, http.StatusNoContent, <-codes)
	assert.NoError(t, <-done)
}

func TestServeReportsListenErrors(t *testing.T) {
	log.SetOutput(ioutil.Discard)

	server := &http.Server{Addr: "127.0.0.1:notaport", Handler: http.NotFoundHandler()}

	err := serve(context.Background(), server, time.Second)

	assert.Error(t, err)
}
