package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

const testSDL = `
type Query { hello: String }
type Post { id: ID! title: String }
type Subscription { postAdded(author: String!): Post }
`

func writeProject(t *testing.T, yaml string) (dir string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.graphql"), []byte(testSDL), 0o600))
	yaml = strings.ReplaceAll(yaml, "$DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "graphsub.yaml"), []byte(yaml), 0o600))
	return dir
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestHelp(t *testing.T) {
	out, _, err := runCmd(t, "help", "serve")
	require.NoError(t, err)
	require.Contains(t, out, "serve FLAGS")

	out, _, err = runCmd(t, "help")
	require.NoError(t, err)
	require.Contains(t, out, "COMMANDS")

	_, _, err = runCmd(t, "help", "nope")
	require.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, err := runCmd(t, "frobnicate")
	require.ErrorContains(t, err, `unknown command "frobnicate"`)
	require.Contains(t, stderr, "USAGE")

	_, _, err = runCmd(t)
	require.ErrorContains(t, err, "missing command")
}

func TestCheck(t *testing.T) {
	dir := writeProject(t, `
schema:
  path: $DIR/schema.graphql
bindings:
  - field: postAdded
    topic: posts.{author}
`)
	cfg := filepath.Join(dir, "graphsub.yaml")

	out, _, err := runCmd(t, "check", "-config", cfg)
	require.NoError(t, err)
	require.Contains(t, out, "1 bindings")
	require.Contains(t, out, "postAdded -> posts.{author}")
	require.NotContains(t, out, "type Subscription")

	out, _, err = runCmd(t, "check", "-config", cfg, "-print")
	require.NoError(t, err)
	require.Contains(t, out, "type Subscription {")
	require.Contains(t, out, "postAdded(author: String!): Post")

	_, _, err = runCmd(t, "check", "-config", cfg, "-bind", "postAdded=posts.{room}")
	require.ErrorContains(t, err, `unknown argument "room"`)

	_, _, err = runCmd(t, "check", "-config", cfg, "-bind", "nonsense")
	require.ErrorContains(t, err, "want field=topic")

	_, _, err = runCmd(t, "check", "-config", cfg, "-schema.path", filepath.Join(dir, "missing.graphql"))
	require.ErrorContains(t, err, "read schema")
}

func TestPublish(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b := new(bytes.Buffer)
		_, _ = b.ReadFrom(r.Body)
		gotBody = b.String()
		if strings.HasSuffix(r.URL.Path, "/bad") {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"publish", "-url", srv.URL, "-topic", "posts"}, strings.NewReader(`{"id":"1"}`), &stdout, new(bytes.Buffer))
	require.NoError(t, err)
	require.Equal(t, "/publish/posts", gotPath)
	require.Equal(t, `{"id":"1"}`, gotBody)
	require.Contains(t, stdout.String(), "published 10 bytes to posts")

	_, _, err = runCmd(t, "publish", "-url", srv.URL, "-topic", "bad", "-data", "1")
	require.ErrorContains(t, err, "502")

	_, _, err = runCmd(t, "publish", "-url", srv.URL)
	require.ErrorContains(t, err, "-topic is required")
}

func TestServe(t *testing.T) {
	dir := writeProject(t, `
server:
  addr: 127.0.0.1:0
schema:
  path: $DIR/schema.graphql
log:
  level: error
`)
	addrc := make(chan string, 1)
	onListen = func(addr string) { addrc <- addr }
	t.Cleanup(func() { onListen = nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, []string{"serve", "-config", filepath.Join(dir, "graphsub.yaml"), "-bind", "postAdded=posts.{author}"},
			strings.NewReader(""), new(bytes.Buffer), new(bytes.Buffer))
	}()

	var addr string
	select {
	case addr = <-addrc:
	case err := <-errc:
		t.Fatalf("serve exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr

	resp, err := http.Post(base+"/graphql", "application/json", strings.NewReader(`{"query":"{ hello }"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/graphql", "application/json",
		strings.NewReader(`{"query":"{ __schema { subscriptionType { name } } }"}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{"__schema":{"subscriptionType":{"name":"Subscription"}}}}`, string(body))

	dialCtx, dialCancel := context.WithTimeout(ctx, time.Second)
	defer dialCancel()
	conn, _, _, err := ws.Dialer{Protocols: []string{"graphql-transport-ws"}}.Dial(dialCtx, "ws://"+addr+"/graphql")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"connection_init"}`)))
	ack, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"connection_ack"}`, string(ack))
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"id":"1","type":"subscribe","payload":{"query":"subscription { postAdded(author: \"ann\") { title } }"}}`)))

	next := make(chan []byte, 1)
	go func() {
		b, err := wsutil.ReadServerText(conn)
		if err == nil {
			next <- b
		}
	}()
	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		// Events published before the subscription is registered are dropped.
		_, _, err := runCmd(t, "publish", "-url", base, "-topic", "posts.ann", "-data", `{"title":"hi"}`)
		require.NoError(t, err)
		select {
		case got = <-next:
		case <-time.After(50 * time.Millisecond):
		}
	}
	require.JSONEq(t, `{"id":"1","type":"next","payload":{"data":{"postAdded":{"title":"hi"}}}}`, string(got))

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
