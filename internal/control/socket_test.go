// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package control_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/control"
)

// shortSocketPath keeps the path under the Unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ph")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "control.sock")
}

func TestSocketServer_Session(t *testing.T) {
	factory, _ := newFactory(t)
	path := shortSocketPath(t)
	srv := control.NewSocketServer(control.New(factory), path)

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	assert.Equal(t, path, srv.Addr())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte(addLine("greeter", greeterLua) + "\n" + `{"id":"2","op":"plugins"}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	var first, second map[string]any
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &first))
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &second))

	assert.Equal(t, "add-greeter", first["id"])
	assert.Equal(t, []any{"greeter"}, second["result"])
}

func TestSocketServer_StartTwiceFails(t *testing.T) {
	factory, _ := newFactory(t)
	srv := control.NewSocketServer(control.New(factory), shortSocketPath(t))

	require.NoError(t, srv.Start(context.Background()))
	defer func() { _ = srv.Stop(context.Background()) }()

	assert.Error(t, srv.Start(context.Background()))
}

func TestSocketServer_StopClosesConnectionsAndRemovesSocket(t *testing.T) {
	factory, _ := newFactory(t)
	path := shortSocketPath(t)
	srv := control.NewSocketServer(control.New(factory), path)
	require.NoError(t, srv.Start(context.Background()))

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	// Round trip once so the server has tracked the connection.
	_, err = conn.Write([]byte(`{"op":"plugins"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = bufio.NewReader(conn).ReadBytes('\n')
	assert.Error(t, err, "connection is closed by Stop")

	assert.NoError(t, srv.Stop(ctx), "Stop is idempotent")
}

func TestSocketServer_StopWithoutStart(t *testing.T) {
	factory, _ := newFactory(t)
	srv := control.NewSocketServer(control.New(factory), shortSocketPath(t))
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	path, err := control.SocketPath("main")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/pluginhost/pluginhost-main.sock", path)
}
