package sshproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type fakeStore struct {
	tasks map[int64]*models.Task
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return t, nil
}

type fakeNodes struct {
	nodes map[string]*models.Node
}

func (f *fakeNodes) GetNode(hostname string) (*models.Node, bool) {
	n, ok := f.nodes[hostname]
	return n, ok
}

func startUpstream(t *testing.T) (addr string, received chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
		_, _ = conn.Write([]byte("upstream-ack"))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received
}

func startProxy(t *testing.T, store TaskStore, nodes NodeSource) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := New(store, nodes, zap.NewNop(), addr)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.ListenAndServe(ctx)
	time.Sleep(50 * time.Millisecond)
	return addr
}

func TestSSHProxy_SuccessSplicesToRunner(t *testing.T) {
	upstreamAddr, received := startUpstream(t)
	_, upstreamPort, err := net.SplitHostPort(upstreamAddr)
	require.NoError(t, err)
	var sshPort int
	fmt.Sscanf(upstreamPort, "%d", &sshPort)

	store := &fakeStore{tasks: map[int64]*models.Task{
		1: {ID: 1, Kind: models.TaskKindVPS, Status: models.StatusRunning, AssignedHost: "node1", SSHPort: sshPort},
	}}
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node1": {Hostname: "node1", URL: "http://127.0.0.1:9999", Status: "online"},
	}}

	addr := startProxy(t, store, nodes)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 1\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS\n", line)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received spliced data")
	}
}

func TestSSHProxy_RejectsTerminalTask(t *testing.T) {
	store := &fakeStore{tasks: map[int64]*models.Task{
		2: {ID: 2, Kind: models.TaskKindVPS, Status: models.StatusStopped, AssignedHost: "node1", SSHPort: 2222},
	}}
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node1": {Hostname: "node1", URL: "http://127.0.0.1:9999", Status: "online"},
	}}

	addr := startProxy(t, store, nodes)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 2\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "ERROR")
}

func TestSSHProxy_RejectsUnknownTask(t *testing.T) {
	store := &fakeStore{tasks: map[int64]*models.Task{}}
	nodes := &fakeNodes{nodes: map[string]*models.Node{}}

	addr := startProxy(t, store, nodes)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQUEST_TUNNEL 999\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "ERROR")
}

func TestSSHProxy_RejectsMalformedHandshake(t *testing.T) {
	addr := startProxy(t, &fakeStore{tasks: map[int64]*models.Task{}}, &fakeNodes{nodes: map[string]*models.Node{}})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GARBAGE\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "ERROR")
}
