// Package sshproxy implements the Host's SSH proxy (spec §4.9): a plain TCP
// listener on a side port that reads a one-line handshake naming a task id,
// validates the task, and splices the client socket to the Runner's mapped
// SSH port. Grounded on the teacher's "thin stdlib wrapper where no domain
// library exists" posture (DESIGN.md); bidirectional io.Copy splicing is
// the universal Go idiom for this, so no third-party proxy library applies.
package sshproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// TaskStore is the subset of internal/host/store.Store the proxy needs.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
}

// NodeSource resolves a Runner hostname to its reachable address.
type NodeSource interface {
	GetNode(hostname string) (*models.Node, bool)
}

// Proxy listens for `REQUEST_TUNNEL <task_id>\n` and splices to the
// matching Runner's SSH port (§4.9).
type Proxy struct {
	store  TaskStore
	nodes  NodeSource
	logger *zap.Logger
	addr   string

	listener net.Listener
}

// New constructs a Proxy bound to addr (e.g. ":8002").
func New(store TaskStore, nodes NodeSource, logger *zap.Logger, addr string) *Proxy {
	return &Proxy{store: store, nodes: nodes, logger: logger, addr: addr}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("sshproxy: listen %s: %w", p.addr, err)
	}
	p.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	p.logger.Info("ssh proxy listening", zap.String("addr", p.addr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				p.logger.Warn("ssh proxy accept error", zap.Error(err))
				continue
			}
		}
		go p.handle(ctx, conn)
	}
}

func (p *Proxy) handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		p.logger.Debug("ssh proxy handshake read failed", zap.Error(err))
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "REQUEST_TUNNEL" {
		p.reject(client, "malformed handshake")
		return
	}

	taskID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		p.reject(client, "malformed task id")
		return
	}

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		p.reject(client, "unknown task")
		return
	}
	if !task.IsVPS() {
		p.reject(client, "task is not a vps")
		return
	}
	if task.Status != models.StatusRunning && task.Status != models.StatusPaused {
		p.reject(client, fmt.Sprintf("task is %s, not running or paused", task.Status))
		return
	}
	if task.SSHPort == 0 {
		p.reject(client, "task has no recorded ssh port")
		return
	}

	node, ok := p.nodes.GetNode(task.AssignedHost)
	if !ok || node.Status != "online" {
		p.reject(client, "assigned node is not online")
		return
	}

	target := fmt.Sprintf("%s:%d", hostOnly(node.URL), task.SSHPort)
	upstream, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		p.reject(client, "runner unreachable")
		return
	}
	defer upstream.Close()

	if _, err := client.Write([]byte("SUCCESS\n")); err != nil {
		return
	}

	splice(client, upstream)
}

func (p *Proxy) reject(client net.Conn, reason string) {
	_, _ = client.Write([]byte(fmt.Sprintf("ERROR %s\n", reason)))
}

// splice copies bytes bidirectionally until either side closes, per §4.9's
// "splice the client socket to a TCP connection to the Runner".
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}

// hostOnly strips a scheme and port from a Node's registered URL, since the
// SSH proxy needs to dial the Runner's reachable host at a different
// (mapped SSH) port than the Runner's own HTTP API port.
func hostOnly(url string) string {
	s := url
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return s
}
