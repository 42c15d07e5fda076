package bootstrap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/pyshard/internal/config"
	"github.com/dreamware/pyshard/internal/dispatch"
	"github.com/dreamware/pyshard/internal/shardcore"
	"github.com/dreamware/pyshard/internal/shardservice"
	"github.com/dreamware/pyshard/internal/store"
)

// startShard runs a real shardservice-backed dispatcher on an ephemeral
// port, returning its address and a cancel func.
func startShard(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	st := store.New("")
	engine := shardcore.New(st, 0.0, 1.0, 1<<20, shardcore.DefaultBinsNum)
	svc := shardservice.New(engine, false, 1024)

	srv := dispatch.NewServer(addr, dispatch.Options{BufferSize: 16})
	svc.Register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(cancel)

	waitDial(t, addr)
	return addr
}

func waitDial(t *testing.T, addr string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}

func addrParts(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", 0
	}
	var port int
	fscan(portStr, &port)
	return host, port
}

func fscan(s string, port *int) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return
		}
		*port = (*port)*10 + int(r-'0')
	}
}

func TestRunProgramsSortedShards(t *testing.T) {
	addrA := startShard(t)
	addrB := startShard(t)

	hostA, portA := addrParts(addrA)
	hostB, portB := addrParts(addrB)

	start0, end0 := 0.0, 0.5
	start1, end1 := 0.5, 1.0

	cfg := &config.ClusterConfig{
		Bootstrap: config.Addr{Host: "127.0.0.1", Port: 9000},
		Shards: []config.ShardEntry{
			{Addr: config.Addr{Host: hostA, Port: portA}, Name: "shard-0", Start: &start0, End: &end0},
			{Addr: config.Addr{Host: hostB, Port: portB}, Name: "shard-1", Start: &start1, End: &end1},
		},
	}

	svc, err := Run(cfg, 1024, "")
	require.NoError(t, err)
	defer svc.Close()

	topology := svc.master.GetMap()
	require.Len(t, topology, 2)
	require.Equal(t, addrA, topology[0.0])
	require.Equal(t, addrB, topology[0.5])
}

func TestRunRejectsUnmarkedCluster(t *testing.T) {
	cfg := &config.ClusterConfig{
		Bootstrap: config.Addr{Host: "127.0.0.1", Port: 9000},
		Shards: []config.ShardEntry{
			{Addr: config.Addr{Host: "127.0.0.1", Port: 1}, Name: "shard-0"},
			{Addr: config.Addr{Host: "127.0.0.1", Port: 2}, Name: "shard-1"},
		},
	}

	_, err := Run(cfg, 1024, "")
	require.ErrorIs(t, err, ErrUnmarkedClusterDeferred)
}
