// Package integration exercises a real multi-process-shaped cluster over
// real TCP: a bootstrap service and two shard services wired exactly as
// cmd/bootstrap and cmd/shard would wire them, driven through rpcclient the
// way pyshard (the CLI) and external callers would. Grounded on torua's
// test/integration/distributed_storage_test.go, adapted from subprocess
// binaries to in-process servers so the suite runs without a prior build.
package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/pyshard/internal/bootstrap"
	"github.com/dreamware/pyshard/internal/bucket"
	"github.com/dreamware/pyshard/internal/config"
	"github.com/dreamware/pyshard/internal/dispatch"
	"github.com/dreamware/pyshard/internal/rpcclient"
	"github.com/dreamware/pyshard/internal/shardcore"
	"github.com/dreamware/pyshard/internal/shardservice"
	"github.com/dreamware/pyshard/internal/store"
)

// testShard is one running shard process plus its service handle, letting
// tests reach past the wire when a scenario needs to inspect engine state.
type testShard struct {
	addr string
	svc  *shardservice.Service
}

func startTestShard(t *testing.T, maxSize int) testShard {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	st := store.New("")
	require.NoError(t, st.Open())
	engine := shardcore.New(st, 0.0, 1.0, maxSize, shardcore.DefaultBinsNum)
	svc := shardservice.New(engine, false, 1024)

	srv := dispatch.NewServer(addr, dispatch.Options{BufferSize: 64})
	srv.SetLockedFunc(svc.Locked)
	svc.Register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(func() {
		cancel()
		st.Close()
	})

	waitForDial(t, addr)
	return testShard{addr: addr, svc: svc}
}

func waitForDial(t *testing.T, addr string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}

// startTestCluster runs two shards plus a bootstrap fronting them, each
// owning half the hash range, and returns the bootstrap's listen address.
func startTestCluster(t *testing.T) (string, []testShard) {
	t.Helper()

	shardA := startTestShard(t, 1<<20)
	shardB := startTestShard(t, 1<<20)

	hostA, portA := splitAddr(t, shardA.addr)
	hostB, portB := splitAddr(t, shardB.addr)

	start0, end0 := 0.0, 0.5
	start1, end1 := 0.5, 1.0

	cfg := &config.ClusterConfig{
		Bootstrap: config.Addr{Host: "127.0.0.1", Port: 0},
		Shards: []config.ShardEntry{
			{Addr: config.Addr{Host: hostA, Port: portA}, Name: "shard-0", Start: &start0, End: &end0},
			{Addr: config.Addr{Host: hostB, Port: portB}, Name: "shard-1", Start: &start1, End: &end1},
		},
	}

	bootSvc, err := bootstrap.Run(cfg, 1024, "")
	require.NoError(t, err)
	t.Cleanup(bootSvc.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bootAddr := ln.Addr().String()
	ln.Close()

	srv := dispatch.NewServer(bootAddr, dispatch.Options{BufferSize: 64})
	bootSvc.Register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(cancel)

	waitForDial(t, bootAddr)
	return bootAddr, []testShard{shardA, shardB}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	port := 0
	for _, r := range portStr {
		if r < '0' || r > '9' {
			break
		}
		port = port*10 + int(r-'0')
	}
	return host, port
}

func TestClusterWriteReadAcrossShards(t *testing.T) {
	bootAddr, _ := startTestCluster(t)

	boot, err := rpcclient.DialBootstrap(bootAddr, 1024)
	require.NoError(t, err)
	defer boot.Close()

	require.NoError(t, boot.CreateIndex("docs"))

	// "mid-key" hashes into the lower half of [0, 1) and the other three
	// keys into the upper half, so routing exercises both shards.
	keys := []string{"alpha", "zulu", "mid-key", "another-key"}
	shardClients := map[string]*rpcclient.ShardClient{}
	t.Cleanup(func() {
		for _, c := range shardClients {
			c.Close()
		}
	})

	for _, key := range keys {
		_, addr, err := boot.GetShard("docs", key)
		require.NoError(t, err)

		c, ok := shardClients[addr]
		if !ok {
			c, err = rpcclient.DialShard(addr, 1024)
			require.NoError(t, err)
			shardClients[addr] = c
		}

		hash := bucket.Hash(bucket.CompositeKey("docs", key))
		n, err := c.Write("docs", key, hash, map[string]any{"value": key})
		require.NoError(t, err)
		// Write returns the estimated size: the sum of the map's string values.
		require.Equal(t, float64(len(key)), n)

		rec, found, err := c.Read("docs", key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, hash, rec.Hash)
	}
}

func TestClusterDuplicateWriteDoesNotOverwrite(t *testing.T) {
	shard := startTestShard(t, 1<<20)
	require.False(t, shard.svc.Locked())

	c, err := rpcclient.DialShard(shard.addr, 1024)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CreateIndex("docs"))

	hash := bucket.Hash(bucket.CompositeKey("docs", "k"))
	n, err := c.Write("docs", "k", hash, "first")
	require.NoError(t, err)
	require.Equal(t, float64(len("first")), n)

	n, err = c.Write("docs", "k", hash, "second")
	require.NoError(t, err)
	require.Equal(t, float64(0), n)

	rec, found, err := c.Read("docs", "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", rec.Payload)
}

func TestClusterOutOfMemoryRejectsWrite(t *testing.T) {
	shard := startTestShard(t, 8)

	c, err := rpcclient.DialShard(shard.addr, 1024)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CreateIndex("docs"))

	hash := bucket.Hash(bucket.CompositeKey("docs", "k"))
	_, err = c.Write("docs", "k", hash, "a payload long enough to exceed the tiny byte budget")
	require.Error(t, err)
}

func TestClusterLockBlocksWritesButNotMasterOps(t *testing.T) {
	shard := startTestShard(t, 1<<20)

	c, err := rpcclient.DialShard(shard.addr, 1024)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CreateIndex("docs"))
	// lock_shard, set_start and release_shard are master-only.
	require.NoError(t, c.ChangeRole(c.LocalAddr().String(), dispatch.MasterGroup, ""))
	require.NoError(t, c.LockShard())

	hash := bucket.Hash(bucket.CompositeKey("docs", "k"))
	_, err = c.Write("docs", "k", hash, "v")
	require.Error(t, err)

	// set_start has RequiresUnlocked=false: master-only operations must
	// keep working precisely while the shard is locked.
	require.NoError(t, c.SetStart(0.0))

	require.NoError(t, c.ReleaseShard())
	_, err = c.Write("docs", "k", hash, "v")
	require.NoError(t, err)
}

func TestClusterTopologyMatchesConfiguredRanges(t *testing.T) {
	bootAddr, shards := startTestCluster(t)

	boot, err := rpcclient.DialBootstrap(bootAddr, 1024)
	require.NoError(t, err)
	defer boot.Close()

	topology, err := boot.GetMap()
	require.NoError(t, err)
	require.Len(t, topology, 2)
	require.Equal(t, shards[0].addr, topology[0.0])
	require.Equal(t, shards[1].addr, topology[0.5])
}

func TestClusterRelocationMovesKeyBetweenShards(t *testing.T) {
	source := startTestShard(t, 1<<20)
	dest := startTestShard(t, 1<<20)

	sourceClient, err := rpcclient.DialShard(source.addr, 1024)
	require.NoError(t, err)
	defer sourceClient.Close()

	destClient, err := rpcclient.DialShard(dest.addr, 1024)
	require.NoError(t, err)
	defer destClient.Close()

	require.NoError(t, sourceClient.CreateIndex("docs"))
	require.NoError(t, destClient.CreateIndex("docs"))

	hash := bucket.Hash(bucket.CompositeKey("docs", "movable"))
	_, err = sourceClient.Write("docs", "movable", hash, "payload")
	require.NoError(t, err)

	sourceHost, sourcePort := splitAddr(t, source.addr)
	require.NoError(t, destClient.OpenPipe(sourceHost, sourcePort))
	defer destClient.ClosePipe()

	// addr is validated against the pipe's peer (source), per reloc's
	// sanity check, not against the caller's own address.
	err = destClient.Reloc("docs", "movable", []any{sourceHost, float64(sourcePort)})
	require.NoError(t, err)

	_, found, err := sourceClient.Read("docs", "movable")
	require.NoError(t, err)
	require.False(t, found)

	rec, found, err := destClient.Read("docs", "movable")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "payload", rec.Payload)
}
