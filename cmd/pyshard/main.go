// Command pyshard is the cluster's command-line front door (§6 CLI
// surface): `write` bulk-inserts key|value lines from standard input,
// `cat` streams an index's key|JSON(record) lines to standard output.
// Grounded on cuemby-warren's cmd/warren/main.go cobra rootCmd layout.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/pyshard/internal/bucket"
	"github.com/dreamware/pyshard/internal/rpcclient"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pyshard",
	Short: "Command-line client for a pyshard cluster",
}

func init() {
	rootCmd.PersistentFlags().String("bootstrap", "127.0.0.1:9000", "Bootstrap service address")
	rootCmd.PersistentFlags().Int("buffer-size", 1024, "Frame buffer size for client connections")
	rootCmd.AddCommand(writeCmd, catCmd)

	writeCmd.Flags().Bool("force", false, "Auto-create the index if it does not exist")
}

var writeCmd = &cobra.Command{
	Use:   "write <index>",
	Short: "Bulk-insert key|value lines from standard input",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index := args[0]
		bootstrapAddr, _ := cmd.Flags().GetString("bootstrap")
		bufferSize, _ := cmd.Flags().GetInt("buffer-size")
		force, _ := cmd.Flags().GetBool("force")

		boot, err := rpcclient.DialBootstrap(bootstrapAddr, bufferSize)
		if err != nil {
			return fmt.Errorf("connect to bootstrap: %w", err)
		}
		defer boot.Close()

		shards := newShardPool(bufferSize)
		defer shards.closeAll()

		if force {
			if err := autoCreateIndex(boot, shards, index); err != nil {
				return err
			}
		}

		scanner := bufio.NewScanner(os.Stdin)
		count := 0
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			key, value, ok := strings.Cut(line, "|")
			if !ok {
				return fmt.Errorf("malformed line (expected key|value): %q", line)
			}

			_, addr, err := boot.GetShard(index, key)
			if err != nil {
				return fmt.Errorf("get_shard(%s, %s): %w", index, key, err)
			}
			shard, err := shards.get(addr)
			if err != nil {
				return fmt.Errorf("connect to shard %s: %w", addr, err)
			}

			var payload any = value
			hash := bucket.Hash(bucket.CompositeKey(index, key))
			if _, err := shard.Write(index, key, hash, payload); err != nil {
				return fmt.Errorf("write(%s, %s): %w", index, key, err)
			}
			count++
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}

		fmt.Fprintf(os.Stderr, "wrote %d records to %s\n", count, index)
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <index>",
	Short: "Stream key|JSON(record) lines for an index to standard output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index := args[0]
		bootstrapAddr, _ := cmd.Flags().GetString("bootstrap")
		bufferSize, _ := cmd.Flags().GetInt("buffer-size")

		boot, err := rpcclient.DialBootstrap(bootstrapAddr, bufferSize)
		if err != nil {
			return fmt.Errorf("connect to bootstrap: %w", err)
		}
		defer boot.Close()

		topology, err := boot.GetMap()
		if err != nil {
			return fmt.Errorf("get_map: %w", err)
		}

		shards := newShardPool(bufferSize)
		defer shards.closeAll()

		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()

		for _, addr := range topology {
			shard, err := shards.get(addr)
			if err != nil {
				return fmt.Errorf("connect to shard %s: %w", addr, err)
			}
			keys, err := shard.Keys(index)
			if err != nil {
				return fmt.Errorf("keys(%s) on %s: %w", index, addr, err)
			}
			for _, key := range keys {
				rec, ok, err := shard.Read(index, key)
				if err != nil {
					return fmt.Errorf("read(%s, %s) on %s: %w", index, key, addr, err)
				}
				if !ok {
					continue
				}
				payload, err := json.Marshal(rec.Payload)
				if err != nil {
					return fmt.Errorf("marshal record for %s: %w", key, err)
				}
				fmt.Fprintf(out, "%s|%s\n", key, payload)
			}
		}
		return nil
	},
}

// autoCreateIndex creates index on every shard, warning instead of failing
// when a shard already has it, matching --force's documented behavior.
func autoCreateIndex(boot *rpcclient.BootstrapClient, shards *shardPool, index string) error {
	topology, err := boot.GetMap()
	if err != nil {
		return fmt.Errorf("get_map: %w", err)
	}
	for _, addr := range topology {
		shard, err := shards.get(addr)
		if err != nil {
			return fmt.Errorf("connect to shard %s: %w", addr, err)
		}
		if err := shard.CreateIndex(index); err != nil {
			var ce *rpcclient.ClientError
			if errors.As(err, &ce) && strings.Contains(ce.Code(), "already exists") {
				fmt.Fprintf(os.Stderr, "warning: index %q already exists on %s\n", index, addr)
				continue
			}
			return fmt.Errorf("create_index(%s) on %s: %w", index, addr, err)
		}
	}
	return nil
}

// shardPool caches one ShardClient per address for the lifetime of a
// command invocation.
type shardPool struct {
	bufferSize int
	clients    map[string]*rpcclient.ShardClient
}

func newShardPool(bufferSize int) *shardPool {
	return &shardPool{bufferSize: bufferSize, clients: make(map[string]*rpcclient.ShardClient)}
}

func (p *shardPool) get(addr string) (*rpcclient.ShardClient, error) {
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := rpcclient.DialShard(addr, p.bufferSize)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

func (p *shardPool) closeAll() {
	for _, c := range p.clients {
		c.Close()
	}
}
