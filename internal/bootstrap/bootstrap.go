// Package bootstrap implements the bootstrap service (C8): on startup it
// reads the cluster configuration, connects a privileged client to every
// shard, acquires the master role, programs each shard's range under a
// global lock, then answers topology queries by delegating to an in-process
// bucket.Master. Grounded on pyshard/master/master.py's _bootstrap/
// BootstrapServer.
package bootstrap

import (
	"errors"
	"fmt"

	"github.com/dreamware/pyshard/internal/bucket"
	"github.com/dreamware/pyshard/internal/config"
	"github.com/dreamware/pyshard/internal/rpcclient"
)

// ErrUnmarkedClusterDeferred is returned when the configuration omits
// start/end on every shard: auto-assigning ranges is deferred, matching the
// original's NotImplementedError for this path.
var ErrUnmarkedClusterDeferred = errors.New("bootstrap: auto-ranging an unmarked cluster is not implemented; mark every shard with start/end")

// Service holds the bootstrap's live connections to every shard plus the
// Master that answers topology queries.
type Service struct {
	shards []*rpcclient.ShardClient
	master *bucket.Master[*rpcclient.ShardClient]
}

// Run performs the full bootstrap sequence against cfg: connect to every
// shard, acquire master role, lock/program/release, and build the
// topology's Master. The lock/unlock bracket always releases, even if
// programming a shard fails partway through.
func Run(cfg *config.ClusterConfig, bufferSize int, masterToken string) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	sorted := cfg.SortedByStartOrNil()
	if sorted == nil {
		return nil, ErrUnmarkedClusterDeferred
	}

	shards := make([]*rpcclient.ShardClient, 0, len(sorted))
	for _, entry := range sorted {
		client, err := rpcclient.DialShardTimeout(entry.Addr.String(), bufferSize)
		if err != nil {
			closeAll(shards)
			return nil, fmt.Errorf("bootstrap: connect to shard %s: %w", entry.Name, err)
		}
		if masterToken != "" {
			if err := client.Authenticate(masterToken); err != nil {
				closeAll(shards)
				return nil, fmt.Errorf("bootstrap: authenticate to shard %s: %w", entry.Name, err)
			}
		}
		shards = append(shards, client)
	}

	if err := acquireMasterRole(shards, masterToken); err != nil {
		closeAll(shards)
		return nil, err
	}

	if err := programUnderLock(shards, sorted); err != nil {
		closeAll(shards)
		return nil, err
	}

	bins := make([]float64, len(sorted))
	for i, entry := range sorted {
		bins[i] = *entry.Start
	}

	master, err := bucket.NewMaster(bins, shards)
	if err != nil {
		closeAll(shards)
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &Service{shards: shards, master: master}, nil
}

func acquireMasterRole(shards []*rpcclient.ShardClient, token string) error {
	for _, c := range shards {
		if err := c.ChangeRole(c.LocalAddr().String(), "master", token); err != nil {
			return fmt.Errorf("bootstrap: acquire master role on %s: %w", c.Addr(), err)
		}
	}
	return nil
}

// programUnderLock locks every shard (in list order), programs range/name/
// size and recomputes the histogram on each, then releases every shard
// regardless of whether programming succeeded.
func programUnderLock(shards []*rpcclient.ShardClient, entries []config.ShardEntry) error {
	for _, c := range shards {
		if err := c.LockShard(); err != nil {
			return fmt.Errorf("bootstrap: lock %s: %w", c.Addr(), err)
		}
	}

	programErr := doProgram(shards, entries)

	var releaseErr error
	for _, c := range shards {
		if err := c.ReleaseShard(); err != nil && releaseErr == nil {
			releaseErr = fmt.Errorf("bootstrap: release %s: %w", c.Addr(), err)
		}
	}

	if programErr != nil {
		return programErr
	}
	return releaseErr
}

func doProgram(shards []*rpcclient.ShardClient, entries []config.ShardEntry) error {
	for i, c := range shards {
		entry := entries[i]
		if err := c.SetStart(*entry.Start); err != nil {
			return fmt.Errorf("bootstrap: set_start %s: %w", entry.Name, err)
		}
		if err := c.SetEnd(*entry.End); err != nil {
			return fmt.Errorf("bootstrap: set_end %s: %w", entry.Name, err)
		}
		if err := c.SetName(entry.Name); err != nil {
			return fmt.Errorf("bootstrap: set_name %s: %w", entry.Name, err)
		}
		if entry.Size > 0 {
			if err := c.SetMaxSize(entry.Size); err != nil {
				return fmt.Errorf("bootstrap: set_maxsize %s: %w", entry.Name, err)
			}
		}
		if err := c.UpdateDistr(); err != nil {
			return fmt.Errorf("bootstrap: update_distr %s: %w", entry.Name, err)
		}
	}
	return nil
}

func closeAll(shards []*rpcclient.ShardClient) {
	for _, c := range shards {
		c.Close()
	}
}

// Close tears down every shard connection.
func (s *Service) Close() {
	closeAll(s.shards)
}
