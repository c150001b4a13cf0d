package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftlabs/faucet/pkg/metrics"
)

// snapshotFile is the durable layout: one JSON document holding the claim
// mapping, the ordered queue of tickets, and the used-address set. The
// layout must round-trip losslessly.
type snapshotFile struct {
	Claims        map[string]Claim `json:"claims"`
	Queue         []string         `json:"queue"`
	UsedAddresses map[string]bool  `json:"usedAddresses"`
}

// Load restores state from the snapshot at path. A missing file yields
// empty state; an unreadable or corrupt file is an error, since continuing
// without the durable state risks double payouts.
func Load(cfg Config, path string) (*State, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("state: no snapshot found, starting empty", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}

	if f.Claims != nil {
		s.claims = f.Claims
	}
	if f.UsedAddresses != nil {
		s.used = f.UsedAddresses
	}
	for _, tkt := range f.Queue {
		if _, ok := s.queued[tkt]; ok {
			continue
		}
		s.queue = append(s.queue, tkt)
		s.queued[tkt] = struct{}{}
	}
	metrics.QueueDepth.Set(float64(len(s.queue)))

	s.log.Info("state: restored snapshot",
		"path", path,
		"claims", len(s.claims),
		"queued", len(s.queue),
		"used_addresses", len(s.used))
	return s, nil
}

// Snapshot serializes the claim store, dispatch queue, and used-address
// set as one atomic unit: written to a temp file in the same directory,
// then renamed over path.
func (s *State) Snapshot(path string) error {
	start := time.Now()

	s.mu.Lock()
	f := snapshotFile{
		Claims:        make(map[string]Claim, len(s.claims)),
		Queue:         append([]string(nil), s.queue...),
		UsedAddresses: make(map[string]bool, len(s.used)),
	}
	for k, v := range s.claims {
		f.Claims[k] = v
	}
	for k, v := range s.used {
		f.UsedAddresses[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.log.Debug("state: snapshot written", "path", path, "bytes", len(data), "duration", time.Since(start).String())
	return nil
}
