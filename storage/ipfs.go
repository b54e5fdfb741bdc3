package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/statemap"
)

// IPFSStore implements the object store against one IPFS API endpoint per
// geo region. Content is added through the primary region's node; pin and
// unpin operations go to the node of the requested region.
//
// IPFS addresses content by CID while the engine addresses it by sha256,
// so the store keeps its own id-to-CID mapping populated on Put.
type IPFSStore struct {
	shells  map[interfaces.Region]*shell.Shell
	primary interfaces.Region
	cids    *statemap.Map[string]
	log     *slog.Logger
}

// NewIPFSStore connects to the given region-to-API-address endpoints. The
// primary region receives Put traffic and must be present in endpoints.
func NewIPFSStore(endpoints map[interfaces.Region]string, primary interfaces.Region, log *slog.Logger) (*IPFSStore, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("ipfs store requires at least one endpoint")
	}
	if _, ok := endpoints[primary]; !ok {
		return nil, fmt.Errorf("primary region %s has no ipfs endpoint", primary)
	}

	shells := make(map[interfaces.Region]*shell.Shell, len(endpoints))
	for region, addr := range endpoints {
		shells[region] = shell.NewShell(addr)
	}

	return &IPFSStore{
		shells:  shells,
		primary: primary,
		cids:    statemap.New[string](),
		log:     log,
	}, nil
}

func transientRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// Put adds the payload to the primary region's node.
func (s *IPFSStore) Put(ctx context.Context, data []byte) (interfaces.ObjectID, error) {
	id := interfaces.ComputeObjectID(data)
	sh := s.shells[s.primary]

	if !sh.IsUp() {
		return id, fmt.Errorf("ipfs node %s: %w", s.primary, interfaces.ErrDependencyUnavailable)
	}

	cid, err := sh.Add(bytes.NewReader(data))
	if err != nil {
		return id, fmt.Errorf("ipfs add: %w", err)
	}
	s.cids.Set(id.String(), cid)

	s.log.Debug("Added content to IPFS",
		slog.String("object_id", id.Short()),
		slog.String("cid", cid),
		slog.Int("size", len(data)))
	return id, nil
}

// Get retrieves the payload from any region holding it, starting with the
// primary. Transient failures retry with exponential backoff.
func (s *IPFSStore) Get(ctx context.Context, id interfaces.ObjectID) ([]byte, error) {
	cid, ok := s.cids.Get(id.String())
	if !ok {
		return nil, interfaces.ErrNotFound
	}

	var data []byte
	op := func() error {
		for _, sh := range s.orderedShells() {
			if !sh.IsUp() {
				continue
			}
			reader, err := sh.Cat("/ipfs/" + cid)
			if err != nil {
				if isNotFoundErr(err) {
					continue
				}
				return err
			}
			defer reader.Close()
			data, err = io.ReadAll(reader)
			return err
		}
		return backoff.Permanent(interfaces.ErrNotFound)
	}
	if err := backoff.Retry(op, backoff.WithContext(transientRetry(), ctx)); err != nil {
		if strings.Contains(err.Error(), interfaces.ErrNotFound.Error()) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, err)
	}
	return data, nil
}

// Pin retains the object on the region's node.
func (s *IPFSStore) Pin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	sh, ok := s.shells[region]
	if !ok {
		return fmt.Errorf("no ipfs endpoint for region %s", region)
	}
	cid, found := s.cids.Get(id.String())
	if !found {
		return interfaces.ErrNotFound
	}
	if !sh.IsUp() {
		return fmt.Errorf("ipfs node %s: %w", region, interfaces.ErrDependencyUnavailable)
	}
	if err := sh.Pin(cid); err != nil {
		return fmt.Errorf("ipfs pin %s in %s: %w", cid, region, err)
	}
	return nil
}

// Unpin releases the object on the region's node. A pin that does not
// exist is not an error.
func (s *IPFSStore) Unpin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	sh, ok := s.shells[region]
	if !ok {
		return fmt.Errorf("no ipfs endpoint for region %s", region)
	}
	cid, found := s.cids.Get(id.String())
	if !found {
		return nil
	}
	if !sh.IsUp() {
		return fmt.Errorf("ipfs node %s: %w", region, interfaces.ErrDependencyUnavailable)
	}
	if err := sh.Unpin(cid); err != nil && !strings.Contains(err.Error(), "not pinned") {
		return fmt.Errorf("ipfs unpin %s in %s: %w", cid, region, err)
	}
	return nil
}

// Stat reports object size from the first region that answers.
func (s *IPFSStore) Stat(ctx context.Context, id interfaces.ObjectID) (interfaces.ObjectStat, error) {
	cid, ok := s.cids.Get(id.String())
	if !ok {
		return interfaces.ObjectStat{}, interfaces.ErrNotFound
	}

	var stat interfaces.ObjectStat
	op := func() error {
		for _, sh := range s.orderedShells() {
			if !sh.IsUp() {
				continue
			}
			os, err := sh.ObjectStat(cid)
			if err != nil {
				if isNotFoundErr(err) {
					continue
				}
				return err
			}
			stat = interfaces.ObjectStat{Size: int64(os.CumulativeSize)}
			return nil
		}
		return backoff.Permanent(interfaces.ErrNotFound)
	}
	if err := backoff.Retry(op, backoff.WithContext(transientRetry(), ctx)); err != nil {
		if strings.Contains(err.Error(), interfaces.ErrNotFound.Error()) {
			return interfaces.ObjectStat{}, interfaces.ErrNotFound
		}
		return interfaces.ObjectStat{}, fmt.Errorf("ipfs stat %s: %w", cid, err)
	}
	return stat, nil
}

// orderedShells yields the primary shell first, then the rest.
func (s *IPFSStore) orderedShells() []*shell.Shell {
	out := []*shell.Shell{s.shells[s.primary]}
	for region, sh := range s.shells {
		if region != s.primary {
			out = append(out, sh)
		}
	}
	return out
}

func isNotFoundErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no link named") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "could not resolve")
}
