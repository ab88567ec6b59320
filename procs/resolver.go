package procs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/back2basic/netwatch/model"
	"github.com/back2basic/netwatch/sockdiag"
)

// Resolver attributes sockets to processes by matching the inode of every socket file
// descriptor under /proc with the inodes reported by sock_diag.
type Resolver struct {
	root   string
	dump   sockdiag.DumpFunc
	logger *zap.Logger
}

func NewResolver(root string, dump sockdiag.DumpFunc, logger *zap.Logger) *Resolver {
	return &Resolver{root: root, dump: dump, logger: logger.Named("procs")}
}

func (r *Resolver) Resolve(ctx context.Context) (map[model.Connection]string, error) {
	owners, err := r.socketOwners(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := r.dump()
	if err != nil {
		return nil, fmt.Errorf("dump sockets: %w", err)
	}

	out := make(map[model.Connection]string, len(entries))
	for _, e := range entries {
		if name, ok := owners[e.Inode]; ok {
			out[e.Conn] = name
		}
	}
	return out, nil
}

// socketOwners maps socket inode to the name of the process holding it.
func (r *Resolver) socketOwners(ctx context.Context) (map[uint64]string, error) {
	fs, err := procfs.NewFS(r.root)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.root, err)
	}
	all, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	owners := make(map[uint64]string, 1024)
	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Processes exit between listing and here all the time; skip them.
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		var name string
		for _, tgt := range targets {
			ino, ok := socketInode(tgt)
			if !ok {
				continue
			}
			if name == "" {
				name = comm(p)
			}
			owners[ino] = name
		}
	}
	r.logger.Debug("scanned sockets", zap.Int("processes", len(all)), zap.Int("sockets", len(owners)))
	return owners, nil
}

// socketInode parses an fd link target of the form socket:[12345].
func socketInode(tgt string) (uint64, bool) {
	if !strings.HasPrefix(tgt, "socket:[") || !strings.HasSuffix(tgt, "]") {
		return 0, false
	}
	ino, err := strconv.ParseUint(tgt[len("socket:["):len(tgt)-1], 10, 64)
	if err != nil || ino == 0 {
		return 0, false
	}
	return ino, true
}

func comm(p procfs.Proc) string {
	name, err := p.Comm()
	if err != nil || name == "" {
		return "unknown"
	}
	// comm is cut at 15 bytes, possibly inside a multi-byte rune.
	return strings.ToValidUTF8(name, "\uFFFD")
}
