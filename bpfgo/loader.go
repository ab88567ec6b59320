package bpfgo

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	bpfFsMount = "/sys/fs/bpf"

	connMap      = "conn_bytes"
	progXDP      = "xdp_conn"
	progTCEgress = "tc_conn_egress"
)

// Handles keeps the attached programs and the per-connection counter map alive.
type Handles struct {
	Coll    *ebpf.Collection
	XDPLink link.Link
	TCLink  link.Link
	Conns   *ebpf.Map

	pinPath string
}

func (h *Handles) Close() error {
	var err error
	if h.XDPLink != nil {
		err = multierr.Append(err, h.XDPLink.Close())
	}
	if h.TCLink != nil {
		err = multierr.Append(err, h.TCLink.Close())
	}
	if h.Coll != nil {
		// Closes Conns too.
		h.Coll.Close()
	} else if h.Conns != nil {
		err = multierr.Append(err, h.Conns.Close())
	}
	if h.pinPath != "" {
		if rmErr := os.Remove(h.pinPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

// ensureBPFFS mounts a bpf filesystem on dir unless one is already there.
func ensureBPFFS(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	if uint32(st.Type) == unix.BPF_FS_MAGIC {
		return nil
	}
	if err := unix.Mount("bpf", dir, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount bpffs on %s: %w", dir, err)
	}
	return nil
}

// Open uses a counter map pinned by some other loader.
func Open(pinPath string) (*Handles, error) {
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned map %s: %w", pinPath, err)
	}
	return &Handles{Conns: m}, nil
}

// Load loads objPath, attaches its XDP (ingress) and TCX (egress) programs to iface and
// pins the counter map at pinPath.
func Load(iface, objPath, pinPath string, logger *zap.Logger) (*Handles, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}
	if err := ensureBPFFS(bpfFsMount); err != nil {
		// Pinning below reports the failure if pinPath really needs bpffs.
		logger.Warn("bpffs unavailable", zap.Error(err))
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("load BPF spec: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("new collection: %w", err)
	}

	xdpProg := coll.Programs[progXDP]
	tcProg := coll.Programs[progTCEgress]
	conns := coll.Maps[connMap]
	if xdpProg == nil || tcProg == nil || conns == nil {
		coll.Close()
		return nil, fmt.Errorf("object %s lacks %s, %s or map %s", objPath, progXDP, progTCEgress, connMap)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("get interface %s: %w", iface, err)
	}

	xdpLink, err := link.AttachXDP(link.XDPOptions{
		Program:   xdpProg,
		Interface: ifi.Index,
		Flags:     link.XDPGenericMode,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attach XDP: %w", err)
	}

	tcLink, err := link.AttachTCX(link.TCXOptions{
		Program:   tcProg,
		Interface: ifi.Index,
		Attach:    ebpf.AttachTCXEgress,
	})
	if err != nil {
		xdpLink.Close()
		coll.Close()
		return nil, fmt.Errorf("attach TC: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(pinPath), 0755); err != nil {
		xdpLink.Close()
		tcLink.Close()
		coll.Close()
		return nil, fmt.Errorf("create pin dir: %w", err)
	}
	if err := conns.Pin(pinPath); err != nil {
		xdpLink.Close()
		tcLink.Close()
		coll.Close()
		return nil, fmt.Errorf("pin %s: %w", connMap, err)
	}

	logger.Info("BPF loaded", zap.String("interface", iface), zap.String("pin", pinPath))

	return &Handles{
		Coll:    coll,
		XDPLink: xdpLink,
		TCLink:  tcLink,
		Conns:   conns,
		pinPath: pinPath,
	}, nil
}
