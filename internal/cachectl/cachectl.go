// Package cachectl programs hardware cache-partition descriptors
// (classes-of-service and their bitmasks) and binds logical cores to
// classes. It knows nothing about sampling plans or the Broadwell
// 10/11-way workaround — that lives in internal/planner, per
// DESIGN.md's Open Question (c).
package cachectl

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/corewaylab/cacheprof/internal/model"
)

// Backend is the hardware/OS surface CacheController drives. The
// production backend writes Intel RDT's resctrl pseudo-filesystem;
// tests use an in-memory fake that records calls.
type Backend interface {
	// WriteSchemata sets the L3 way bitmask for a class-of-service.
	WriteSchemata(cosID int, mask uint32) error
	// BindCore assigns a logical core to a class-of-service.
	BindCore(coreID, cosID int) error
}

// CacheController is the exclusive writer of CAT classes-of-service
// for the lifetime of a profiling run.
type CacheController struct {
	mu       sync.Mutex
	backend  Backend
	numCores int
	numWays  int
	fullMask uint32

	// lastMask/lastCOS mirror hardware state so ShareAll is a true
	// no-op on a second call.
	lastMask map[int]uint32
	lastCOS  map[int]int
	shared   bool
}

// New creates a CacheController for a machine with numCores logical
// cores and numWays LLC ways.
func New(backend Backend, numCores, numWays int) *CacheController {
	return &CacheController{
		backend:  backend,
		numCores: numCores,
		numWays:  numWays,
		fullMask: fullMask(numWays),
		lastMask: make(map[int]uint32),
		lastCOS:  make(map[int]int),
	}
}

func fullMask(numWays int) uint32 {
	if numWays >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << uint(numWays)) - 1
}

// ShareAll installs a single class-of-service (cos 0) covering all
// ways, rewrites every other class-of-service SetCBM has ever touched
// back to the full mask too (so a narrow target/co-runner split left
// over from ApplySlice doesn't survive termination), and binds every
// logical core to cos 0. Used at startup and termination. Calling it
// twice in a row is a no-op after the first.
func (c *CacheController) ShareAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shared {
		return nil
	}

	if err := c.backend.WriteSchemata(0, c.fullMask); err != nil {
		return fmt.Errorf("share_all: write schemata: %w", err)
	}
	c.lastMask[0] = c.fullMask

	for cosID := range c.lastMask {
		if cosID == 0 {
			continue
		}
		if err := c.backend.WriteSchemata(cosID, c.fullMask); err != nil {
			return fmt.Errorf("share_all: write schemata cos %d: %w", cosID, err)
		}
		c.lastMask[cosID] = c.fullMask
	}

	for core := 0; core < c.numCores; core++ {
		if err := c.backend.BindCore(core, 0); err != nil {
			return fmt.Errorf("share_all: bind core %d: %w", core, err)
		}
		c.lastCOS[core] = 0
	}

	c.shared = true
	return nil
}

// SetCBM updates the bitmask for one class-of-service.
func (c *CacheController) SetCBM(cosID int, mask uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mask == 0 || mask&^c.fullMask != 0 {
		return fmt.Errorf("set_cbm: mask %#x out of range for %d ways", mask, c.numWays)
	}
	if m, ok := c.lastMask[cosID]; ok && m == mask {
		return nil
	}
	if err := c.backend.WriteSchemata(cosID, mask); err != nil {
		return fmt.Errorf("set_cbm: %w", err)
	}
	c.lastMask[cosID] = mask
	c.shared = false
	return nil
}

// SetCOS binds a logical core to a class-of-service.
func (c *CacheController) SetCOS(coreID, cosID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if coreID < 0 || coreID >= c.numCores {
		return fmt.Errorf("set_cos: core %d out of range", coreID)
	}
	if cos, ok := c.lastCOS[coreID]; ok && cos == cosID {
		return nil
	}
	if err := c.backend.BindCore(coreID, cosID); err != nil {
		return fmt.Errorf("set_cos: %w", err)
	}
	c.lastCOS[coreID] = cosID
	c.shared = false
	return nil
}

// ApplySlice binds the target core to cos 1 (mask = targetWays) and
// every other assignable core to cos 2 (mask = corunnerWays).
func (c *CacheController) ApplySlice(targetCore int, targetWays, corunnerWays uint32, otherCores []int) error {
	if err := c.SetCBM(1, targetWays); err != nil {
		return err
	}
	if err := c.SetCBM(2, corunnerWays); err != nil {
		return err
	}
	if err := c.SetCOS(targetCore, 1); err != nil {
		return err
	}
	for _, core := range otherCores {
		if err := c.SetCOS(core, 2); err != nil {
			return err
		}
	}
	return nil
}

// ResctrlBackend writes Intel RDT's resctrl pseudo-filesystem,
// typically mounted at /sys/fs/resctrl. It is the production Backend.
type ResctrlBackend struct {
	root string // e.g. /sys/fs/resctrl
}

// NewResctrlBackend creates a backend rooted at the given resctrl mount.
func NewResctrlBackend(root string) *ResctrlBackend {
	if root == "" {
		root = "/sys/fs/resctrl"
	}
	return &ResctrlBackend{root: root}
}

func (b *ResctrlBackend) cosDir(cosID int) string {
	if cosID == 0 {
		return b.root
	}
	return filepath.Join(b.root, fmt.Sprintf("cos%d", cosID))
}

// WriteSchemata writes the L3 bitmask line to <cos>/schemata.
func (b *ResctrlBackend) WriteSchemata(cosID int, mask uint32) error {
	dir := b.cosDir(cosID)
	if cosID != 0 {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	line := fmt.Sprintf("L3:0=%x\n", mask)
	if err := os.WriteFile(filepath.Join(dir, "schemata"), []byte(line), 0644); err != nil {
		return fmt.Errorf("write schemata %s: %w", dir, err)
	}
	return nil
}

// BindCore appends coreID to <cos>/cpus_list.
func (b *ResctrlBackend) BindCore(coreID, cosID int) error {
	dir := b.cosDir(cosID)
	path := filepath.Join(dir, "cpus_list")
	list := strconv.Itoa(coreID)
	if cur, err := os.ReadFile(path); err == nil {
		if s := strings.TrimSpace(string(cur)); s != "" {
			list = s + "," + list
		}
	}
	if err := os.WriteFile(path, []byte(list+"\n"), 0644); err != nil {
		return fmt.Errorf("bind core %d to cos %d: %w", coreID, cosID, err)
	}
	return nil
}

// DiscoverTopology populates a model.HardwareTopology by reading
// resctrl's info directory and procfs/sysfs at startup instead of
// hardcoding its fields. root is the resctrl mount (defaulted as in
// NewResctrlBackend); numaNode selects which node's cpulist is treated
// as assignable.
func DiscoverTopology(root string, numaNode int) (model.HardwareTopology, error) {
	if root == "" {
		root = "/sys/fs/resctrl"
	}

	cbmPath := filepath.Join(root, "info", "L3", "cbm_mask")
	data, err := os.ReadFile(cbmPath)
	if err != nil {
		return model.HardwareTopology{}, fmt.Errorf("discover topology: read %s: %w", cbmPath, err)
	}
	mask, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 64)
	if err != nil {
		return model.HardwareTopology{}, fmt.Errorf("discover topology: parse %s: %w", cbmPath, err)
	}

	lineSize := 64
	if lsData, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cache/index3/coherency_line_size"); err == nil {
		if v, perr := strconv.Atoi(strings.TrimSpace(string(lsData))); perr == nil {
			lineSize = v
		}
	}

	nodePath := fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", numaNode)
	nodeData, err := os.ReadFile(nodePath)
	if err != nil {
		return model.HardwareTopology{}, fmt.Errorf("discover topology: read %s: %w", nodePath, err)
	}
	assignable, err := parseCPUList(strings.TrimSpace(string(nodeData)))
	if err != nil {
		return model.HardwareTopology{}, fmt.Errorf("discover topology: %w", err)
	}

	return model.HardwareTopology{
		CacheLineSize:   lineSize,
		CacheNumWays:    bits.OnesCount64(mask),
		NumLogicalCores: runtime.NumCPU(),
		AssignableCores: assignable,
	}, nil
}

// parseCPUList parses a Linux cpulist range string ("0-3,8,10-11") into
// a slice of individual core ids, the format resctrl's own cpus_list
// and sysfs's node cpulist files share.
func parseCPUList(s string) ([]int, error) {
	var cores []int
	if s == "" {
		return cores, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("parse cpulist range %q: %w", part, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("parse cpulist range %q: %w", part, err)
			}
			for c := start; c <= end; c++ {
				cores = append(cores, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("parse cpulist entry %q: %w", part, err)
			}
			cores = append(cores, c)
		}
	}
	return cores, nil
}
