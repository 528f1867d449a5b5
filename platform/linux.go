//go:build linux

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvhost/nvhost/regs"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	capSysRawIO = 1 << 17
	capSysAdmin = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int32
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

// hasRawIOCapability ports the teacher's checkCaps(): a capget(2) call that
// confirms the process can touch raw device memory, rather than just
// logging a warning like the original CLI did.
func hasRawIOCapability() bool {
	var hdr capHeader
	var data [2]capData
	hdr.version = _LINUX_CAPABILITY_VERSION_3

	_, _, errno := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data)), 0)
	if errno != 0 {
		return false
	}
	return data[0].effective&capSysRawIO != 0 || data[0].effective&capSysAdmin != 0
}

// linuxDevice drives a single PCIe slot through the VFIO no-IOMMU-free
// userspace binding: vfio-pci attaches the slot, this process joins its
// IOMMU group, and BAR0 + config space come from region info the kernel
// reports back over the group/device file descriptors.
type linuxDevice struct {
	slot        string
	groupFD     int
	containerFD int
	deviceFD    int

	bar0       []byte
	cfgMirror  []byte
	cfgOffset  uint64

	pciRegs  *regs.PCIeRegs
	nvmeRegs *regs.NVMeRegs

	irqFDs []int
}

func openPCI(slot string) (Device, error) {
	if !hasRawIOCapability() && os.Geteuid() != 0 {
		return nil, ErrPermissionDenied
	}

	groupPath, err := os.Readlink(filepath.Join("/sys/bus/pci/devices", slot, "iommu_group"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no iommu_group (%v)", ErrIommuUnavailable, slot, err)
	}
	group := filepath.Base(groupPath)
	if _, err := strconv.Atoi(group); err != nil {
		return nil, fmt.Errorf("%w: malformed iommu_group link %q", ErrIommuUnavailable, groupPath)
	}

	groupFD, err := unix.Open(filepath.Join("/dev/vfio", group), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening vfio group %s: %v", ErrPlatformUnavailable, group, err)
	}

	containerFD, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		unix.Close(groupFD)
		return nil, fmt.Errorf("%w: opening /dev/vfio/vfio: %v", ErrPlatformUnavailable, err)
	}

	d := &linuxDevice{slot: slot, groupFD: groupFD, containerFD: containerFD}
	if err := d.bind(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func ioctlPtr(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *linuxDevice) bind() error {
	var status struct{ ArgSz, Flags uint32 }
	status.ArgSz = 8
	if err := ioctlPtr(d.groupFD, vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); err != nil {
		return fmt.Errorf("%w: VFIO_GROUP_GET_STATUS: %v", ErrPlatformUnavailable, err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		return fmt.Errorf("%w: iommu group for %s is not viable (other devices bound to host drivers)", ErrIommuUnavailable, d.slot)
	}

	if err := ioctlPtr(d.groupFD, vfioGroupSetContainer, uintptr(unsafe.Pointer(&d.containerFD))); err != nil {
		return fmt.Errorf("%w: VFIO_GROUP_SET_CONTAINER: %v", ErrPlatformUnavailable, err)
	}
	if err := ioctlPtr(d.containerFD, vfioSetIOMMU, uintptr(vfioTypeIOMMUType1)); err != nil {
		return fmt.Errorf("%w: VFIO_SET_IOMMU: %v", ErrIommuUnavailable, err)
	}

	name := append([]byte(d.slot), 0)
	buf := make([]byte, 8+len(name))
	copy(buf[8:], name)
	devFD, err := func() (int, error) {
		if err := ioctlPtr(d.groupFD, vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
			return -1, err
		}
		// On success the kernel returns the new fd as the ioctl's return
		// value, which RawSyscall/Syscall surface as the first result —
		// ioctlPtr discards it, so re-issue via the raw syscall here.
		r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.groupFD), uintptr(vfioGroupGetDeviceFD), uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			return -1, errno
		}
		return int(r1), nil
	}()
	if err != nil {
		return fmt.Errorf("%w: VFIO_GROUP_GET_DEVICE_FD(%s): %v", ErrPlatformUnavailable, d.slot, err)
	}
	d.deviceFD = devFD

	bar0, err := d.mmapRegion(vfioPCIBAR0RegionIndex)
	if err != nil {
		return err
	}
	d.bar0 = bar0
	d.nvmeRegs = regs.NewNVMeRegs(regs.NewRegion(bar0))

	cfgInfo, err := d.regionInfo(vfioPCIConfigRegionIndex)
	if err != nil {
		return err
	}
	d.cfgOffset = cfgInfo.Offset
	d.cfgMirror = make([]byte, cfgInfo.Size)
	if _, err := unix.Pread(d.deviceFD, d.cfgMirror, int64(d.cfgOffset)); err != nil {
		return fmt.Errorf("%w: reading config space: %v", ErrPlatformUnavailable, err)
	}
	cfgRegion := regs.NewRegionWithSync(d.cfgMirror, func(off uint32, size int) {
		unix.Pwrite(d.deviceFD, d.cfgMirror[off:int(off)+size], int64(d.cfgOffset)+int64(off))
	})
	d.pciRegs = regs.NewPCIeRegs(cfgRegion)

	return nil
}

func (d *linuxDevice) regionInfo(index uint32) (vfioRegionInfo, error) {
	info := vfioRegionInfo{ArgSz: uint32(unsafe.Sizeof(vfioRegionInfo{})), Index: index}
	if err := ioctlPtr(d.deviceFD, vfioDeviceGetRegionInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		return info, fmt.Errorf("%w: VFIO_DEVICE_GET_REGION_INFO(%d): %v", ErrPlatformUnavailable, index, err)
	}
	return info, nil
}

func (d *linuxDevice) mmapRegion(index uint32) ([]byte, error) {
	info, err := d.regionInfo(index)
	if err != nil {
		return nil, err
	}
	b, err := unix.Mmap(d.deviceFD, int64(info.Offset), int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap region %d: %v", ErrPlatformUnavailable, index, err)
	}
	return b, nil
}

func (d *linuxDevice) Slot() string             { return d.slot }
func (d *linuxDevice) PCIRegs() *regs.PCIeRegs   { return d.pciRegs }
func (d *linuxDevice) NVMeRegs() *regs.NVMeRegs  { return d.nvmeRegs }

func (d *linuxDevice) MapDMA(vaddr []byte, iova uint64, size uint64, dir Direction) error {
	req := vfioIOMMUTypeDMAMap{
		ArgSz: uint32(unsafe.Sizeof(vfioIOMMUTypeDMAMap{})),
		Vaddr: uint64(uintptr(unsafe.Pointer(&vaddr[0]))),
		IOVA:  iova,
		Size:  size,
	}
	switch dir {
	case HostToDevice:
		req.Flags = vfioIOMMUMapDMAFlagRead
	case DeviceToHost:
		req.Flags = vfioIOMMUMapDMAFlagWrite
	case Bidirectional:
		req.Flags = vfioIOMMUMapDMAFlagRead | vfioIOMMUMapDMAFlagWrite
	default:
		return ErrUnsupportedDirection
	}
	if err := ioctlPtr(d.containerFD, vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("VFIO_IOMMU_MAP_DMA: %w", err)
	}
	return nil
}

func (d *linuxDevice) UnmapDMA(iova uint64, size uint64) error {
	req := vfioIOMMUTypeDMAUnmap{
		ArgSz: uint32(unsafe.Sizeof(vfioIOMMUTypeDMAUnmap{})),
		IOVA:  iova,
		Size:  size,
	}
	if err := ioctlPtr(d.containerFD, vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("VFIO_IOMMU_UNMAP_DMA: %w", err)
	}
	return nil
}

// hugepageSize is the granule AllocPages rounds requests up to and backs
// them with, matching the DMA memory manager's sub-page pool granule.
const hugepageSize = 2 << 20

func (d *linuxDevice) AllocPages(size int) ([]byte, error) {
	n := size
	if n%hugepageSize != 0 {
		n = ((n / hugepageSize) + 1) * hugepageSize
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		// Hugepages may not be configured on the host; fall back to
		// ordinary anonymous pages rather than fail the whole allocation.
		b, err = unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("platform: allocating %d bytes: %w", n, err)
		}
	}
	return b, nil
}

func (d *linuxDevice) FreePages(b []byte) error {
	return unix.Munmap(b)
}

func (d *linuxDevice) EnableMSIX(nvec, start int) error {
	hdrSize := int(unsafe.Sizeof(vfioIRQSetHeader{}))
	buf := make([]byte, hdrSize+nvec*4)
	hdr := (*vfioIRQSetHeader)(unsafe.Pointer(&buf[0]))
	hdr.ArgSz = uint32(len(buf))
	hdr.Flags = vfioIRQSetDataEventFD | vfioIRQSetActionTrigger
	hdr.Index = vfioPCIMSIXIRQIndex
	hdr.Start = uint32(start)
	hdr.Count = uint32(nvec)

	fds := make([]int, nvec)
	for i := range fds {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("platform: eventfd: %w", err)
		}
		fds[i] = fd
		le := uint32(fd)
		buf[hdrSize+i*4+0] = byte(le)
		buf[hdrSize+i*4+1] = byte(le >> 8)
		buf[hdrSize+i*4+2] = byte(le >> 16)
		buf[hdrSize+i*4+3] = byte(le >> 24)
	}
	d.irqFDs = fds

	if err := ioctlPtr(d.deviceFD, vfioDeviceSetIRQs, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("VFIO_DEVICE_SET_IRQS: %w", err)
	}
	return nil
}

func (d *linuxDevice) MSIXPendingCount(vector int) (uint64, error) {
	if vector < 0 || vector >= len(d.irqFDs) {
		return 0, fmt.Errorf("platform: vector %d out of range", vector)
	}
	var buf [8]byte
	n, err := unix.Read(d.irqFDs[vector], buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n != 8 {
		return 0, nil
	}
	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (d *linuxDevice) Reset() error {
	if err := ioctlPtr(d.deviceFD, vfioDeviceReset, 0); err != nil {
		return fmt.Errorf("VFIO_DEVICE_RESET: %w", err)
	}
	return nil
}

// IOVARanges reports a single conservative default range. Parsing the
// kernel's full VFIO_IOMMU_GET_INFO capability chain for the precise usable
// geometry is not implemented; callers that need exact host IOVA limits
// should prefer a narrower static configuration.
func (d *linuxDevice) IOVARanges() []IOVARange {
	return []IOVARange{{Base: 1 << 20, Size: 1 << 34}}
}

func (d *linuxDevice) Close() error {
	for _, fd := range d.irqFDs {
		unix.Close(fd)
	}
	if d.bar0 != nil {
		unix.Munmap(d.bar0)
	}
	if d.deviceFD != 0 {
		unix.Close(d.deviceFD)
	}
	if d.groupFD != 0 {
		unix.Close(d.groupFD)
	}
	if d.containerFD != 0 {
		unix.Close(d.containerFD)
	}
	return nil
}

// Enumerate lists PCI slot identifiers bound to the vfio-pci driver, so
// callers can discover candidate slots without hardcoding an address.
func Enumerate() ([]string, error) {
	matches, err := filepath.Glob("/sys/bus/pci/drivers/vfio-pci/????:??:??.?")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Base(m))
	}
	return out, nil
}

// Open binds to the given slot (a PCI address such as "0000:01:00.0", or
// the reserved SimulatorSlot) and returns a ready Device.
func Open(slot string) (Device, error) {
	if slot == SimulatorSlot {
		if openSimulator == nil {
			return nil, fmt.Errorf("%w: simulator package not linked in", ErrPlatformUnavailable)
		}
		return openSimulator(nil)
	}
	if !strings.Contains(slot, ":") {
		return nil, fmt.Errorf("%w: %q is not a PCI slot address", ErrPlatformUnavailable, slot)
	}
	return openPCI(slot)
}
