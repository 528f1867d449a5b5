package platform

import "github.com/nvhost/nvhost/platform/ioctlnum"

// VFIO ioctl numbers, built the same way the kernel's own uapi/linux/vfio.h
// builds them: type ';' (0x3B), base 100 + n. Kept as named constants rather
// than the raw numbers so the mapping back to the kernel header is obvious.
const (
	vfioType = ';'
	vfioBase = 100
)

var (
	vfioGetAPIVersion     = ioctlnum.IO(vfioType, vfioBase+0)
	vfioCheckExtension    = ioctlnum.IO(vfioType, vfioBase+1)
	vfioSetIOMMU          = ioctlnum.IO(vfioType, vfioBase+2)
	vfioGroupGetStatus    = ioctlnum.IOR(vfioType, vfioBase+3, 8)
	vfioGroupSetContainer = ioctlnum.IOW(vfioType, vfioBase+4, 4)
	vfioGroupGetDeviceFD  = ioctlnum.IOWR(vfioType, vfioBase+6, 256)
	vfioDeviceGetInfo     = ioctlnum.IOR(vfioType, vfioBase+7, 32)
	vfioDeviceGetRegionInfo = ioctlnum.IOWR(vfioType, vfioBase+8, 32)
	vfioDeviceGetIRQInfo  = ioctlnum.IOWR(vfioType, vfioBase+9, 16)
	vfioDeviceSetIRQs     = ioctlnum.IOW(vfioType, vfioBase+10, 32)
	vfioDeviceReset       = ioctlnum.IO(vfioType, vfioBase+11)
	vfioIOMMUGetInfo      = ioctlnum.IOR(vfioType, vfioBase+12, 32)
	vfioIOMMUMapDMA       = ioctlnum.IOW(vfioType, vfioBase+13, 32)
	vfioIOMMUUnmapDMA     = ioctlnum.IOWR(vfioType, vfioBase+14, 32)
)

const (
	vfioTypeIOMMUType1 = 1

	// Region index for a PCI device's BAR0 and its standard config space,
	// per the fixed VFIO PCI region index enum.
	vfioPCIBAR0RegionIndex  = 0
	vfioPCIConfigRegionIndex = 7

	vfioGroupFlagsViable = 1 << 0

	vfioIRQSetDataEventFD  = 1 << 2
	vfioIRQSetActionTrigger = 1 << 5
	vfioPCIMSIXIRQIndex    = 2

	vfioIOMMUMapDMAFlagRead  = 1 << 0
	vfioIOMMUMapDMAFlagWrite = 1 << 1
)

// vfioRegionInfo mirrors struct vfio_region_info.
type vfioRegionInfo struct {
	ArgSz  uint32
	Flags  uint32
	Index  uint32
	Cap    uint32
	Size   uint64
	Offset uint64
}

// vfioIRQSetHeader mirrors the fixed portion of struct vfio_irq_set, followed by
// nvec int32 event fds.
type vfioIRQSetHeader struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// vfioIOMMUTypeDMAMap mirrors struct vfio_iommu_type1_dma_map.
type vfioIOMMUTypeDMAMap struct {
	ArgSz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

// vfioIOMMUTypeDMAUnmap mirrors struct vfio_iommu_type1_dma_unmap.
type vfioIOMMUTypeDMAUnmap struct {
	ArgSz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}
