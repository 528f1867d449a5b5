// Package identify decodes the fixed-size data structures returned by the
// Identify admin command family and caches them per controller, mirroring
// NVMeDeviceIdentifyData's on-demand identify_controller/identify_namespaces/
// identify_uuid_list flow. Every accessor here is a byte-offset view over a
// raw 4096-byte buffer, the same idiom command.Command and command.CQE use
// for the 64/16-byte command structures, generalized to the larger identify
// payloads.
package identify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/nvhost/nvhost/command"
	"github.com/nvhost/nvhost/controller"
	"github.com/nvhost/nvhost/platform"
)

// BufferSize is the fixed size of every Identify data structure.
const BufferSize = 4096

// ControllerView is a read-only offset overlay on a 4096-byte Identify
// Controller data structure.
type ControllerView struct{ b []byte }

func newControllerView(b []byte) *ControllerView {
	if len(b) != BufferSize {
		panic("identify: controller view backing slice must be 4096 bytes")
	}
	return &ControllerView{b: b}
}

func (v *ControllerView) VID() uint16   { return binary.LittleEndian.Uint16(v.b[0:]) }
func (v *ControllerView) SSVID() uint16 { return binary.LittleEndian.Uint16(v.b[2:]) }
func (v *ControllerView) SN() string    { return trimTrailing(v.b[4:24]) }
func (v *ControllerView) MN() string    { return trimTrailing(v.b[24:64]) }
func (v *ControllerView) FR() string    { return trimTrailing(v.b[64:72]) }
func (v *ControllerView) RAB() uint8    { return v.b[72] }

// IEEE is the 24-bit IEEE OUI, assembled little-endian from bytes 73-75.
func (v *ControllerView) IEEE() uint32 {
	return uint32(v.b[73]) | uint32(v.b[74])<<8 | uint32(v.b[75])<<16
}
func (v *ControllerView) CMIC() uint8    { return v.b[76] }
func (v *ControllerView) MDTS() uint8    { return v.b[77] }
func (v *ControllerView) CNTLID() uint16 { return binary.LittleEndian.Uint16(v.b[78:]) }
func (v *ControllerView) VER() uint32    { return binary.LittleEndian.Uint32(v.b[80:]) }

func (v *ControllerView) OACS() uint16     { return binary.LittleEndian.Uint16(v.b[256:]) }
func (v *ControllerView) ACL() uint8       { return v.b[258] }
func (v *ControllerView) AERL() uint8      { return v.b[259] }
func (v *ControllerView) FRMW() uint8      { return v.b[260] }
func (v *ControllerView) LPA() uint8       { return v.b[261] }
func (v *ControllerView) NPSS() uint8      { return v.b[263] }
func (v *ControllerView) WCTEMP() uint16   { return binary.LittleEndian.Uint16(v.b[266:]) }

func (v *ControllerView) SQES() uint8    { return v.b[512] }
func (v *ControllerView) CQES() uint8    { return v.b[513] }
func (v *ControllerView) MAXCMD() uint16 { return binary.LittleEndian.Uint16(v.b[514:]) }
func (v *ControllerView) NN() uint32     { return binary.LittleEndian.Uint32(v.b[516:]) }
func (v *ControllerView) ONCS() uint16   { return binary.LittleEndian.Uint16(v.b[520:]) }
func (v *ControllerView) VWC() uint8     { return v.b[525] }
func (v *ControllerView) SGLS() uint32   { return binary.LittleEndian.Uint32(v.b[536:]) }
func (v *ControllerView) SUBNQN() string { return trimTrailing(v.b[768:1024]) }

// PowerStateDescriptor is one 32-byte entry of the Power State Descriptor
// table starting at offset 2048, mirroring nvmeIdentPowerState's field set.
type PowerStateDescriptor struct {
	MaxPowerCentiwatts uint16
	EntryLatUS         uint32
	ExitLatUS          uint32
	ReadThroughput     uint8
	ReadLatency        uint8
	WriteThroughput    uint8
	WriteLatency       uint8
	IdlePower          uint16
	ActivePower        uint16
}

// PowerStates decodes all 32 power state descriptor slots, returning only
// those the controller reports as supported (MaxPower > 0).
func (v *ControllerView) PowerStates() []PowerStateDescriptor {
	var out []PowerStateDescriptor
	const base = 2048
	for i := 0; i < 32; i++ {
		off := base + i*32
		maxPower := binary.LittleEndian.Uint16(v.b[off:])
		if maxPower == 0 {
			continue
		}
		out = append(out, PowerStateDescriptor{
			MaxPowerCentiwatts: maxPower,
			EntryLatUS:         binary.LittleEndian.Uint32(v.b[off+4:]),
			ExitLatUS:          binary.LittleEndian.Uint32(v.b[off+8:]),
			ReadThroughput:     v.b[off+12],
			ReadLatency:        v.b[off+13],
			WriteThroughput:    v.b[off+14],
			WriteLatency:       v.b[off+15],
			IdlePower:          binary.LittleEndian.Uint16(v.b[off+16:]),
			ActivePower:        binary.LittleEndian.Uint16(v.b[off+20:]),
		})
	}
	return out
}

// LBAFormat is one entry of a namespace's LBA Format table, per
// nvmeLBAF's Ms/Ds/Rp field set.
type LBAFormat struct {
	MetadataSize uint16
	LBADataSize  uint8 // log2(bytes per block)
	RelativePerf uint8
}

// NamespaceView is a read-only offset overlay on a 4096-byte Identify
// Namespace data structure, field layout grounded on
// dswarbrick-go-nvme/nvme/nvme.go's nvmeIdentNamespace.
type NamespaceView struct{ b []byte }

func newNamespaceView(b []byte) *NamespaceView {
	if len(b) != BufferSize {
		panic("identify: namespace view backing slice must be 4096 bytes")
	}
	return &NamespaceView{b: b}
}

func (v *NamespaceView) NSZE() uint64 { return binary.LittleEndian.Uint64(v.b[0:]) }
func (v *NamespaceView) NCAP() uint64 { return binary.LittleEndian.Uint64(v.b[8:]) }
func (v *NamespaceView) NUSE() uint64 { return binary.LittleEndian.Uint64(v.b[16:]) }
func (v *NamespaceView) NLBAF() uint8 { return v.b[25] }
func (v *NamespaceView) FLBAS() uint8 { return v.b[26] & 0xF }
func (v *NamespaceView) NGUID() [16]byte {
	var g [16]byte
	copy(g[:], v.b[104:120])
	return g
}
func (v *NamespaceView) EUI64() [8]byte {
	var e [8]byte
	copy(e[:], v.b[120:128])
	return e
}

// LBAFormats decodes the 16-entry LBA Format table starting at offset 128.
func (v *NamespaceView) LBAFormats() [16]LBAFormat {
	var out [16]LBAFormat
	for i := 0; i < 16; i++ {
		off := 128 + i*4
		out[i] = LBAFormat{
			MetadataSize: binary.LittleEndian.Uint16(v.b[off:]),
			LBADataSize:  v.b[off+2],
			RelativePerf: v.b[off+3],
		}
	}
	return out
}

// ActiveLBAFormat returns the LBA format currently selected by FLBAS.
func (v *NamespaceView) ActiveLBAFormat() LBAFormat {
	return v.LBAFormats()[v.FLBAS()]
}

func trimTrailing(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == 0 || b[i-1] == ' ') {
		i--
	}
	return string(bytes.TrimSpace(b[:i]))
}

// ControllerInfo is the human-usable summary of a decoded ControllerView,
// analogous to the teacher's NVMeController.
type ControllerInfo struct {
	VendorID        uint16
	ModelNumber     string
	SerialNumber    string
	FirmwareVersion string
	OUI             uint32
	NumNamespaces   uint32
	MaxDataXferSize uint64 // bytes, 0 means no limit reported
	PowerStates     []PowerStateDescriptor
}

// NamespaceInfo is the human-usable summary of a decoded NamespaceView plus
// the size-formatting fields identify.py's ns_size/lba_ds_size compute.
type NamespaceInfo struct {
	NSID         uint32
	NSZE, NUSE   uint64
	LBADataBytes uint64
	UsageString  string
	TotalString  string
	LBASizeString string
	NGUID        [16]byte
	EUI64        [8]byte
}

// Cache holds the identify data collected for one controller, queried once
// per kind and reused on subsequent calls, mirroring
// NVMeDeviceIdentifyData's eager-on-construction caching but made lazy/
// per-accessor since nothing here needs every kind up front.
type Cache struct {
	ctrl *controller.Controller

	controllerInfo *ControllerInfo
	namespaces     map[uint32]*NamespaceInfo
	nsidList       []uint32
	uuidList       []UUIDEntry
}

// NewCache returns an empty identify cache over ctrl.
func NewCache(ctrl *controller.Controller) *Cache {
	return &Cache{ctrl: ctrl, namespaces: map[uint32]*NamespaceInfo{}}
}

func (c *Cache) identifyInto(cmd *command.Command, timeout time.Duration) ([]byte, error) {
	region, err := c.ctrl.DMA().Malloc(BufferSize, platform.DeviceToHost, "identify")
	if err != nil {
		return nil, fmt.Errorf("identify: allocating buffer: %w", err)
	}
	defer c.ctrl.DMA().Free(region)

	cmd.SetPRP1(region.IOVA)
	if _, err := c.ctrl.SyncCmd(0, cmd, timeout); err != nil {
		return nil, err
	}

	out := make([]byte, BufferSize)
	copy(out, region.VAddr[:BufferSize])
	return out, nil
}

// Controller returns the cached Identify Controller summary, querying the
// device the first time it's called.
func (c *Cache) Controller() (*ControllerInfo, error) {
	if c.controllerInfo != nil {
		return c.controllerInfo, nil
	}

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSController, 0, 0)
	data, err := c.identifyInto(cmd, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("identify: controller: %w", err)
	}

	view := newControllerView(data)
	info := &ControllerInfo{
		VendorID:        view.VID(),
		ModelNumber:     view.MN(),
		SerialNumber:    view.SN(),
		FirmwareVersion: view.FR(),
		OUI:             view.IEEE(),
		NumNamespaces:   view.NN(),
		PowerStates:     view.PowerStates(),
	}
	if mdts := view.MDTS(); mdts > 0 {
		info.MaxDataXferSize = c.ctrl.MPS() << mdts
	}
	c.controllerInfo = info
	return info, nil
}

// NamespaceIDs returns the active namespace ID list, querying the device the
// first time it's called.
func (c *Cache) NamespaceIDs() ([]uint32, error) {
	if c.nsidList != nil {
		return c.nsidList, nil
	}

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSActiveNamespaceList, 0, 0)
	data, err := c.identifyInto(cmd, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("identify: namespace list: %w", err)
	}

	var ids []uint32
	for i := 0; i < 1024; i++ {
		id := binary.LittleEndian.Uint32(data[i*4:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	c.nsidList = ids
	return ids, nil
}

// Namespace returns the cached Identify Namespace summary for nsid, querying
// the device the first time it's called for that namespace.
func (c *Cache) Namespace(nsid uint32) (*NamespaceInfo, error) {
	if ns, ok := c.namespaces[nsid]; ok {
		return ns, nil
	}

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSNamespace, nsid, 0)
	data, err := c.identifyInto(cmd, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("identify: namespace %d: %w", nsid, err)
	}

	view := newNamespaceView(data)
	lbaf := view.ActiveLBAFormat()
	if lbaf.LBADataSize == 0 {
		return nil, fmt.Errorf("identify: namespace %d: LBADS is 0", nsid)
	}
	lbaDSBytes := uint64(1) << lbaf.LBADataSize

	usage, total, unit := nsSize(lbaDSBytes, view.NSZE(), view.NUSE())
	lbaSize, lbaUnit := lbaDSSize(lbaDSBytes)

	info := &NamespaceInfo{
		NSID:          nsid,
		NSZE:          view.NSZE(),
		NUSE:          view.NUSE(),
		LBADataBytes:  lbaDSBytes,
		UsageString:   fmt.Sprintf("%s %s", usage, unit),
		TotalString:   fmt.Sprintf("%s %s", total, unit),
		LBASizeString: fmt.Sprintf("%d %s", lbaSize, lbaUnit),
		NGUID:         view.NGUID(),
		EUI64:         view.EUI64(),
	}
	c.namespaces[nsid] = info
	return info, nil
}

// Namespaces identifies every active namespace reported by the controller,
// mirroring identify_namespaces' loop over the active namespace ID list.
func (c *Cache) Namespaces() ([]*NamespaceInfo, error) {
	ids, err := c.NamespaceIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*NamespaceInfo, 0, len(ids))
	for _, id := range ids {
		ns, err := c.Namespace(id)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, nil
}

// UUIDEntry is one entry of the Identify UUID List, per the NVMe Base
// Specification's UUID List data structure. The Identify UUID List command
// (CNS 0x17) was never exercised by the retrieved pack sources, so this
// layout is drawn from the base spec rather than ported Python text.
type UUIDEntry struct {
	UUID        [16]byte
	Association uint8
}

// UUIDList returns the cached Identify UUID List, querying the device the
// first time it's called. A controller that doesn't support the command
// returns its *command.StatusError unchanged, matching
// identify_uuid_list's NVMeStatusCodeException handling one layer up (the
// caller decides whether that's fatal).
func (c *Cache) UUIDList() ([]UUIDEntry, error) {
	if c.uuidList != nil {
		return c.uuidList, nil
	}

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSUUIDList, 0, 0)
	data, err := c.identifyInto(cmd, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var entries []UUIDEntry
	for off := 0; off+16 <= len(data); off += 16 {
		assoc := data[off] & 0x7
		if assoc == 0 {
			continue
		}
		var e UUIDEntry
		copy(e.UUID[:], data[off:off+16])
		e.Association = assoc
		entries = append(entries, e)
	}
	c.uuidList = entries
	return entries, nil
}

// nsSize mirrors identify.py's ns_size: human-scaled usage/total strings
// at a fixed set of SI-ish thresholds (divisors of 1000, not 1024).
func nsSize(lbaDSBytes, nsze, nuse uint64) (usage, total string, unit string) {
	totalBytes := new(big.Float).SetUint64(lbaDSBytes * nsze)
	usageBytes := new(big.Float).SetUint64(lbaDSBytes * nuse)

	thresholds := []struct {
		limit   uint64
		divisor float64
		unit    string
	}{
		{1_000, 1, "B"},
		{1_000_000, 1_000, "KB"},
		{1_000_000_000, 1_000_000, "MB"},
		{1_000_000_000_000, 1_000_000_000, "GB"},
		{^uint64(0), 1_000_000_000_000, "TB"},
	}

	total64 := lbaDSBytes * nsze
	chosen := thresholds[len(thresholds)-1]
	for _, th := range thresholds {
		if total64 < th.limit {
			chosen = th
			break
		}
	}

	usageScaled := new(big.Float).Quo(usageBytes, big.NewFloat(chosen.divisor))
	totalScaled := new(big.Float).Quo(totalBytes, big.NewFloat(chosen.divisor))
	return usageScaled.Text('f', 2), totalScaled.Text('f', 2), chosen.unit
}

// lbaDSSize mirrors identify.py's lba_ds_size: plain bytes up to and
// including 1KiB, whole KiB above that.
func lbaDSSize(lbaDSBytes uint64) (uint64, string) {
	if lbaDSBytes > 1024 {
		return lbaDSBytes / 1024, "KiB"
	}
	return lbaDSBytes, "B"
}
