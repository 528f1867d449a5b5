package simulator

import "encoding/binary"

// identifyBufferSize is the fixed size of every Identify data structure,
// matching identify.BufferSize byte-for-byte so the driver-side identify
// package decodes these buffers without any simulator-specific handling.
const identifyBufferSize = 4096

func putString(b []byte, off int, n int, s string) {
	copy(b[off:off+n], s)
	for i := len(s); i < n; i++ {
		b[off+i] = ' '
	}
}

// buildIdentifyControllerData lays out the Identify Controller data
// structure at the byte offsets identify.ControllerView reads, grounded on
// original_source/python3/nvsim_2/simulators/generic.py's
// GenericNVMeNVSimConfig identify defaults.
func (s *Simulator) buildIdentifyControllerData() []byte {
	b := make([]byte, identifyBufferSize)

	binary.LittleEndian.PutUint16(b[0:], 0xEDDA) // VID
	binary.LittleEndian.PutUint16(b[2:], 0xEDDA) // SSVID
	putString(b, 4, 20, identitySerial)          // SN
	putString(b, 24, 40, identityModel)          // MN
	putString(b, 64, 8, identityFirmware)        // FR
	b[72] = 0                                    // RAB
	b[73], b[74], b[75] = 0, 0, 0                // IEEE OUI, unassigned
	b[76] = 0                                    // CMIC
	b[77] = 0                                    // MDTS: no limit reported
	binary.LittleEndian.PutUint16(b[78:], 1)     // CNTLID
	// VER 2.1.0
	binary.LittleEndian.PutUint32(b[80:], uint32(0)|uint32(1)<<8|uint32(2)<<16)

	binary.LittleEndian.PutUint16(b[256:], 0) // OACS: no Format/Firmware/NS management
	b[258] = 0                                // ACL
	b[259] = 0                                // AERL
	b[260] = 0                                // FRMW
	b[261] = 0                                // LPA
	b[263] = 0                                // NPSS: power state 0 only

	b[512] = 6                                          // SQES: 64-byte min/max, log2
	b[512] |= 6 << 4
	b[513] = 4 // CQES: 16-byte min/max, log2
	b[513] |= 4 << 4
	binary.LittleEndian.PutUint16(b[514:], uint16(queueDepthLimit)) // MAXCMD
	binary.LittleEndian.PutUint32(b[516:], uint32(len(s.nsOrder)))  // NN
	binary.LittleEndian.PutUint16(b[520:], 0)                       // ONCS
	b[525] = 0                                                      // VWC: no volatile write cache
	binary.LittleEndian.PutUint32(b[536:], 0)                       // SGLS: not supported
	putString(b, 768, 256, "nqn.2023-01.sim.nvhost:nvsim")

	// Power State Descriptor 0: on, no latency reported.
	const psBase = 2048
	binary.LittleEndian.PutUint16(b[psBase:], 1) // MaxPower: 0.01W, nonzero marks it supported

	return b
}

// buildIdentifyNamespaceData lays out the Identify Namespace data structure
// for ns at the offsets identify.NamespaceView reads: a single active LBA
// format (index 0) describing ns's block size.
func (s *Simulator) buildIdentifyNamespaceData(ns *namespace) []byte {
	b := make([]byte, identifyBufferSize)

	binary.LittleEndian.PutUint64(b[0:], ns.NumBlocks())  // NSZE
	binary.LittleEndian.PutUint64(b[8:], ns.NumBlocks())  // NCAP
	binary.LittleEndian.PutUint64(b[16:], ns.NumBlocks()) // NUSE: fully allocated, thin provisioning unused
	b[25] = 0                                             // NLBAF: one format, zero-based
	b[26] = 0                                             // FLBAS: format 0 active

	const lbafBase = 128
	lbads := log2(uint64(ns.BlockSize()))
	binary.LittleEndian.PutUint16(b[lbafBase:], 0) // MS: no metadata
	b[lbafBase+2] = lbads
	b[lbafBase+3] = 0 // RP: best performance

	return b
}

// log2 returns floor(log2(v)) for a power-of-two v, the LBADS encoding the
// Identify Namespace LBA Format table uses.
func log2(v uint64) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
