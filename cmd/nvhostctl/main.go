// Copyright 2017-2022 Daniel Swarbrick. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nvhostctl is a small demonstration client for the driver: it
// opens a slot (a real VFIO-bound PCI address, or the reserved "nvsim"
// simulator slot), brings the controller up, prints Identify data, and
// optionally exercises a write/read round trip against one namespace.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvhost/nvhost/command"
	"github.com/nvhost/nvhost/controller"
	"github.com/nvhost/nvhost/identify"
	"github.com/nvhost/nvhost/platform"
	_ "github.com/nvhost/nvhost/simulator"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	CAP_SYS_RAWIO = 1 << 17
	CAP_SYS_ADMIN = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32 //lint:ignore U1000 unused but required member
	inheritable uint32 //lint:ignore U1000 unused but required member
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps invokes the capget syscall to check for necessary capabilities.
// This depends on the binary having the capabilities set (via setcap), or
// on it running as root.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = _LINUX_CAPABILITY_VERSION_3

	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if e1 != 0 {
		fmt.Println("capget() failed:", e1.Error())
		return
	}

	if (caps.data[0].effective&CAP_SYS_RAWIO == 0) && (caps.data[0].effective&CAP_SYS_ADMIN == 0) {
		fmt.Println("Neither cap_sys_rawio nor cap_sys_admin are in effect. Device access will probably fail.")
	}
}

func main() {
	fmt.Println("nvhost userspace NVMe host driver")
	fmt.Printf("Built with %s on %s (%s)\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	slot := flag.String("slot", platform.SimulatorSlot, "PCI slot address bound to vfio-pci, or \"nvsim\" for the in-process simulator")
	nsid := flag.Uint("nsid", 1, "namespace ID to identify and exercise")
	doWrite := flag.Bool("write", false, "write a pattern to LBA 0 of -nsid before reading it back")
	flag.Parse()

	checkCaps()

	dev, err := platform.Open(*slot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot open slot:", err)
		os.Exit(1)
	}

	ctrl := controller.New(dev, controller.DefaultOptions())
	defer ctrl.Close()

	if err := ctrl.InitAdminQueues(64, 64); err != nil {
		fmt.Fprintln(os.Stderr, "init admin queues:", err)
		os.Exit(1)
	}

	cache := identify.NewCache(ctrl)

	ctrlInfo, err := cache.Controller()
	if err != nil {
		fmt.Fprintln(os.Stderr, "identify controller:", err)
		os.Exit(1)
	}
	fmt.Printf("Model:    %s\n", ctrlInfo.ModelNumber)
	fmt.Printf("Serial:   %s\n", ctrlInfo.SerialNumber)
	fmt.Printf("Firmware: %s\n", ctrlInfo.FirmwareVersion)
	fmt.Printf("VID:      0x%04x\n\n", ctrlInfo.VendorID)

	nsInfo, err := cache.Namespace(uint32(*nsid))
	if err != nil {
		fmt.Fprintln(os.Stderr, "identify namespace:", err)
		os.Exit(1)
	}
	fmt.Printf("Namespace %d: %s used of %s, LBA size %s\n", *nsid, nsInfo.UsageString, nsInfo.TotalString, nsInfo.LBASizeString)

	if err := ctrl.CreateIOQueuePair(
		controller.IOQueueParams{Entries: 64, QID: 1},
		controller.IOQueueParams{Entries: 64, QID: 1},
	); err != nil {
		fmt.Fprintln(os.Stderr, "create I/O queue pair:", err)
		os.Exit(1)
	}

	if *doWrite {
		if err := writeReadRoundTrip(ctrl, uint32(*nsid), nsInfo.LBADataBytes); err != nil {
			fmt.Fprintln(os.Stderr, "write/read round trip:", err)
			os.Exit(1)
		}
		fmt.Println("write/read round trip OK")
	}
}

// writeReadRoundTrip writes a recognizable byte pattern to LBA 0 and reads
// it back, failing if the two don't match.
func writeReadRoundTrip(ctrl *controller.Controller, nsid uint32, lbaBytes uint64) error {
	sqid, ok := ctrl.NextIOSQID()
	if !ok {
		return fmt.Errorf("no I/O submission queue available")
	}

	region, err := ctrl.DMA().Malloc(lbaBytes, platform.HostToDevice, "nvhostctl-write")
	if err != nil {
		return err
	}
	defer ctrl.DMA().Free(region)
	for i := range region.VAddr {
		region.VAddr[i] = byte(i)
	}

	wbuf := make([]byte, command.Size)
	wcmd := command.Write(wbuf, nsid, 0, 0, region.IOVA, 0)
	if _, err := ctrl.SyncCmd(sqid, wcmd, 10*time.Second); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	rRegion, err := ctrl.DMA().Malloc(lbaBytes, platform.DeviceToHost, "nvhostctl-read")
	if err != nil {
		return err
	}
	defer ctrl.DMA().Free(rRegion)

	rbuf := make([]byte, command.Size)
	rcmd := command.Read(rbuf, nsid, 0, 0, rRegion.IOVA, 0)
	if _, err := ctrl.SyncCmd(sqid, rcmd, 10*time.Second); err != nil {
		return fmt.Errorf("read: %w", err)
	}

	for i := range region.VAddr {
		if region.VAddr[i] != rRegion.VAddr[i] {
			return fmt.Errorf("mismatch at byte %d: wrote %d, read %d", i, region.VAddr[i], rRegion.VAddr[i])
		}
	}
	return nil
}
