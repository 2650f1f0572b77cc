// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package e1000 simulates the transmit half of an Intel 82540EM NIC.
//
// The driver side (Transmit) fills descriptors at the tail of the ring and
// the hardware side (Process) drains them from the head, handing each
// packet to a sink. The kernel calls Process once per scheduling quantum.
package e1000

import (
	"fmt"

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/metric"
)

// Register offsets, in bytes.
const (
	TDBAL  = 0x03800 // TX Descriptor Base Address Low
	TDBAH  = 0x03804 // TX Descriptor Base Address High
	TDLEN  = 0x03808 // TX Descriptor Length
	TDH    = 0x03810 // TX Descriptor Head
	TDT    = 0x03818 // TX Descriptor Tail
	TXDCTL = 0x03828 // TX Descriptor Control
	TIPG   = 0x00410 // TX Inter-packet gap

	// regSpace is the size of the register window.
	regSpace = 0x04000
)

// Transmit control bits.
const (
	TCTLEn  = 1 << 1
	TCTLPSP = 1 << 3
)

// TCTLCT encodes the collision threshold.
func TCTLCT(x uint8) uint32 {
	return uint32(x) << 4
}

// TCTLCold encodes the collision distance.
func TCTLCold(x uint32) uint32 {
	return (x & 0x3ff) << 12
}

// Default values for the transmit IPG register.
const (
	DefaultTIPGIPGT  = 10
	DefaultTIPGIPGR1 = 4
	DefaultTIPGIPGR2 = 6

	TIPGIPGR1Shift = 10
	TIPGIPGR2Shift = 20
)

// Descriptor command and status bits.
const (
	CmdEOP = 0x01
	CmdRS  = 0x08

	StatDD = 0x01
)

const (
	// MaxDesc is the default number of transmit descriptors.
	MaxDesc = 64

	// MaxPacket is the largest Ethernet frame the ring accepts.
	MaxPacket = 1518

	// TxBufSize is MaxPacket rounded up to a 16-byte boundary.
	TxBufSize = 1520

	// descSize is the size of one TxDesc in device memory.
	descSize = 16

	// ringAddr and bufAddr are the simulated DMA addresses of the
	// descriptor ring and of the packet buffers.
	ringAddr = 0x0f000000
	bufAddr  = 0x0f100000
)

var (
	txPackets = metric.MustCreateNewUint64Metric("e1000_tx_packets_total", "Packets handed to the wire by the simulated NIC.")
	txRetries = metric.MustCreateNewUint64Metric("e1000_tx_retries_total", "Transmit attempts refused because the ring was full.")
	txDropped = metric.MustCreateNewUint64Metric("e1000_tx_oversize_total", "Transmit attempts refused because the packet was too large.")
)

// TxDesc is a legacy transmit descriptor.
type TxDesc struct {
	BufferAddr uint64
	Length     uint16
	CSO        uint8
	Cmd        uint8
	Status     uint8
	CSS        uint8
	Special    uint16
}

// Stats counts device activity.
type Stats struct {
	Transmitted uint64
	Retried     uint64
	Oversize    uint64
}

// Device is a simulated NIC.
//
// Device is not thread-safe and requires external synchronization.
type Device struct {
	regs  [regSpace / 4]uint32
	descs []TxDesc
	bufs  [][TxBufSize]byte
	sink  func([]byte)
	stats Stats
}

// New returns a device with ndesc transmit descriptors. Every processed
// packet is passed to sink, which must not retain the slice.
func New(ndesc int, sink func([]byte)) *Device {
	if ndesc < 2 {
		panic(fmt.Sprintf("e1000: need at least 2 descriptors, got %d", ndesc))
	}
	return &Device{
		descs: make([]TxDesc, ndesc),
		bufs:  make([][TxBufSize]byte, ndesc),
		sink:  sink,
	}
}

// Init programs the transmit registers and marks every descriptor done.
func (d *Device) Init() {
	for i := range d.descs {
		d.descs[i] = TxDesc{
			BufferAddr: bufAddr + uint64(i)*TxBufSize,
			Status:     StatDD,
		}
	}
	d.setReg(TDBAL, ringAddr)
	d.setReg(TDBAH, 0)
	d.setReg(TDLEN, uint32(len(d.descs)*descSize))
	d.setReg(TDH, 0)
	d.setReg(TDT, 0)
	d.setReg(TXDCTL, TCTLEn|TCTLPSP|TCTLCT(0x10)|TCTLCold(64))
	d.setReg(TIPG, DefaultTIPGIPGT|
		DefaultTIPGIPGR1<<TIPGIPGR1Shift|
		DefaultTIPGIPGR2<<TIPGIPGR2Shift)
}

// Reg reads the register at byte offset off.
func (d *Device) Reg(off uint32) uint32 {
	return d.regs[off>>2]
}

func (d *Device) setReg(off, v uint32) {
	d.regs[off>>2] = v
}

// Desc returns a copy of descriptor i.
func (d *Device) Desc(i int) TxDesc {
	return d.descs[i]
}

// Transmit queues pkt at the tail of the ring. It fails with
// kernerr.EPktTooLarge for packets over MaxPacket bytes and with
// kernerr.ETxRetry while the ring is full.
func (d *Device) Transmit(pkt []byte) error {
	if len(pkt) > MaxPacket {
		d.stats.Oversize++
		txDropped.Increment()
		return kernerr.EPktTooLarge
	}
	n := uint32(len(d.descs))
	tail := d.Reg(TDT)
	next := (tail + 1) % n
	desc := &d.descs[tail]
	if desc.Status&StatDD == 0 || next == d.Reg(TDH) {
		d.stats.Retried++
		txRetries.Increment()
		return kernerr.ETxRetry
	}
	copy(d.bufs[tail][:], pkt)
	desc.Length = uint16(len(pkt))
	desc.Cmd = CmdRS | CmdEOP
	desc.Status &^= StatDD
	d.setReg(TDT, next)
	return nil
}

// Process drains up to max queued descriptors and returns how many were
// sent. A negative max drains the ring.
func (d *Device) Process(max int) int {
	n := uint32(len(d.descs))
	sent := 0
	for max < 0 || sent < max {
		head := d.Reg(TDH)
		if head == d.Reg(TDT) {
			break
		}
		desc := &d.descs[head]
		if d.sink != nil {
			d.sink(d.bufs[head][:desc.Length])
		}
		desc.Status |= StatDD
		d.setReg(TDH, (head+1)%n)
		d.stats.Transmitted++
		txPackets.Increment()
		sent++
	}
	return sent
}

// Pending returns the number of queued descriptors.
func (d *Device) Pending() int {
	n := uint32(len(d.descs))
	return int((d.Reg(TDT) + n - d.Reg(TDH)) % n)
}

// Stats returns device counters.
func (d *Device) Stats() Stats {
	return d.stats
}
